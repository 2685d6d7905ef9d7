package opcua

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

func testSource(nodeIDs ...string) *types.Source {
	return &types.Source{
		Name:     "press1",
		Protocol: types.ProtocolOPCUA,
		Endpoint: "opc.tcp://plc:4840",
		OPCUA:    &types.OPCUAOptions{NodeIDs: nodeIDs},
	}
}

func TestNewValidatesNodeIDs(t *testing.T) {
	c, err := New(testSource("ns=2;s=Pressure", "i=2258"), func(*types.ProtocolRecord) {})
	require.NoError(t, err)
	assert.Len(t, c.nodeIDs, 2)
	assert.Equal(t, types.ProtocolOPCUA, c.Protocol())

	_, err = New(testSource("ns=two;bogus"), func(*types.ProtocolRecord) {})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.ClassOf(err))
	assert.True(t, types.IsPermanent(err))

	_, err = New(testSource(), func(*types.ProtocolRecord) {})
	assert.Error(t, err)
}

func TestClientOptionsRequireCertsForSigning(t *testing.T) {
	src := testSource("i=2258")
	src.OPCUA.SecurityMode = types.SecurityModeSignAndEncrypt
	c, err := New(src, func(*types.ProtocolRecord) {})
	require.NoError(t, err)

	_, err = c.clientOptions()
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.ClassOf(err))

	src.OPCUA.SecurityMode = types.SecurityModeNone
	opts, err := c.clientOptions()
	require.NoError(t, err)
	assert.NotEmpty(t, opts)
}

func TestVariantValue(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want types.Value
	}{
		{"bool", true, types.BoolValue(true)},
		{"int32", int32(-7), types.Int64Value(-7)},
		{"uint16", uint16(40001), types.Int64Value(40001)},
		{"float64", 21.5, types.Float64Value(21.5)},
		{"float32", float32(2.5), types.Float64Value(2.5)},
		{"string", "RUNNING", types.StringValue("RUNNING")},
		{"bytes", []byte{0xde, 0xad}, types.BytesValue([]byte{0xde, 0xad})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ua.NewVariant(tt.in)
			require.NoError(t, err)
			got := variantValue(v)
			assert.Equal(t, tt.want.Kind(), got.Kind())
			assert.Equal(t, tt.want.String(), got.String())
		})
	}

	assert.Equal(t, types.KindString, variantValue(nil).Kind())
}

func TestToRecord(t *testing.T) {
	c, err := New(testSource("ns=2;s=Pressure"), func(*types.ProtocolRecord) {})
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, err := ua.NewVariant(4.2)
	require.NoError(t, err)

	r := c.toRecord(c.nodeIDs[0], &ua.DataValue{
		Value:           v,
		Status:          ua.StatusOK,
		SourceTimestamp: ts,
	})
	assert.Equal(t, "press1", r.SourceName)
	assert.Equal(t, "ns=2;s=Pressure", r.TopicOrPath)
	assert.Equal(t, ts.UnixMicro(), r.EventTimeUS)
	assert.Equal(t, "Good", r.Status)
	assert.EqualValues(t, uint32(ua.StatusOK), r.StatusCode)

	bad := c.toRecord(c.nodeIDs[0], &ua.DataValue{
		Value:  v,
		Status: ua.StatusBadNodeIDUnknown,
	})
	assert.NotEqual(t, "Good", bad.Status)
	assert.NotZero(t, bad.StatusCode)
	// Missing source timestamp falls back to receipt time
	assert.NotZero(t, bad.EventTimeUS)
}
