package mqtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

func testSource(topics ...types.MQTTTopic) *types.Source {
	return &types.Source{
		Name:     "broker1",
		Protocol: types.ProtocolMQTT,
		Endpoint: "mqtt://broker:1883",
		MQTT:     &types.MQTTOptions{Topics: topics},
	}
}

func TestNewValidatesTopics(t *testing.T) {
	c, err := New(testSource(types.MQTTTopic{Filter: "factory/+/temp", QoS: 1}), func(*types.ProtocolRecord) {})
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolMQTT, c.Protocol())
	assert.Equal(t, "mqtt://broker:1883", c.Endpoint())

	_, err = New(testSource(), func(*types.ProtocolRecord) {})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.ClassOf(err))

	_, err = New(testSource(types.MQTTTopic{Filter: ""}), func(*types.ProtocolRecord) {})
	assert.Error(t, err)

	_, err = New(testSource(types.MQTTTopic{Filter: "a/b", QoS: 3}), func(*types.ProtocolRecord) {})
	assert.Error(t, err)
}

func TestPayloadValue(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		kind    types.ValueKind
		str     string
	}{
		{"integer", []byte("42"), types.KindInt64, "42"},
		{"negative", []byte("-17"), types.KindInt64, "-17"},
		{"float", []byte("21.5"), types.KindFloat64, "21.5"},
		{"bool true", []byte("true"), types.KindBool, "true"},
		{"bool false", []byte("false"), types.KindBool, "false"},
		{"text", []byte("RUNNING"), types.KindString, "RUNNING"},
		{"json object", []byte(`{"t":21.5}`), types.KindString, `{"t":21.5}`},
		{"binary", []byte{0xff, 0xfe, 0x00}, types.KindBytes, "fffe00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := payloadValue(tt.payload)
			assert.Equal(t, tt.kind, v.Kind())
			assert.Equal(t, tt.str, v.String())
		})
	}
}
