package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// fakeClient scripts Connect/Run outcomes for the runner
type fakeClient struct {
	mu          sync.Mutex
	connectErrs []error
	runErrs     []error
	connects    int
	disconnects int
	emit        Emitter
	emitOnRun   int
}

func (f *fakeClient) Protocol() types.Protocol { return types.ProtocolMQTT }
func (f *fakeClient) Endpoint() string         { return "mqtt://broker:1883" }

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		return err
	}
	return nil
}

func (f *fakeClient) Run(ctx context.Context) error {
	f.mu.Lock()
	emit, n := f.emit, f.emitOnRun
	var err error
	if len(f.runErrs) > 0 {
		err = f.runErrs[0]
		f.runErrs = f.runErrs[1:]
	}
	f.mu.Unlock()

	for i := 0; i < n; i++ {
		emit(types.NewRecord("line1", f.Endpoint(), types.ProtocolMQTT,
			"factory/temp", int64(i), types.Float64Value(21.5)))
	}
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

func (f *fakeClient) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeClient) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects
}

func TestRunnerEmitsAndCounts(t *testing.T) {
	var got []*types.ProtocolRecord
	var mu sync.Mutex
	r := NewRunner("line1", func(rec *types.ProtocolRecord) {
		mu.Lock()
		got = append(got, rec)
		mu.Unlock()
	})
	fc := &fakeClient{emit: r.Emit, emitOnRun: 3}

	r.Start(context.Background(), fc)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.ClientStateRunning, r.State())

	stats := r.Stats()
	assert.EqualValues(t, 3, stats.RecordsEmitted)
	assert.False(t, stats.LastRecordAt.IsZero())

	r.Stop(time.Second)
	assert.Equal(t, types.ClientStateStopped, r.State())
	_, disconnects := fc.counts()
	assert.Equal(t, 1, disconnects)
}

func TestRunnerReconnectsOnTransientFailure(t *testing.T) {
	r := NewRunner("line1", func(*types.ProtocolRecord) {})
	fc := &fakeClient{
		connectErrs: []error{
			types.Classifyf(types.ErrTransport, "connection refused"),
		},
	}
	fc.emit = r.Emit

	r.Start(context.Background(), fc)
	defer r.Stop(2 * time.Second)

	// First connect fails, backoff elapses, second connect succeeds
	require.Eventually(t, func() bool {
		return r.State() == types.ClientStateRunning
	}, 10*time.Second, 20*time.Millisecond)

	connects, _ := fc.counts()
	assert.GreaterOrEqual(t, connects, 2)
	stats := r.Stats()
	assert.GreaterOrEqual(t, stats.ReconnectCount, uint64(1))
	assert.Contains(t, stats.LastError, "connection refused")
}

func TestRunnerStopsOnPermanentFailure(t *testing.T) {
	r := NewRunner("line1", func(*types.ProtocolRecord) {})
	fc := &fakeClient{
		connectErrs: []error{
			types.Classifyf(types.ErrCertificate, "certificate expired"),
		},
	}
	fc.emit = r.Emit

	r.Start(context.Background(), fc)
	require.Eventually(t, func() bool {
		return r.State() == types.ClientStateFailed
	}, 2*time.Second, 10*time.Millisecond)

	// No retry after a permanent failure
	time.Sleep(50 * time.Millisecond)
	connects, _ := fc.counts()
	assert.Equal(t, 1, connects)
	assert.True(t, r.State().Terminal())
}

func TestRunnerReconnectsWhenRunFails(t *testing.T) {
	r := NewRunner("line1", func(*types.ProtocolRecord) {})
	fc := &fakeClient{
		runErrs: []error{errors.New("broker closed the connection")},
	}
	fc.emit = r.Emit

	r.Start(context.Background(), fc)
	defer r.Stop(2 * time.Second)

	require.Eventually(t, func() bool {
		connects, _ := fc.counts()
		return connects >= 2 && r.State() == types.ClientStateRunning
	}, 10*time.Second, 20*time.Millisecond)

	// Unclassified errors default to transient
	stats := r.Stats()
	assert.Contains(t, stats.LastError, "broker closed")
}

func TestRunnerStopDuringBackoff(t *testing.T) {
	r := NewRunner("line1", func(*types.ProtocolRecord) {})
	fc := &fakeClient{
		connectErrs: []error{
			types.Classifyf(types.ErrTransport, "unreachable"),
			types.Classifyf(types.ErrTransport, "unreachable"),
			types.Classifyf(types.ErrTransport, "unreachable"),
		},
	}
	fc.emit = r.Emit

	r.Start(context.Background(), fc)
	require.Eventually(t, func() bool {
		return r.State() == types.ClientStateReconnecting
	}, 2*time.Second, 10*time.Millisecond)

	r.Stop(2 * time.Second)
	assert.Equal(t, types.ClientStateStopped, r.State())
}
