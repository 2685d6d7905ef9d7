package spool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldbridge/fieldbridge/pkg/queue"
	"github.com/fieldbridge/fieldbridge/pkg/security"
	"github.com/fieldbridge/fieldbridge/pkg/storage"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

func testRecord(source string, i int) *types.ProtocolRecord {
	r := types.NewRecord(source, "modbus+tcp://plc:502", types.ProtocolModbus,
		"1/holding/40001", int64(1000+i), types.Float64Value(float64(i)*1.5))
	r.IngestTimeUS = int64(2000 + i)
	r.Status = "Good"
	r.Metadata = map[string]string{"scale": "0.1"}
	return r
}

func newTestSpool(t *testing.T, opts Options) *Spool {
	t.Helper()
	dir := t.TempDir()
	opts.Dir = filepath.Join(dir, "spool")
	opts.DLQDir = filepath.Join(dir, "dlq")
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	kr, err := security.LoadKeyring(t.TempDir(), "test-passphrase")
	require.NoError(t, err)

	for _, keyring := range []*security.Keyring{nil, kr} {
		in := testRecord("press1", 7)
		in.WoT = &types.WoTFields{
			ThingID:      "urn:dev:press1",
			ThingTitle:   "Hydraulic Press",
			SemanticType: "saref:Pressure",
			UnitURI:      "http://qudt.org/vocab/unit/BAR",
		}
		payload, err := encodeRecord(in, keyring)
		require.NoError(t, err)
		out, err := decodeRecord(payload, keyring)
		require.NoError(t, err)

		assert.Equal(t, in.EventTimeUS, out.EventTimeUS)
		assert.Equal(t, in.IngestTimeUS, out.IngestTimeUS)
		assert.Equal(t, in.SourceName, out.SourceName)
		assert.Equal(t, in.Protocol, out.Protocol)
		assert.Equal(t, in.TopicOrPath, out.TopicOrPath)
		assert.Equal(t, in.Value.String(), out.Value.String())
		assert.Equal(t, in.Value.Kind(), out.Value.Kind())
		assert.Equal(t, in.Metadata, out.Metadata)
		assert.Equal(t, in.WoT, out.WoT)
	}
}

func TestWriteAndDrain(t *testing.T) {
	s := newTestSpool(t, Options{Prepend: true})

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Write(testRecord("line1", i)))
	}
	assert.EqualValues(t, 10, s.PendingRecords())
	assert.Greater(t, s.Bytes(), int64(0))

	q := queue.New(queue.Options{Capacity: 100})
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, q)
		close(done)
	}()

	// The drainer seals the active segment and reinjects in write order
	require.Eventually(t, func() bool { return q.Depth() == 10 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	for i := 0; i < 10; i++ {
		r, ok := q.Take(context.Background(), time.Second)
		require.True(t, ok)
		assert.Equal(t, int64(1000+i), r.EventTimeUS)
		require.NotNil(t, r.Spool)
		assert.Equal(t, "line1", r.Spool.Source)
	}
}

func TestAckReleasesSegment(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	s := newTestSpool(t, Options{Prepend: true, Store: store})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Write(testRecord("line1", i)))
	}

	q := queue.New(queue.Options{Capacity: 100})
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, q)

	require.Eventually(t, func() bool { return q.Depth() == 5 }, 5*time.Second, 10*time.Millisecond)

	var addrs []types.SpoolAddr
	for i := 0; i < 5; i++ {
		r, ok := q.Take(context.Background(), time.Second)
		require.True(t, ok)
		require.NotNil(t, r.Spool)
		addrs = append(addrs, *r.Spool)
	}

	// Segment file survives until every record is acknowledged
	segPath := filepath.Join(s.opts.Dir, "line1", segmentName(1))
	_, statErr := os.Stat(segPath)
	require.NoError(t, statErr)

	s.Ack(addrs[:4])
	_, statErr = os.Stat(segPath)
	assert.NoError(t, statErr)

	s.Ack(addrs[4:])
	_, statErr = os.Stat(segPath)
	assert.True(t, os.IsNotExist(statErr))
	assert.EqualValues(t, 0, s.PendingRecords())
	assert.EqualValues(t, 0, s.Bytes())
}

func TestRecoveryAfterRestart(t *testing.T) {
	dir := t.TempDir()
	stateDir := t.TempDir()
	store, err := storage.NewBoltStore(stateDir)
	require.NoError(t, err)
	defer store.Close()

	opts := Options{
		Dir:    filepath.Join(dir, "spool"),
		DLQDir: filepath.Join(dir, "dlq"),
		Store:  store,
	}
	s, err := New(opts)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Write(testRecord("line1", i)))
	}
	require.NoError(t, s.Close())

	// Simulate three records acknowledged before the crash
	require.NoError(t, store.SetSegmentAcked("line1", 1, 3))

	s2, err := New(opts)
	require.NoError(t, err)
	defer s2.Close()
	assert.EqualValues(t, 5, s2.PendingRecords())

	q := queue.New(queue.Options{Capacity: 100})
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s2.Run(ctx, q)

	require.Eventually(t, func() bool { return q.Depth() == 5 }, 5*time.Second, 10*time.Millisecond)
	r, ok := q.Take(context.Background(), time.Second)
	require.True(t, ok)
	// The first three records were skipped
	assert.Equal(t, int64(1003), r.EventTimeUS)
}

func TestRecoveryRemovesDeliveredSegments(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	opts := Options{
		Dir:    filepath.Join(dir, "spool"),
		DLQDir: filepath.Join(dir, "dlq"),
		Store:  store,
	}
	s, err := New(opts)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Write(testRecord("line1", i)))
	}
	require.NoError(t, s.Close())
	require.NoError(t, store.SetSegmentAcked("line1", 1, 4))

	s2, err := New(opts)
	require.NoError(t, err)
	defer s2.Close()
	assert.EqualValues(t, 0, s2.PendingRecords())
	_, statErr := os.Stat(filepath.Join(opts.Dir, "line1", segmentName(1)))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSegmentRotation(t *testing.T) {
	s := newTestSpool(t, Options{MaxSegmentBytes: 256})

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Write(testRecord("line1", i)))
	}

	entries, err := os.ReadDir(filepath.Join(s.opts.Dir, "line1"))
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1, "small segment cap should force rotation")
	assert.EqualValues(t, 20, s.PendingRecords())
}

func TestSealingEmptySegmentReusesSequence(t *testing.T) {
	s := newTestSpool(t, Options{})

	s.mu.Lock()
	src := s.sourceSpoolLocked("line1")
	require.NoError(t, s.openActiveLocked(src))
	require.NoError(t, s.sealActiveLocked(src))
	next := src.nextSeq
	s.mu.Unlock()

	assert.EqualValues(t, 1, next, "a discarded empty segment gives its sequence back")

	// The next write takes the reused number, keeping the chain contiguous
	require.NoError(t, s.Write(testRecord("line1", 1)))
	s.mu.Lock()
	_, ok := src.segments[1]
	s.mu.Unlock()
	assert.True(t, ok)
}

func TestTotalCapOverflow(t *testing.T) {
	s := newTestSpool(t, Options{MaxTotalBytes: 512})

	var err error
	for i := 0; i < 100; i++ {
		if err = s.Write(testRecord("line1", i)); err != nil {
			break
		}
	}
	require.Error(t, err)
	assert.Equal(t, types.ErrOverflow, types.ClassOf(err))
}

func TestEncryptedSegmentsAreOpaque(t *testing.T) {
	kr, err := security.LoadKeyring(t.TempDir(), "spool-secret")
	require.NoError(t, err)
	s := newTestSpool(t, Options{Keyring: kr})

	require.NoError(t, s.Write(testRecord("line1", 1)))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(s.opts.Dir, "line1", segmentName(1)))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "modbus+tcp://plc:502")
	assert.NotContains(t, string(data), "topic_or_path")
}

func TestWriteDLQ(t *testing.T) {
	s := newTestSpool(t, Options{})

	r := testRecord("line1", 1)
	require.NoError(t, s.WriteDLQ(r, "schema mismatch: unknown column"))
	// DLQ records never count against the deliverable backlog
	assert.EqualValues(t, 0, s.PendingRecords())

	path := filepath.Join(s.opts.DLQDir, "line1", segmentName(1))
	it, err := openFrameIter(path)
	require.NoError(t, err)
	defer it.close()

	payload, _, err := it.next()
	require.NoError(t, err)
	out, err := decodeRecord(payload, nil)
	require.NoError(t, err)
	assert.Equal(t, "schema mismatch: unknown column", out.Metadata["dlq_reason"])
	assert.Equal(t, "0.1", out.Metadata["scale"])
	// The original record's metadata is untouched
	assert.NotContains(t, r.Metadata, "dlq_reason")
}

func TestDrainAppendMode(t *testing.T) {
	s := newTestSpool(t, Options{Prepend: false})
	require.NoError(t, s.Write(testRecord("line1", 1)))

	q := queue.New(queue.Options{Capacity: 100})
	defer q.Close()
	q.Offer(testRecord("line1", 50))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, q)

	require.Eventually(t, func() bool { return q.Depth() == 2 }, 5*time.Second, 10*time.Millisecond)
	r, _ := q.Take(context.Background(), time.Second)
	assert.Equal(t, int64(1050), r.EventTimeUS, "fresh record stays ahead in append mode")
	r, _ = q.Take(context.Background(), time.Second)
	assert.Equal(t, int64(1001), r.EventTimeUS)
}
