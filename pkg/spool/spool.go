package spool

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/metrics"
	"github.com/fieldbridge/fieldbridge/pkg/queue"
	"github.com/fieldbridge/fieldbridge/pkg/security"
	"github.com/fieldbridge/fieldbridge/pkg/storage"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// drainChunk is how many records the drainer decodes and reinjects per pass
const drainChunk = 256

// Options configures a Spool
type Options struct {
	// Dir is the segment tree root, normally <state_dir>/spool
	Dir string
	// DLQDir is the dead-letter tree root, normally <state_dir>/dlq
	DLQDir          string
	MaxSegmentBytes int64
	MaxTotalBytes   int64
	FsyncEveryN     int
	FsyncInterval   time.Duration
	// Prepend makes drained records go out ahead of fresh production
	Prepend bool
	// Keyring seals segment payloads; nil writes plaintext
	Keyring *security.Keyring
	// Store persists per-segment acknowledgement counts
	Store    storage.Store
	Counters *metrics.Counters
}

// sourceSpool is the per-source segment chain
type sourceSpool struct {
	name     string
	dir      string
	active   *segmentWriter
	segments map[uint64]*segment
	nextSeq  uint64
}

// Spool is the encrypted disk overflow area. All methods are safe for
// concurrent use.
type Spool struct {
	mu      sync.Mutex
	opts    Options
	sources map[string]*sourceSpool
	dlq     map[string]*segmentWriter
	total   int64
	logger  zerolog.Logger
}

// New opens the spool, recovering any segments left behind by a previous
// run. Segments whose records were all acknowledged before shutdown are
// removed; the rest are scheduled for draining.
func New(opts Options) (*Spool, error) {
	if opts.MaxSegmentBytes <= 0 {
		opts.MaxSegmentBytes = 100 << 20
	}
	if opts.MaxTotalBytes <= 0 {
		opts.MaxTotalBytes = 4096 << 20
	}
	if opts.FsyncEveryN <= 0 {
		opts.FsyncEveryN = 64
	}
	if opts.FsyncInterval <= 0 {
		opts.FsyncInterval = 200 * time.Millisecond
	}

	for _, dir := range []string{opts.Dir, opts.DLQDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create spool directory %s: %w", dir, err)
		}
	}

	s := &Spool{
		opts:    opts,
		sources: make(map[string]*sourceSpool),
		dlq:     make(map[string]*segmentWriter),
		logger:  log.WithComponent("spool"),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	metrics.SpoolBytes.Set(float64(s.total))
	return s, nil
}

// recover rebuilds the segment chains from disk
func (s *Spool) recover() error {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		src := s.sourceSpoolLocked(e.Name())
		segEntries, err := os.ReadDir(src.dir)
		if err != nil {
			return fmt.Errorf("failed to read spool directory for %s: %w", src.name, err)
		}
		for _, se := range segEntries {
			seq, ok := parseSegmentName(se.Name())
			if !ok {
				continue
			}
			path := filepath.Join(src.dir, se.Name())
			frames, bytes, err := countFrames(path)
			if err != nil {
				s.logger.Error().Err(err).Str("segment", path).Msg("Unreadable spool segment, skipping")
				continue
			}

			acked := uint64(0)
			if s.opts.Store != nil {
				if acked, err = s.opts.Store.GetSegmentAcked(src.name, seq); err != nil {
					return err
				}
			}
			if frames == 0 || acked >= frames {
				// Fully delivered (or empty) before the last shutdown
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("failed to remove delivered segment %s: %w", path, err)
				}
				if s.opts.Store != nil {
					if err := s.opts.Store.DeleteSegmentMark(src.name, seq); err != nil {
						return err
					}
				}
				continue
			}

			src.segments[seq] = &segment{
				seq:    seq,
				path:   path,
				frames: frames,
				bytes:  bytes,
				sealed: true,
				acked:  acked,
			}
			s.total += bytes
			if seq >= src.nextSeq {
				src.nextSeq = seq + 1
			}
		}
		if len(src.segments) > 0 {
			s.logger.Info().
				Str("source", src.name).
				Int("segments", len(src.segments)).
				Msg("Recovered spool segments")
		}
	}
	return nil
}

func parseSegmentName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, ".seg")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func (s *Spool) sourceSpoolLocked(name string) *sourceSpool {
	src, ok := s.sources[name]
	if !ok {
		src = &sourceSpool{
			name:     name,
			dir:      filepath.Join(s.opts.Dir, name),
			segments: make(map[uint64]*segment),
			nextSeq:  1,
		}
		s.sources[name] = src
	}
	return src
}

// Write appends a record to the source's active segment. It returns an
// overflow error when the spool has reached its total size cap; the caller
// then applies the queue drop policy.
func (s *Spool) Write(r *types.ProtocolRecord) error {
	payload, err := encodeRecord(r, s.opts.Keyring)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.total+int64(4+len(payload)) > s.opts.MaxTotalBytes {
		return types.Classifyf(types.ErrOverflow, "spool full: %d bytes on disk", s.total)
	}

	src := s.sourceSpoolLocked(r.SourceName)
	if src.active == nil {
		if err := s.openActiveLocked(src); err != nil {
			return err
		}
	}
	if _, err := src.active.appendFrame(payload); err != nil {
		return err
	}
	s.total += int64(4 + len(payload))
	metrics.SpoolBytes.Set(float64(s.total))

	if src.active.unsynced >= s.opts.FsyncEveryN {
		if err := src.active.sync(); err != nil {
			return err
		}
	}
	if src.active.seg.bytes >= s.opts.MaxSegmentBytes {
		return s.sealActiveLocked(src)
	}
	return nil
}

func (s *Spool) openActiveLocked(src *sourceSpool) error {
	if err := os.MkdirAll(src.dir, 0700); err != nil {
		return fmt.Errorf("failed to create spool directory %s: %w", src.dir, err)
	}
	seg := &segment{
		seq:  src.nextSeq,
		path: filepath.Join(src.dir, segmentName(src.nextSeq)),
	}
	w, err := openSegmentWriter(seg.path, seg)
	if err != nil {
		return err
	}
	src.nextSeq++
	src.segments[seg.seq] = seg
	src.active = w
	return nil
}

func (s *Spool) sealActiveLocked(src *sourceSpool) error {
	if src.active == nil {
		return nil
	}
	seg := src.active.seg
	if err := src.active.close(); err != nil {
		return err
	}
	seg.sealed = true
	src.active = nil
	if seg.frames == 0 {
		// Nothing was written; discard the empty file and reuse its sequence
		// number so the chain stays contiguous
		delete(src.segments, seg.seq)
		src.nextSeq = seg.seq
		return os.Remove(seg.path)
	}
	return nil
}

// Run periodically drains spooled records back into the queue and flushes
// dirty segment writers on the fsync interval. It blocks until ctx is done.
func (s *Spool) Run(ctx context.Context, q *queue.Queue) {
	drain := time.NewTicker(250 * time.Millisecond)
	defer drain.Stop()
	fsync := time.NewTicker(s.opts.FsyncInterval)
	defer fsync.Stop()

	s.logger.Info().Str("dir", s.opts.Dir).Msg("Spool drainer started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Spool drainer stopped")
			return
		case <-fsync.C:
			s.syncAll()
		case <-drain.C:
			if !q.BelowLowWatermark() {
				continue
			}
			src, seg := s.nextDrainable()
			if seg == nil {
				continue
			}
			if err := s.drainSegment(ctx, q, src, seg); err != nil {
				s.logger.Error().Err(err).
					Str("source", src).
					Uint64("segment", seg.seq).
					Msg("Failed to drain spool segment")
			}
		}
	}
}

func (s *Spool) syncAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.active != nil && src.active.unsynced > 0 {
			if err := src.active.sync(); err != nil {
				s.logger.Error().Err(err).Str("source", src.name).Msg("Spool fsync failed")
			}
		}
	}
}

// nextDrainable picks the oldest undrained segment, walking sources in name
// order so drain order is deterministic. When only the active segment holds
// records it is sealed first; sealed segments are immutable and safe to read.
func (s *Spool) nextDrainable() (string, *segment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.sources))
	for name := range s.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		src := s.sources[name]
		seqs := make([]uint64, 0, len(src.segments))
		for seq, seg := range src.segments {
			if !seg.drained && seg.sealed {
				seqs = append(seqs, seq)
			}
		}
		if len(seqs) == 0 {
			if src.active != nil && src.active.seg.frames > 0 {
				if err := s.sealActiveLocked(src); err != nil {
					s.logger.Error().Err(err).Str("source", name).Msg("Failed to seal active segment")
					continue
				}
				for seq, seg := range src.segments {
					if !seg.drained && seg.sealed {
						seqs = append(seqs, seq)
					}
				}
			}
			if len(seqs) == 0 {
				continue
			}
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		return name, src.segments[seqs[0]]
	}
	return "", nil
}

// drainSegment reads a sealed segment and reinjects its unacknowledged
// records, pacing itself on the queue's low watermark.
func (s *Spool) drainSegment(ctx context.Context, q *queue.Queue, source string, seg *segment) error {
	it, err := openFrameIter(seg.path)
	if err != nil {
		return err
	}
	defer it.close()

	s.mu.Lock()
	skip := seg.acked
	s.mu.Unlock()

	var read uint64
	var batch []*types.ProtocolRecord
	drained := 0

	flush := func() error {
		for len(batch) > 0 {
			n := q.InjectDrained(batch, s.opts.Prepend)
			if s.opts.Counters != nil {
				s.opts.Counters.Drained.Add(uint64(n))
			}
			metrics.RecordsDrained.WithLabelValues(source).Add(float64(n))
			drained += n
			batch = batch[n:]
			if len(batch) == 0 {
				return nil
			}
			// Queue is full again; wait for headroom
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
		}
		return nil
	}

	for {
		payload, offset, err := it.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Corrupt tail: deliver what decoded, drop the rest
			s.logger.Error().Err(err).
				Str("source", source).
				Uint64("segment", seg.seq).
				Msg("Corrupt spool segment tail")
			break
		}
		read++
		if read <= skip {
			// Already delivered before the last shutdown
			continue
		}
		r, err := decodeRecord(payload, s.opts.Keyring)
		if err != nil {
			s.logger.Error().Err(err).
				Str("source", source).
				Uint64("segment", seg.seq).
				Int64("offset", offset).
				Msg("Undecodable spooled record, dropping")
			// Count it as acknowledged so the segment can still be released
			s.Ack([]types.SpoolAddr{{Source: source, Segment: seg.seq, Offset: offset}})
			continue
		}
		r.Spool = &types.SpoolAddr{Source: source, Segment: seg.seq, Offset: offset}
		batch = append(batch, r)
		if len(batch) >= drainChunk {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	s.mu.Lock()
	seg.drained = true
	s.mu.Unlock()
	s.maybeRelease(source, seg.seq)

	s.logger.Info().
		Str("source", source).
		Uint64("segment", seg.seq).
		Int("records", drained).
		Msg("Drained spool segment")
	return nil
}

// Ack marks spooled records as delivered. A sealed, fully drained segment
// whose records are all acknowledged is removed from disk; the ledger entry
// is persisted first so a crash between the two cannot resurrect records.
func (s *Spool) Ack(addrs []types.SpoolAddr) {
	type key struct {
		source  string
		segment uint64
	}
	counts := make(map[key]uint64)
	for _, a := range addrs {
		counts[key{a.Source, a.Segment}]++
	}

	for k, n := range counts {
		s.mu.Lock()
		src, ok := s.sources[k.source]
		if !ok {
			s.mu.Unlock()
			continue
		}
		seg, ok := src.segments[k.segment]
		if !ok {
			s.mu.Unlock()
			continue
		}
		seg.acked += n
		acked := seg.acked
		s.mu.Unlock()

		if s.opts.Store != nil {
			if err := s.opts.Store.SetSegmentAcked(k.source, k.segment, acked); err != nil {
				s.logger.Error().Err(err).Str("source", k.source).Msg("Failed to persist ack mark")
			}
		}
		s.maybeRelease(k.source, k.segment)
	}
}

// maybeRelease deletes a segment once it is sealed, drained, and fully acked
func (s *Spool) maybeRelease(source string, seq uint64) {
	s.mu.Lock()
	src, ok := s.sources[source]
	if !ok {
		s.mu.Unlock()
		return
	}
	seg, ok := src.segments[seq]
	if !ok || !seg.sealed || !seg.drained || seg.acked < seg.frames {
		s.mu.Unlock()
		return
	}
	delete(src.segments, seq)
	s.total -= seg.bytes
	metrics.SpoolBytes.Set(float64(s.total))
	s.mu.Unlock()

	if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
		s.logger.Error().Err(err).Str("segment", seg.path).Msg("Failed to remove delivered segment")
		return
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.DeleteSegmentMark(source, seq); err != nil {
			s.logger.Error().Err(err).Str("source", source).Msg("Failed to drop ack mark")
		}
	}
	s.logger.Debug().Str("source", source).Uint64("segment", seq).Msg("Released spool segment")
}

// Bytes returns the total size of undelivered spooled data on disk
func (s *Spool) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// PendingRecords returns how many spooled records still await delivery
func (s *Spool) PendingRecords() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, src := range s.sources {
		for _, seg := range src.segments {
			if seg.frames > seg.acked {
				n += seg.frames - seg.acked
			}
		}
	}
	return n
}

// Close flushes and closes all open segment files. Undelivered segments stay
// on disk for the next run.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, src := range s.sources {
		if src.active != nil {
			if err := src.active.close(); err != nil && firstErr == nil {
				firstErr = err
			}
			src.active = nil
		}
	}
	for _, w := range s.dlq {
		if err := w.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.dlq = make(map[string]*segmentWriter)
	return firstErr
}
