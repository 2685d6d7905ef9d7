package spool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fieldbridge/fieldbridge/pkg/metrics"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// WriteDLQ appends a permanently rejected record to the source's dead-letter
// segment, tagging it with the rejection reason. Dead-letter segments are
// never drained or deleted by the connector; they are synced immediately
// because rejections are rare and each one matters.
func (s *Spool) WriteDLQ(r *types.ProtocolRecord, reason string) error {
	tagged := *r
	tagged.Metadata = make(map[string]string, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		tagged.Metadata[k] = v
	}
	tagged.Metadata["dlq_reason"] = reason

	payload, err := encodeRecord(&tagged, s.opts.Keyring)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.dlq[r.SourceName]
	if !ok {
		dir := filepath.Join(s.opts.DLQDir, r.SourceName)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create dead-letter directory %s: %w", dir, err)
		}
		seg := &segment{seq: 1, path: filepath.Join(dir, segmentName(1))}
		if w, err = openSegmentWriter(seg.path, seg); err != nil {
			return err
		}
		s.dlq[r.SourceName] = w
	}

	if _, err := w.appendFrame(payload); err != nil {
		return err
	}
	if err := w.sync(); err != nil {
		return err
	}
	if s.opts.Counters != nil {
		s.opts.Counters.DLQ.Add(1)
	}
	metrics.DLQRecords.WithLabelValues(r.SourceName).Inc()
	s.logger.Warn().
		Str("source", r.SourceName).
		Str("topic", r.TopicOrPath).
		Str("reason", reason).
		Msg("Record moved to dead-letter area")
	return nil
}
