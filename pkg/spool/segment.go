package spool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fieldbridge/fieldbridge/pkg/security"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// maxFrameBytes bounds a single framed record. Anything larger is treated as
// corruption when reading a segment back.
const maxFrameBytes = 16 << 20

// envelope is the serialized segment form of a record. It mirrors the sink
// payload keys so spooled data stays inspectable with standard tools once
// decrypted.
type envelope struct {
	EventTimeUS  int64             `json:"event_time"`
	IngestTimeUS int64             `json:"ingest_time"`
	SourceName   string            `json:"source_name"`
	Endpoint     string            `json:"endpoint"`
	Protocol     string            `json:"protocol_type"`
	TopicOrPath  string            `json:"topic_or_path"`
	Value        string            `json:"value"`
	ValueType    string            `json:"value_type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	StatusCode   uint32            `json:"status_code"`
	Status       string            `json:"status"`
	WoT          *types.WoTFields  `json:"wot,omitempty"`
}

// encodeRecord serializes a record and seals it when a keyring is present
func encodeRecord(r *types.ProtocolRecord, keyring *security.Keyring) ([]byte, error) {
	env := envelope{
		EventTimeUS:  r.EventTimeUS,
		IngestTimeUS: r.IngestTimeUS,
		SourceName:   r.SourceName,
		Endpoint:     r.Endpoint,
		Protocol:     string(r.Protocol),
		TopicOrPath:  r.TopicOrPath,
		Value:        r.Value.String(),
		ValueType:    string(r.Value.Kind()),
		Metadata:     r.Metadata,
		StatusCode:   r.StatusCode,
		Status:       r.Status,
		WoT:          r.WoT,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	if keyring != nil {
		if data, err = keyring.Seal(data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// decodeRecord is the inverse of encodeRecord
func decodeRecord(data []byte, keyring *security.Keyring) (*types.ProtocolRecord, error) {
	var err error
	if keyring != nil {
		if data, err = keyring.Open(data); err != nil {
			return nil, err
		}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	value, err := types.ValueFromCanonical(types.ValueKind(env.ValueType), env.Value)
	if err != nil {
		return nil, err
	}
	return &types.ProtocolRecord{
		EventTimeUS:  env.EventTimeUS,
		IngestTimeUS: env.IngestTimeUS,
		SourceName:   env.SourceName,
		Endpoint:     env.Endpoint,
		Protocol:     types.Protocol(env.Protocol),
		TopicOrPath:  env.TopicOrPath,
		Value:        value,
		Metadata:     env.Metadata,
		StatusCode:   env.StatusCode,
		Status:       env.Status,
		WoT:          env.WoT,
	}, nil
}

// segmentName formats the on-disk file name for a sequence number
func segmentName(seq uint64) string {
	return fmt.Sprintf("%08d.seg", seq)
}

// segment tracks one on-disk segment file. The active segment grows until
// rotation seals it; sealed segments are immutable.
type segment struct {
	seq     uint64
	path    string
	frames  uint64
	bytes   int64
	sealed  bool
	drained bool
	// acked counts records acknowledged by the sink. The segment file is
	// removed once acked reaches frames on a sealed, drained segment.
	acked uint64
}

// segmentWriter appends length-framed payloads to the active segment
type segmentWriter struct {
	f        *os.File
	seg      *segment
	unsynced int
}

func openSegmentWriter(path string, seg *segment) (*segmentWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	return &segmentWriter{f: f, seg: seg}, nil
}

// appendFrame writes one framed payload and returns its byte offset within
// the segment file.
func (w *segmentWriter) appendFrame(payload []byte) (int64, error) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))

	offset := w.seg.bytes
	if _, err := w.f.Write(hdr[:]); err != nil {
		return 0, fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.f.Write(payload); err != nil {
		return 0, fmt.Errorf("failed to write frame: %w", err)
	}
	w.seg.bytes += int64(4 + len(payload))
	w.seg.frames++
	w.unsynced++
	return offset, nil
}

// sync flushes buffered frames to stable storage
func (w *segmentWriter) sync() error {
	if w.unsynced == 0 {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync segment %s: %w", w.seg.path, err)
	}
	w.unsynced = 0
	return nil
}

func (w *segmentWriter) close() error {
	if err := w.sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// frameIter reads framed payloads back from a segment file in write order
type frameIter struct {
	f      *os.File
	offset int64
}

func openFrameIter(path string) (*frameIter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment %s: %w", path, err)
	}
	return &frameIter{f: f}, nil
}

// next returns the next payload and its starting offset. io.EOF signals a
// clean end of segment; any other error means the remainder is unreadable.
func (it *frameIter) next() ([]byte, int64, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(it.f, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, 0, io.EOF
		}
		return nil, 0, fmt.Errorf("failed to read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrameBytes {
		return nil, 0, fmt.Errorf("corrupt frame length %d at offset %d", n, it.offset)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(it.f, payload); err != nil {
		return nil, 0, fmt.Errorf("truncated frame at offset %d: %w", it.offset, err)
	}
	offset := it.offset
	it.offset += int64(4 + n)
	return payload, offset, nil
}

func (it *frameIter) close() error { return it.f.Close() }

// countFrames scans a segment and reports how many intact frames it holds
// and how many bytes they span. A corrupt tail is ignored.
func countFrames(path string) (frames uint64, bytes int64, err error) {
	it, err := openFrameIter(path)
	if err != nil {
		return 0, 0, err
	}
	defer it.close()
	for {
		_, _, err := it.next()
		if err == io.EOF {
			return frames, it.offset, nil
		}
		if err != nil {
			// Keep the intact prefix, drop the damaged tail
			return frames, it.offset, nil
		}
		frames++
	}
}
