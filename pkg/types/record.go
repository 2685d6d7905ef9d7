package types

import (
	"fmt"
	"strconv"
)

// ValueKind identifies the variant held by a Value
type ValueKind string

const (
	KindBool    ValueKind = "bool"
	KindInt64   ValueKind = "int64"
	KindFloat64 ValueKind = "float64"
	KindString  ValueKind = "string"
	KindBytes   ValueKind = "bytes"
)

// Value is a tagged variant over the closed set of scalar types a field
// protocol can deliver. Values are immutable after construction.
type Value struct {
	kind ValueKind
	b    bool
	i    int64
	f    float64
	s    string
	bs   []byte
}

func BoolValue(v bool) Value       { return Value{kind: KindBool, b: v} }
func Int64Value(v int64) Value     { return Value{kind: KindInt64, i: v} }
func Float64Value(v float64) Value { return Value{kind: KindFloat64, f: v} }
func StringValue(v string) Value   { return Value{kind: KindString, s: v} }
func BytesValue(v []byte) Value    { return Value{kind: KindBytes, bs: v} }

// Kind returns the variant tag
func (v Value) Kind() ValueKind {
	if v.kind == "" {
		return KindString
	}
	return v.kind
}

// String returns the canonical string form used on the wire
func (v Value) String() string {
	switch v.Kind() {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt64:
		return strconv.FormatInt(v.i, 10)
	case KindFloat64:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBytes:
		return fmt.Sprintf("%x", v.bs)
	default:
		return v.s
	}
}

// Num returns the numeric projection of the value. Bool maps to 0/1.
// ok is false for string and bytes variants.
func (v Value) Num() (float64, bool) {
	switch v.Kind() {
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindInt64:
		return float64(v.i), true
	case KindFloat64:
		return v.f, true
	}
	return 0, false
}

// Bool returns the bool variant
func (v Value) Bool() bool { return v.b }

// Bytes returns the bytes variant
func (v Value) Bytes() []byte { return v.bs }

// ValueFromCanonical reconstructs a Value from its canonical string form and
// kind tag, the inverse of Value.String. Used when records round-trip
// through the disk spool.
func ValueFromCanonical(kind ValueKind, s string) (Value, error) {
	switch kind {
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("bad bool value %q: %w", s, err)
		}
		return BoolValue(b), nil
	case KindInt64:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("bad int64 value %q: %w", s, err)
		}
		return Int64Value(i), nil
	case KindFloat64:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("bad float64 value %q: %w", s, err)
		}
		return Float64Value(f), nil
	case KindBytes:
		var bs []byte
		if _, err := fmt.Sscanf(s, "%x", &bs); err != nil && s != "" {
			return Value{}, fmt.Errorf("bad bytes value %q: %w", s, err)
		}
		return BytesValue(bs), nil
	case KindString:
		return StringValue(s), nil
	}
	return Value{}, fmt.Errorf("unknown value kind %q", kind)
}

// SpoolAddr is the durable address of a spooled record: the tuple
// (source, segment, offset). Segment sequence numbers are strictly
// increasing per source.
type SpoolAddr struct {
	Source  string `json:"source"`
	Segment uint64 `json:"segment"`
	Offset  int64  `json:"offset"`
}

// WoTFields is the optional semantic enrichment set by the WoT layer.
// The four fields are always set together or left nil together.
type WoTFields struct {
	ThingID      string `json:"thing_id"`
	ThingTitle   string `json:"thing_title"`
	SemanticType string `json:"semantic_type"`
	UnitURI      string `json:"unit_uri"`
}

// ProtocolRecord is the universal event emitted by every protocol client.
// Records are immutable once emitted; ownership passes to the queue, then
// to the batcher, then to the sink until acknowledged or dropped.
type ProtocolRecord struct {
	EventTimeUS  int64             `json:"event_time"`
	IngestTimeUS int64             `json:"ingest_time"`
	SourceName   string            `json:"source_name"`
	Endpoint     string            `json:"endpoint"`
	Protocol     Protocol          `json:"protocol_type"`
	TopicOrPath  string            `json:"topic_or_path"`
	Value        Value             `json:"-"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	StatusCode   uint32            `json:"status_code"`
	Status       string            `json:"status"`
	WoT          *WoTFields        `json:"wot,omitempty"`

	// Spool is set only on records reinjected from the disk spool so the
	// sink can release their segment after acknowledgement. It is not part
	// of the wire payload.
	Spool *SpoolAddr `json:"-"`
}

// NewRecord constructs a record with the mandatory fields. EventTimeUS must
// be non-negative; a negative value is clamped to zero.
func NewRecord(source, endpoint string, protocol Protocol, topicOrPath string, eventTimeUS int64, value Value) *ProtocolRecord {
	if eventTimeUS < 0 {
		eventTimeUS = 0
	}
	return &ProtocolRecord{
		EventTimeUS: eventTimeUS,
		SourceName:  source,
		Endpoint:    endpoint,
		Protocol:    protocol,
		TopicOrPath: topicOrPath,
		Value:       value,
	}
}

// ToPayload produces the canonical key/value map used by the spool and the
// sink. WoT fields are omitted when the record was not TD-configured.
func (r *ProtocolRecord) ToPayload() map[string]any {
	p := map[string]any{
		"event_time":    r.EventTimeUS,
		"ingest_time":   r.IngestTimeUS,
		"source_name":   r.SourceName,
		"endpoint":      r.Endpoint,
		"protocol_type": string(r.Protocol),
		"topic_or_path": r.TopicOrPath,
		"value":         r.Value.String(),
		"value_type":    string(r.Value.Kind()),
		"status_code":   r.StatusCode,
		"status":        r.Status,
	}
	if n, ok := r.Value.Num(); ok {
		p["value_num"] = n
	} else {
		p["value_num"] = nil
	}
	// Metadata goes in as map[string]any so the payload stays encodable by
	// generic struct builders downstream.
	md := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		md[k] = v
	}
	p["metadata"] = md
	if r.WoT != nil {
		p["thing_id"] = r.WoT.ThingID
		p["thing_title"] = r.WoT.ThingTitle
		if r.WoT.SemanticType != "" {
			p["semantic_type"] = r.WoT.SemanticType
		}
		if r.WoT.UnitURI != "" {
			p["unit_uri"] = r.WoT.UnitURI
		}
	}
	return p
}
