package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/fieldbridge/fieldbridge/pkg/config"
	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/metrics"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// Buffer is the durable overflow the sink falls back on. The spool
// implements it; a nil Buffer means undeliverable records are dropped.
type Buffer interface {
	Write(*types.ProtocolRecord) error
	WriteDLQ(*types.ProtocolRecord, string) error
	Ack([]types.SpoolAddr)
}

// Sink delivers batches to the cloud ingestion service
type Sink struct {
	cfg      config.SinkConfig
	auth     *TokenProvider
	breaker  *Breaker
	tr       transport
	buffer   Buffer
	counters *metrics.Counters
	logger   zerolog.Logger

	// inflight holds one token per unacknowledged record; a nil channel
	// means no ceiling is configured.
	inflight chan struct{}
}

// New creates a sink from configuration. Credentials come from the
// environment variables the configuration names.
func New(cfg config.SinkConfig, buffer Buffer, counters *metrics.Counters) (*Sink, error) {
	clientID, clientSecret, err := cfg.Credentials()
	if err != nil {
		return nil, err
	}
	auth, err := NewTokenProvider(clientID, clientSecret, cfg.Auth.TokenURL)
	if err != nil {
		return nil, err
	}
	if cfg.IngestEndpoint == "" {
		return nil, types.Classifyf(types.ErrConfig, "sink ingest endpoint not set")
	}
	s := &Sink{
		cfg:  cfg,
		auth: auth,
		breaker: NewBreaker(cfg.Breaker.FailureThreshold,
			cfg.Breaker.Cooldown(), cfg.Breaker.MaxCooldown(), counters),
		tr:       newGRPCTransport(cfg.IngestEndpoint, cfg.WorkspaceHost, cfg.TLSInsecure),
		buffer:   buffer,
		counters: counters,
		logger:   log.WithComponent("sink"),
	}
	if cfg.MaxInflightRecords > 0 {
		s.inflight = make(chan struct{}, cfg.MaxInflightRecords)
	}
	return s, nil
}

// Send delivers one batch, retrying transient failures with capped
// exponential backoff. Batches that cannot be delivered are never lost: a
// permanent rejection routes them to the dead-letter area, anything else
// diverts them to the spool for a later drain. Send only returns an error
// for observability; the records are accounted for either way.
func (s *Sink) Send(ctx context.Context, batch []*types.ProtocolRecord) error {
	if len(batch) == 0 {
		return nil
	}
	if !s.breaker.Allow() {
		s.divert(batch, "circuit open")
		return fmt.Errorf("circuit breaker open, %d records diverted to spool", len(batch))
	}

	tokens, err := s.acquire(ctx, len(batch))
	if err != nil {
		s.divert(batch, "shutdown before send")
		return err
	}
	defer s.release(tokens)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.Retry.BaseBackoff()
	bo.MaxInterval = s.cfg.Retry.MaxBackoff()
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if s.counters != nil {
				s.counters.Retries.Add(1)
			}
			metrics.SinkRetries.Inc()
		}

		err := s.attempt(ctx, batch)
		if err == nil {
			s.breaker.Success()
			s.acknowledge(batch)
			return nil
		}
		lastErr = err

		if permanent, reason := permanentRejection(err); permanent {
			// The service understood the batch and refused it; retrying
			// cannot help and the sink itself is healthy
			s.breaker.Success()
			rest, rejected := splitRejected(batch, err)
			s.deadLetter(rejected, reason)
			if len(rest) == 0 {
				return fmt.Errorf("batch rejected: %s", reason)
			}
			// The service named the offenders; the rest of the batch is
			// still deliverable
			batch = rest
			continue
		}

		s.breaker.Failure()
		if ctx.Err() != nil {
			break
		}
		wait := bo.NextBackOff()
		s.logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Batch delivery failed")
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		if ctx.Err() != nil {
			break
		}
	}

	s.divert(batch, fmt.Sprintf("delivery failed: %v", lastErr))
	return fmt.Errorf("delivery failed after %d attempts: %w", s.cfg.Retry.MaxAttempts, lastErr)
}

// acquire takes one inflight token per record, blocking while the ceiling is
// reached. A batch larger than the ceiling takes every token and proceeds.
func (s *Sink) acquire(ctx context.Context, n int) (int, error) {
	if s.inflight == nil {
		return 0, nil
	}
	if n > cap(s.inflight) {
		n = cap(s.inflight)
	}
	for i := 0; i < n; i++ {
		select {
		case s.inflight <- struct{}{}:
		case <-ctx.Done():
			s.release(i)
			return 0, ctx.Err()
		}
	}
	metrics.InflightRecords.Set(float64(len(s.inflight)))
	return n, nil
}

func (s *Sink) release(n int) {
	for i := 0; i < n; i++ {
		<-s.inflight
	}
	if s.inflight != nil {
		metrics.InflightRecords.Set(float64(len(s.inflight)))
	}
}

// Inflight reports how many records are currently inside a delivery attempt
func (s *Sink) Inflight() int {
	if s.inflight == nil {
		return 0
	}
	return len(s.inflight)
}

// attempt performs one request/ack exchange, forcing a token refresh and one
// immediate re-send when the service rejects the bearer token.
func (s *Sink) attempt(ctx context.Context, batch []*types.ProtocolRecord) error {
	err := s.exchange(ctx, batch)
	if status.Code(err) == codes.Unauthenticated {
		s.logger.Info().Msg("Token rejected, refreshing")
		s.auth.Invalidate()
		err = s.exchange(ctx, batch)
	}
	return err
}

func (s *Sink) exchange(ctx context.Context, batch []*types.ProtocolRecord) error {
	token, err := s.auth.Token(ctx)
	if err != nil {
		return err
	}
	req, err := batchRequest(s.cfg.Target, batch)
	if err != nil {
		return err
	}
	resp, err := s.tr.send(ctx, req, token)
	if err != nil {
		return err
	}
	return ackError(resp, len(batch))
}

// batchRequest builds the wire message: the target table plus one payload
// struct per record.
func batchRequest(target string, batch []*types.ProtocolRecord) (*structpb.Struct, error) {
	records := make([]any, 0, len(batch))
	for _, r := range batch {
		records = append(records, r.ToPayload())
	}
	req, err := structpb.NewStruct(map[string]any{
		"target": target,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	list, err := structpb.NewList(records)
	if err != nil {
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}
	req.Fields["records"] = structpb.NewListValue(list)
	return req, nil
}

// rejectionError is a permanent rejection that may name the offending
// records by batch index. An empty index list condemns the whole batch.
type rejectionError struct {
	msg     string
	indices []int
}

func (e *rejectionError) Error() string { return e.msg }

// ackError interprets the service's ack message. A missing or short
// accepted count and any error field fail the exchange.
func ackError(resp *structpb.Struct, sent int) error {
	if resp == nil || resp.Fields == nil {
		return fmt.Errorf("empty ack from ingestion service")
	}
	if f, ok := resp.Fields["error"]; ok {
		if msg := f.GetStringValue(); msg != "" {
			if resp.Fields["permanent"].GetBoolValue() {
				rej := &rejectionError{msg: msg}
				if list := resp.Fields["rejected"].GetListValue(); list != nil {
					for _, v := range list.Values {
						rej.indices = append(rej.indices, int(v.GetNumberValue()))
					}
				}
				return types.Classify(types.ErrSchemaRejection, rej)
			}
			return fmt.Errorf("ingestion service error: %s", msg)
		}
	}
	accepted := int(resp.Fields["accepted"].GetNumberValue())
	if accepted != sent {
		return fmt.Errorf("short ack: sent %d records, service accepted %d", sent, accepted)
	}
	return nil
}

// splitRejected separates the records a rejection named from the rest of the
// batch. Rejections that name no record, including gRPC status-code ones,
// condemn the whole batch.
func splitRejected(batch []*types.ProtocolRecord, err error) (rest, rejected []*types.ProtocolRecord) {
	var rej *rejectionError
	if !errors.As(err, &rej) || len(rej.indices) == 0 {
		return nil, batch
	}
	bad := make(map[int]bool, len(rej.indices))
	for _, idx := range rej.indices {
		if idx >= 0 && idx < len(batch) {
			bad[idx] = true
		}
	}
	if len(bad) == 0 {
		return nil, batch
	}
	for i, r := range batch {
		if bad[i] {
			rejected = append(rejected, r)
		} else {
			rest = append(rest, r)
		}
	}
	return rest, rejected
}

// permanentRejection detects failures that retrying cannot fix
func permanentRejection(err error) (bool, string) {
	if types.ClassOf(err) == types.ErrSchemaRejection {
		return true, err.Error()
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.Unimplemented, codes.PermissionDenied:
		return true, err.Error()
	}
	return false, ""
}

// acknowledge finishes a delivered batch: counters move and spool-originated
// records release their segments.
func (s *Sink) acknowledge(batch []*types.ProtocolRecord) {
	var addrs []types.SpoolAddr
	for _, r := range batch {
		if r.Spool != nil {
			addrs = append(addrs, *r.Spool)
		}
	}
	if len(addrs) > 0 && s.buffer != nil {
		s.buffer.Ack(addrs)
	}
	if s.counters != nil {
		s.counters.Sent.Add(uint64(len(batch)))
	}
	metrics.RecordsSent.Add(float64(len(batch)))
}

// divert parks an undeliverable batch in the spool. Spool-originated records
// are re-written and their old segments released, keeping the
// write-before-ack ordering that makes segment deletion safe.
func (s *Sink) divert(batch []*types.ProtocolRecord, reason string) {
	if s.buffer == nil {
		metrics.RecordsDropped.WithLabelValues("sink_failure").Add(float64(len(batch)))
		s.logger.Error().Int("records", len(batch)).Str("reason", reason).
			Msg("No spool configured, dropping undeliverable batch")
		return
	}

	var released []types.SpoolAddr
	dropped := 0
	for _, r := range batch {
		addr := r.Spool
		r.Spool = nil
		if err := s.buffer.Write(r); err != nil {
			dropped++
			metrics.RecordsDropped.WithLabelValues("sink_failure").Inc()
			continue
		}
		if addr != nil {
			released = append(released, *addr)
		}
	}
	if len(released) > 0 {
		s.buffer.Ack(released)
	}
	s.logger.Warn().
		Int("records", len(batch)-dropped).
		Int("dropped", dropped).
		Str("reason", reason).
		Msg("Batch diverted to spool")
}

// deadLetter routes a permanently rejected batch to the dead-letter area
func (s *Sink) deadLetter(batch []*types.ProtocolRecord, reason string) {
	var released []types.SpoolAddr
	for _, r := range batch {
		addr := r.Spool
		r.Spool = nil
		if s.buffer != nil {
			if err := s.buffer.WriteDLQ(r, reason); err != nil {
				s.logger.Error().Err(err).Msg("Failed to dead-letter record")
				continue
			}
			if addr != nil {
				released = append(released, *addr)
			}
		}
	}
	if len(released) > 0 && s.buffer != nil {
		s.buffer.Ack(released)
	}
}

// BreakerState exposes the breaker position for status reporting
func (s *Sink) BreakerState() BreakerState {
	return s.breaker.State()
}

// TestAuth verifies that a token can be obtained with the configured
// credentials. Used by the management API's diagnostic probe.
func (s *Sink) TestAuth(ctx context.Context) error {
	s.auth.Invalidate()
	_, err := s.auth.Token(ctx)
	return err
}

// TestIngest sends one synthetic diagnostic record through the full
// delivery path.
func (s *Sink) TestIngest(ctx context.Context) error {
	probe := types.NewRecord("connector-probe", "internal", types.ProtocolMQTT,
		"fieldbridge/probe", time.Now().UnixMicro(), types.StringValue("ping"))
	probe.Status = "Good"
	probe.Metadata = map[string]string{"probe": "true"}

	token, err := s.auth.Token(ctx)
	if err != nil {
		return err
	}
	req, err := batchRequest(s.cfg.Target, []*types.ProtocolRecord{probe})
	if err != nil {
		return err
	}
	resp, err := s.tr.send(ctx, req, token)
	if err != nil {
		return err
	}
	return ackError(resp, 1)
}

// Close releases the transport
func (s *Sink) Close() error {
	return s.tr.close()
}
