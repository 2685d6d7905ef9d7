package sink

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

const ingestMethod = "/fieldbridge.ingest.v1.IngestService/IngestStream"

var ingestStreamDesc = grpc.StreamDesc{
	StreamName:    "IngestStream",
	ClientStreams: true,
	ServerStreams: true,
}

// transport ships one batch request and returns the service's ack message.
// Implementations own connection lifecycle; a failed exchange must leave the
// transport ready for a fresh attempt.
type transport interface {
	send(ctx context.Context, req *structpb.Struct, token string) (*structpb.Struct, error)
	close() error
}

// grpcTransport keeps one long-lived ingest stream open and exchanges one
// request/ack pair per batch on it. Any stream error tears the stream down;
// the next send opens a new one with a fresh bearer token.
type grpcTransport struct {
	host      string
	authority string
	insecure  bool

	mu        sync.Mutex
	conn      *grpc.ClientConn
	stream    grpc.ClientStream
	streamCtx context.CancelFunc
}

// newGRPCTransport dials host; authority, when set, overrides the :authority
// pseudo-header so a shared ingestion front door can route by workspace.
func newGRPCTransport(host, authority string, tlsInsecure bool) *grpcTransport {
	return &grpcTransport{host: host, authority: authority, insecure: tlsInsecure}
}

func (t *grpcTransport) send(ctx context.Context, req *structpb.Struct, token string) (*structpb.Struct, error) {
	stream, err := t.ensureStream(token)
	if err != nil {
		return nil, err
	}

	// The stream outlives ctx; honor per-batch cancellation around the
	// blocking exchange.
	type result struct {
		resp *structpb.Struct
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if err := stream.SendMsg(req); err != nil {
			done <- result{nil, err}
			return
		}
		resp := &structpb.Struct{}
		if err := stream.RecvMsg(resp); err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{resp, nil}
	}()

	select {
	case <-ctx.Done():
		t.reset()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			t.reset()
			return nil, r.err
		}
		return r.resp, nil
	}
}

func (t *grpcTransport) ensureStream(token string) (grpc.ClientStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stream != nil {
		return t.stream, nil
	}
	if t.conn == nil {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		if t.insecure {
			creds = insecure.NewCredentials()
		}
		opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
		if t.authority != "" {
			opts = append(opts, grpc.WithAuthority(t.authority))
		}
		conn, err := grpc.NewClient(t.host, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create channel to %s: %w", t.host, err)
		}
		t.conn = conn
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	stream, err := t.conn.NewStream(ctx, &ingestStreamDesc, ingestMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open ingest stream: %w", err)
	}
	t.stream = stream
	t.streamCtx = cancel
	return stream, nil
}

// reset drops the current stream so the next send opens a fresh one
func (t *grpcTransport) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streamCtx != nil {
		t.streamCtx()
		t.streamCtx = nil
	}
	t.stream = nil
}

func (t *grpcTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.streamCtx != nil {
		t.streamCtx()
		t.streamCtx = nil
	}
	t.stream = nil
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
