package protocol

import (
	"context"

	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// Emitter receives records as a protocol driver produces them. It must not
// block; the queue behind it applies backpressure by spilling or dropping.
type Emitter func(*types.ProtocolRecord)

// Client is one protocol session against one field endpoint. Implementations
// are single-session: the runner calls Connect, Run, Disconnect in order and
// never concurrently.
type Client interface {
	Protocol() types.Protocol
	Endpoint() string

	// Connect establishes the session. Errors classified as permanent stop
	// the runner; anything else triggers a reconnect.
	Connect(ctx context.Context) error

	// Run produces records until ctx is cancelled or the session breaks.
	// A nil return means a clean shutdown.
	Run(ctx context.Context) error

	// Disconnect releases the session. Called after Run returns, and on
	// shutdown even when Connect failed.
	Disconnect(ctx context.Context) error
}
