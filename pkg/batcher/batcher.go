package batcher

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/metrics"
	"github.com/fieldbridge/fieldbridge/pkg/queue"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// finalFlushGrace bounds the last delivery attempt during shutdown
const finalFlushGrace = 5 * time.Second

// DeliverFunc ships one batch. The batcher preserves dequeue order by
// delivering batches strictly one at a time.
type DeliverFunc func(ctx context.Context, batch []*types.ProtocolRecord) error

// Options configures a Batcher
type Options struct {
	Size          int
	FlushInterval time.Duration
	// RecordsPerSec caps sustained throughput; zero disables the limiter
	RecordsPerSec int
}

// Batcher drains the queue into rate-limited batches
type Batcher struct {
	q       *queue.Queue
	deliver DeliverFunc
	size    int
	flush   time.Duration
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New creates a batcher reading from q and delivering through deliver
func New(q *queue.Queue, opts Options, deliver DeliverFunc) *Batcher {
	if opts.Size <= 0 {
		opts.Size = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	var limiter *rate.Limiter
	if opts.RecordsPerSec > 0 {
		burst := opts.RecordsPerSec
		if burst < opts.Size {
			burst = opts.Size
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RecordsPerSec), burst)
	}
	return &Batcher{
		q:       q,
		deliver: deliver,
		size:    opts.Size,
		flush:   opts.FlushInterval,
		limiter: limiter,
		logger:  log.WithComponent("batcher"),
	}
}

// Run assembles and delivers batches until ctx is cancelled. A batch in hand
// at shutdown gets one final delivery attempt under a short grace period.
func (b *Batcher) Run(ctx context.Context) {
	b.logger.Info().
		Int("batch_size", b.size).
		Dur("flush_interval", b.flush).
		Msg("Batcher started")

	for {
		batch := b.collect(ctx)
		if len(batch) > 0 {
			b.ship(ctx, batch)
		}
		if ctx.Err() != nil || b.q.Drained() {
			b.logger.Info().Msg("Batcher stopped")
			return
		}
	}
}

// collect fills a batch until it is full or the flush interval has elapsed
// since its first record.
func (b *Batcher) collect(ctx context.Context) []*types.ProtocolRecord {
	var batch []*types.ProtocolRecord
	var deadline time.Time

	for len(batch) < b.size {
		timeout := b.flush
		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				break
			}
		}
		r, ok := b.q.Take(ctx, timeout)
		if !ok {
			break
		}
		if deadline.IsZero() {
			deadline = time.Now().Add(b.flush)
		}
		batch = append(batch, r)
	}
	return batch
}

func (b *Batcher) ship(ctx context.Context, batch []*types.ProtocolRecord) {
	if b.limiter != nil {
		if err := b.limiter.WaitN(ctx, len(batch)); err != nil && ctx.Err() != nil {
			// Shutting down: skip the limiter for the final batch
			b.logger.Debug().Int("records", len(batch)).Msg("Final batch bypasses rate limiter")
		}
	}

	sendCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(context.Background(), finalFlushGrace)
		defer cancel()
	}

	start := time.Now()
	if err := b.deliver(sendCtx, batch); err != nil {
		b.logger.Error().Err(err).Int("records", len(batch)).Msg("Batch delivery failed")
	}
	metrics.BatchFlushDuration.Observe(time.Since(start).Seconds())
	metrics.QueueDepth.Set(float64(b.q.Depth()))
}
