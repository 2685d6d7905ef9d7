package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/metrics"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

const (
	reconnectBase = time.Second
	reconnectCap  = 60 * time.Second
	// disconnectGrace bounds how long a driver may take to tear down
	disconnectGrace = 5 * time.Second
)

// Runner supervises one protocol client: it drives the connect/run/reconnect
// state machine and accounts for the records the client emits.
type Runner struct {
	source string
	sink   Emitter
	logger zerolog.Logger

	mu    sync.Mutex
	state types.ClientState
	stats types.ClientStats

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner for the named source. Records the client emits
// through Runner.Emit are counted and forwarded to sink.
func NewRunner(source string, sink Emitter) *Runner {
	return &Runner{
		source: source,
		sink:   sink,
		logger: log.WithSource(source),
		state:  types.ClientStateDisconnected,
		stats:  types.ClientStats{Source: source, State: types.ClientStateDisconnected},
	}
}

// Emit forwards a record to the pipeline, stamping per-source statistics.
// Drivers use this as their Emitter.
func (r *Runner) Emit(rec *types.ProtocolRecord) {
	r.mu.Lock()
	r.stats.RecordsEmitted++
	r.stats.LastRecordAt = time.Now()
	r.mu.Unlock()
	metrics.RecordsIngested.WithLabelValues(r.source).Inc()
	r.sink(rec)
}

// Skip counts a reading the driver could not turn into a record
func (r *Runner) Skip() {
	r.mu.Lock()
	r.stats.RecordsSkipped++
	r.mu.Unlock()
}

// Start launches the supervision loop for c. It returns immediately.
func (r *Runner) Start(ctx context.Context, c Client) {
	runCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.done = make(chan struct{})
	done := r.done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.loop(runCtx, c)
	}()
}

// Stop cancels the supervision loop and waits for it to exit, up to timeout
func (r *Runner) Stop(timeout time.Duration) {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		r.logger.Warn().Msg("Client did not stop within the grace period")
	}
}

func (r *Runner) loop(ctx context.Context, c Client) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBase
	bo.MaxInterval = reconnectCap
	bo.RandomizationFactor = 1 // full jitter
	bo.MaxElapsedTime = 0      // retry until stopped or failed permanently
	bo.Reset()

	for {
		r.setState(types.ClientStateConnecting, nil)
		err := c.Connect(ctx)
		if err == nil {
			r.setState(types.ClientStateRunning, nil)
			bo.Reset()
			r.logger.Info().
				Str("protocol", string(c.Protocol())).
				Str("endpoint", c.Endpoint()).
				Msg("Client session established")

			err = c.Run(ctx)

			dctx, dcancel := context.WithTimeout(context.Background(), disconnectGrace)
			if derr := c.Disconnect(dctx); derr != nil {
				r.logger.Debug().Err(derr).Msg("Disconnect error")
			}
			dcancel()
		}

		if ctx.Err() != nil {
			r.setState(types.ClientStateStopped, nil)
			r.logger.Info().Msg("Client stopped")
			return
		}
		if err != nil && types.IsPermanent(err) {
			r.setState(types.ClientStateFailed, err)
			r.logger.Error().Err(err).Msg("Client failed permanently, not retrying")
			return
		}

		wait := bo.NextBackOff()
		r.setState(types.ClientStateReconnecting, err)
		r.mu.Lock()
		r.stats.ReconnectCount++
		r.mu.Unlock()
		metrics.ClientReconnects.WithLabelValues(r.source).Inc()
		if err != nil {
			metrics.ProtocolErrors.WithLabelValues(r.source).Inc()
			r.logger.Warn().Err(err).Dur("backoff", wait).Msg("Session lost, reconnecting")
		} else {
			r.logger.Warn().Dur("backoff", wait).Msg("Session ended, reconnecting")
		}

		select {
		case <-ctx.Done():
			r.setState(types.ClientStateStopped, nil)
			return
		case <-time.After(wait):
		}
	}
}

func (r *Runner) setState(s types.ClientState, err error) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.stats.State = s
	if err != nil {
		r.stats.LastError = err.Error()
	}
	r.mu.Unlock()

	if s == types.ClientStateRunning && prev != types.ClientStateRunning {
		metrics.SourcesRunning.Inc()
	}
	if prev == types.ClientStateRunning && s != types.ClientStateRunning {
		metrics.SourcesRunning.Dec()
	}
}

// State returns the current lifecycle state
func (r *Runner) State() types.ClientState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns a snapshot of the per-source counters
func (r *Runner) Stats() types.ClientStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
