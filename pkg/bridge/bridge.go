package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldbridge/fieldbridge/pkg/batcher"
	"github.com/fieldbridge/fieldbridge/pkg/config"
	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/metrics"
	"github.com/fieldbridge/fieldbridge/pkg/protocol"
	"github.com/fieldbridge/fieldbridge/pkg/protocol/modbus"
	"github.com/fieldbridge/fieldbridge/pkg/protocol/mqtt"
	"github.com/fieldbridge/fieldbridge/pkg/protocol/opcua"
	"github.com/fieldbridge/fieldbridge/pkg/queue"
	"github.com/fieldbridge/fieldbridge/pkg/security"
	"github.com/fieldbridge/fieldbridge/pkg/sink"
	"github.com/fieldbridge/fieldbridge/pkg/spool"
	"github.com/fieldbridge/fieldbridge/pkg/storage"
	"github.com/fieldbridge/fieldbridge/pkg/types"
	"github.com/fieldbridge/fieldbridge/pkg/wot"
)

const (
	// clientStopGrace bounds how long each protocol client gets to stop
	clientStopGrace = 5 * time.Second
	// drainGrace bounds stage two of shutdown: flushing buffered records
	drainGrace = 10 * time.Second
	// statsInterval paces the periodic pipeline summary log line
	statsInterval = 30 * time.Second
)

// managedSource is one source under supervision
type managedSource struct {
	src       *types.Source
	thing     *wot.Thing
	runner    *protocol.Runner
	persisted bool
}

// Bridge composes the whole pipeline and supervises its tasks
type Bridge struct {
	cfg      *config.Config
	store    storage.Store
	spool    *spool.Spool
	queue    *queue.Queue
	batcher  *batcher.Batcher
	sink     *sink.Sink
	counters *metrics.Counters
	logger   zerolog.Logger

	mu        sync.Mutex
	sources   map[string]*managedSource
	runCtx    context.Context
	startedAt time.Time
}

// New builds the pipeline from configuration. Nothing runs until Run.
func New(cfg *config.Config) (*Bridge, error) {
	store, err := storage.NewBoltStore(cfg.Connector.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	b := &Bridge{
		cfg:      cfg,
		store:    store,
		counters: &metrics.Counters{},
		sources:  make(map[string]*managedSource),
		logger:   log.WithComponent("bridge"),
	}

	if cfg.Spool.Enabled {
		var keyring *security.Keyring
		if cfg.Spool.EncryptionEnabled {
			passphrase, err := cfg.SpoolPassphrase()
			if err != nil {
				store.Close()
				return nil, err
			}
			if keyring, err = security.LoadKeyring(cfg.Connector.StateDir, passphrase); err != nil {
				store.Close()
				return nil, err
			}
		}
		dir := cfg.Spool.Directory
		if dir == "" {
			dir = filepath.Join(cfg.Connector.StateDir, "spool")
		}
		b.spool, err = spool.New(spool.Options{
			Dir:             dir,
			DLQDir:          filepath.Join(cfg.Connector.StateDir, "dlq"),
			MaxSegmentBytes: int64(cfg.Spool.MaxSegmentMB) << 20,
			MaxTotalBytes:   int64(cfg.Spool.MaxTotalMB) << 20,
			FsyncEveryN:     cfg.Spool.FsyncEveryN,
			FsyncInterval:   cfg.Spool.FsyncInterval(),
			Prepend:         cfg.Spool.DrainMode != config.DrainAppend,
			Keyring:         keyring,
			Store:           store,
			Counters:        b.counters,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
	}

	var spill queue.SpillFunc
	if b.spool != nil {
		spill = b.spool.Write
	}
	b.queue = queue.New(queue.Options{
		Capacity:         cfg.Pipeline.QueueMaxSize,
		Policy:           cfg.Pipeline.DropPolicy,
		HighWatermarkPct: cfg.Pipeline.HighWatermarkPct,
		LowWatermarkPct:  cfg.Pipeline.LowWatermarkPct,
		Spill:            spill,
		Counters:         b.counters,
	})

	var buffer sink.Buffer
	if b.spool != nil {
		buffer = b.spool
	}
	b.sink, err = sink.New(cfg.Sink, buffer, b.counters)
	if err != nil {
		store.Close()
		return nil, err
	}

	b.batcher = batcher.New(b.queue, batcher.Options{
		Size:          cfg.Pipeline.BatchSize,
		FlushInterval: cfg.Pipeline.FlushInterval(),
		RecordsPerSec: cfg.Pipeline.MaxSendRecordsPerSec,
	}, b.sink.Send)

	return b, nil
}

// Run starts the pipeline and blocks until ctx is cancelled, then performs
// the two-stage shutdown.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	b.runCtx = ctx
	b.startedAt = time.Now()
	b.mu.Unlock()

	if err := b.loadSources(ctx); err != nil {
		return err
	}

	pipelineCtx, stopPipeline := context.WithCancel(context.Background())
	var pipeline sync.WaitGroup
	if b.spool != nil {
		pipeline.Add(1)
		go func() {
			defer pipeline.Done()
			b.spool.Run(pipelineCtx, b.queue)
		}()
	}
	pipeline.Add(1)
	go func() {
		defer pipeline.Done()
		b.batcher.Run(pipelineCtx)
	}()
	pipeline.Add(1)
	go func() {
		defer pipeline.Done()
		b.reportStats(pipelineCtx)
	}()

	b.logger.Info().
		Str("connector", b.cfg.Connector.Name).
		Int("sources", len(b.sources)).
		Msg("Pipeline started")

	<-ctx.Done()
	b.shutdown(stopPipeline, &pipeline)
	return nil
}

// loadSources merges file-configured sources with the persisted registry
// and starts the enabled ones.
func (b *Bridge) loadSources(ctx context.Context) error {
	for i := range b.cfg.Sources {
		src := &b.cfg.Sources[i]
		if err := b.register(ctx, src, false); err != nil {
			return err
		}
	}

	stored, err := b.store.ListSources()
	if err != nil {
		return fmt.Errorf("failed to load source registry: %w", err)
	}
	for _, src := range stored {
		if _, exists := b.sources[src.Name]; exists {
			// File configuration wins over the registry
			b.logger.Warn().Str("source", src.Name).
				Msg("Registry source shadowed by file configuration")
			continue
		}
		if err := b.register(ctx, src, true); err != nil {
			// A broken registry entry must not block startup
			b.logger.Error().Err(err).Str("source", src.Name).
				Msg("Failed to restore registry source")
		}
	}
	return nil
}

// register adds a source under supervision and starts it when enabled
func (b *Bridge) register(ctx context.Context, src *types.Source, persisted bool) error {
	ms := &managedSource{src: src, persisted: persisted}
	b.mu.Lock()
	b.sources[src.Name] = ms
	b.mu.Unlock()
	if !src.Enabled {
		return nil
	}
	return b.startSource(ctx, ms)
}

// startSource resolves the TD when needed, builds the driver, and launches
// its runner.
func (b *Bridge) startSource(ctx context.Context, ms *managedSource) error {
	src := ms.src
	if src.ThingDescription != "" && ms.thing == nil {
		thing, err := wot.FetchThing(ctx, src.ThingDescription)
		if err != nil {
			return err
		}
		derived, err := thing.Source(src.Name)
		if err != nil {
			return err
		}
		derived.ThingDescription = src.ThingDescription
		derived.Enabled = src.Enabled
		derived.Labels = src.Labels
		derived.CreatedAt = src.CreatedAt
		ms.src = derived
		ms.thing = thing
		src = derived
	}

	runner := protocol.NewRunner(src.Name, b.enqueue)
	emit := runner.Emit
	if ms.thing != nil {
		emit = ms.thing.Enrich(emit)
	}

	client, err := b.newClient(src, emit)
	if err != nil {
		return err
	}
	ms.runner = runner
	runner.Start(ctx, client)
	return nil
}

// enqueue feeds one record into the queue, moving the shared counters
func (b *Bridge) enqueue(r *types.ProtocolRecord) {
	b.counters.Ingested.Add(1)
	b.queue.Offer(r)
	metrics.QueueDepth.Set(float64(b.queue.Depth()))
}

func (b *Bridge) newClient(src *types.Source, emit protocol.Emitter) (protocol.Client, error) {
	switch src.Protocol {
	case types.ProtocolOPCUA:
		return opcua.New(src, emit)
	case types.ProtocolMQTT:
		return mqtt.New(src, emit)
	case types.ProtocolModbus:
		return modbus.New(src, emit)
	}
	return nil, types.Classifyf(types.ErrConfig, "source %s: unknown protocol %q", src.Name, src.Protocol)
}

// shutdown stops production, drains the buffered records, then releases the
// pipeline and its stores.
func (b *Bridge) shutdown(stopPipeline context.CancelFunc, pipeline *sync.WaitGroup) {
	b.logger.Info().Msg("Shutting down: stopping protocol clients")

	// Stage one: stop all producers in parallel
	b.mu.Lock()
	runners := make([]*protocol.Runner, 0, len(b.sources))
	for _, ms := range b.sources {
		if ms.runner != nil {
			runners = append(runners, ms.runner)
		}
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *protocol.Runner) {
			defer wg.Done()
			r.Stop(clientStopGrace)
		}(r)
	}
	wg.Wait()

	// Stage two: let the batcher drain what is already queued
	b.logger.Info().Int("queued", b.queue.Depth()).Msg("Draining buffered records")
	b.queue.Close()
	deadline := time.Now().Add(drainGrace)
	for !b.queue.Drained() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	stopPipeline()
	pipeline.Wait()

	if err := b.sink.Close(); err != nil {
		b.logger.Error().Err(err).Msg("Sink close failed")
	}
	if b.spool != nil {
		if err := b.spool.Close(); err != nil {
			b.logger.Error().Err(err).Msg("Spool close failed")
		}
	}
	if err := b.store.Close(); err != nil {
		b.logger.Error().Err(err).Msg("State store close failed")
	}
	b.logger.Info().Msg("Shutdown complete")
}

// reportStats logs a periodic pipeline summary
func (b *Bridge) reportStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := b.snapshot()
			b.logger.Info().
				Uint64("ingested", snap.Ingested).
				Uint64("sent", snap.Sent).
				Uint64("spooled", snap.Spooled).
				Uint64("drained", snap.Drained).
				Uint64("dropped", snap.DroppedNewest+snap.DroppedOldest).
				Uint64("dlq", snap.DLQCount).
				Int("queue_depth", snap.QueueDepth).
				Int64("spool_bytes", snap.SpoolBytes).
				Msg("Pipeline stats")
		}
	}
}

func (b *Bridge) snapshot() metrics.Snapshot {
	snap := b.counters.Snapshot()
	snap.QueueDepth = b.queue.Depth()
	if b.spool != nil {
		snap.SpoolBytes = b.spool.Bytes()
	}
	if b.sink != nil {
		snap.Inflight = b.sink.Inflight()
	}
	return snap
}
