package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fieldbridge/fieldbridge/pkg/config"
	"github.com/fieldbridge/fieldbridge/pkg/metrics"
	"github.com/fieldbridge/fieldbridge/pkg/sink"
	"github.com/fieldbridge/fieldbridge/pkg/types"
	"github.com/fieldbridge/fieldbridge/pkg/wot"
)

// ErrNotFound marks lookups of sources the bridge does not supervise
var ErrNotFound = errors.New("source not found")

// SourceStatus is one source's configuration plus live state
type SourceStatus struct {
	Source *types.Source     `json:"source"`
	Stats  types.ClientStats `json:"stats"`
}

// Status is the connector-level report served by the management API
type Status struct {
	Connector    string           `json:"connector"`
	UptimeSec    int64            `json:"uptime_sec"`
	BreakerState string           `json:"breaker_state"`
	Counters     metrics.Snapshot `json:"counters"`
	Sources      []SourceStatus   `json:"sources"`
}

// Status reports the connector's aggregate state
func (b *Bridge) Status() Status {
	b.mu.Lock()
	started := b.startedAt
	b.mu.Unlock()

	s := Status{
		Connector:    b.cfg.Connector.Name,
		BreakerState: b.sink.BreakerState().String(),
		Counters:     b.snapshot(),
		Sources:      b.ListSources(),
	}
	if !started.IsZero() {
		s.UptimeSec = int64(time.Since(started).Seconds())
	}
	return s
}

// ListSources returns every supervised source in name order
func (b *Bridge) ListSources() []SourceStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]SourceStatus, 0, len(b.sources))
	for _, ms := range b.sources {
		st := SourceStatus{Source: ms.src}
		if ms.runner != nil {
			st.Stats = ms.runner.Stats()
		} else {
			st.Stats = types.ClientStats{Source: ms.src.Name, State: types.ClientStateDisconnected}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source.Name < out[j].Source.Name })
	return out
}

// GetSource returns one source's status
func (b *Bridge) GetSource(name string) (SourceStatus, bool) {
	b.mu.Lock()
	ms, ok := b.sources[name]
	b.mu.Unlock()
	if !ok {
		return SourceStatus{}, false
	}
	st := SourceStatus{Source: ms.src}
	if ms.runner != nil {
		st.Stats = ms.runner.Stats()
	} else {
		st.Stats = types.ClientStats{Source: name, State: types.ClientStateDisconnected}
	}
	return st, true
}

// AddSource registers a new source at runtime and persists it so it
// survives restarts. The source starts immediately when enabled.
func (b *Bridge) AddSource(ctx context.Context, src *types.Source) error {
	if err := config.ValidateSource(src); err != nil {
		return err
	}
	b.mu.Lock()
	if _, exists := b.sources[src.Name]; exists {
		b.mu.Unlock()
		return types.Classifyf(types.ErrConfig, "source %s already exists", src.Name)
	}
	b.mu.Unlock()

	src.CreatedAt = time.Now()
	if err := b.store.PutSource(src); err != nil {
		return err
	}
	if err := b.register(b.runContext(ctx), src, true); err != nil {
		b.store.DeleteSource(src.Name)
		b.mu.Lock()
		delete(b.sources, src.Name)
		b.mu.Unlock()
		return err
	}
	b.logger.Info().Str("source", src.Name).Str("protocol", string(src.Protocol)).Msg("Source added")
	return nil
}

// AddSourceFromTD creates a source from a Thing Description URL
func (b *Bridge) AddSourceFromTD(ctx context.Context, name, tdURL string) (*types.Source, error) {
	if name == "" {
		return nil, types.Classifyf(types.ErrConfig, "source name is required")
	}
	src := &types.Source{
		Name:             name,
		ThingDescription: tdURL,
		Enabled:          true,
	}
	b.mu.Lock()
	if _, exists := b.sources[name]; exists {
		b.mu.Unlock()
		return nil, types.Classifyf(types.ErrConfig, "source %s already exists", name)
	}
	b.mu.Unlock()

	src.CreatedAt = time.Now()
	if err := b.register(b.runContext(ctx), src, true); err != nil {
		b.mu.Lock()
		delete(b.sources, name)
		b.mu.Unlock()
		return nil, err
	}

	// register resolved the TD into a concrete source; persist that form
	b.mu.Lock()
	resolved := b.sources[name].src
	b.mu.Unlock()
	if err := b.store.PutSource(resolved); err != nil {
		return nil, err
	}
	b.logger.Info().Str("source", name).Str("td", tdURL).Msg("Source added from thing description")
	return resolved, nil
}

// StartSource starts a stopped or disabled source
func (b *Bridge) StartSource(ctx context.Context, name string) error {
	b.mu.Lock()
	ms, ok := b.sources[name]
	b.mu.Unlock()
	if !ok {
		return types.Classify(types.ErrConfig, fmt.Errorf("%w: %s", ErrNotFound, name))
	}
	if ms.runner != nil && !ms.runner.State().Terminal() {
		return types.Classifyf(types.ErrConfig, "source %s is already running", name)
	}
	ms.src.Enabled = true
	if ms.persisted {
		if err := b.store.PutSource(ms.src); err != nil {
			return err
		}
	}
	return b.startSource(b.runContext(ctx), ms)
}

// StopSource stops a running source; its records already in the pipeline
// continue to the sink.
func (b *Bridge) StopSource(name string) error {
	b.mu.Lock()
	ms, ok := b.sources[name]
	b.mu.Unlock()
	if !ok {
		return types.Classify(types.ErrConfig, fmt.Errorf("%w: %s", ErrNotFound, name))
	}
	if ms.runner != nil {
		ms.runner.Stop(clientStopGrace)
	}
	ms.src.Enabled = false
	if ms.persisted {
		return b.store.PutSource(ms.src)
	}
	return nil
}

// RemoveSource stops a source and deletes it from the registry
func (b *Bridge) RemoveSource(name string) error {
	b.mu.Lock()
	ms, ok := b.sources[name]
	b.mu.Unlock()
	if !ok {
		return types.Classify(types.ErrConfig, fmt.Errorf("%w: %s", ErrNotFound, name))
	}
	if ms.runner != nil {
		ms.runner.Stop(clientStopGrace)
	}
	b.mu.Lock()
	delete(b.sources, name)
	b.mu.Unlock()
	if ms.persisted {
		return b.store.DeleteSource(name)
	}
	b.logger.Info().Str("source", name).Msg("Source removed")
	return nil
}

// InspectTD fetches and summarizes a Thing Description without creating a
// source.
func (b *Bridge) InspectTD(ctx context.Context, tdURL string) (*types.ThingConfig, error) {
	thing, err := wot.FetchThing(ctx, tdURL)
	if err != nil {
		return nil, err
	}
	return thing.Config(), nil
}

// TestAuth exercises the sink's token endpoint
func (b *Bridge) TestAuth(ctx context.Context) error {
	return b.sink.TestAuth(ctx)
}

// TestIngest pushes one synthetic record through the sink
func (b *Bridge) TestIngest(ctx context.Context) error {
	return b.sink.TestIngest(ctx)
}

// BreakerState exposes the sink breaker for status endpoints
func (b *Bridge) BreakerState() sink.BreakerState {
	return b.sink.BreakerState()
}

// runContext prefers the long-lived run context for client lifecycles so a
// short API request timeout does not kill a freshly started client.
func (b *Bridge) runContext(fallback context.Context) context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runCtx != nil {
		return b.runCtx
	}
	return fallback
}
