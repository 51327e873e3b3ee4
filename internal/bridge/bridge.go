// Package bridge is the process-wide coordinator: it owns the queue, the
// ingest stream manager, one supervisor per source, and every piece of
// shared pipeline state the API exposes.
package bridge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otbridge/otbridge/internal/breaker"
	"github.com/otbridge/otbridge/internal/config"
	"github.com/otbridge/otbridge/internal/credentials"
	"github.com/otbridge/otbridge/internal/discovery"
	"github.com/otbridge/otbridge/internal/isa95"
	"github.com/otbridge/otbridge/internal/metrics"
	"github.com/otbridge/otbridge/internal/protocol"
	"github.com/otbridge/otbridge/internal/queue"
	"github.com/otbridge/otbridge/internal/ratelimit"
	"github.com/otbridge/otbridge/internal/sampler"
	"github.com/otbridge/otbridge/internal/source"
	"github.com/otbridge/otbridge/internal/zerobus"
	"github.com/otbridge/otbridge/pkg/models"
)

// StopFlushDeadline bounds how long StopBridge drains in-flight batches.
const StopFlushDeadline = 15 * time.Second

// gaugeInterval paces the queue_depth / spool_bytes gauge refresh.
const gaugeInterval = time.Second

// Bridge is the orchestrator behind the HTTP API.
type Bridge struct {
	log       zerolog.Logger
	cfg       *config.Config
	registry  *protocol.Registry
	creds     *credentials.Store
	store     *sourceStore
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	ingestBrk *breaker.Breaker
	met       *metrics.Registry
	samp      *sampler.Sampler
	things    *isa95.Registry
	norm      *isa95.Normalizer
	scanner   *discovery.Scanner

	// mu is the single writer lock over configuration and lifecycle.
	mu          sync.Mutex
	running     bool
	startedAt   *time.Time
	supervisors map[string]*source.Supervisor
	zb          *zerobus.Manager
	zbCfg       models.ZerobusConfig
	zbOpts      zerobus.Options

	gaugeStop chan struct{}
}

// New wires the bridge from configuration. Nothing runs until StartBridge.
func New(cfg *config.Config, registry *protocol.Registry, log zerolog.Logger) (*Bridge, error) {
	return NewWithOptions(cfg, registry, log, zerobus.Options{})
}

// NewWithOptions additionally accepts stream manager options, used by
// tests to substitute the transport.
func NewWithOptions(cfg *config.Config, registry *protocol.Registry, log zerolog.Logger, zbOpts zerobus.Options) (*Bridge, error) {
	q, err := queue.New(cfg.Queue)
	if err != nil {
		return nil, err
	}

	store, err := newSourceStore(cfg.StatePath)
	if err != nil {
		q.Close()
		return nil, err
	}
	// File-configured sources seed the store; API edits win thereafter.
	for _, src := range cfg.Sources {
		if _, ok := store.Get(src.Name); !ok {
			if err := store.Put(src); err != nil {
				q.Close()
				return nil, err
			}
		}
	}

	met := metrics.New()
	q.OnDrop = func(reason string, n int) {
		met.RecordsDropped.WithLabelValues(reason).Add(float64(n))
	}

	ingestBrk := breaker.New(cfg.Breaker)
	ingestBrk.OnStateChange = func(_, to breaker.State) {
		met.BreakerState.Set(float64(to))
	}

	creds := credentials.NewStore()
	things := isa95.NewRegistry()
	norm := isa95.NewNormalizer(things)
	norm.OnClamp = func() { met.ClockClamped.Inc() }

	b := &Bridge{
		log:         log.With().Str("component", "bridge").Logger(),
		cfg:         cfg,
		registry:    registry,
		creds:       creds,
		store:       store,
		queue:       q,
		limiter:     ratelimit.New(cfg.RateLimit),
		ingestBrk:   ingestBrk,
		met:         met,
		samp:        sampler.New(sampler.DefaultDepth),
		things:      things,
		norm:        norm,
		scanner:     discovery.New(registry, creds, log),
		supervisors: make(map[string]*source.Supervisor),
		zbCfg:       cfg.Zerobus,
		zbOpts:      zbOpts,
	}
	return b, nil
}

// Metrics exposes the registry for the HTTP layer.
func (b *Bridge) Metrics() *metrics.Registry { return b.met }

// Scanner exposes discovery for the HTTP layer.
func (b *Bridge) Scanner() *discovery.Scanner { return b.scanner }

// ── Lifecycle ────────────────────────────────────────────────

// StartBridge starts the ingest stream and every enabled source.
// Idempotent.
func (b *Bridge) StartBridge(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return nil
	}

	if b.zbCfg.Enabled {
		if err := b.startIngestLocked(ctx); err != nil {
			return err
		}
	} else {
		b.log.Warn().Msg("zerobus disabled; records will queue until a target is configured")
	}

	for _, cfg := range b.store.List() {
		if !cfg.Enabled {
			continue
		}
		if err := b.startSourceLocked(cfg); err != nil {
			b.log.Error().Err(err).Str("source", cfg.Name).Msg("source failed to start")
		}
	}

	now := time.Now().UTC()
	b.running = true
	b.startedAt = &now
	b.gaugeStop = make(chan struct{})
	go b.gaugeLoop(b.gaugeStop)
	b.log.Info().Int("sources", len(b.supervisors)).Msg("🚀 bridge started")
	return nil
}

// StopBridge stops sources first so nothing new enters the queue, then
// drains the stream. Idempotent.
func (b *Bridge) StopBridge() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}

	for name, sup := range b.supervisors {
		if err := sup.Stop(); err != nil {
			b.log.Error().Err(err).Str("source", name).Msg("source stop")
		}
		delete(b.supervisors, name)
	}
	if b.zb != nil {
		b.zb.Stop(StopFlushDeadline)
		b.zb = nil
	}
	close(b.gaugeStop)

	b.running = false
	b.startedAt = nil
	b.log.Info().Msg("bridge stopped")
	return nil
}

// Close releases everything the bridge holds: the spool lock and all
// resolved secrets. The bridge must already be stopped.
func (b *Bridge) Close() error {
	err := b.queue.Close()
	b.creds.Close()
	return err
}

func (b *Bridge) startIngestLocked(ctx context.Context) error {
	zb, err := zerobus.NewManager(b.zbCfg, b.queue, b.limiter, b.ingestBrk,
		b.met, b.samp, b.creds, b.log, b.zbOpts)
	if err != nil {
		return err
	}
	if err := zb.Start(ctx); err != nil {
		return err
	}
	b.zb = zb
	return nil
}

// ── Source lifecycle ─────────────────────────────────────────

// StartSource starts one source by name. Idempotent for running sources.
func (b *Bridge) StartSource(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cfg, ok := b.store.Get(name)
	if !ok {
		return models.NewError(models.KindConfigInvalid, "unknown source "+name)
	}
	if !cfg.Enabled {
		cfg.Enabled = true
		if err := b.store.Put(cfg); err != nil {
			return err
		}
	}
	return b.startSourceLocked(cfg)
}

func (b *Bridge) startSourceLocked(cfg models.SourceConfig) error {
	if sup, ok := b.supervisors[cfg.Name]; ok {
		return sup.Start() // idempotent
	}
	sup := source.New(cfg, b.cfg.Breaker, source.Deps{
		Registry:    b.registry,
		Credentials: b.creds,
		Normalizer:  b.norm,
		Sampler:     b.samp,
		Queue:       b.queue,
		Metrics:     b.met,
		Logger:      b.log,
	})
	if err := sup.Start(); err != nil {
		return err
	}
	b.supervisors[cfg.Name] = sup
	return nil
}

// StopSource stops one source without disturbing its peers. Idempotent.
func (b *Bridge) StopSource(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sup, ok := b.supervisors[name]
	if !ok {
		if _, exists := b.store.Get(name); !exists {
			return models.NewError(models.KindConfigInvalid, "unknown source "+name)
		}
		return nil
	}
	err := sup.Stop()
	delete(b.supervisors, name)
	return err
}

// ── Source configuration ─────────────────────────────────────

// AddSource validates and stores a new source, starting it when the
// bridge runs and the source is enabled.
func (b *Bridge) AddSource(cfg models.SourceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.store.Get(cfg.Name); exists {
		return models.NewError(models.KindConfigInvalid, "source "+cfg.Name+" already exists")
	}
	if err := b.store.Put(cfg); err != nil {
		return err
	}
	if b.running && cfg.Enabled {
		return b.startSourceLocked(cfg)
	}
	return nil
}

// UpdateSource reconciles a running source: connection-material changes
// restart it, hint-only edits apply on the next record.
func (b *Bridge) UpdateSource(name string, next models.SourceConfig) error {
	next.Name = name
	if err := next.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	prev, ok := b.store.Get(name)
	if !ok {
		return models.NewError(models.KindConfigInvalid, "unknown source "+name)
	}
	if err := b.store.Put(next); err != nil {
		return err
	}

	sup, runningNow := b.supervisors[name]
	switch {
	case runningNow && (!next.Enabled || prev.ConnectionMaterial(&next)):
		if err := sup.Stop(); err != nil {
			return err
		}
		delete(b.supervisors, name)
		if b.running && next.Enabled {
			return b.startSourceLocked(next)
		}
	case !runningNow && b.running && next.Enabled:
		return b.startSourceLocked(next)
	case runningNow:
		// Hint-only edit: apply live, the connection stays up.
		sup.UpdateHints(next.ISA95Hints)
	}
	return nil
}

// DeleteSource stops and removes a source and its semantic annotations.
func (b *Bridge) DeleteSource(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.store.Get(name); !ok {
		return models.NewError(models.KindConfigInvalid, "unknown source "+name)
	}
	if sup, ok := b.supervisors[name]; ok {
		if err := sup.Stop(); err != nil {
			return err
		}
		delete(b.supervisors, name)
	}
	b.things.DropSource(name)
	return b.store.Delete(name)
}

// Sources lists the stored configurations.
func (b *Bridge) Sources() []models.SourceConfig {
	return b.store.List()
}

// GetSource returns one stored configuration.
func (b *Bridge) GetSource(name string) (models.SourceConfig, bool) {
	return b.store.Get(name)
}

// ── Zerobus configuration ────────────────────────────────────

// ZerobusConfig returns the display-safe configuration.
func (b *Bridge) ZerobusConfig() models.ZerobusConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.zbCfg.Masked()
}

// SetZerobusConfig hot-swaps the ingest target. The stream restarts at
// most once, and only when the new config actually differs.
func (b *Bridge) SetZerobusConfig(ctx context.Context, cfg models.ZerobusConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.zbCfg.Equal(cfg) {
		return nil
	}
	b.zbCfg = cfg
	b.log.Info().Str("target", cfg.DefaultTarget.String()).Msg("ingest target updated")

	if !b.running {
		return nil
	}
	if b.zb != nil {
		b.zb.Stop(StopFlushDeadline)
		b.zb = nil
	}
	if cfg.Enabled {
		return b.startIngestLocked(ctx)
	}
	return nil
}

// StartIngest starts the stream on demand (POST /api/zerobus/start).
func (b *Bridge) StartIngest(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.zb != nil {
		return nil
	}
	return b.startIngestLocked(ctx)
}

// StopIngest stops the stream, leaving sources running and spooling.
func (b *Bridge) StopIngest() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.zb == nil {
		return nil
	}
	b.zb.Stop(StopFlushDeadline)
	b.zb = nil
	return nil
}

// IngestDiagnostics reports stream connectivity facts.
func (b *Bridge) IngestDiagnostics(ctx context.Context, deep bool) models.IngestDiagnostics {
	b.mu.Lock()
	zb := b.zb
	cfg := b.zbCfg
	b.mu.Unlock()

	if zb != nil {
		return zb.Diagnostics(ctx, deep)
	}
	return models.IngestDiagnostics{
		TargetValidated: cfg.DefaultTarget.Validate() == nil,
		Detail:          "ingest stream not running",
	}
}

// ── Observability ────────────────────────────────────────────

// Status assembles the top-level status payload.
func (b *Bridge) Status() models.BridgeStatus {
	b.mu.Lock()
	running := b.running
	startedAt := b.startedAt
	zb := b.zb
	sups := make([]*source.Supervisor, 0, len(b.supervisors))
	for _, sup := range b.supervisors {
		sups = append(sups, sup)
	}
	b.mu.Unlock()

	st := models.BridgeStatus{
		Running:      running,
		StartedAt:    startedAt,
		BreakerState: b.ingestBrk.State().String(),
		QueueDepth:   b.queue.Depth(),
		SpoolBytes:   b.queue.Snapshot().SpoolBytes,
		IngestState:  string(zerobus.StateIdle),
	}
	if zb != nil {
		snap := zb.Snapshot()
		st.IngestConnected = snap.Connected
		st.IngestState = string(snap.State)
	}

	// Stopped-but-configured sources still show up in status.
	shown := make(map[string]bool, len(sups))
	for _, sup := range sups {
		st.Sources = append(st.Sources, sup.Status())
		shown[sup.Config().Name] = true
	}
	for _, cfg := range b.store.List() {
		if !shown[cfg.Name] {
			st.Sources = append(st.Sources, models.SourceStatus{
				Name:         cfg.Name,
				ProtocolType: cfg.ProtocolType,
				Endpoint:     cfg.Endpoint,
				Enabled:      cfg.Enabled,
				BreakerState: breaker.Closed.String(),
			})
		}
	}
	sortSourceStatuses(st.Sources)
	return st
}

// MetricsSnapshot returns the JSON counter map for GET /api/metrics.
func (b *Bridge) MetricsSnapshot() (map[string]float64, error) {
	return b.met.Snapshot()
}

// DiagnosticsPipeline returns sampler snapshots grouped by pair.
func (b *Bridge) DiagnosticsPipeline() []sampler.PairSnapshot {
	return b.samp.Snapshot()
}

// IngestSnapshot returns the stream manager view, or an idle placeholder.
func (b *Bridge) IngestSnapshot() zerobus.Snapshot {
	b.mu.Lock()
	zb := b.zb
	cfg := b.zbCfg
	b.mu.Unlock()
	if zb == nil {
		return zerobus.Snapshot{State: zerobus.StateIdle, Target: cfg.DefaultTarget.String()}
	}
	return zb.Snapshot()
}

// gaugeLoop keeps the queue gauges fresh while the bridge runs.
func (b *Bridge) gaugeLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			stats := b.queue.Snapshot()
			b.met.QueueDepth.Set(float64(b.queue.Depth()))
			b.met.SpoolBytes.Set(float64(stats.SpoolBytes))
			b.met.BreakerState.Set(float64(b.ingestBrk.State()))
		}
	}
}

func sortSourceStatuses(list []models.SourceStatus) {
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
}
