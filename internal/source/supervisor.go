// Package source runs one supervisor goroutine per configured source. The
// supervisor owns the protocol client lifecycle and the per-record
// pipeline: vendor classification, ISA-95 normalization, sampling, and
// enqueueing toward the ingest stream.
package source

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/otbridge/otbridge/internal/breaker"
	"github.com/otbridge/otbridge/internal/credentials"
	"github.com/otbridge/otbridge/internal/isa95"
	"github.com/otbridge/otbridge/internal/metrics"
	"github.com/otbridge/otbridge/internal/protocol"
	"github.com/otbridge/otbridge/internal/queue"
	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/internal/sampler"
	"github.com/otbridge/otbridge/internal/vendorfmt"
	"github.com/otbridge/otbridge/pkg/models"
)

// DefaultBackoffMax caps per-source reconnect backoff.
const DefaultBackoffMax = 60 * time.Second

// DefaultStopDeadline bounds how long Stop waits for the goroutine.
const DefaultStopDeadline = 5 * time.Second

// Deps are the shared collaborators every supervisor uses.
type Deps struct {
	Registry    *protocol.Registry
	Credentials *credentials.Store
	Normalizer  *isa95.Normalizer
	Sampler     *sampler.Sampler
	Queue       *queue.Queue
	Metrics     *metrics.Registry
	Logger      zerolog.Logger
}

// Supervisor manages one source's connection and pipeline.
type Supervisor struct {
	cfg  models.SourceConfig
	deps Deps
	brk  *breaker.Breaker
	log  zerolog.Logger

	mu          sync.Mutex
	hints       models.ISA95Hints
	client      protocol.Client
	running     bool
	connected   bool
	lastConnect *time.Time
	lastError   string
	cancel      context.CancelFunc
	done        chan struct{}

	recordsIn  atomic.Uint64
	bytesIn    atomic.Uint64
	reconnects atomic.Uint64
}

// New builds a stopped supervisor. Each source gets its own breaker so one
// flapping device cannot open the circuit for its peers.
func New(cfg models.SourceConfig, brkCfg models.BreakerConfig, deps Deps) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		hints: cfg.ISA95Hints,
		deps:  deps,
		brk:   breaker.New(brkCfg),
		log:   deps.Logger.With().Str("source", cfg.Name).Str("protocol", string(cfg.ProtocolType)).Logger(),
	}
}

// UpdateHints swaps the ISA-95 hints without disturbing the connection.
// Records already in flight keep the hints they were normalized with.
func (s *Supervisor) UpdateHints(h models.ISA95Hints) {
	s.mu.Lock()
	s.hints = h
	s.cfg.ISA95Hints = h
	s.mu.Unlock()
}

// Config returns the configuration the supervisor was built with.
func (s *Supervisor) Config() models.SourceConfig {
	return s.cfg
}

// Start launches the supervisor goroutine. Idempotent.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(ctx)
	return nil
}

// Stop shuts the supervisor down, waiting up to DefaultStopDeadline for a
// clean disconnect. Idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(DefaultStopDeadline):
		return models.NewError(models.KindInternal, "source "+s.cfg.Name+" did not stop in time")
	}
}

// Status reports the per-source summary for the status payload.
func (s *Supervisor) Status() models.SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.SourceStatus{
		Name:            s.cfg.Name,
		ProtocolType:    s.cfg.ProtocolType,
		Endpoint:        s.cfg.Endpoint,
		Enabled:         s.cfg.Enabled,
		Running:         s.running,
		Connected:       s.connected,
		LastConnectedAt: s.lastConnect,
		LastError:       s.lastError,
		RecordsIn:       s.recordsIn.Load(),
		BytesIn:         s.bytesIn.Load(),
		Reconnects:      s.reconnects.Load(),
		BreakerState:    s.brk.State().String(),
	}
	if lister, ok := s.client.(protocol.SubscriberLister); ok && s.connected {
		st.Subscribers, st.SubscribersNote = lister.Subscribers()
	}
	return st
}

// ── Connection loop ──────────────────────────────────────────

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)
	defer s.setConnected(false)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = DefaultBackoffMax
	if s.cfg.BackoffMaxMS > 0 {
		bo.MaxInterval = time.Duration(s.cfg.BackoffMaxMS) * time.Millisecond
	}
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		if err := s.brk.Allow(); err != nil {
			if !sleep(ctx, 250*time.Millisecond) {
				return
			}
			continue
		}

		client, err := s.deps.Registry.New(s.cfg, s.deps.Credentials)
		if err != nil {
			// No factory for this protocol; retrying cannot help.
			s.noteError(err)
			s.log.Error().Err(err).Msg("cannot build protocol client")
			return
		}

		s.mu.Lock()
		s.client = client
		s.mu.Unlock()
		err = s.session(ctx, client, bo)
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
		if ctx.Err() != nil {
			return
		}

		s.brk.RecordFailure()
		s.noteError(err)
		s.reconnects.Add(1)
		s.deps.Metrics.Reconnects.WithLabelValues(s.cfg.Name).Inc()
		s.log.Warn().Err(err).Msg("source disconnected, backing off")
		if !sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// session connects and delivers until the connection breaks or ctx ends.
func (s *Supervisor) session(ctx context.Context, client protocol.Client, bo *backoff.ExponentialBackOff) error {
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		client.Disconnect(dctx)
	}()

	s.brk.RecordSuccess()
	bo.Reset()
	now := time.Now().UTC()
	s.mu.Lock()
	s.connected = true
	s.lastConnect = &now
	s.lastError = ""
	s.mu.Unlock()
	s.log.Info().Str("endpoint", s.cfg.Endpoint).Msg("🔗 source connected")

	defer s.setConnected(false)
	if s.cfg.SubscriptionMode {
		return client.Subscribe(ctx, s.ingest)
	}
	interval := time.Duration(s.cfg.PollingIntervalMS) * time.Millisecond
	return client.Poll(ctx, interval, s.ingest)
}

// ingest runs the record pipeline. The return value is the upstream ack:
// true only when the queue accepted or spilled the record.
func (s *Supervisor) ingest(r record.Record) bool {
	r.SourceName = s.cfg.Name
	r.Protocol = s.cfg.ProtocolType
	if r.IngestTimeNS == 0 {
		r.IngestTimeNS = time.Now().UnixNano()
	}

	s.recordsIn.Add(1)
	s.bytesIn.Add(uint64(r.EstimateSize()))
	s.deps.Sampler.Capture(sampler.StageRawProtocol, r)

	r = vendorfmt.Classify(r)
	s.deps.Sampler.Capture(sampler.StageAfterVendorDetection, r)

	s.mu.Lock()
	hints := s.hints
	s.mu.Unlock()
	r = s.deps.Normalizer.Normalize(r, hints)
	s.deps.Sampler.Capture(sampler.StageAfterNormalization, r)

	s.deps.Metrics.RecordsIn.
		WithLabelValues(s.cfg.Name, string(r.Protocol), string(r.VendorFormat)).Inc()

	res, err := s.deps.Queue.Offer(r)
	if err != nil {
		s.noteError(err)
		return false
	}
	return res == queue.Accepted || res == queue.Spilled
}

func (s *Supervisor) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Supervisor) noteError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.lastError = err.Error()
	s.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
