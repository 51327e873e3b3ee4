// Package zerobus owns the long-lived ingest stream to the cloud: OAuth
// token lifecycle, batching, acknowledgement tracking, and reconnection.
package zerobus

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/otbridge/otbridge/internal/breaker"
	"github.com/otbridge/otbridge/internal/credentials"
	"github.com/otbridge/otbridge/internal/metrics"
	"github.com/otbridge/otbridge/internal/queue"
	"github.com/otbridge/otbridge/internal/ratelimit"
	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/internal/sampler"
	"github.com/otbridge/otbridge/pkg/models"
)

// Batching and reconnect defaults.
const (
	DefaultBatchMaxRecords = 50
	DefaultBatchMaxBytes   = 512 << 10
	DefaultBatchMaxAge     = 200 * time.Millisecond
	DefaultSubmitMaxWait   = 2 * time.Second

	reconnectMinInterval = 500 * time.Millisecond
	reconnectMaxInterval = 30 * time.Second
)

// State is the stream manager's lifecycle state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
)

// Options tunes the manager. Zero values take defaults.
type Options struct {
	BatchMaxRecords int
	BatchMaxBytes   int
	BatchMaxAge     time.Duration
	SubmitMaxWait   time.Duration

	// Dialer overrides the gRPC transport, for tests.
	Dialer Dialer

	// TokenSource overrides OAuth token acquisition, for tests.
	TokenSource oauth2.TokenSource
}

func (o *Options) applyDefaults() {
	if o.BatchMaxRecords <= 0 {
		o.BatchMaxRecords = DefaultBatchMaxRecords
	}
	if o.BatchMaxBytes <= 0 {
		o.BatchMaxBytes = DefaultBatchMaxBytes
	}
	if o.BatchMaxAge <= 0 {
		o.BatchMaxAge = DefaultBatchMaxAge
	}
	if o.SubmitMaxWait <= 0 {
		o.SubmitMaxWait = DefaultSubmitMaxWait
	}
	if o.Dialer == nil {
		o.Dialer = GRPCDialer()
	}
}

// inflight is one sent batch awaiting its ack.
type inflight struct {
	id      uint64
	lease   *queue.Lease
	sentAt  time.Time
	bytes   int
	vendors map[string]int
	acked   bool
}

// Manager runs the ingest stream.
type Manager struct {
	cfg   models.ZerobusConfig
	opts  Options
	q     *queue.Queue
	lim   *ratelimit.Limiter
	brk   *breaker.Breaker
	met   *metrics.Registry
	samp  *sampler.Sampler
	creds *credentials.Store
	log   zerolog.Logger

	mu        sync.Mutex
	state     State
	connected bool
	lastError string
	pending   []*inflight // ordered by batch id
	nextBatch uint64
	secret    *credentials.Secret
	tokenSrc  oauth2.TokenSource
	cancel    context.CancelFunc
	done      chan struct{}

	watermark  atomic.Uint64
	reconnects atomic.Uint64
}

// NewManager validates the target and wires the manager's collaborators.
func NewManager(cfg models.ZerobusConfig, q *queue.Queue, lim *ratelimit.Limiter,
	brk *breaker.Breaker, met *metrics.Registry, samp *sampler.Sampler,
	creds *credentials.Store, log zerolog.Logger, opts Options) (*Manager, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts.applyDefaults()
	return &Manager{
		cfg:       cfg,
		opts:      opts,
		q:         q,
		lim:       lim,
		brk:       brk,
		met:       met,
		samp:      samp,
		creds:     creds,
		log:       log.With().Str("component", "zerobus").Logger(),
		state:     StateIdle,
		nextBatch: 1,
	}, nil
}

// Start acquires a token and launches the stream loop. Idempotent; a
// second call while running is a no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return nil
	}
	if !m.cfg.Enabled {
		m.mu.Unlock()
		return models.NewError(models.KindConfigInvalid, "zerobus is disabled in configuration")
	}
	m.mu.Unlock()

	ts := m.opts.TokenSource
	var secret *credentials.Secret
	if ts == nil {
		var err error
		secret, err = m.creds.Get(m.cfg.Auth.ClientSecretRef)
		if err != nil {
			return err
		}
		// The token source outlives the Start call, so it is bound to the
		// background context, not ctx.
		ts, err = NewTokenSource(context.Background(), m.cfg, secret.Value())
		if err != nil {
			return err
		}
		// Fail fast on misconfigured credentials before going resident.
		if _, err := ts.Token(); err != nil {
			return models.WrapError(models.KindAuthFailed, "acquire oauth token", err)
		}
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	m.mu.Lock()
	m.secret = secret
	m.tokenSrc = ts
	m.cancel = cancelRun
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(runCtx)
	return nil
}

// Stop drains in-flight work up to flushDeadline, then tears the stream
// down. Idempotent.
func (m *Manager) Stop(flushDeadline time.Duration) error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	if cancel != nil {
		m.setStateLocked(StateStopping)
	}
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}

	deadline := time.Now().Add(flushDeadline)
	for time.Now().Before(deadline) {
		if m.q.Depth() == 0 && m.unackedCount() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	<-done

	m.mu.Lock()
	m.setStateLocked(StateIdle)
	m.connected = false
	m.mu.Unlock()
	return nil
}

// Submit offers records to the delivery queue on behalf of callers outside
// the source pipeline. It retries rejected offers up to submit_max_wait.
func (m *Manager) Submit(ctx context.Context, recs []record.Record) error {
	deadline := time.Now().Add(m.opts.SubmitMaxWait)
	for _, r := range recs {
		for {
			res, err := m.q.Offer(r)
			if err != nil {
				return err
			}
			if res != queue.Rejected {
				break
			}
			if time.Now().After(deadline) {
				return models.NewError(models.KindQueueFull, "queue rejected record past submit deadline")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
	}
	return nil
}

// Watermark returns the highest contiguously acknowledged batch id.
func (m *Manager) Watermark() uint64 { return m.watermark.Load() }

// Snapshot is the observable manager state for status payloads.
type Snapshot struct {
	State      State  `json:"state"`
	Connected  bool   `json:"connected"`
	LastError  string `json:"last_error,omitempty"`
	Watermark  uint64 `json:"committed_batch_id"`
	Unacked    int    `json:"unacked_batches"`
	Reconnects uint64 `json:"reconnects"`
	Target     string `json:"target"`
}

// Snapshot returns a copy of the manager's state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		State:      m.state,
		Connected:  m.connected,
		LastError:  m.lastError,
		Watermark:  m.watermark.Load(),
		Unacked:    len(m.pending),
		Reconnects: m.reconnects.Load(),
		Target:     m.cfg.DefaultTarget.String(),
	}
}

// Diagnostics reports connectivity facts. With deep set it additionally
// opens and closes a probe stream.
func (m *Manager) Diagnostics(ctx context.Context, deep bool) models.IngestDiagnostics {
	d := models.IngestDiagnostics{
		TargetValidated: m.cfg.DefaultTarget.Validate() == nil,
	}

	m.mu.Lock()
	ts := m.tokenSrc
	m.mu.Unlock()
	if ts != nil {
		if _, err := ts.Token(); err == nil {
			d.TokenOK = true
		} else {
			d.Detail = "token: " + err.Error()
		}
	}

	host := grpcTarget(m.cfg.ZerobusEndpoint)
	if !strings.Contains(host, ":") {
		host += ":443"
	}
	if conn, err := net.DialTimeout("tcp", host, 3*time.Second); err == nil {
		d.EndpointReachable = true
		conn.Close()
	} else if d.Detail == "" {
		d.Detail = "endpoint: " + err.Error()
	}

	if deep && ts != nil {
		ok := m.probeStream(ctx, ts)
		d.ProbeStreamOK = &ok
	}
	return d
}

func (m *Manager) probeStream(ctx context.Context, ts oauth2.TokenSource) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := m.opts.Dialer(probeCtx, m.cfg, ts)
	if err != nil {
		return false
	}
	defer conn.Close()
	stream, err := conn.Open(probeCtx)
	if err != nil {
		return false
	}
	stream.CloseSend()
	return true
}

// ── Stream loop ──────────────────────────────────────────────

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectMinInterval
	bo.MaxInterval = reconnectMaxInterval
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 1 // full jitter

	for ctx.Err() == nil {
		m.setState(StateConnecting)
		stream, conn, err := m.connect(ctx)
		if err != nil {
			m.noteError(err)
			if !m.sleep(ctx, bo.NextBackOff()) {
				return
			}
			m.reconnects.Add(1)
			m.met.Reconnects.WithLabelValues("zerobus").Inc()
			continue
		}
		bo.Reset()

		m.setConnected(true)
		m.setState(StateStreaming)
		// Session id ties one connection's log lines together across
		// reconnects when debugging against the ingest service's logs.
		m.log.Info().
			Str("target", m.cfg.DefaultTarget.String()).
			Str("session", uuid.NewString()).
			Msg("🔌 ingest stream connected")

		err = m.runStream(ctx, stream)
		conn.Close()
		m.setConnected(false)
		if ctx.Err() != nil {
			return
		}

		m.noteError(err)
		m.requeueUnacked()
		m.brk.RecordFailure()
		if isUnauthenticated(err) {
			m.refreshToken(ctx)
		}

		m.setState(StateReconnecting)
		m.reconnects.Add(1)
		m.met.Reconnects.WithLabelValues("zerobus").Inc()
		m.log.Warn().Err(err).Msg("ingest stream lost, reconnecting")
		if !m.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

func (m *Manager) connect(ctx context.Context) (Stream, Conn, error) {
	m.mu.Lock()
	ts := m.tokenSrc
	m.mu.Unlock()

	conn, err := m.opts.Dialer(ctx, m.cfg, ts)
	if err != nil {
		return nil, nil, err
	}
	stream, err := conn.Open(ctx)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return stream, conn, nil
}

// runStream drives the send and ack loops until either fails.
func (m *Manager) runStream(ctx context.Context, stream Stream) error {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(streamCtx)
	g.Go(func() error { return m.sendLoop(gctx, stream) })
	g.Go(func() error { return m.recvLoop(gctx, stream) })
	return g.Wait()
}

func (m *Manager) sendLoop(ctx context.Context, stream Stream) error {
	for {
		lease, err := m.q.Poll(ctx, m.opts.BatchMaxRecords, m.opts.BatchMaxBytes, m.opts.BatchMaxAge)
		if err != nil {
			return err
		}
		if lease == nil {
			continue
		}

		// Ask the breaker only with a batch in hand: a half-open claim
		// must always resolve to a recorded outcome, and an empty poll
		// would otherwise strand it.
		if err := m.brk.Allow(); err != nil {
			lease.Requeue()
			if !m.sleep(ctx, 250*time.Millisecond) {
				return ctx.Err()
			}
			continue
		}

		recs := lease.Records()
		payloads := make([][]byte, len(recs))
		vendors := make(map[string]int, 2)
		total := 0
		for i, r := range recs {
			payloads[i] = r.MarshalWire()
			total += len(payloads[i])
			vendors[string(r.VendorFormat)]++
		}

		if err := m.lim.Acquire(ctx, len(recs), total); err != nil {
			lease.Requeue()
			return err
		}

		m.mu.Lock()
		id := m.nextBatch
		m.nextBatch++
		m.pending = append(m.pending, &inflight{
			id:      id,
			lease:   lease,
			sentAt:  time.Now(),
			bytes:   total,
			vendors: vendors,
		})
		m.mu.Unlock()

		if m.samp != nil {
			m.samp.Capture(sampler.StageZerobusBatch, recs[0])
		}

		frame := Batch{BatchID: id, Records: payloads}.Marshal()
		if err := stream.Send(frame); err != nil {
			return fmt.Errorf("send batch %d: %w", id, err)
		}
		m.met.BatchesSent.Inc()
	}
}

func (m *Manager) recvLoop(_ context.Context, stream Stream) error {
	for {
		data, err := stream.Recv()
		if err != nil {
			return err
		}
		ack, err := UnmarshalAck(data)
		if err != nil {
			return err
		}
		if err := m.handleAck(ack); err != nil {
			return err
		}
	}
}

// handleAck marks the batch and commits the contiguous acked prefix, in
// order, so the spool head never jumps past an outstanding batch.
func (m *Manager) handleAck(ack Ack) error {
	if !ack.OK() {
		m.met.BatchesFailed.Inc()
		msg := fmt.Sprintf("batch %d rejected: %s", ack.BatchID, ack.Message)
		if ack.Status == AckUnauthorized {
			return models.NewError(models.KindAuthFailed, msg)
		}
		if ack.Status == AckSchemaInvalid {
			return models.NewError(models.KindSchemaMismatch, msg)
		}
		return models.NewError(models.KindProtocolError, msg)
	}

	m.mu.Lock()
	for _, fl := range m.pending {
		if fl.id == ack.BatchID {
			fl.acked = true
			break
		}
	}
	var done []*inflight
	for len(m.pending) > 0 && m.pending[0].acked {
		done = append(done, m.pending[0])
		m.pending = m.pending[1:]
	}
	m.mu.Unlock()

	for _, fl := range done {
		if err := fl.lease.Commit(fl.id); err != nil {
			m.log.Error().Err(err).Uint64("batch_id", fl.id).Msg("commit spool frames")
		}
		m.watermark.Store(fl.id)
		m.met.BytesOut.Add(float64(fl.bytes))
		for vendor, n := range fl.vendors {
			m.met.RecordsOut.WithLabelValues(vendor).Add(float64(n))
		}
		m.met.IngestLatency.Observe(float64(time.Since(fl.sentAt).Milliseconds()))
		m.brk.RecordSuccess()
	}
	return nil
}

// requeueUnacked returns every outstanding batch to the queue front,
// newest first so the oldest records end up frontmost.
func (m *Manager) requeueUnacked() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for i := len(pending) - 1; i >= 0; i-- {
		pending[i].lease.Requeue()
		m.met.BatchesFailed.Inc()
	}
	if len(pending) > 0 {
		m.log.Warn().Int("batches", len(pending)).Msg("requeued unacknowledged batches")
	}
}

// refreshToken rebuilds the token source after a credential rejection.
func (m *Manager) refreshToken(context.Context) {
	m.mu.Lock()
	secret := m.secret
	m.mu.Unlock()
	if secret == nil {
		return
	}
	ts, err := NewTokenSource(context.Background(), m.cfg, secret.Value())
	if err != nil {
		m.log.Error().Err(err).Msg("rebuild token source")
		return
	}
	m.mu.Lock()
	m.tokenSrc = ts
	m.mu.Unlock()
	m.log.Info().Msg("oauth token source refreshed")
}

func isUnauthenticated(err error) bool {
	if models.KindOf(err) == models.KindAuthFailed {
		return true
	}
	return status.Code(err) == codes.Unauthenticated
}

// ── State bookkeeping ────────────────────────────────────────

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state != s {
		m.log.Debug().Str("from", string(m.state)).Str("to", string(s)).Msg("stream state")
		m.state = s
	}
}

func (m *Manager) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *Manager) noteError(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

func (m *Manager) unackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
