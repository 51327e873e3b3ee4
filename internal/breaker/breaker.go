// Package breaker implements the ingest circuit breaker.
//
// closed counts failures over a sliding window and trips open at the
// threshold. open short-circuits everything until the cool-down elapses,
// then half_open admits exactly one probe. A successful probe closes the
// breaker and resets the cool-down; a failed probe reopens it and doubles
// the cool-down up to the configured maximum.
package breaker

import (
	"sync"
	"time"

	"github.com/otbridge/otbridge/pkg/models"
)

// State values double as the breaker_state gauge.
type State int

const (
	Closed   State = 0
	HalfOpen State = 1
	Open     State = 2
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case HalfOpen:
		return "half_open"
	case Open:
		return "open"
	}
	return "unknown"
}

// Defaults per the configuration surface.
const (
	DefaultThreshold   = 5
	DefaultWindow      = 60 * time.Second
	DefaultCoolDown    = 10 * time.Second
	DefaultCoolDownMax = 5 * time.Minute
)

// Breaker guards one failure domain (the ingest stream, or one source).
type Breaker struct {
	threshold    int
	window       time.Duration
	baseCoolDown time.Duration
	maxCoolDown  time.Duration

	// OnStateChange, when set, observes transitions. Called with the
	// breaker lock held; it must not call back into the breaker.
	OnStateChange func(from, to State)

	now func() time.Time

	mu             sync.Mutex
	state          State
	failures       []time.Time
	coolDown       time.Duration
	openedAt       time.Time
	lastTransition time.Time
	probing        bool

	trips         uint64
	totalFailures uint64
	totalSuccess  uint64
}

// New builds a breaker from config, applying defaults for zero fields.
func New(cfg models.BreakerConfig) *Breaker {
	b := &Breaker{
		threshold:    cfg.Threshold,
		window:       time.Duration(cfg.WindowMS) * time.Millisecond,
		baseCoolDown: time.Duration(cfg.CoolDownMS) * time.Millisecond,
		maxCoolDown:  time.Duration(cfg.CoolDownMaxMS) * time.Millisecond,
		now:          time.Now,
	}
	if b.threshold <= 0 {
		b.threshold = DefaultThreshold
	}
	if b.window <= 0 {
		b.window = DefaultWindow
	}
	if b.baseCoolDown <= 0 {
		b.baseCoolDown = DefaultCoolDown
	}
	if b.maxCoolDown < b.baseCoolDown {
		b.maxCoolDown = DefaultCoolDownMax
	}
	b.coolDown = b.baseCoolDown
	b.lastTransition = b.now()
	return b
}

// Allow reports whether a send attempt may proceed. In the open state the
// cool-down expiry is evaluated lazily here; the first caller after expiry
// becomes the half-open probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.coolDown {
			return models.NewError(models.KindBreakerOpen, "circuit breaker open")
		}
		b.transition(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return models.NewError(models.KindBreakerOpen, "circuit breaker probing")
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess closes a half-open breaker and resets the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalSuccess++

	switch b.state {
	case HalfOpen:
		b.probing = false
		b.coolDown = b.baseCoolDown
		b.failures = b.failures[:0]
		b.transition(Closed)
	case Closed:
		b.failures = b.failures[:0]
	}
}

// RecordFailure counts a failure, tripping the breaker at the threshold.
// A failed half-open probe reopens and doubles the cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalFailures++
	now := b.now()

	switch b.state {
	case Closed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.threshold {
			b.trip(now)
		}
	case HalfOpen:
		b.probing = false
		b.coolDown *= 2
		if b.coolDown > b.maxCoolDown {
			b.coolDown = b.maxCoolDown
		}
		b.trip(now)
	}
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

func (b *Breaker) trip(now time.Time) {
	b.openedAt = now
	b.failures = b.failures[:0]
	b.trips++
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastTransition = b.now()
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}

// State returns the current state. Cool-down expiry is applied by Allow,
// not here, so status readers never accidentally claim the probe slot.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is the observable breaker summary for status and metrics.
type Snapshot struct {
	State          string    `json:"state"`
	LastTransition time.Time `json:"last_transition"`
	CoolDownMS     int64     `json:"cool_down_ms"`
	WindowFailures int       `json:"window_failures"`
	Trips          uint64    `json:"trips"`
	TotalFailures  uint64    `json:"total_failures"`
	TotalSuccess   uint64    `json:"total_success"`
}

// Snapshot returns a copy of the breaker counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:          b.state.String(),
		LastTransition: b.lastTransition,
		CoolDownMS:     b.coolDown.Milliseconds(),
		WindowFailures: len(b.failures),
		Trips:          b.trips,
		TotalFailures:  b.totalFailures,
		TotalSuccess:   b.totalSuccess,
	}
}
