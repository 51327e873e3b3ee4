// Package sampler captures representative records at each pipeline stage
// for operator visibility.
//
// For every (protocol, vendor) pair the sampler keeps four small ring
// buffers — one per stage — holding the last N records, plus a monotonic
// counter per stage. Writes are cheap and happen on the hot path of the
// source goroutine; reads copy, so diagnostics handlers never hold a lock
// across serialization.
package sampler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/pkg/models"
)

// Stage identifies a capture point in the pipeline.
type Stage int

const (
	StageRawProtocol Stage = iota
	StageAfterVendorDetection
	StageAfterNormalization
	StageZerobusBatch

	stageCount
)

// String returns the wire name of the stage used in diagnostics payloads.
func (s Stage) String() string {
	switch s {
	case StageRawProtocol:
		return "raw_protocol"
	case StageAfterVendorDetection:
		return "after_vendor_detection"
	case StageAfterNormalization:
		return "after_normalization"
	case StageZerobusBatch:
		return "zerobus_batch"
	}
	return "unknown"
}

// DefaultDepth is the per-stage ring size.
const DefaultDepth = 3

// Sample is one captured record with its capture time.
type Sample struct {
	CapturedAt time.Time     `json:"captured_at"`
	Record     record.Record `json:"record"`
}

// ring is a fixed-size overwrite-oldest buffer for one stage.
type ring struct {
	samples []Sample
	next    int
	full    bool
}

func newRing(depth int) *ring {
	return &ring{samples: make([]Sample, depth)}
}

func (r *ring) push(s Sample) {
	r.samples[r.next] = s
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns oldest-first copies of the buffered samples.
func (r *ring) snapshot() []Sample {
	n := r.next
	if !r.full {
		out := make([]Sample, n)
		copy(out, r.samples[:n])
		return out
	}
	out := make([]Sample, 0, len(r.samples))
	out = append(out, r.samples[n:]...)
	out = append(out, r.samples[:n]...)
	return out
}

type pairKey struct {
	protocol models.ProtocolType
	vendor   record.VendorFormat
}

type pairBuffers struct {
	mu       sync.Mutex
	stages   [stageCount]*ring
	counters [stageCount]atomic.Uint64
}

// Sampler holds the per-pair stage buffers.
type Sampler struct {
	depth int

	mu    sync.RWMutex
	pairs map[pairKey]*pairBuffers
}

// New creates a sampler with the given ring depth (DefaultDepth when <= 0).
func New(depth int) *Sampler {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Sampler{
		depth: depth,
		pairs: make(map[pairKey]*pairBuffers),
	}
}

// Capture records a sample at the given stage. Secret-shaped metadata is
// masked and the record is cloned, so the sampler never aliases
// pipeline-owned state.
func (s *Sampler) Capture(stage Stage, r record.Record) {
	if stage < 0 || stage >= stageCount {
		return
	}
	key := pairKey{protocol: r.Protocol, vendor: r.VendorFormat}
	if key.vendor == "" {
		key.vendor = record.VendorUnknown
	}

	pb := s.buffersFor(key)
	pb.counters[stage].Add(1)

	sample := Sample{CapturedAt: time.Now().UTC(), Record: r.MaskSecrets()}
	pb.mu.Lock()
	pb.stages[stage].push(sample)
	pb.mu.Unlock()
}

func (s *Sampler) buffersFor(key pairKey) *pairBuffers {
	s.mu.RLock()
	pb, ok := s.pairs[key]
	s.mu.RUnlock()
	if ok {
		return pb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if pb, ok = s.pairs[key]; ok {
		return pb
	}
	pb = &pairBuffers{}
	for i := range pb.stages {
		pb.stages[i] = newRing(s.depth)
	}
	s.pairs[key] = pb
	return pb
}

// StageSnapshot is the per-stage view inside a pair snapshot.
type StageSnapshot struct {
	Stage   string   `json:"stage"`
	Count   uint64   `json:"count"`
	Samples []Sample `json:"samples"`
}

// PairSnapshot aggregates one (protocol, vendor) pair.
type PairSnapshot struct {
	Protocol models.ProtocolType `json:"protocol_type"`
	Vendor   record.VendorFormat `json:"vendor_format"`
	Stages   []StageSnapshot     `json:"stages"`
}

// Snapshot returns a consistent copy of all pairs for the diagnostics API.
func (s *Sampler) Snapshot() []PairSnapshot {
	s.mu.RLock()
	keys := make([]pairKey, 0, len(s.pairs))
	buffers := make([]*pairBuffers, 0, len(s.pairs))
	for k, pb := range s.pairs {
		keys = append(keys, k)
		buffers = append(buffers, pb)
	}
	s.mu.RUnlock()

	out := make([]PairSnapshot, 0, len(keys))
	for i, key := range keys {
		pb := buffers[i]
		snap := PairSnapshot{
			Protocol: key.protocol,
			Vendor:   key.vendor,
			Stages:   make([]StageSnapshot, 0, stageCount),
		}
		pb.mu.Lock()
		for st := Stage(0); st < stageCount; st++ {
			snap.Stages = append(snap.Stages, StageSnapshot{
				Stage:   st.String(),
				Count:   pb.counters[st].Load(),
				Samples: pb.stages[st].snapshot(),
			})
		}
		pb.mu.Unlock()
		out = append(out, snap)
	}
	return out
}
