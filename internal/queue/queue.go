// Package queue implements the bounded in-memory record queue with an
// optional disk spool for overflow.
//
// Producers are the source supervisors; the single consumer is the ingest
// batcher. Below the high watermark records stay in memory. Above it (or
// whenever the spool still holds records, so first-in-first-out order is
// preserved) new records spill to disk. When both memory and spool are
// exhausted the configured drop policy applies.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/pkg/models"
)

// Result is the outcome of an Offer.
type Result int

const (
	Accepted Result = iota
	Spilled
	Rejected
)

// Drop reasons surfaced on the records_dropped counter.
const (
	DropReasonNewest = "drop_newest"
	DropReasonOldest = "drop_oldest"
	DropReasonDecode = "spool_decode"
)

type item struct {
	rec  record.Record
	size int
	ref  frameRef
}

// Queue is a bounded MPSC FIFO with disk overflow.
type Queue struct {
	cfg   models.QueueConfig
	spool *Spool

	// OnDrop, when set, is called with the reason and count for every
	// dropped record. It runs with the queue lock held and must not call
	// back into the queue.
	OnDrop func(reason string, n int)

	mu      sync.Mutex
	front   []item // requeued in-flight records, drained before mem
	mem     []item
	dropped map[string]uint64
	closed  bool
	notify  chan struct{}
}

// New builds the queue, opening the spool directory when spill is enabled.
func New(cfg models.QueueConfig) (*Queue, error) {
	if cfg.MaxInMemory <= 0 {
		cfg.MaxInMemory = 10_000
	}
	if cfg.HighWatermarkPct <= 0 || cfg.HighWatermarkPct > 100 {
		cfg.HighWatermarkPct = 80
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = models.DropNewest
	}

	q := &Queue{
		cfg:     cfg,
		dropped: make(map[string]uint64),
		notify:  make(chan struct{}, 1),
	}
	if cfg.SpillEnabled && cfg.SpillPath != "" {
		sp, err := OpenSpool(cfg.SpillPath, cfg.SpillMaxBytes, DefaultSegmentBytes)
		if err != nil {
			return nil, err
		}
		q.spool = sp
	}
	return q, nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) highWatermark() int {
	return q.cfg.MaxInMemory * q.cfg.HighWatermarkPct / 100
}

// Offer enqueues one record. The caller may acknowledge the record upstream
// only on Accepted or Spilled.
func (q *Queue) Offer(r record.Record) (Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Rejected, models.NewError(models.KindCancelled, "queue closed")
	}

	inMem := len(q.front) + len(q.mem)

	// While the spool holds records, keep spilling so disk never jumps
	// ahead of memory in delivery order.
	if q.spool != nil && (q.spool.Len() > 0 || inMem >= q.highWatermark()) {
		err := q.spool.Append(r.MarshalWire())
		switch {
		case err == nil:
			q.wake()
			return Spilled, nil
		case models.KindOf(err) == models.KindSpoolFull:
			// Spool budget exhausted; fall through to memory/drop.
		default:
			return Rejected, err
		}
	}

	if inMem < q.cfg.MaxInMemory {
		q.mem = append(q.mem, item{rec: r, size: r.EstimateSize()})
		q.wake()
		return Accepted, nil
	}

	if q.cfg.DropPolicy == models.DropOldest {
		if len(q.mem) > 0 {
			q.mem = q.mem[1:]
		} else if len(q.front) > 0 {
			q.front = q.front[1:]
		}
		q.drop(DropReasonOldest, 1)
		q.mem = append(q.mem, item{rec: r, size: r.EstimateSize()})
		q.wake()
		return Accepted, nil
	}

	q.drop(DropReasonNewest, 1)
	return Rejected, nil
}

func (q *Queue) drop(reason string, n int) {
	q.dropped[reason] += uint64(n)
	if q.OnDrop != nil {
		q.OnDrop(reason, n)
	}
}

// Poll accumulates records into one batch until it reaches maxRecords or
// maxBytes estimated bytes, returning early only when full. When the
// timeout elapses first, whatever accumulated is returned as a partial
// batch; a nil lease with nil error means the queue stayed empty for the
// whole window. Records held by an unfinished poll go back to the queue
// front on cancellation, so nothing is lost.
func (q *Queue) Poll(ctx context.Context, maxRecords, maxBytes int, timeout time.Duration) (*Lease, error) {
	if maxRecords <= 0 {
		maxRecords = 1
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		items []item
		bytes int
	)
	for {
		full, err := q.fill(&items, &bytes, maxRecords, maxBytes)
		if err != nil {
			q.restore(items)
			return nil, err
		}
		if full {
			return &Lease{q: q, items: items}, nil
		}

		select {
		case <-ctx.Done():
			q.restore(items)
			return nil, ctx.Err()
		case <-timer.C:
			if len(items) == 0 {
				return nil, nil
			}
			return &Lease{q: q, items: items}, nil
		case <-q.notify:
		}
	}
}

// fill moves available records into the batch being built, front first,
// then memory, then spool. It reports whether the batch hit a cap.
func (q *Queue) fill(items *[]item, bytes *int, maxRecords, maxBytes int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, models.NewError(models.KindCancelled, "queue closed")
	}

	full := func() bool {
		return len(*items) >= maxRecords || (maxBytes > 0 && *bytes >= maxBytes)
	}
	take := func(it item) {
		*items = append(*items, it)
		*bytes += it.size
	}

	for !full() && len(q.front) > 0 {
		take(q.front[0])
		q.front = q.front[1:]
	}
	for !full() && len(q.mem) > 0 {
		take(q.mem[0])
		q.mem = q.mem[1:]
	}
	if q.spool != nil {
		for !full() {
			payload, ref, ok, err := q.spool.ReadNext()
			if err != nil {
				return false, err
			}
			if !ok {
				break
			}
			rec, decErr := record.UnmarshalWire(payload)
			if decErr != nil {
				q.drop(DropReasonDecode, 1)
				continue
			}
			take(item{rec: rec, size: len(payload), ref: ref})
		}
	}
	return full(), nil
}

// restore prepends leased or half-built batches back onto the queue front.
func (q *Queue) restore(items []item) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.front = append(append(make([]item, 0, len(items)+len(q.front)), items...), q.front...)
	q.mu.Unlock()
	q.wake()
}

// Depth reports records waiting in memory, requeued, and on disk.
func (q *Queue) Depth() int {
	q.mu.Lock()
	n := len(q.front) + len(q.mem)
	q.mu.Unlock()
	if q.spool != nil {
		n += q.spool.Len()
	}
	return n
}

// Stats is a point-in-time queue summary for status and metrics.
type Stats struct {
	InMemory     int               `json:"in_memory"`
	Requeued     int               `json:"requeued"`
	SpoolFrames  int               `json:"spool_frames"`
	SpoolBytes   int64             `json:"spool_bytes"`
	Dropped      map[string]uint64 `json:"dropped"`
	CRCDiscarded uint64            `json:"crc_discarded"`
}

// Snapshot returns a copy of the queue counters.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	st := Stats{
		InMemory: len(q.mem),
		Requeued: len(q.front),
		Dropped:  make(map[string]uint64, len(q.dropped)),
	}
	for k, v := range q.dropped {
		st.Dropped[k] = v
	}
	q.mu.Unlock()

	if q.spool != nil {
		st.SpoolFrames = q.spool.Len()
		st.SpoolBytes = q.spool.Bytes()
		st.CRCDiscarded = q.spool.CRCDiscarded()
	}
	return st
}

// Close rejects further offers and releases the spool lock.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.wake()

	if q.spool != nil {
		return q.spool.Close()
	}
	return nil
}

// ── Lease ────────────────────────────────────────────────────

// Lease is a batch of polled records pending delivery. Exactly one of
// Commit or Requeue must be called.
type Lease struct {
	q     *Queue
	items []item
	done  bool
}

// Records returns the leased records in queue order.
func (l *Lease) Records() []record.Record {
	out := make([]record.Record, len(l.items))
	for i, it := range l.items {
		out[i] = it.rec
	}
	return out
}

// Size returns the estimated payload bytes of the lease.
func (l *Lease) Size() int {
	total := 0
	for _, it := range l.items {
		total += it.size
	}
	return total
}

// Commit marks the leased records as durably delivered, advancing the
// spool's recovery head past any disk-backed frames.
func (l *Lease) Commit(batchID uint64) error {
	if l.done {
		return nil
	}
	l.done = true
	if l.q.spool == nil {
		return nil
	}
	var last frameRef
	for _, it := range l.items {
		if it.ref.fromDisk {
			last = it.ref
		}
	}
	if !last.fromDisk {
		return nil
	}
	return l.q.spool.Commit(last, batchID)
}

// Requeue returns the leased records to the front of the queue. When
// requeuing several leases, requeue the newest lease first so the oldest
// records end up frontmost.
func (l *Lease) Requeue() {
	if l.done {
		return
	}
	l.done = true
	l.q.restore(l.items)
}
