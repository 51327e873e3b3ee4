package queue

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/otbridge/otbridge/internal/record"
	"github.com/otbridge/otbridge/pkg/models"
)

func testRecord(i int) record.Record {
	return record.Record{
		SourceName:   "s1",
		Protocol:     models.ProtocolMQTT,
		VendorFormat: record.VendorGeneric,
		TopicOrPath:  "t/" + strconv.Itoa(i),
		EventTimeNS:  int64(i),
		IngestTimeNS: int64(i),
		Status:       record.QualityGood,
		Value:        record.Int64Value(int64(i)),
	}
}

func memQueue(t *testing.T, max int, policy models.DropPolicy) *Queue {
	t.Helper()
	q, err := New(models.QueueConfig{MaxInMemory: max, DropPolicy: policy})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func spillQueue(t *testing.T, max, hwPct int) *Queue {
	t.Helper()
	q, err := New(models.QueueConfig{
		MaxInMemory:      max,
		HighWatermarkPct: hwPct,
		SpillEnabled:     true,
		SpillPath:        t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func pollAll(t *testing.T, q *Queue, max int) *Lease {
	t.Helper()
	lease, err := q.Poll(context.Background(), max, 0, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if lease == nil {
		t.Fatal("Poll returned no lease")
	}
	return lease
}

func TestOfferPollFIFO(t *testing.T) {
	q := memQueue(t, 100, models.DropNewest)
	for i := 0; i < 10; i++ {
		if res, err := q.Offer(testRecord(i)); err != nil || res != Accepted {
			t.Fatalf("Offer(%d) = %v, %v", i, res, err)
		}
	}

	lease := pollAll(t, q, 100)
	recs := lease.Records()
	if len(recs) != 10 {
		t.Fatalf("polled %d records, want 10", len(recs))
	}
	for i, r := range recs {
		if r.EventTimeNS != int64(i) {
			t.Errorf("record %d out of order: event_time=%d", i, r.EventTimeNS)
		}
	}
	lease.Commit(1)
}

func TestPollTimeoutEmpty(t *testing.T) {
	q := memQueue(t, 10, models.DropNewest)
	lease, err := q.Poll(context.Background(), 10, 0, 20*time.Millisecond)
	if err != nil || lease != nil {
		t.Fatalf("Poll on empty queue = %v, %v; want nil, nil", lease, err)
	}
}

func TestPollCancel(t *testing.T) {
	q := memQueue(t, 10, models.DropNewest)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Poll(ctx, 10, 0, time.Second); err == nil {
		t.Fatal("Poll with cancelled context returned nil error")
	}
}

func TestPollWaitsOutWindowForPartialBatch(t *testing.T) {
	q := memQueue(t, 100, models.DropNewest)
	for i := 0; i < 3; i++ {
		q.Offer(testRecord(i))
	}

	// With room left in the batch, Poll holds the window open so a slow
	// trickle coalesces instead of shipping one-record batches.
	start := time.Now()
	lease, err := q.Poll(context.Background(), 10, 0, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if lease == nil {
		t.Fatal("Poll returned no lease")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("partial batch returned after %v, want the full window", elapsed)
	}
	if got := len(lease.Records()); got != 3 {
		t.Errorf("partial batch has %d records, want 3", got)
	}
	lease.Commit(1)
}

func TestPollReturnsEarlyWhenBatchFull(t *testing.T) {
	q := memQueue(t, 100, models.DropNewest)
	for i := 0; i < 10; i++ {
		q.Offer(testRecord(i))
	}

	start := time.Now()
	lease, err := q.Poll(context.Background(), 10, 0, 5*time.Second)
	if err != nil || lease == nil {
		t.Fatalf("Poll = %v, %v", lease, err)
	}
	if got := len(lease.Records()); got != 10 {
		t.Fatalf("full batch has %d records, want 10", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("full batch waited %v for the window", elapsed)
	}
	lease.Commit(1)
}

func TestPollTrickleCoalesces(t *testing.T) {
	q := memQueue(t, 100, models.DropNewest)
	go func() {
		for i := 0; i < 5; i++ {
			q.Offer(testRecord(i))
			time.Sleep(10 * time.Millisecond)
		}
	}()

	lease, err := q.Poll(context.Background(), 100, 0, 300*time.Millisecond)
	if err != nil || lease == nil {
		t.Fatalf("Poll = %v, %v", lease, err)
	}
	if got := len(lease.Records()); got < 2 {
		t.Errorf("trickle produced a batch of %d, want coalesced records", got)
	}
	lease.Commit(1)
}

func TestPollCancelRestoresPartialBatch(t *testing.T) {
	q := memQueue(t, 100, models.DropNewest)
	q.Offer(testRecord(0))
	q.Offer(testRecord(1))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if _, err := q.Poll(ctx, 10, 0, time.Second); err == nil {
		t.Fatal("Poll with cancelled context returned nil error")
	}
	if q.Depth() != 2 {
		t.Errorf("Depth after cancelled poll = %d, want 2 restored records", q.Depth())
	}
}

func TestDropNewest(t *testing.T) {
	q := memQueue(t, 3, models.DropNewest)
	for i := 0; i < 3; i++ {
		q.Offer(testRecord(i))
	}
	res, err := q.Offer(testRecord(99))
	if err != nil || res != Rejected {
		t.Fatalf("Offer over capacity = %v, %v; want Rejected", res, err)
	}
	if got := q.Snapshot().Dropped[DropReasonNewest]; got != 1 {
		t.Errorf("dropped[drop_newest] = %d, want 1", got)
	}

	recs := pollAll(t, q, 10).Records()
	if recs[len(recs)-1].EventTimeNS == 99 {
		t.Error("rejected record was enqueued")
	}
}

func TestDropOldest(t *testing.T) {
	q := memQueue(t, 3, models.DropOldest)
	for i := 0; i < 4; i++ {
		if res, _ := q.Offer(testRecord(i)); res != Accepted {
			t.Fatalf("Offer(%d) not accepted under drop_oldest", i)
		}
	}
	if got := q.Snapshot().Dropped[DropReasonOldest]; got != 1 {
		t.Errorf("dropped[drop_oldest] = %d, want 1", got)
	}

	recs := pollAll(t, q, 10).Records()
	if len(recs) != 3 || recs[0].EventTimeNS != 1 || recs[2].EventTimeNS != 3 {
		t.Errorf("queue after eviction = %v records, head=%d", len(recs), recs[0].EventTimeNS)
	}
}

func TestSpillAboveWatermarkKeepsOrder(t *testing.T) {
	q := spillQueue(t, 10, 50)

	var spilled int
	for i := 0; i < 20; i++ {
		res, err := q.Offer(testRecord(i))
		if err != nil {
			t.Fatalf("Offer(%d): %v", i, err)
		}
		if res == Spilled {
			spilled++
		}
	}
	if spilled == 0 {
		t.Fatal("nothing spilled above the high watermark")
	}
	if q.Depth() != 20 {
		t.Fatalf("Depth = %d, want 20", q.Depth())
	}

	recs := pollAll(t, q, 100).Records()
	if len(recs) != 20 {
		t.Fatalf("polled %d records, want 20", len(recs))
	}
	for i, r := range recs {
		if r.EventTimeNS != int64(i) {
			t.Fatalf("record %d out of order across memory/disk boundary: %d", i, r.EventTimeNS)
		}
	}
}

func TestSpillContinuesWhileSpoolNonEmpty(t *testing.T) {
	q := spillQueue(t, 10, 50)
	for i := 0; i < 10; i++ {
		q.Offer(testRecord(i))
	}
	// Drain memory only; disk still holds the overflow.
	lease := pollAll(t, q, 5)
	lease.Commit(1)

	res, err := q.Offer(testRecord(100))
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if res != Spilled {
		t.Errorf("Offer while spool non-empty = %v, want Spilled to preserve order", res)
	}
}

func TestRequeueFrontPreservesOrder(t *testing.T) {
	q := memQueue(t, 100, models.DropNewest)
	for i := 0; i < 6; i++ {
		q.Offer(testRecord(i))
	}
	l1 := pollAll(t, q, 2) // records 0,1
	l2 := pollAll(t, q, 2) // records 2,3

	// Newest lease first so the oldest records end up frontmost.
	l2.Requeue()
	l1.Requeue()

	recs := pollAll(t, q, 100).Records()
	if len(recs) != 6 {
		t.Fatalf("polled %d, want 6", len(recs))
	}
	for i, r := range recs {
		if r.EventTimeNS != int64(i) {
			t.Fatalf("record %d after requeue = %d, want %d", i, r.EventTimeNS, i)
		}
	}
}

func TestSpoolSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := models.QueueConfig{
		MaxInMemory:      4,
		HighWatermarkPct: 50,
		SpillEnabled:     true,
		SpillPath:        dir,
	}

	q, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := q.Offer(testRecord(i)); err != nil {
			t.Fatalf("Offer(%d): %v", i, err)
		}
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2, err := New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	// Memory contents are gone, but every spilled record is recovered.
	recs := pollAll(t, q2, 100).Records()
	if len(recs) == 0 {
		t.Fatal("no spilled records recovered after reopen")
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].EventTimeNS <= recs[i-1].EventTimeNS {
			t.Fatal("recovered records out of order")
		}
	}
}

func TestSpoolCommitNotReReadAfterReopen(t *testing.T) {
	dir := t.TempDir()
	sp, err := OpenSpool(dir, 0, DefaultSegmentBytes)
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := sp.Append(testRecord(i).MarshalWire()); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Consume and commit the first three frames.
	var ref frameRef
	for i := 0; i < 3; i++ {
		_, r, ok, err := sp.ReadNext()
		if err != nil || !ok {
			t.Fatalf("ReadNext(%d): ok=%v err=%v", i, ok, err)
		}
		ref = r
	}
	if err := sp.Commit(ref, 42); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	sp.Close()

	sp2, err := OpenSpool(dir, 0, DefaultSegmentBytes)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer sp2.Close()

	if sp2.Len() != 2 {
		t.Fatalf("Len after reopen = %d, want 2 uncommitted frames", sp2.Len())
	}
	payload, _, ok, err := sp2.ReadNext()
	if err != nil || !ok {
		t.Fatalf("ReadNext after reopen: ok=%v err=%v", ok, err)
	}
	rec, err := record.UnmarshalWire(payload)
	if err != nil {
		t.Fatalf("UnmarshalWire: %v", err)
	}
	if rec.EventTimeNS != 3 {
		t.Errorf("first uncommitted record = %d, want 3", rec.EventTimeNS)
	}
}

func TestSpoolUnackedReReadAfterReopen(t *testing.T) {
	dir := t.TempDir()
	sp, err := OpenSpool(dir, 0, DefaultSegmentBytes)
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	sp.Append(testRecord(0).MarshalWire())
	if _, _, ok, _ := sp.ReadNext(); !ok {
		t.Fatal("ReadNext returned no frame")
	}
	// No commit: the frame was handed out but never acknowledged.
	sp.Close()

	sp2, err := OpenSpool(dir, 0, DefaultSegmentBytes)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer sp2.Close()
	if sp2.Len() != 1 {
		t.Errorf("Len = %d, want unacked frame re-readable after restart", sp2.Len())
	}
}

func TestSpoolDiscardsCorruptFrames(t *testing.T) {
	dir := t.TempDir()
	sp, err := OpenSpool(dir, 0, DefaultSegmentBytes)
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	for i := 0; i < 3; i++ {
		sp.Append(testRecord(i).MarshalWire())
	}
	sp.Close()

	// Flip a byte inside the second frame's payload.
	seg := filepath.Join(dir, "segments")
	entries, _ := os.ReadDir(seg)
	if len(entries) != 1 {
		t.Fatalf("segments = %d, want 1", len(entries))
	}
	path := filepath.Join(seg, entries[0].Name())
	raw, _ := os.ReadFile(path)
	frame1 := frameHeaderSize + int(binary.LittleEndian.Uint32(raw[0:4]))
	raw[frame1+frameHeaderSize+2] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("corrupt segment: %v", err)
	}

	sp2, err := OpenSpool(dir, 0, DefaultSegmentBytes)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer sp2.Close()

	// The scan truncates at the corrupt frame; only the first survives.
	if sp2.Len() != 1 {
		t.Errorf("Len = %d, want 1 valid frame before corruption", sp2.Len())
	}
	if sp2.CRCDiscarded() == 0 {
		t.Error("corrupt frame was not counted")
	}
}

func TestSpoolFullAppliesDropPolicy(t *testing.T) {
	q, err := New(models.QueueConfig{
		MaxInMemory:      2,
		HighWatermarkPct: 50,
		SpillEnabled:     true,
		SpillPath:        t.TempDir(),
		SpillMaxBytes:    1, // nothing fits
		DropPolicy:       models.DropNewest,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer q.Close()

	q.Offer(testRecord(0))
	q.Offer(testRecord(1))
	res, err := q.Offer(testRecord(2))
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}
	if res != Rejected {
		t.Errorf("Offer with full spool and memory = %v, want Rejected", res)
	}
	if got := q.Snapshot().Dropped[DropReasonNewest]; got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
}

func TestSpoolLockHeld(t *testing.T) {
	dir := t.TempDir()
	sp, err := OpenSpool(dir, 0, DefaultSegmentBytes)
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	defer sp.Close()

	if _, err := OpenSpool(dir, 0, DefaultSegmentBytes); models.KindOf(err) != models.KindSpoolLocked {
		t.Fatalf("second open err kind = %v, want spool_locked", models.KindOf(err))
	}
}

func TestSpoolStaleLockTakenOver(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "segments"), 0o755); err != nil {
		t.Fatal(err)
	}
	// A pid that cannot exist on this host.
	if err := os.WriteFile(filepath.Join(dir, "lock"), []byte("99999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sp, err := OpenSpool(dir, 0, DefaultSegmentBytes)
	if err != nil {
		t.Fatalf("OpenSpool with stale lock: %v", err)
	}
	sp.Close()
}
