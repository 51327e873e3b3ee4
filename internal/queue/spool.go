package queue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/otbridge/otbridge/pkg/models"
)

// DefaultSegmentBytes is the roll size for spool segments.
const DefaultSegmentBytes = int64(64 << 20)

// frameHeaderSize is [len:u32][crc32:u32], both little-endian.
const frameHeaderSize = 8

// frameRef locates the end of a frame inside the spool, used to commit
// consumed frames after the ingest service acknowledged them.
type frameRef struct {
	fromDisk bool
	segment  int
	end      int64
}

// recoveryIndex is persisted as recovery.json. head_segment/head_offset mark
// the oldest frame not yet acknowledged downstream.
type recoveryIndex struct {
	CommittedBatchID uint64 `json:"committed_batch_id"`
	HeadSegment      int    `json:"head_segment"`
	HeadOffset       int64  `json:"head_offset"`
}

// segmentInfo is the scan result for one on-disk segment.
type segmentInfo struct {
	index  int
	frames int
	bytes  int64 // valid byte length (torn tails excluded)
}

// Spool is a segmented, CRC-checked, length-framed disk log. One process
// owns a spool directory at a time, enforced by a pid lock file.
//
// Reads advance a volatile cursor; the durable head in recovery.json only
// moves on Commit, so frames handed out but never acknowledged are re-read
// after a restart.
type Spool struct {
	dir          string
	segDir       string
	maxBytes     int64
	segmentBytes int64

	mu sync.Mutex

	segments []segmentInfo
	writeSeg int
	writeF   *os.File
	writeOff int64

	readSeg    int   // index into segments
	readOff    int64 // offset within segments[readSeg]
	readF      *os.File
	readFIndex int // segment index the open read handle belongs to

	committed recoveryIndex

	frames     int // frames ahead of the volatile cursor
	totalBytes int64

	crcDiscarded uint64
	closed       bool
}

// OpenSpool acquires the spool directory and scans existing segments.
// A spool already held by a live process fails with kind spool_locked.
func OpenSpool(path string, maxBytes, segmentBytes int64) (*Spool, error) {
	if segmentBytes <= 0 {
		segmentBytes = DefaultSegmentBytes
	}
	if err := os.MkdirAll(filepath.Join(path, "segments"), 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	if err := acquireLock(filepath.Join(path, "lock")); err != nil {
		return nil, err
	}

	s := &Spool{
		dir:          path,
		segDir:       filepath.Join(path, "segments"),
		maxBytes:     maxBytes,
		segmentBytes: segmentBytes,
		readFIndex:   -1,
	}
	if err := s.recover(); err != nil {
		releaseLock(filepath.Join(path, "lock"))
		return nil, err
	}
	return s, nil
}

// acquireLock creates the pid lock file with O_EXCL, taking over stale
// locks whose owner is gone.
func acquireLock(path string) error {
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			return f.Close()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create spool lock: %w", err)
		}

		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return models.NewError(models.KindSpoolLocked, "spool lock exists and is unreadable")
		}
		pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if convErr == nil && pidAlive(pid) {
			return models.NewError(models.KindSpoolLocked,
				fmt.Sprintf("spool locked by running pid %d", pid))
		}
		// Stale lock from a dead process: take it over.
		if rmErr := os.Remove(path); rmErr != nil {
			return fmt.Errorf("remove stale spool lock: %w", rmErr)
		}
	}
	return models.NewError(models.KindSpoolLocked, "spool lock contention")
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func releaseLock(path string) { _ = os.Remove(path) }

// recover loads recovery.json and scans segments, truncating torn tails and
// counting CRC-failing frames as discarded.
func (s *Spool) recover() error {
	if raw, err := os.ReadFile(filepath.Join(s.dir, "recovery.json")); err == nil {
		if err := json.Unmarshal(raw, &s.committed); err != nil {
			return models.WrapError(models.KindSpoolCorrupt, "parse recovery index", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read recovery index: %w", err)
	}

	entries, err := os.ReadDir(s.segDir)
	if err != nil {
		return fmt.Errorf("list spool segments: %w", err)
	}
	var indices []int
	for _, e := range entries {
		var n int
		if _, err := fmt.Sscanf(e.Name(), "seg-%d.log", &n); err == nil {
			indices = append(indices, n)
		}
	}
	sort.Ints(indices)

	for _, idx := range indices {
		start := int64(0)
		if idx < s.committed.HeadSegment {
			// Entirely acknowledged in a previous run.
			_ = os.Remove(s.segmentPath(idx))
			continue
		}
		if idx == s.committed.HeadSegment {
			start = s.committed.HeadOffset
		}
		info, err := s.scanSegment(idx, start)
		if err != nil {
			return err
		}
		s.segments = append(s.segments, info)
		s.frames += info.frames
		s.totalBytes += info.bytes - start
	}

	if len(s.segments) == 0 {
		// Start a fresh segment strictly past the committed head so the
		// head offset never points into an empty file.
		next := s.committed.HeadSegment + 1
		if len(indices) > 0 && indices[len(indices)-1]+1 > next {
			next = indices[len(indices)-1] + 1
		}
		s.segments = []segmentInfo{{index: next}}
	}

	last := s.segments[len(s.segments)-1]
	s.writeSeg = last.index
	s.writeOff = last.bytes
	s.readSeg = 0
	s.readOff = 0
	if s.segments[0].index == s.committed.HeadSegment {
		s.readOff = s.committed.HeadOffset
		if s.readOff > s.segments[0].bytes {
			s.readOff = s.segments[0].bytes
		}
	}
	return nil
}

// scanSegment walks frames from start, truncating the file at the first
// torn or CRC-failing tail.
func (s *Spool) scanSegment(idx int, start int64) (segmentInfo, error) {
	path := s.segmentPath(idx)
	f, err := os.Open(path)
	if err != nil {
		return segmentInfo{}, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && start > fi.Size() {
		start = fi.Size()
	}
	info := segmentInfo{index: idx, bytes: start}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return segmentInfo{}, fmt.Errorf("seek segment: %w", err)
	}

	var hdr [frameHeaderSize]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			// Torn header.
			s.crcDiscarded++
			break
		}
		n := binary.LittleEndian.Uint32(hdr[0:4])
		sum := binary.LittleEndian.Uint32(hdr[4:8])
		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			s.crcDiscarded++
			break
		}
		if crc32.ChecksumIEEE(payload) != sum {
			s.crcDiscarded++
			break
		}
		info.frames++
		info.bytes += frameHeaderSize + int64(n)
	}

	// Drop anything past the last valid frame so appends stay well-framed.
	if fi, err := os.Stat(path); err == nil && fi.Size() > info.bytes {
		if err := os.Truncate(path, info.bytes); err != nil {
			return segmentInfo{}, fmt.Errorf("truncate torn segment: %w", err)
		}
	}
	return info, nil
}

func (s *Spool) segmentPath(idx int) string {
	return filepath.Join(s.segDir, fmt.Sprintf("seg-%08d.log", idx))
}

// Append writes one frame. Exceeding spill_max_bytes fails with kind
// spool_full and leaves the spool unchanged.
func (s *Spool) Append(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.NewError(models.KindInternal, "spool closed")
	}

	frameLen := int64(frameHeaderSize + len(payload))
	if s.maxBytes > 0 && s.totalBytes+frameLen > s.maxBytes {
		return models.NewError(models.KindSpoolFull, "spool byte budget exhausted")
	}

	if s.writeOff > 0 && s.writeOff+frameLen > s.segmentBytes {
		if err := s.roll(); err != nil {
			return err
		}
	}
	if s.writeF == nil {
		f, err := os.OpenFile(s.segmentPath(s.writeSeg), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open spool segment: %w", err)
		}
		s.writeF = f
	}

	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	if _, err := s.writeF.Write(hdr[:]); err != nil {
		return fmt.Errorf("write spool frame: %w", err)
	}
	if _, err := s.writeF.Write(payload); err != nil {
		return fmt.Errorf("write spool frame: %w", err)
	}

	s.writeOff += frameLen
	s.totalBytes += frameLen
	s.frames++
	for i := range s.segments {
		if s.segments[i].index == s.writeSeg {
			s.segments[i].frames++
			s.segments[i].bytes = s.writeOff
		}
	}
	return nil
}

func (s *Spool) roll() error {
	if s.writeF != nil {
		if err := s.writeF.Close(); err != nil {
			return fmt.Errorf("close spool segment: %w", err)
		}
		s.writeF = nil
	}
	s.writeSeg++
	s.writeOff = 0
	s.segments = append(s.segments, segmentInfo{index: s.writeSeg})
	return nil
}

// ReadNext returns the next frame's payload and its frame ref, advancing
// the volatile cursor. ok is false when the spool is drained. CRC-failing
// frames are skipped and counted.
func (s *Spool) ReadNext() (payload []byte, ref frameRef, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.frames == 0 {
			return nil, frameRef{}, false, nil
		}
		seg := &s.segments[s.readSeg]
		if s.readOff >= seg.bytes {
			// Current segment exhausted; the cursor only leaves a segment
			// once a newer one exists.
			if s.readSeg+1 >= len(s.segments) {
				return nil, frameRef{}, false, nil
			}
			if s.readF != nil {
				s.readF.Close()
				s.readF = nil
				s.readFIndex = -1
			}
			s.readSeg++
			s.readOff = 0
			continue
		}

		if s.readF == nil || s.readFIndex != seg.index {
			if s.readF != nil {
				s.readF.Close()
			}
			f, openErr := os.Open(s.segmentPath(seg.index))
			if openErr != nil {
				return nil, frameRef{}, false, fmt.Errorf("open spool segment: %w", openErr)
			}
			s.readF = f
			s.readFIndex = seg.index
		}

		var hdr [frameHeaderSize]byte
		if _, err := s.readF.ReadAt(hdr[:], s.readOff); err != nil {
			return nil, frameRef{}, false, fmt.Errorf("read spool frame: %w", err)
		}
		n := binary.LittleEndian.Uint32(hdr[0:4])
		sum := binary.LittleEndian.Uint32(hdr[4:8])
		buf := make([]byte, n)
		if _, err := s.readF.ReadAt(buf, s.readOff+frameHeaderSize); err != nil {
			return nil, frameRef{}, false, fmt.Errorf("read spool frame: %w", err)
		}

		s.readOff += frameHeaderSize + int64(n)
		s.frames--
		s.totalBytes -= frameHeaderSize + int64(n)

		if crc32.ChecksumIEEE(buf) != sum {
			s.crcDiscarded++
			continue
		}
		return buf, frameRef{fromDisk: true, segment: seg.index, end: s.readOff}, true, nil
	}
}

// Commit durably advances the head past ref and deletes fully-drained
// segments behind it. batchID is recorded for diagnostics after restart.
func (s *Spool) Commit(ref frameRef, batchID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ref.fromDisk {
		return nil
	}

	if ref.segment > s.committed.HeadSegment ||
		(ref.segment == s.committed.HeadSegment && ref.end > s.committed.HeadOffset) {
		s.committed.HeadSegment = ref.segment
		s.committed.HeadOffset = ref.end
	}
	if batchID > s.committed.CommittedBatchID {
		s.committed.CommittedBatchID = batchID
	}
	if err := s.persistIndex(); err != nil {
		return err
	}

	// Drop segments wholly behind the committed head. The active write
	// segment always stays.
	for len(s.segments) > 1 && s.segments[0].index < s.committed.HeadSegment {
		idx := s.segments[0].index
		if idx == s.writeSeg {
			break
		}
		if err := os.Remove(s.segmentPath(idx)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove drained segment: %w", err)
		}
		s.segments = s.segments[1:]
		if s.readSeg > 0 {
			s.readSeg--
		}
	}
	return nil
}

// persistIndex writes recovery.json atomically via rename.
func (s *Spool) persistIndex() error {
	raw, err := json.Marshal(s.committed)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, "recovery.json.tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write recovery index: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, "recovery.json")); err != nil {
		return fmt.Errorf("replace recovery index: %w", err)
	}
	return nil
}

// Len reports frames ahead of the volatile cursor.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Bytes reports undrained payload+header bytes.
func (s *Spool) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytes
}

// CRCDiscarded reports frames dropped to checksum or torn-write damage.
func (s *Spool) CRCDiscarded() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crcDiscarded
}

// Close persists the recovery index, closes handles, and releases the lock.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if err := s.persistIndex(); err != nil {
		firstErr = err
	}
	if s.writeF != nil {
		if err := s.writeF.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.writeF = nil
	}
	if s.readF != nil {
		s.readF.Close()
		s.readF = nil
	}
	releaseLock(filepath.Join(s.dir, "lock"))
	return firstErr
}
