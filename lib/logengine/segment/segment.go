// Package segment implements the ordered, append-only sequence of typed
// entries that a log is built from. A Segment lays its entries out
// across a vector of non-contiguous seglets leased from a
// seglet.Source, stitching reads and writes across seglet boundaries so
// that neither the writer nor the iterator ever has to know where one
// seglet ends and the next begins.
package segment

import (
	"hash/crc64"
	"sync"
	"sync/atomic"

	"github.com/ramlog-io/ramlog/lib/logengine/logerr"
	"github.com/ramlog-io/ramlog/lib/logengine/seglet"
)

// State is a position in the segment lifecycle state machine:
//
//	OPEN -> CLOSED -> CLEANABLE -> CLEANING -> FREEABLE -> FREED
//	                     ^ COMPACTING (returns to CLEANABLE) v
//
// Segment itself never transitions its own State; the SegmentManager
// owns all transitions so that it can serialize them against the
// candidate list under a single lock (spec: "a single coarse lock is
// acceptable; transitions are rare relative to appends").
type State uint8

const (
	StateOpen State = iota
	StateClosed
	StateCleanable
	StateCleaning
	StateCompacting
	StateFreeable
	StateFreed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateCleanable:
		return "CLEANABLE"
	case StateCleaning:
		return "CLEANING"
	case StateCompacting:
		return "COMPACTING"
	case StateFreeable:
		return "FREEABLE"
	case StateFreed:
		return "FREED"
	default:
		return "UNKNOWN"
	}
}

var crcTable = crc64.MakeTable(crc64.ISO)

// Segment is an ordered sequence of entries written across a vector of
// seglets. Appends are only ever issued by a single writer (either the
// log's writer thread for a head segment, or one cleaner worker for a
// survivor); everything else — Iterate, GetEntry, Reference, the
// counters below — is safe to call from arbitrary concurrent readers
// once the relevant bytes have been written.
type Segment struct {
	Id         uint64
	segletSize int
	maxSeglets int
	source     seglet.Source

	// mu guards the seglets vector and cursor. These only ever change
	// on the single append path (or FreeUnusedSeglets/PreGrow, called
	// by the segment's exclusive owner while CLEANING/COMPACTING), so
	// the lock exists to make concurrent Iterate/GetEntry/Reference
	// reads safe against a racing append rather than to arbitrate
	// between writers.
	mu      sync.RWMutex
	seglets []*seglet.Seglet
	cursor  uint32
	closed  bool
	running crc64Accumulator

	State State

	CreationTimestamp       uint32
	LastCompactionTimestamp uint32

	// liveBytes is decremented by arbitrary reader/writer goroutines
	// via Free, so it is atomic. It is incremented on the append path
	// (single writer, plain Add is fine there too).
	liveBytes atomic.Int64

	// entryCounts is mutated only by the segment's single appender,
	// or — while the segment is exclusively owned by a cleaner
	// goroutine in CLEANING/COMPACTING — by that goroutine's batched
	// rewrite. It is never touched concurrently, so it needs no
	// atomics; see DESIGN.md "Cross-thread segment counters".
	entryCounts [entryTypeCount]uint32

	Checksum uint64 // valid only once closed
}

type crc64Accumulator struct {
	sum uint64
}

func (c *crc64Accumulator) write(b []byte) {
	c.sum = crc64.Update(c.sum, crcTable, b)
}

// New creates a segment with the given id, leasing seglets lazily from
// source as entries are appended, up to maxSeglets. It immediately
// appends the SEGMENT_HEADER entry, matching the on-disk layout in
// spec.md §6.
func New(id uint64, segletSize, maxSeglets int, source seglet.Source, creationTimestamp uint32) (*Segment, error) {
	s := &Segment{
		Id:                id,
		segletSize:        segletSize,
		maxSeglets:        maxSeglets,
		source:            source,
		State:             StateOpen,
		CreationTimestamp: creationTimestamp,
	}

	header := HeaderPayload{
		SegmentId:        id,
		CreationTimeUnix: creationTimestamp,
		SegmentSize:      uint32(segletSize * maxSeglets),
	}
	if _, ok, err := s.append(EntrySegmentHeader, header.Encode()); err != nil {
		return nil, err
	} else if !ok {
		return nil, logerr.New(logerr.CodeFatal, "segment header did not fit a freshly created segment")
	}

	return s, nil
}

// PreGrow leases n additional seglets immediately, ahead of any
// append that would need them. The cleaner uses this to give an
// in-memory compaction survivor its full computed budget up front, so
// that the relocation loop can rely on the survivor fitting the
// source segment's live data "by construction" (spec.md §4.6.2)
// rather than discovering a shortfall mid-relocation.
func (s *Segment) PreGrow(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		if len(s.seglets) >= s.maxSeglets {
			return logerr.New(logerr.CodeFatal, "PreGrow exceeded segment's maximum seglet capacity")
		}
		sg, ok := s.source.Lease()
		if !ok {
			return logerr.New(logerr.CodeFatal, "PreGrow could not lease a seglet from a reserve the caller guaranteed was available")
		}
		s.seglets = append(s.seglets, sg)
	}
	return nil
}

// AllocatedSeglets returns the number of seglets currently leased by
// this segment.
func (s *Segment) AllocatedSeglets() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seglets)
}

// SegletsInUse returns the number of seglets that actually hold
// written bytes, which may be fewer than AllocatedSeglets if the
// segment was pre-grown to a budget larger than it ended up needing.
func (s *Segment) SegletsInUse() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.segletsInUseLocked()
}

func (s *Segment) segletsInUseLocked() int {
	if s.cursor == 0 {
		return 0
	}
	n := (int(s.cursor) + s.segletSize - 1) / s.segletSize
	if n > len(s.seglets) {
		n = len(s.seglets)
	}
	return n
}

// FreeUnusedSeglets returns the trailing n leased-but-unwritten
// seglets to the allocator. It must be called after Close. Per
// spec.md §4.3 it fails loudly — a CodeFatal error — if the caller
// asks for more than the slack between AllocatedSeglets and
// SegletsInUse.
func (s *Segment) FreeUnusedSeglets(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		return logerr.New(logerr.CodeFatal, "FreeUnusedSeglets called before the segment was closed")
	}
	inUse := s.segletsInUseLocked()
	slack := len(s.seglets) - inUse
	if n > slack {
		return logerr.New(logerr.CodeFatal, "FreeUnusedSeglets asked to free more seglets than are unused")
	}
	for i := 0; i < n; i++ {
		last := len(s.seglets) - 1
		s.source.Return(s.seglets[last])
		s.seglets = s.seglets[:last]
	}
	return nil
}

// Seglets returns the segment's current seglet vector. Used by
// SegmentManager.CompactionComplete to atomically swap an in-place
// compacted segment's storage.
func (s *Segment) Seglets() []*seglet.Seglet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*seglet.Seglet, len(s.seglets))
	copy(out, s.seglets)
	return out
}

// ReplaceSeglets installs a new seglet vector and write cursor in
// place of the segment's current one, used by CompactionComplete to
// swap a compacted segment's storage while keeping its segmentId (and
// therefore every outstanding Reference into it) unchanged.
func (s *Segment) ReplaceSeglets(seglets []*seglet.Seglet, cursor uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seglets = seglets
	s.cursor = cursor
}

// Append writes an entry's header and payload, returning the offset
// it was written at. It returns ok=false (with a nil error) if the
// entry does not fit in the segment's remaining capacity, less the
// room kept free for the SEGMENT_FOOTER that Close appends — the NO_SPACE
// case, which is permanent for this segment, never a rollover trigger
// by itself (the Log decides what to do about it).
func (s *Segment) Append(t EntryType, payload []byte) (Reference, bool, error) {
	offset, ok, err := s.append(t, payload)
	if err != nil || !ok {
		return Reference{}, ok, err
	}
	return Reference{SegmentId: s.Id, Offset: offset}, true, nil
}

func (s *Segment) append(t EntryType, payload []byte) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false, logerr.New(logerr.CodeFatal, "append on a closed segment")
	}

	total := entryHeaderLen + len(payload)
	capacity := s.maxSeglets * s.segletSize
	// Every entry other than the footer leaves room for the footer
	// entry (header plus its 8-byte checksum), so Close always fits.
	reserved := 0
	if t != EntrySegmentFooter {
		reserved = entryHeaderLen + 8
	}
	if int(s.cursor)+total+reserved > capacity {
		return 0, false, nil
	}

	neededSeglets := (int(s.cursor) + total + s.segletSize - 1) / s.segletSize
	for len(s.seglets) < neededSeglets {
		sg, ok := s.source.Lease()
		if !ok {
			if len(s.seglets) == 0 {
				return 0, false, logerr.New(logerr.CodeFatal, "could not lease the first seglet for an empty segment")
			}
			return 0, false, nil
		}
		s.seglets = append(s.seglets, sg)
	}

	offset := s.cursor
	header := make([]byte, entryHeaderLen)
	putEntryHeader(header, t, uint32(len(payload)))

	s.writeAt(offset, header)
	if len(payload) > 0 {
		s.writeAt(offset+entryHeaderLen, payload)
	}
	s.cursor = offset + uint32(total)

	if t != EntrySegmentFooter {
		s.running.write(header)
		s.running.write(payload)
	}

	s.entryCounts[t]++
	if t == EntryObject || t == EntryTombstone {
		s.liveBytes.Add(int64(total))
	}

	return offset, true, nil
}

func (s *Segment) writeAt(offset uint32, data []byte) {
	pos := int(offset)
	remaining := data
	for len(remaining) > 0 {
		segIdx := pos / s.segletSize
		segOff := pos % s.segletSize
		n := copy(s.seglets[segIdx].Bytes()[segOff:], remaining)
		remaining = remaining[n:]
		pos += n
	}
}

func (s *Segment) readAt(offset uint32, length uint32) []byte {
	out := make([]byte, length)
	pos := int(offset)
	remaining := out
	for len(remaining) > 0 {
		segIdx := pos / s.segletSize
		segOff := pos % s.segletSize
		n := copy(remaining, s.seglets[segIdx].Bytes()[segOff:])
		remaining = remaining[n:]
		pos += n
	}
	return out
}

// Close writes the SEGMENT_FOOTER entry (carrying the checksum of
// every byte written so far) and marks the segment immutable. It is
// safe to call FreeUnusedSeglets only after Close returns.
func (s *Segment) Close() error {
	s.mu.Lock()
	checksum := s.running.sum
	s.mu.Unlock()

	footer := FooterPayload{Checksum: checksum}
	_, ok, err := s.append(EntrySegmentFooter, footer.Encode())
	if err != nil {
		return err
	}
	if !ok {
		return logerr.New(logerr.CodeFatal, "segment footer did not fit at close")
	}

	s.mu.Lock()
	s.closed = true
	s.Checksum = checksum
	s.mu.Unlock()
	return nil
}

// Reference returns the Reference for the entry at offset, without
// validating that an entry actually starts there.
func (s *Segment) Reference(offset uint32) Reference {
	return Reference{SegmentId: s.Id, Offset: offset}
}

// GetEntry resolves a Reference's offset within this segment to its
// type and a copy of its payload bytes.
func (s *Segment) GetEntry(offset uint32) (EntryType, []byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(offset)+entryHeaderLen > int(s.cursor) {
		return 0, nil, false
	}
	header := s.readAt(offset, entryHeaderLen)
	t, length := getEntryHeader(header)
	if int(offset)+entryHeaderLen+int(length) > int(s.cursor) {
		return 0, nil, false
	}
	payload := s.readAt(offset+entryHeaderLen, length)
	return t, payload, true
}

// Iterate walks every entry in append order, starting with
// SEGMENT_HEADER, stopping after SEGMENT_FOOTER is visited (or the
// write cursor is exhausted, for a still-open segment). visit returns
// false to stop early.
func (s *Segment) Iterate(visit func(t EntryType, offset uint32, payload []byte) bool) {
	s.mu.RLock()
	cursor := s.cursor
	s.mu.RUnlock()

	var offset uint32
	for offset < cursor {
		s.mu.RLock()
		header := s.readAt(offset, entryHeaderLen)
		t, length := getEntryHeader(header)
		payload := s.readAt(offset+entryHeaderLen, length)
		s.mu.RUnlock()

		if !visit(t, offset, payload) {
			return
		}
		offset += entryHeaderLen + length
		if t == EntrySegmentFooter {
			return
		}
	}
}

// LiveBytes returns the current count of live OBJECT/TOMBSTONE bytes
// (header + payload) in this segment.
func (s *Segment) LiveBytes() int64 {
	return s.liveBytes.Load()
}

// AddLiveBytes adjusts the live byte counter. Used by Free (negative
// delta, arbitrary goroutines, hence atomic).
func (s *Segment) AddLiveBytes(delta int64) {
	s.liveBytes.Add(delta)
}

// SetLiveBytes overwrites the live byte counter outright. Used by the
// cleaner's batched update when recomputing a compacted segment's
// liveBytes in one step instead of accumulating per-entry atomics
// (spec.md §4.3: "liveBytes is updated in a single batched step at
// end of relocation/compaction").
func (s *Segment) SetLiveBytes(v int64) {
	s.liveBytes.Store(v)
}

// EntryCount returns how many entries of type t have been appended.
func (s *Segment) EntryCount(t EntryType) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryCounts[t]
}

// SetEntryCounts overwrites the whole entry-count table, used by the
// cleaner's batched counter rewrite while the segment is exclusively
// CLEANING/COMPACTING.
func (s *Segment) SetEntryCounts(counts [4]uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entryCounts = counts
}

// AppendedBytes returns the total number of bytes written so far,
// including headers, the segment header entry, and (once closed) the
// footer.
func (s *Segment) AppendedBytes() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// Closed reports whether Close has completed.
func (s *Segment) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Capacity returns the maximum number of bytes this segment could ever
// hold (maxSeglets * segletSize).
func (s *Segment) Capacity() int {
	return s.maxSeglets * s.segletSize
}

// MemoryUtilization returns the percentage (0-100) of this segment's
// currently allocated seglets occupied by live bytes, used by the
// cleaner's compaction-candidate selection.
func (s *Segment) MemoryUtilization() float64 {
	allocated := s.AllocatedSeglets()
	if allocated == 0 {
		return 0
	}
	capacity := allocated * s.segletSize
	return 100 * float64(s.LiveBytes()) / float64(capacity)
}

// DiskUtilization returns the percentage (0-100) of this segment's
// full on-disk footprint (maxSeglets * segletSize, regardless of how
// many seglets happen to be allocated in memory right now) occupied
// by live bytes, used by the disk cleaner's cost-benefit formula.
func (s *Segment) DiskUtilization() float64 {
	return 100 * float64(s.LiveBytes()) / float64(s.Capacity())
}
