// Package segmgr owns the log's segment population: allocating the
// head, handing survivor segments to the cleaner, and driving every
// segment lifecycle transition. Mirrors the teacher's db.KVDB-owns-
// its-shards ownership style (mapleImpl holding []*internal.Shard
// behind its own lock) generalized to the segment state machine.
package segmgr

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/ramlog-io/ramlog/lib/logengine/logerr"
	"github.com/ramlog-io/ramlog/lib/logengine/seglet"
	"github.com/ramlog-io/ramlog/lib/logengine/segment"
)

// SideSegmentFlags controls AllocSideSegment's behavior.
type SideSegmentFlags uint8

const (
	// ForCleaning marks the allocation as belonging to a cleaner pass,
	// documented for symmetry with the original vocabulary; segmgr
	// itself only distinguishes blocking behavior via MustNotFail.
	ForCleaning SideSegmentFlags = 1 << iota
	// MustNotFail makes AllocSideSegment block until a reserve slot is
	// available instead of returning immediately empty-handed.
	MustNotFail
)

// Manager owns every segment known to the log: the open head, the
// CLEANABLE candidate set, and the survivor seglet reserve. All state
// transitions funnel through here under a single coarse lock —
// transitions are rare relative to appends (spec.md §5).
type Manager struct {
	segletSize     int
	segletsPerSeg  int
	segmentSeglets int // alias, kept for readability at call sites

	alloc *seglet.Allocator

	mu         sync.Mutex
	nextId     uint64
	head       *segment.Segment
	segments   map[uint64]*segment.Segment
	cleanable  map[uint64]*segment.Segment // dedup set, drained by CleanableSegments
	reserveSet bool

	reserveCond *sync.Cond

	// SessionToken is a random token minted once per Manager. Nothing
	// in the engine reads it or sends it to the backup link; the rpc
	// client mints its own per-segment tokens for Open.
	SessionToken uuid.UUID

	nowFn func() uint32
}

// New creates a Manager over segletsPerSegment-seglet segments of
// segletSize bytes each, drawn from alloc. nowFn supplies wall-clock
// seconds for segment timestamps (injectable for deterministic
// tests).
func New(alloc *seglet.Allocator, segletsPerSegment int, nowFn func() uint32) *Manager {
	m := &Manager{
		segletSize:     alloc.SegletSize(),
		segletsPerSeg:  segletsPerSegment,
		segmentSeglets: segletsPerSegment,
		alloc:          alloc,
		segments:       make(map[uint64]*segment.Segment),
		cleanable:      make(map[uint64]*segment.Segment),
		SessionToken:   uuid.New(),
		nowFn:          nowFn,
	}
	m.reserveCond = sync.NewCond(&m.mu)
	return m
}

func (m *Manager) now() uint32 {
	if m.nowFn != nil {
		return m.nowFn()
	}
	return 0
}

// InitializeSurvivorReserve reserves n seglets exclusively for
// cleaner survivors, once, at startup. The cleaner refuses to run if
// this fails (spec.md §4.4).
func (m *Manager) InitializeSurvivorReserve(n int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserveSet {
		return false
	}
	ok := m.alloc.Reserve(n)
	if ok {
		m.reserveSet = true
	}
	return ok
}

// AllocHeadSegment creates the log's next head segment over the
// ordinary seglet pool (the segment leases seglets lazily as entries
// are appended) and installs it as the new head, returning the
// previous head (nil on the very first call). Ordinary exhaustion is recoverable, not fatal
// (spec.md §7): the writer blocks at head rollover until the cleaner
// frees enough seglets back, rather than failing the append outright.
func (m *Manager) AllocHeadSegment() (newHead, oldHead *segment.Segment, err error) {
	for {
		m.mu.Lock()
		if m.alloc.Available() == 0 {
			m.mu.Unlock()
			if err := m.WaitForReserve(context.Background()); err != nil {
				return nil, nil, err
			}
			continue
		}

		m.nextId++
		id := m.nextId
		seg, err := segment.New(id, m.segletSize, m.segletsPerSeg, m.alloc.OrdinarySource(), m.now())
		if err != nil {
			m.nextId--
			m.mu.Unlock()
			return nil, nil, err
		}
		m.segments[id] = seg

		oldHead = m.head
		m.head = seg
		m.mu.Unlock()
		return seg, oldHead, nil
	}
}

// AllocSideSegment allocates a survivor segment drawn from the
// reserve pool. With MustNotFail it blocks until a reserve slot is
// available; without it, it returns ok=false immediately if the
// reserve is momentarily exhausted.
func (m *Manager) AllocSideSegment(flags SideSegmentFlags) (*segment.Segment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		m.nextId++
		id := m.nextId
		seg, err := segment.New(id, m.segletSize, m.segletsPerSeg, m.alloc.ReserveSource(), m.now())
		if err == nil {
			m.segments[id] = seg
			return seg, true, nil
		}
		m.nextId-- // the id was never published; reuse it on retry
		if flags&MustNotFail == 0 {
			return nil, false, nil
		}
		m.reserveCond.Wait()
	}
}

// ReleaseSideSegmentWaiters wakes any goroutine blocked in
// AllocSideSegment(MustNotFail) — callers invoke this after returning
// seglets to the reserve (e.g. FreeUnusedSeglets on a survivor, or a
// cleaned segment transitioning to FREED).
func (m *Manager) ReleaseSideSegmentWaiters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveCond.Broadcast()
}

// MarkCleanable transitions seg from CLOSED to CLEANABLE and adds it
// to the dedup candidate set, draining it as the write path's head
// rollover closes each outgoing head.
func (m *Manager) MarkCleanable(seg *segment.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg.State = segment.StateCleanable
	m.cleanable[seg.Id] = seg
}

// CleanableSegments drains every currently CLEANABLE segment that has
// not yet been handed to the cleaner into out, deduplicated (a
// segment is only ever added to the candidate set once per CLEANABLE
// transition).
func (m *Manager) CleanableSegments(out *[]*segment.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, seg := range m.cleanable {
		*out = append(*out, seg)
		delete(m.cleanable, id)
	}
}

// CompactionComplete atomically swaps old's seglets for new's,
// retaining old's segmentId so every outstanding Reference into it
// resolves unchanged, then returns old's previous seglets to the
// allocator's ordinary free list, discards new's own segmentId (new was
// allocated as a throwaway carrier for the compacted bytes) and
// transitions old back to CLEANABLE.
//
// The caller (cleaner) must have already relocated every live entry
// from old into new and invoked the registry's Relocated callback for
// each one BEFORE calling this, per spec.md §4.4: "updates references
// ... done before swap so readers always see a valid Reference."
func (m *Manager) CompactionComplete(old, survivor *segment.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old.State != segment.StateCompacting {
		return logerr.New(logerr.CodeFatal, "compactionComplete called on a segment that was not COMPACTING")
	}

	oldSeglets := old.Seglets()
	newSeglets := survivor.Seglets()
	cursor := survivor.AppendedBytes()
	liveBytes := survivor.LiveBytes()
	old.ReplaceSeglets(newSeglets, cursor)
	for _, sg := range oldSeglets {
		m.alloc.Free(sg)
	}
	old.SetLiveBytes(liveBytes)
	old.LastCompactionTimestamp = m.now()
	old.State = segment.StateCleanable
	m.cleanable[old.Id] = old

	delete(m.segments, survivor.Id)
	return nil
}

// CleaningComplete marks every segment in cleaned as FREEABLE and
// installs every survivor into the live set with its already-assigned
// fresh segmentId. Callers must have already synced every survivor's
// backup session to durability before calling this — readers must
// never observe a reference to a survivor whose bytes are not durable
// (spec.md §4.6.3).
func (m *Manager) CleaningComplete(cleaned []*segment.Segment, survivors []*segment.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, seg := range survivors {
		seg.State = segment.StateCleanable
		m.segments[seg.Id] = seg
		m.cleanable[seg.Id] = seg
	}
	for _, seg := range cleaned {
		seg.State = segment.StateFreeable
	}
}

// FreeSegment releases a FREEABLE segment's seglets back to the
// allocator's ordinary free list and drops it from the live set,
// transitioning it to FREED. Called once the backup link has
// forgotten the segment.
func (m *Manager) FreeSegment(seg *segment.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seg.State != segment.StateFreeable {
		return logerr.New(logerr.CodeFatal, "freeSegment called on a segment that was not FREEABLE")
	}
	for _, sg := range seg.Seglets() {
		m.alloc.Free(sg)
	}
	seg.State = segment.StateFreed
	delete(m.segments, seg.Id)
	m.reserveCond.Broadcast()
	return nil
}

// BeginCompacting transitions a CLEANABLE segment to COMPACTING,
// removing it from the candidate set so it is not picked up by
// another worker concurrently. Returns false if seg was not
// CLEANABLE (e.g. raced with another worker).
func (m *Manager) BeginCompacting(seg *segment.Segment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seg.State != segment.StateCleanable {
		return false
	}
	seg.State = segment.StateCompacting
	delete(m.cleanable, seg.Id)
	return true
}

// BeginCleaning transitions every segment in segs from CLEANABLE to
// CLEANING, removing each from the candidate set. Returns false (with
// no transitions applied) if any segment was not CLEANABLE.
func (m *Manager) BeginCleaning(segs []*segment.Segment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seg := range segs {
		if seg.State != segment.StateCleanable {
			return false
		}
	}
	for _, seg := range segs {
		seg.State = segment.StateCleaning
		delete(m.cleanable, seg.Id)
	}
	return true
}

// AbortCompacting returns seg to CLEANABLE without swapping in any
// survivor, used when a compaction pass is aborted partway (e.g. on
// shutdown) rather than completed.
func (m *Manager) AbortCompacting(seg *segment.Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg.State = segment.StateCleanable
	m.cleanable[seg.Id] = seg
}

// MemoryUtilization returns the percentage of all seglets managed by
// the allocator that are currently leased out.
func (m *Manager) MemoryUtilization() float64 {
	return m.alloc.Utilization()
}

// SegmentUtilization returns the percentage of live segment slots
// (OPEN/CLOSED/CLEANABLE/CLEANING/COMPACTING/FREEABLE, i.e. not yet
// FREED) currently in use, relative to the largest segment id ever
// assigned — a proxy for "percent segment slots used" absent a fixed
// segment-count ceiling in this implementation.
func (m *Manager) SegmentUtilization() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextId == 0 {
		return 0
	}
	return 100 * float64(len(m.segments)) / float64(m.nextId)
}

// Segments returns a snapshot of every segment currently known to the
// manager, for diagnostics and tests.
func (m *Manager) Segments() []*segment.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*segment.Segment, 0, len(m.segments))
	for _, seg := range m.segments {
		out = append(out, seg)
	}
	return out
}

// Get returns the segment with the given id, if it is still known to
// the manager (i.e. not yet FREED).
func (m *Manager) Get(id uint64) (*segment.Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg, ok := m.segments[id]
	return seg, ok
}

// Head returns the current head segment, or nil before the first
// AllocHeadSegment call.
func (m *Manager) Head() *segment.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head
}

// WaitForReserve blocks until ctx is done or the ordinary seglet pool
// has at least one seglet available, woken by the same broadcast
// FreeSegment and ReleaseSideSegmentWaiters already use. AllocHeadSegment
// calls this to stall the writer at head rollover (spec.md §5) instead
// of surfacing ordinary-seglet exhaustion as an error.
func (m *Manager) WaitForReserve(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.mu.Lock()
		for m.alloc.Available() == 0 {
			m.reserveCond.Wait()
		}
		m.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
