package segmgr

import (
	"testing"
	"time"

	"github.com/ramlog-io/ramlog/lib/logengine/seglet"
	"github.com/ramlog-io/ramlog/lib/logengine/segment"
)

func newTestManager(segletSize, totalSeglets, segletsPerSeg int) *Manager {
	alloc := seglet.New(segletSize, totalSeglets)
	return New(alloc, segletsPerSeg, func() uint32 { return 0 })
}

func TestAllocHeadSegmentInstallsNewHead(t *testing.T) {
	m := newTestManager(4096, 16, 4)
	head1, old1, err := m.AllocHeadSegment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if old1 != nil {
		t.Fatalf("expected no previous head on first call")
	}
	if m.Head() != head1 {
		t.Fatalf("expected Head() to return the just-allocated segment")
	}

	head2, old2, err := m.AllocHeadSegment()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if old2 != head1 {
		t.Fatalf("expected previous head to be returned")
	}
	if m.Head() != head2 {
		t.Fatalf("expected Head() to track the latest allocation")
	}
}

func TestInitializeSurvivorReserveOnlyOnce(t *testing.T) {
	m := newTestManager(4096, 16, 4)
	if !m.InitializeSurvivorReserve(4) {
		t.Fatalf("expected first reserve init to succeed")
	}
	if m.InitializeSurvivorReserve(4) {
		t.Fatalf("expected second reserve init to fail")
	}
}

func TestAllocSideSegmentFromReserve(t *testing.T) {
	m := newTestManager(4096, 16, 4)
	if !m.InitializeSurvivorReserve(4) {
		t.Fatalf("reserve init failed")
	}
	seg, ok, err := m.AllocSideSegment(ForCleaning)
	if err != nil || !ok {
		t.Fatalf("expected side segment allocation to succeed: ok=%v err=%v", ok, err)
	}
	if seg == nil {
		t.Fatalf("expected a non-nil segment")
	}
}

func TestAllocSideSegmentWithoutMustNotFailReturnsImmediately(t *testing.T) {
	m := newTestManager(4096, 4, 4)
	if !m.InitializeSurvivorReserve(4) {
		t.Fatalf("reserve init failed")
	}
	// drain the reserve: each side segment eats at least 1 seglet for
	// its header.
	seg, ok, err := m.AllocSideSegment(ForCleaning)
	if err != nil || !ok {
		t.Fatalf("expected first allocation to succeed")
	}
	_ = seg

	// The allocator only had 4 seglets total, all reserved; one is now
	// consumed by the header above, so the ordinary path (no reserve
	// left at all, it was entirely reserved) has nothing to give back
	// either. Exhaust what remains via more reserve allocations sized
	// to consume the rest, then expect a non-blocking failure.
	for i := 0; i < 3; i++ {
		m.AllocSideSegment(ForCleaning)
	}

	done := make(chan struct{})
	go func() {
		_, ok, _ := m.AllocSideSegment(0)
		if ok {
			t.Errorf("expected non-blocking alloc to fail once the reserve is exhausted")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("non-blocking AllocSideSegment appears to have blocked")
	}
}

func TestMarkCleanableAndDrainCandidates(t *testing.T) {
	m := newTestManager(4096, 16, 4)
	head, _, _ := m.AllocHeadSegment()
	head.Close()
	m.MarkCleanable(head)

	var out []*segment.Segment
	m.CleanableSegments(&out)
	if len(out) != 1 || out[0] != head {
		t.Fatalf("expected exactly the marked segment, got %v", out)
	}

	// Draining again must not return the same segment twice.
	var again []*segment.Segment
	m.CleanableSegments(&again)
	if len(again) != 0 {
		t.Fatalf("expected candidate set to be empty after drain, got %v", again)
	}
}

func TestCompactionCompleteSwapsSegletsAndKeepsId(t *testing.T) {
	m := newTestManager(4096, 32, 4)
	if !m.InitializeSurvivorReserve(8) {
		t.Fatalf("reserve init failed")
	}
	head, _, _ := m.AllocHeadSegment()
	obj := segment.ObjectPayload{TableId: 1, Key: []byte("a"), Value: []byte("v")}
	head.Append(segment.EntryObject, obj.Encode())
	head.Close()
	m.MarkCleanable(head)
	if !m.BeginCompacting(head) {
		t.Fatalf("expected BeginCompacting to succeed on a CLEANABLE segment")
	}

	survivor, ok, err := m.AllocSideSegment(ForCleaning | MustNotFail)
	if err != nil || !ok {
		t.Fatalf("failed to allocate survivor: %v", err)
	}
	survivor.Append(segment.EntryObject, obj.Encode())
	survivor.Close()

	originalId := head.Id
	if err := m.CompactionComplete(head, survivor); err != nil {
		t.Fatalf("compactionComplete failed: %v", err)
	}
	if head.Id != originalId {
		t.Fatalf("expected segmentId to be retained across compaction")
	}
	if head.State != segment.StateCleanable {
		t.Fatalf("expected segment to return to CLEANABLE after compaction, got %v", head.State)
	}
}

func TestCleaningCompleteMarksFreeableAndAddsSurvivors(t *testing.T) {
	m := newTestManager(4096, 32, 4)
	if !m.InitializeSurvivorReserve(8) {
		t.Fatalf("reserve init failed")
	}
	head, _, _ := m.AllocHeadSegment()
	head.Close()
	m.MarkCleanable(head)
	if !m.BeginCleaning([]*segment.Segment{head}) {
		t.Fatalf("expected BeginCleaning to succeed")
	}

	survivor, ok, err := m.AllocSideSegment(ForCleaning | MustNotFail)
	if err != nil || !ok {
		t.Fatalf("failed to allocate survivor: %v", err)
	}
	survivor.Close()

	m.CleaningComplete([]*segment.Segment{head}, []*segment.Segment{survivor})
	if head.State != segment.StateFreeable {
		t.Fatalf("expected cleaned segment to be FREEABLE, got %v", head.State)
	}
	if survivor.State != segment.StateCleanable {
		t.Fatalf("expected survivor to be CLEANABLE, got %v", survivor.State)
	}

	var out []*segment.Segment
	m.CleanableSegments(&out)
	found := false
	for _, s := range out {
		if s == survivor {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected survivor to be a cleanable candidate")
	}
}

func TestFreeSegmentRejectsNonFreeable(t *testing.T) {
	m := newTestManager(4096, 16, 4)
	head, _, _ := m.AllocHeadSegment()
	if err := m.FreeSegment(head); err == nil {
		t.Fatalf("expected FreeSegment to reject an OPEN segment")
	}
}

func TestMemoryUtilizationTracksAllocator(t *testing.T) {
	m := newTestManager(4096, 16, 4)
	if m.MemoryUtilization() != 0 {
		t.Fatalf("expected 0%% utilization before any allocation")
	}
	m.AllocHeadSegment()
	if m.MemoryUtilization() <= 0 {
		t.Fatalf("expected nonzero utilization after allocating a head segment")
	}
}
