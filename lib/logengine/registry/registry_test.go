package registry

import (
	"testing"

	"github.com/ramlog-io/ramlog/lib/logengine/segment"
)

func TestPublishAndLookup(t *testing.T) {
	r := New()
	ref := segment.Reference{SegmentId: 1, Offset: 40}
	if _, ok := r.Lookup(1, []byte("a")); ok {
		t.Fatalf("expected no entry before publish")
	}
	r.Publish(1, []byte("a"), ref)
	got, ok := r.Lookup(1, []byte("a"))
	if !ok || got != ref {
		t.Fatalf("expected %+v, got %+v ok=%v", ref, got, ok)
	}
}

func TestPublishOverwritesPreviousReference(t *testing.T) {
	r := New()
	r.Publish(1, []byte("a"), segment.Reference{SegmentId: 1, Offset: 8})
	r.Publish(1, []byte("a"), segment.Reference{SegmentId: 2, Offset: 16})
	got, ok := r.Lookup(1, []byte("a"))
	if !ok || got != (segment.Reference{SegmentId: 2, Offset: 16}) {
		t.Fatalf("expected latest reference to win, got %+v ok=%v", got, ok)
	}
}

func TestDistinctTablesDoNotCollide(t *testing.T) {
	r := New()
	r.Publish(1, []byte("a"), segment.Reference{SegmentId: 1, Offset: 8})
	r.Publish(2, []byte("a"), segment.Reference{SegmentId: 2, Offset: 8})

	got1, _ := r.Lookup(1, []byte("a"))
	got2, _ := r.Lookup(2, []byte("a"))
	if got1 == got2 {
		t.Fatalf("expected distinct tables to hold distinct references")
	}
}

func TestRelocateOnlyAppliesWhenCurrentMatchesOld(t *testing.T) {
	r := New()
	oldRef := segment.Reference{SegmentId: 1, Offset: 8}
	newRef := segment.Reference{SegmentId: 5, Offset: 0}
	r.Publish(1, []byte("a"), oldRef)

	r.Relocate(1, []byte("a"), oldRef, newRef)
	got, _ := r.Lookup(1, []byte("a"))
	if got != newRef {
		t.Fatalf("expected relocation to apply, got %+v", got)
	}

	// A second relocation against the now-stale oldRef must be a no-op.
	otherRef := segment.Reference{SegmentId: 9, Offset: 0}
	r.Relocate(1, []byte("a"), oldRef, otherRef)
	got, _ = r.Lookup(1, []byte("a"))
	if got != newRef {
		t.Fatalf("expected stale relocation to be ignored, got %+v", got)
	}
}

func TestDeleteRemovesMatchingReference(t *testing.T) {
	r := New()
	ref := segment.Reference{SegmentId: 1, Offset: 8}
	r.Publish(1, []byte("a"), ref)
	r.Delete(1, []byte("a"), ref)
	if _, ok := r.Lookup(1, []byte("a")); ok {
		t.Fatalf("expected entry to be gone after delete")
	}
}

func TestDeleteIgnoresStaleReference(t *testing.T) {
	r := New()
	ref := segment.Reference{SegmentId: 1, Offset: 8}
	newer := segment.Reference{SegmentId: 2, Offset: 0}
	r.Publish(1, []byte("a"), ref)
	r.Publish(1, []byte("a"), newer)

	r.Delete(1, []byte("a"), ref)
	got, ok := r.Lookup(1, []byte("a"))
	if !ok || got != newer {
		t.Fatalf("expected newer reference to survive a stale delete, got %+v ok=%v", got, ok)
	}
}

func TestFingerprintCollisionKeepsBothKeysDistinct(t *testing.T) {
	r := New()
	// Distinct keys that happen to land in the same bucket are still
	// tracked independently; we can't force a real fingerprint
	// collision here, so this just exercises the chaining path with
	// two keys under the same table.
	r.Publish(1, []byte("a"), segment.Reference{SegmentId: 1, Offset: 0})
	r.Publish(1, []byte("b"), segment.Reference{SegmentId: 1, Offset: 16})

	got1, ok1 := r.Lookup(1, []byte("a"))
	got2, ok2 := r.Lookup(1, []byte("b"))
	if !ok1 || !ok2 || got1 == got2 {
		t.Fatalf("expected both keys independently resolvable, got %+v/%v %+v/%v", got1, ok1, got2, ok2)
	}
}
