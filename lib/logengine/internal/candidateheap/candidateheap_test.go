package candidateheap

import "testing"

func TestPopOrderIsDescendingByCostBenefit(t *testing.T) {
	h := New()
	v := h.NextSortVersion()
	h.PushCandidate(1, 3.0, v)
	h.PushCandidate(2, 9.0, v)
	h.PushCandidate(3, 1.0, v)

	first, ok := h.PopCandidate()
	if !ok || first != 2 {
		t.Fatalf("expected segment 2 first, got %d ok=%v", first, ok)
	}
	second, _ := h.PopCandidate()
	if second != 1 {
		t.Fatalf("expected segment 1 second, got %d", second)
	}
	third, _ := h.PopCandidate()
	if third != 3 {
		t.Fatalf("expected segment 3 third, got %d", third)
	}
}

func TestPushCandidateRefreshesExistingScore(t *testing.T) {
	h := New()
	v1 := h.NextSortVersion()
	h.PushCandidate(1, 1.0, v1)
	h.PushCandidate(2, 2.0, v1)

	v2 := h.NextSortVersion()
	h.PushCandidate(1, 100.0, v2)

	first, _ := h.PopCandidate()
	if first != 1 {
		t.Fatalf("expected refreshed candidate 1 to sort first, got %d", first)
	}
}

func TestPopOnEmptyHeap(t *testing.T) {
	h := New()
	if _, ok := h.PopCandidate(); ok {
		t.Fatalf("expected pop on empty heap to report ok=false")
	}
}
