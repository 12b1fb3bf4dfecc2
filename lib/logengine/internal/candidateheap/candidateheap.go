// Package candidateheap adapts a binary-heap-plus-key-map container
// (the same shape as the teacher's garbage-collection MapHeap) into
// the cost-benefit priority queue the disk cleaner sorts CLEANABLE
// segments with. Every entry caches its score at the moment it is
// pushed, tagged with a "version" token supplied by the caller once
// per sort — this is the `CostBenefitComparer` trick from the RAMCloud
// cleaner: segment statistics can keep changing concurrently while a
// sort is in flight, and caching the score at a fixed version avoids
// violating container/heap's strict-weak-ordering requirement.
package candidateheap

import "container/heap"

// item is one segment's cached priority entry.
type item struct {
	segmentId   uint64
	costBenefit float64
	version     uint64
	index       int
}

// Heap is a max-heap (highest costBenefit first) over segment ids,
// with O(1) key lookup for PushCandidate's refresh-in-place path.
type Heap struct {
	items   []*item
	byKey   map[uint64]*item
	version uint64
}

// New creates an empty candidate heap.
func New() *Heap {
	return &Heap{byKey: make(map[uint64]*item)}
}

// Len implements heap.Interface.
func (h *Heap) Len() int { return len(h.items) }

// Less implements heap.Interface: higher costBenefit sorts first.
// Ties break on version, then segmentId, so two entries are never
// reported equal — satisfying strict weak ordering even if two
// segments momentarily compute the same score.
func (h *Heap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.costBenefit != b.costBenefit {
		return a.costBenefit > b.costBenefit
	}
	if a.version != b.version {
		return a.version > b.version
	}
	return a.segmentId < b.segmentId
}

// Swap implements heap.Interface.
func (h *Heap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

// Push implements heap.Interface. Use PushCandidate, not this method,
// from outside the package.
func (h *Heap) Push(x interface{}) {
	it := x.(*item)
	it.index = len(h.items)
	h.items = append(h.items, it)
	h.byKey[it.segmentId] = it
}

// Pop implements heap.Interface. Use PopCandidate, not this method,
// from outside the package.
func (h *Heap) Pop() interface{} {
	old := h.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	h.items = old[:n-1]
	delete(h.byKey, it.segmentId)
	return it
}

// NextSortVersion returns a fresh version token for a new sort pass,
// monotonically increasing across calls on this heap.
func (h *Heap) NextSortVersion() uint64 {
	h.version++
	return h.version
}

// PushCandidate adds segmentId with a costBenefit score cached under
// version. If segmentId is already present its score is refreshed and
// the heap is re-fixed.
func (h *Heap) PushCandidate(segmentId uint64, costBenefit float64, version uint64) {
	if existing, ok := h.byKey[segmentId]; ok {
		existing.costBenefit = costBenefit
		existing.version = version
		heap.Fix(h, existing.index)
		return
	}
	heap.Push(h, &item{segmentId: segmentId, costBenefit: costBenefit, version: version})
}

// PopCandidate removes and returns the segmentId with the highest
// cached costBenefit score.
func (h *Heap) PopCandidate() (segmentId uint64, ok bool) {
	if len(h.items) == 0 {
		return 0, false
	}
	it := heap.Pop(h).(*item)
	return it.segmentId, true
}
