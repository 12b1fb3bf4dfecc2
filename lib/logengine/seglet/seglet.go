// Package seglet implements the fixed-size memory block pool that
// segments lease their storage from. A seglet is a power-of-two byte
// region (default 64 KiB); segments hold a vector of seglet handles.
package seglet

import (
	"sync"

	"github.com/ramlog-io/ramlog/lib/logengine/logerr"
)

// Seglet is a fixed-size byte region owned by at most one segment at
// any time.
type Seglet struct {
	buf []byte
}

// Bytes returns the underlying storage. Callers must not retain slices
// derived from it past the seglet being freed back to the allocator.
func (s *Seglet) Bytes() []byte {
	return s.buf
}

// Len returns the seglet size in bytes.
func (s *Seglet) Len() int {
	return len(s.buf)
}

// Allocator is a thread-safe pool of fixed-size Seglets. Operations are
// O(1); contention is acceptable since the critical sections are tiny.
type Allocator struct {
	segletSize int

	mu        sync.Mutex
	free      []*Seglet
	reserved  int // count of free-list slots held back for the survivor reserve
	allocated int // total seglets ever created (for utilization accounting)
}

// New creates an Allocator that manages numSeglets seglets of
// segletSize bytes each, all initially free.
func New(segletSize, numSeglets int) *Allocator {
	a := &Allocator{segletSize: segletSize}
	a.free = make([]*Seglet, 0, numSeglets)
	for i := 0; i < numSeglets; i++ {
		a.free = append(a.free, &Seglet{buf: make([]byte, segletSize)})
	}
	a.allocated = numSeglets
	return a
}

// SegletSize returns the fixed size of every seglet managed by this
// allocator.
func (a *Allocator) SegletSize() int {
	return a.segletSize
}

// Alloc removes one seglet from the free list and returns it. It never
// draws from the survivor reserve: Reserve/ReserveAlloc are the only
// way to consume reserved slots.
func (a *Allocator) Alloc() (*Seglet, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked()
}

func (a *Allocator) allocLocked() (*Seglet, bool) {
	available := len(a.free) - a.reserved
	if available <= 0 {
		return nil, false
	}
	n := len(a.free)
	s := a.free[n-1]
	a.free = a.free[:n-1]
	return s, true
}

// Free returns a seglet to the pool. The caller must not use s again.
func (a *Allocator) Free(s *Seglet) {
	if s == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, s)
}

// Reserve holds back n free seglets exclusively for subsequent
// ReserveAlloc calls. It fails if fewer than n seglets are currently
// free (counting seglets already reserved by a prior call as
// unavailable, so reservations do not overlap).
func (a *Allocator) Reserve(n int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	available := len(a.free) - a.reserved
	if available < n {
		return false
	}
	a.reserved += n
	return true
}

// ReserveAlloc draws one seglet from the survivor reserve established
// by Reserve. It is the only way to consume a reserved slot; ordinary
// writer-path allocation must use Alloc and will never see a reserved
// seglet. Returns a fatal error if the reserve has been exhausted,
// since callers of ReserveAlloc (the cleaner) are expected to have
// sized the reserve so this never happens in steady state.
func (a *Allocator) ReserveAlloc() (*Seglet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reserved <= 0 {
		return nil, logerr.New(logerr.CodeFatal, "survivor reserve exhausted")
	}
	n := len(a.free)
	s := a.free[n-1]
	a.free = a.free[:n-1]
	a.reserved--
	return s, nil
}

// ReserveFree returns a seglet to the pool and re-establishes one slot
// of survivor reserve, used when a survivor segment returns unused
// trailing seglets that were drawn from the reserve.
func (a *Allocator) ReserveFree(s *Seglet) {
	if s == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, s)
	a.reserved++
}

// Available returns the number of seglets free for ordinary (non-
// reserve) allocation.
func (a *Allocator) Available() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.free) - a.reserved
	if n < 0 {
		return 0
	}
	return n
}

// Utilization returns the percentage of all seglets this allocator
// manages that are currently leased out (0-100).
func (a *Allocator) Utilization() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allocated == 0 {
		return 0
	}
	inUse := a.allocated - len(a.free)
	return 100 * float64(inUse) / float64(a.allocated)
}

// Total returns the total number of seglets this allocator manages.
func (a *Allocator) Total() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}
