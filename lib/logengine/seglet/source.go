package seglet

// Source is the narrow interface a Segment uses to lease and return
// seglets. It hides whether the underlying seglets come from the
// allocator's ordinary free list or from the survivor reserve: the
// writer's head segment is built on an OrdinarySource, the cleaner's
// survivors on a ReserveSource, and non-cleaner code is rejected at
// the type level from ever constructing a ReserveSource itself (the
// only way to get one is through an Allocator it does not hold).
type Source interface {
	Lease() (*Seglet, bool)
	Return(*Seglet)
}

type ordinarySource struct{ a *Allocator }

func (s ordinarySource) Lease() (*Seglet, bool) { return s.a.Alloc() }
func (s ordinarySource) Return(sg *Seglet)       { s.a.Free(sg) }

type reserveSource struct{ a *Allocator }

func (s reserveSource) Lease() (*Seglet, bool) {
	sg, err := s.a.ReserveAlloc()
	return sg, err == nil
}
func (s reserveSource) Return(sg *Seglet) { s.a.ReserveFree(sg) }

// OrdinarySource returns a Source that leases from the allocator's
// general free list, used by the single writer for the head segment.
func (a *Allocator) OrdinarySource() Source { return ordinarySource{a} }

// ReserveSource returns a Source that leases exclusively from the
// survivor reserve established by Reserve, used by the cleaner for
// survivor segments.
func (a *Allocator) ReserveSource() Source { return reserveSource{a} }
