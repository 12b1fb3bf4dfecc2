// Package registry implements the external key→reference map the log
// engine's cleaner consults and updates through the EntryHandlers
// callback contract (spec.md §9: "Do NOT model relocation by mutating
// shared pointers; message the registry"). It is built on
// puzpuzpuz/xsync's lock-free MapOf — the same concurrent map the
// teacher's maple engine shards its key space with — keyed by the
// entry's 64-bit key fingerprint, with a short hash-collision chain
// per bucket since distinct keys can (rarely) share a fingerprint.
package registry

import (
	"bytes"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/ramlog-io/ramlog/lib/logengine/key"
	"github.com/ramlog-io/ramlog/lib/logengine/segment"
)

type slot struct {
	tableId uint64
	stringKey []byte
	ref       segment.Reference
}

// bucket holds every distinct key that currently hashes to the same
// fingerprint. In practice it almost always has exactly one slot.
type bucket struct {
	slots []slot
}

// Registry is the concrete key→reference map: for every live key it
// holds the Reference of the OBJECT entry that is currently the most
// recent write for that key.
type Registry struct {
	m *xsync.MapOf[uint64, *bucket]
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{m: xsync.NewMapOf[uint64, *bucket]()}
}

// Lookup returns the current Reference for (tableId, stringKey), if
// any entry has been published for it.
func (r *Registry) Lookup(tableId uint64, stringKey []byte) (segment.Reference, bool) {
	h := key.Hash(tableId, stringKey)
	b, ok := r.m.Load(h)
	if !ok {
		return segment.Reference{}, false
	}
	for _, s := range b.slots {
		if s.tableId == tableId && bytes.Equal(s.stringKey, stringKey) {
			return s.ref, true
		}
	}
	return segment.Reference{}, false
}

// Publish installs ref as the current reference for (tableId,
// stringKey), overwriting whatever was there before. Used by the
// writer immediately after a successful Log.Append, and the caller
// must not surface the new Reference to any other goroutine until
// Publish returns (release-store semantics, spec.md §5).
func (r *Registry) Publish(tableId uint64, stringKey []byte, ref segment.Reference) {
	h := key.Hash(tableId, stringKey)
	keyCopy := append([]byte(nil), stringKey...)

	r.m.Compute(h, func(old *bucket, loaded bool) (*bucket, bool) {
		if !loaded {
			return &bucket{slots: []slot{{tableId: tableId, stringKey: keyCopy, ref: ref}}}, false
		}
		next := &bucket{slots: make([]slot, 0, len(old.slots)+1)}
		replaced := false
		for _, s := range old.slots {
			if s.tableId == tableId && bytes.Equal(s.stringKey, keyCopy) {
				next.slots = append(next.slots, slot{tableId: tableId, stringKey: keyCopy, ref: ref})
				replaced = true
			} else {
				next.slots = append(next.slots, s)
			}
		}
		if !replaced {
			next.slots = append(next.slots, slot{tableId: tableId, stringKey: keyCopy, ref: ref})
		}
		return next, false
	})
}

// Relocate atomically retargets (tableId, stringKey) from oldRef to
// newRef, but only if it currently points at oldRef. If the key was
// overwritten by a newer Append in the meantime, the registry already
// points somewhere else and this is a safe no-op — see DESIGN.md's
// decision on the liveness/resurrection open question.
func (r *Registry) Relocate(tableId uint64, stringKey []byte, oldRef, newRef segment.Reference) {
	h := key.Hash(tableId, stringKey)
	r.m.Compute(h, func(old *bucket, loaded bool) (*bucket, bool) {
		if !loaded {
			return old, true // delete is a no-op on a non-existent bucket
		}
		next := &bucket{slots: make([]slot, 0, len(old.slots))}
		for _, s := range old.slots {
			if s.tableId == tableId && bytes.Equal(s.stringKey, stringKey) && s.ref == oldRef {
				s.ref = newRef
			}
			next.slots = append(next.slots, s)
		}
		return next, false
	})
}

// Delete removes any registry entry for (tableId, stringKey) that
// currently points at ref. Used when a tombstone supersedes an object
// entirely (rather than relocating it).
func (r *Registry) Delete(tableId uint64, stringKey []byte, ref segment.Reference) {
	h := key.Hash(tableId, stringKey)
	r.m.Compute(h, func(old *bucket, loaded bool) (*bucket, bool) {
		if !loaded {
			return old, true
		}
		next := &bucket{slots: make([]slot, 0, len(old.slots))}
		for _, s := range old.slots {
			if s.tableId == tableId && bytes.Equal(s.stringKey, stringKey) && s.ref == ref {
				continue
			}
			next.slots = append(next.slots, s)
		}
		return next, len(next.slots) == 0
	})
}

// Size returns the number of buckets currently tracked, useful for
// tests and metrics; not the same as the number of live keys if any
// fingerprint collisions exist.
func (r *Registry) Size() int {
	return r.m.Size()
}
