package logengine

import "github.com/ramlog-io/ramlog/lib/logengine/segment"

// EntryHandlers is the only coupling between the cleaner and external
// state (spec.md §4.6.4): it answers whether an entry is still live,
// and is told where an entry landed after relocation so it can update
// whatever external index resolves references to it. Implementations
// must be fast, non-blocking, and independent of any lock the cleaner
// holds.
type EntryHandlers interface {
	// Liveness reports whether the entry at ref is still live, given
	// its type and payload bytes.
	Liveness(t segment.EntryType, ref segment.Reference, payload []byte) bool
	// Relocated is invoked after an entry has been successfully
	// appended to a survivor at newRef; it must make the entry
	// resolvable via newRef before any reader can fail to resolve it
	// via oldRef.
	Relocated(t segment.EntryType, oldRef, newRef segment.Reference)
}
