// Package backup defines the Backup Link contract the log and cleaner
// replicate segment bytes through. Durability of a survivor segment's
// bytes is a precondition for releasing the cleaned segments it
// replaced (spec.md §4.6.3): "ensure each survivor's backup sync
// completes before calling cleaningComplete."
package backup

import "context"

// Link is the narrow interface the log and cleaner use to replicate
// segment bytes to a backup. memlink.Link is an in-process fake used
// by tests; rpc.Client is the networked realization used by cmd/ramlogd.
type Link interface {
	// Open starts a replication session for segmentId, seeding it with
	// whatever bytes have already been appended (e.g. a just-written
	// SEGMENT_HEADER).
	Open(segmentId uint64, initial []byte) error
	// Append replicates additional bytes appended to segmentId since
	// the last Append/Open call.
	Append(segmentId uint64, b []byte) error
	// Close marks segmentId's session as logically complete (its
	// SEGMENT_FOOTER has been appended), but does not imply durability
	// — callers must still Sync.
	Close(segmentId uint64) error
	// Sync blocks until every byte appended to segmentId up to and
	// including offset is durable on the backup, or ctx is done.
	Sync(ctx context.Context, segmentId uint64, offset uint32) error
	// Free tells the backup it may discard segmentId's replica; called
	// only after the segment transitions to FREEABLE.
	Free(segmentId uint64) error
}
