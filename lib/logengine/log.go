// Package logengine is the top-level log: the single-writer append
// path, synchronous head rollover, and the EntryHandlers wiring that
// lets the cleaner relocate entries without ever touching the
// registry or segment manager directly. Shaped after the teacher's
// top-level db.KVDB interface plus mapleImpl struct (fields first,
// constructor named New, methods grouped under banner comments).
package logengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/ramlog-io/ramlog/lib/logengine/backup"
	"github.com/ramlog-io/ramlog/lib/logengine/logerr"
	"github.com/ramlog-io/ramlog/lib/logengine/metrics"
	"github.com/ramlog-io/ramlog/lib/logengine/registry"
	"github.com/ramlog-io/ramlog/lib/logengine/segmgr"
	"github.com/ramlog-io/ramlog/lib/logengine/segment"
)

// Config configures a Log instance.
type Config struct {
	SegletSize        int
	SegletsPerSegment int
	// Now is kept for wall-clock seconds (default time.Now().Unix()
	// truncated to uint32), but no Log path reads it: segment
	// timestamps come from the segment manager's nowFn, and
	// AppendTombstone takes its timestamp as an argument.
	Now func() uint32
	// Metrics, if set, receives writer-side counters (appends,
	// tombstones, head rollovers, no-space errors); the Cleaner takes
	// the same Set for its own counters, so a caller wiring one
	// Set into both sees a single namespace with both halves filled in.
	Metrics *metrics.Set
}

// Log is the public writer: a single goroutine appends to the current
// head segment; arbitrary goroutines read via References obtained
// from a prior Append/AppendTombstone or from the Registry.
type Log struct {
	cfg Config

	mgr      *segmgr.Manager
	registry *registry.Registry
	link     backup.Link

	// writeMu serializes Append/AppendTombstone/head rollover: the
	// spec requires a single writer, and Go has no free-threading
	// shortcut around that invariant worth taking.
	writeMu sync.Mutex

	// freedMu/freed track which references Free has already been
	// called on, so a second Free of the same reference can be caught
	// as the fatal invariant violation the spec requires rather than
	// silently double-decrementing liveBytes.
	freedMu sync.Mutex
	freed   map[segment.Reference]struct{}
}

// New creates a Log over a fresh segment manager backed by reg and
// link. The caller is responsible for calling mgr.InitializeSurvivorReserve
// before starting a Cleaner against this Log.
func New(cfg Config, mgr *segmgr.Manager, reg *registry.Registry, link backup.Link) (*Log, error) {
	if cfg.SegletSize <= 0 || cfg.SegletsPerSegment <= 0 {
		return nil, logerr.New(logerr.CodeInvalidConfig, "segletSize and segletsPerSegment must be positive")
	}
	l := &Log{cfg: cfg, mgr: mgr, registry: reg, link: link, freed: make(map[segment.Reference]struct{})}
	if _, _, err := l.rollHead(nil); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log) now() uint32 {
	if l.cfg.Now != nil {
		return l.cfg.Now()
	}
	return uint32(time.Now().Unix())
}

// Registry returns the key registry backing this Log, so callers can
// resolve keys to References without going through Append.
func (l *Log) Registry() *registry.Registry { return l.registry }

// Manager returns the segment manager backing this Log, for the
// Cleaner to drive against.
func (l *Log) Manager() *segmgr.Manager { return l.mgr }

// rollHead installs a fresh head and opens its backup session, then
// closes the previous head (if any) and its backup session and marks
// it CLEANABLE. The footer Close writes is not sent to the backup link.
// outgoing, if non-nil, receives the closed segment for the caller to
// inspect (e.g. to hand it straight to the cleaner in tests).
func (l *Log) rollHead(outgoing **segment.Segment) (*segment.Segment, *segment.Segment, error) {
	newHead, oldHead, err := l.mgr.AllocHeadSegment()
	if err != nil {
		return nil, nil, err
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.IncHeadRollovers()
	}
	if l.link != nil {
		_, headerPayload, ok := newHead.GetEntry(0)
		if ok {
			if err := l.link.Open(newHead.Id, headerPayload); err != nil {
				return nil, nil, logerr.Wrap(logerr.CodeFatal, "backup open failed for new head segment", err)
			}
		}
	}

	if oldHead != nil {
		if err := l.finalizeOutgoingHead(oldHead); err != nil {
			return nil, nil, err
		}
	}
	if outgoing != nil {
		*outgoing = oldHead
	}
	return newHead, oldHead, nil
}

func (l *Log) finalizeOutgoingHead(seg *segment.Segment) error {
	if err := seg.Close(); err != nil {
		return err
	}
	if l.link != nil {
		if err := l.link.Close(seg.Id); err != nil {
			return logerr.Wrap(logerr.CodeFatal, "backup close failed for outgoing head segment", err)
		}
	}
	l.mgr.MarkCleanable(seg)
	return nil
}

// Append writes a new OBJECT entry for (tableId, key, value), rolling
// the head over first if it does not fit. The caller must publish the
// returned Reference into whatever registry backs EntryHandlers
// before relying on it being resolvable by other readers; Log itself
// publishes into its own Registry as part of this call so callers
// using Log.Registry() see the write immediately.
func (l *Log) Append(tableId uint64, key, value []byte) (segment.Reference, error) {
	payload := segment.ObjectPayload{TableId: tableId, Key: key, Value: value}.Encode()
	ref, err := l.appendWithRollover(segment.EntryObject, payload)
	if err != nil {
		return segment.Reference{}, err
	}
	l.registry.Publish(tableId, key, ref)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.IncAppends()
	}
	return ref, nil
}

// AppendTombstone writes a TOMBSTONE entry asserting that the prior
// OBJECT for (tableId, key) living in deadSegment is dead as of
// timestamp.
func (l *Log) AppendTombstone(tableId uint64, key []byte, deadSegment uint64, timestamp uint32) (segment.Reference, error) {
	payload := segment.TombstonePayload{TableId: tableId, Key: key, DeadSegment: deadSegment, Timestamp: timestamp}.Encode()
	ref, err := l.appendWithRollover(segment.EntryTombstone, payload)
	if err != nil {
		return segment.Reference{}, err
	}
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.IncTombstones()
	}
	return ref, nil
}

func (l *Log) appendWithRollover(t segment.EntryType, payload []byte) (segment.Reference, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	head := l.mgr.Head()
	ref, ok, err := head.Append(t, payload)
	if err != nil {
		return segment.Reference{}, err
	}
	if !ok {
		newHead, _, err := l.rollHead(nil)
		if err != nil {
			return segment.Reference{}, err
		}
		head = newHead
		ref, ok, err = head.Append(t, payload)
		if err != nil {
			return segment.Reference{}, err
		}
		if !ok {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.IncNoSpaceErrors()
			}
			return segment.Reference{}, logerr.New(logerr.CodeNoSpace, "entry does not fit even a freshly rolled head segment")
		}
	}

	if l.link != nil {
		if _, entryBytes, found := head.GetEntry(ref.Offset); found {
			if err := l.link.Append(head.Id, entryBytes); err != nil {
				return segment.Reference{}, logerr.Wrap(logerr.CodeFatal, "backup append failed", err)
			}
		}
	}
	return ref, nil
}

// Free decrements the owning segment's liveBytes counter as an O(1)
// hint that ref's entry is no longer referenced by anything. Double-
// freeing the same reference is a fatal invariant violation.
func (l *Log) Free(ref segment.Reference) error {
	l.freedMu.Lock()
	if _, already := l.freed[ref]; already {
		l.freedMu.Unlock()
		return logerr.New(logerr.CodeFatal, "double free of the same reference")
	}
	l.freed[ref] = struct{}{}
	l.freedMu.Unlock()

	seg, ok := l.mgr.Get(ref.SegmentId)
	if !ok {
		return logerr.New(logerr.CodeFatal, "free of a reference whose segment is already gone")
	}
	t, payload, ok := seg.GetEntry(ref.Offset)
	if !ok {
		return logerr.New(logerr.CodeFatal, "free of a reference that does not resolve to an entry")
	}
	if t != segment.EntryObject && t != segment.EntryTombstone {
		return logerr.New(logerr.CodeFatal, "free of a non-object/tombstone entry")
	}
	n := int64(5 + len(payload))
	seg.AddLiveBytes(-n)
	return nil
}

// Read resolves ref to its entry type and payload.
func (l *Log) Read(ref segment.Reference) (segment.EntryType, []byte, error) {
	seg, ok := l.mgr.Get(ref.SegmentId)
	if !ok {
		return 0, nil, logerr.New(logerr.CodeFatal, "read of a reference whose segment has been freed")
	}
	t, payload, ok := seg.GetEntry(ref.Offset)
	if !ok {
		return 0, nil, logerr.New(logerr.CodeFatal, fmt.Sprintf("read of a reference at offset %d that does not resolve", ref.Offset))
	}
	return t, payload, nil
}

// Liveness implements EntryHandlers for the object/tombstone liveness
// rules described in spec.md §4.6.4: an OBJECT is live iff the
// registry's current reference for its key still equals ref; a
// TOMBSTONE is live iff the segment it protects has not yet been
// freed.
func (l *Log) Liveness(t segment.EntryType, ref segment.Reference, payload []byte) bool {
	switch t {
	case segment.EntryObject:
		obj := segment.DecodeObjectPayload(payload)
		current, ok := l.registry.Lookup(obj.TableId, obj.Key)
		return ok && current == ref
	case segment.EntryTombstone:
		ts := segment.DecodeTombstonePayload(payload)
		_, stillExists := l.mgr.Get(ts.DeadSegment)
		return stillExists
	default:
		return false
	}
}

// Relocated implements EntryHandlers: for OBJECT entries it retargets
// the registry from oldRef to newRef (a no-op if the key was
// overwritten in the meantime, since the registry already points
// elsewhere — see DESIGN.md's resolution of the liveness/resurrection
// open question). Tombstones carry no registry entry of their own.
func (l *Log) Relocated(t segment.EntryType, oldRef, newRef segment.Reference) {
	if t != segment.EntryObject {
		return
	}
	oldSeg, ok := l.mgr.Get(oldRef.SegmentId)
	if !ok {
		return
	}
	_, payload, ok := oldSeg.GetEntry(oldRef.Offset)
	if !ok {
		return
	}
	obj := segment.DecodeObjectPayload(payload)
	l.registry.Relocate(obj.TableId, obj.Key, oldRef, newRef)
}

var _ EntryHandlers = (*Log)(nil)
