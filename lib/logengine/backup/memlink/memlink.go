// Package memlink is an in-process fake of the Backup Link contract,
// grounded on the teacher's logtesting-style in-memory test doubles
// (lib/db/testing exercises real engines rather than fakes, but the
// same "exercise the real interface against a trivial backing store"
// idea applies here). Sync resolves immediately since there is no
// real network hop to wait on — it exists purely so cleaner code
// written against backup.Link exercises the same call shape it would
// against backup/rpc.
package memlink

import (
	"context"
	"sync"

	"github.com/ramlog-io/ramlog/lib/logengine/backup"
	"github.com/ramlog-io/ramlog/lib/logengine/logerr"
)

type session struct {
	bytes  []byte
	closed bool
}

// Link is an in-memory backup.Link implementation.
type Link struct {
	mu       sync.Mutex
	sessions map[uint64]*session
}

// New creates an empty in-memory Link.
func New() *Link {
	return &Link{sessions: make(map[uint64]*session)}
}

func (l *Link) Open(segmentId uint64, initial []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.sessions[segmentId]; exists {
		return logerr.New(logerr.CodeFatal, "backup session opened twice for the same segment")
	}
	buf := make([]byte, len(initial))
	copy(buf, initial)
	l.sessions[segmentId] = &session{bytes: buf}
	return nil
}

func (l *Link) Append(segmentId uint64, b []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[segmentId]
	if !ok {
		return logerr.New(logerr.CodeFatal, "append to a backup session that was never opened")
	}
	if s.closed {
		return logerr.New(logerr.CodeFatal, "append to a closed backup session")
	}
	s.bytes = append(s.bytes, b...)
	return nil
}

func (l *Link) Close(segmentId uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[segmentId]
	if !ok {
		return logerr.New(logerr.CodeFatal, "close of a backup session that was never opened")
	}
	s.closed = true
	return nil
}

func (l *Link) Sync(ctx context.Context, segmentId uint64, offset uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[segmentId]
	if !ok {
		return logerr.New(logerr.CodeFatal, "sync of a backup session that was never opened")
	}
	if uint32(len(s.bytes)) < offset {
		return logerr.New(logerr.CodeFatal, "sync requested past what has been appended")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (l *Link) Free(segmentId uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, segmentId)
	return nil
}

// Bytes returns a copy of everything replicated for segmentId, for
// test assertions.
func (l *Link) Bytes(segmentId uint64) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[segmentId]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(s.bytes))
	copy(out, s.bytes)
	return out, true
}

var _ backup.Link = (*Link)(nil)
