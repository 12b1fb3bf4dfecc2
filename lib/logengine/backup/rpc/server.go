package rpc

import (
	"fmt"
	"net"
	"sync"
)

// session mirrors memlink's in-process session record, extended with
// the idempotency token carried by OpOpen: a retried Open for the
// same segmentId with the same token is a no-op rather than the
// "opened twice" fault a fresh token would report, matching the
// "idempotent on re-send" Backup Link contract from SPEC_FULL.md §4.
type session struct {
	token  string
	bytes  []byte
	closed bool
}

// store is the server-side backing for every segment a client has
// opened a replication session for. Grounded on memlink.Link's
// session map, since a backupd process is, from the wire protocol's
// point of view, just memlink served over a socket.
type store struct {
	mu       sync.Mutex
	sessions map[uint64]*session
}

func newStore() *store {
	return &store{sessions: make(map[uint64]*session)}
}

func (s *store) handle(msg *Message) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Op {
	case OpOpen:
		if existing, ok := s.sessions[msg.SegmentId]; ok {
			if existing.token == msg.Token {
				return NewAckResponse(OpOpen, msg.SegmentId)
			}
			return NewErrorResponse(msg.SegmentId, fmt.Errorf("segment %d already has an open session", msg.SegmentId))
		}
		buf := make([]byte, len(msg.Data))
		copy(buf, msg.Data)
		s.sessions[msg.SegmentId] = &session{token: msg.Token, bytes: buf}
		return NewAckResponse(OpOpen, msg.SegmentId)

	case OpAppend:
		sess, ok := s.sessions[msg.SegmentId]
		if !ok {
			return NewErrorResponse(msg.SegmentId, fmt.Errorf("append to a session that was never opened"))
		}
		if sess.closed {
			return NewErrorResponse(msg.SegmentId, fmt.Errorf("append to a closed session"))
		}
		sess.bytes = append(sess.bytes, msg.Data...)
		return NewAckResponse(OpAppend, msg.SegmentId)

	case OpClose:
		sess, ok := s.sessions[msg.SegmentId]
		if !ok {
			return NewErrorResponse(msg.SegmentId, fmt.Errorf("close of a session that was never opened"))
		}
		sess.closed = true
		return NewAckResponse(OpClose, msg.SegmentId)

	case OpSync:
		sess, ok := s.sessions[msg.SegmentId]
		if !ok {
			return NewErrorResponse(msg.SegmentId, fmt.Errorf("sync of a session that was never opened"))
		}
		if uint32(len(sess.bytes)) < msg.Offset {
			return NewErrorResponse(msg.SegmentId, fmt.Errorf("sync requested past what has been appended"))
		}
		return NewAckResponse(OpSync, msg.SegmentId)

	case OpFree:
		delete(s.sessions, msg.SegmentId)
		return NewAckResponse(OpFree, msg.SegmentId)

	default:
		return NewErrorResponse(msg.SegmentId, fmt.Errorf("unsupported op %s", msg.Op))
	}
}

// bytesFor returns a copy of everything replicated for segmentId, for
// test assertions and for the future recovery path SPEC_FULL.md notes
// as out of scope for this engine.
func (s *store) bytesFor(segmentId uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[segmentId]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(sess.bytes))
	copy(out, sess.bytes)
	return out, true
}

// Server accepts connections from Clients and answers their Link
// requests against an in-memory store. Adapted from the teacher's
// transport/base serverTransport and rpc/server's per-request
// dispatch, collapsed into a single listener loop since there is only
// one kind of request here (a Link operation), not a shard map of
// heterogeneous adapters.
type Server struct {
	store    *store
	listener net.Listener
}

// NewServer creates a Server with an empty backing store.
func NewServer() *Server {
	return &Server{store: newStore()}
}

// BytesFor exposes the store's replicated bytes for a segment, for
// tests and in-process inspection.
func (s *Server) BytesFor(segmentId uint64) ([]byte, bool) {
	return s.store.bytesFor(segmentId)
}

// Listen binds addr and serves until Close is called or Accept fails
// permanently.
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("backup rpc: listen failed: %w", err)
	}
	s.listener = listener

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Addr returns the listener's bound address, useful when Listen was
// given an ephemeral port ("127.0.0.1:0").
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	var writeMu sync.Mutex
	var buf []byte

	for {
		requestID, payload, err := readFrame(conn, buf)
		if err != nil {
			return
		}

		msg, err := deserialize(payload)
		if err != nil {
			continue
		}

		go func(requestID uint64, msg *Message) {
			resp := s.store.handle(msg)
			respPayload := serialize(resp)

			writeMu.Lock()
			defer writeMu.Unlock()
			_ = writeFrame(conn, requestID, respPayload)
		}(requestID, msg)
	}
}
