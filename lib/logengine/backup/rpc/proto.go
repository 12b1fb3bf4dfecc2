// Package rpc is the networked realization of backup.Link: a client
// that dials a backup process over TCP and a Server that answers its
// requests against an in-memory session store. The wire protocol is a
// small request/response envelope carrying the five Link operations,
// framed and multiplexed the way the teacher's rpc/transport package
// framed its own Message envelope.
package rpc

import "fmt"

// Op identifies which Link operation a Message carries.
type Op uint8

const (
	OpUnknown Op = iota
	OpOpen
	OpAppend
	OpClose
	OpSync
	OpFree
	OpAck
	OpError
)

func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpAppend:
		return "append"
	case OpClose:
		return "close"
	case OpSync:
		return "sync"
	case OpFree:
		return "free"
	case OpAck:
		return "ack"
	case OpError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is both the request and response envelope for every Link
// operation carried over the wire.
type Message struct {
	Op        Op
	SegmentId uint64
	Offset    uint32 // Sync: barrier offset to wait for
	Token     string // Open: idempotency token (a uuid per session)
	Data      []byte // Open: initial bytes; Append: bytes to replicate
	Err       string // non-empty only on OpError responses
}

// --------------------------------------------------------------------------
// Message factory functions
// --------------------------------------------------------------------------

func NewOpenRequest(segmentId uint64, token string, initial []byte) *Message {
	return &Message{Op: OpOpen, SegmentId: segmentId, Token: token, Data: initial}
}

func NewAppendRequest(segmentId uint64, b []byte) *Message {
	return &Message{Op: OpAppend, SegmentId: segmentId, Data: b}
}

func NewCloseRequest(segmentId uint64) *Message {
	return &Message{Op: OpClose, SegmentId: segmentId}
}

func NewSyncRequest(segmentId uint64, offset uint32) *Message {
	return &Message{Op: OpSync, SegmentId: segmentId, Offset: offset}
}

func NewFreeRequest(segmentId uint64) *Message {
	return &Message{Op: OpFree, SegmentId: segmentId}
}

// NewAckResponse builds the reply to any request that completed
// without error; it carries the request's own Op so the client can
// confirm the response matches what it asked for.
func NewAckResponse(op Op, segmentId uint64) *Message {
	return &Message{Op: OpAck, SegmentId: segmentId, Data: []byte{byte(op)}}
}

func NewErrorResponse(segmentId uint64, err error) *Message {
	return &Message{Op: OpError, SegmentId: segmentId, Err: err.Error()}
}

// ackedOp recovers the original request Op an OpAck response is
// acknowledging, stashed in Data by NewAckResponse.
func ackedOp(msg *Message) Op {
	if msg.Op != OpAck || len(msg.Data) != 1 {
		return OpUnknown
	}
	return Op(msg.Data[0])
}

func checkResponse(req *Message, resp *Message) error {
	if resp.Op == OpError {
		return fmt.Errorf("backup rpc: %s", resp.Err)
	}
	if resp.Op != OpAck || ackedOp(resp) != req.Op {
		return fmt.Errorf("backup rpc: unexpected response op %s for request op %s", resp.Op, req.Op)
	}
	return nil
}
