package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ramlog-io/ramlog/lib/logengine/backup"
	"github.com/ramlog-io/ramlog/lib/logengine/logerr"
)

// Client is the networked realization of backup.Link, adapted from
// the teacher's transport/base client transport: one persistent TCP
// connection, requests multiplexed over it by requestID, a dedicated
// reader goroutine distributing responses back to waiting callers.
// Unlike the teacher's client there is no round-robin endpoint pool —
// a log has exactly one backup collaborator — and no retry loop at
// this layer; retries belong to the caller (the cleaner's Sync call
// site, per SPEC_FULL.md's error-handling design).
type Client struct {
	addr    string
	timeout time.Duration

	connMu sync.Mutex
	conn   net.Conn

	nextRequestID uint64
	pending       *xsync.MapOf[uint64, chan *Message]

	tokensMu sync.Mutex
	tokens   map[uint64]string // segmentId -> session token handed out by Open
}

// Dial connects to a backup server listening at addr.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	c := &Client{
		addr:          addr,
		timeout:       timeout,
		nextRequestID: 1,
		pending:       xsync.NewMapOf[uint64, chan *Message](),
		tokens:        make(map[uint64]string),
	}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return logerr.Wrap(logerr.CodeTimeout, "backup rpc: dial failed", err)
	}
	c.conn = conn
	return nil
}

func (c *Client) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		requestID, payload, err := readFrame(conn, nil)
		if err != nil {
			// Connection is dead; fail every request still waiting on
			// it and give up. Reconnection is the caller's job via a
			// fresh Dial.
			c.pending.Range(func(id uint64, ch chan *Message) bool {
				ch <- &Message{Op: OpError, Err: fmt.Sprintf("backup rpc: connection closed: %v", err)}
				c.pending.Delete(id)
				return true
			})
			return
		}

		msg, err := deserialize(payload)
		if err != nil {
			continue
		}
		if ch, ok := c.pending.LoadAndDelete(requestID); ok {
			ch <- msg
		}
	}
}

func (c *Client) call(ctx context.Context, req *Message) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, logerr.Wrap(logerr.CodeTimeout, "backup rpc: request cancelled", err)
	}

	requestID := atomic.AddUint64(&c.nextRequestID, 1)
	respCh := make(chan *Message, 1)
	c.pending.Store(requestID, respCh)
	defer c.pending.Delete(requestID)

	payload := serialize(req)

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, logerr.New(logerr.CodeFatal, "backup rpc: not connected")
	}
	if c.timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	if err := writeFrame(conn, requestID, payload); err != nil {
		return nil, logerr.Wrap(logerr.CodeTimeout, "backup rpc: write failed", err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, logerr.Wrap(logerr.CodeTimeout, "backup rpc: request cancelled", ctx.Err())
	}
}

func (c *Client) Open(segmentId uint64, initial []byte) error {
	token := uuid.NewString()
	c.tokensMu.Lock()
	c.tokens[segmentId] = token
	c.tokensMu.Unlock()

	resp, err := c.call(context.Background(), NewOpenRequest(segmentId, token, initial))
	if err != nil {
		return err
	}
	return checkResponse(&Message{Op: OpOpen}, resp)
}

func (c *Client) Append(segmentId uint64, b []byte) error {
	resp, err := c.call(context.Background(), NewAppendRequest(segmentId, b))
	if err != nil {
		return err
	}
	return checkResponse(&Message{Op: OpAppend}, resp)
}

func (c *Client) Close(segmentId uint64) error {
	resp, err := c.call(context.Background(), NewCloseRequest(segmentId))
	if err != nil {
		return err
	}
	return checkResponse(&Message{Op: OpClose}, resp)
}

func (c *Client) Sync(ctx context.Context, segmentId uint64, offset uint32) error {
	resp, err := c.call(ctx, NewSyncRequest(segmentId, offset))
	if err != nil {
		return err
	}
	return checkResponse(&Message{Op: OpSync}, resp)
}

func (c *Client) Free(segmentId uint64) error {
	resp, err := c.call(context.Background(), NewFreeRequest(segmentId))
	if err != nil {
		return err
	}
	c.tokensMu.Lock()
	delete(c.tokens, segmentId)
	c.tokensMu.Unlock()
	return checkResponse(&Message{Op: OpFree}, resp)
}

// CloseConn shuts down the underlying connection. Named to avoid
// colliding with Link's per-segment Close.
func (c *Client) CloseConn() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

var _ backup.Link = (*Client)(nil)
