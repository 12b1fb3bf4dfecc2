package rpc

import (
	"context"
	"testing"
	"time"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen("127.0.0.1:0")
	}()

	// Listen races with Addr() above; retry briefly until the
	// listener is bound.
	var addr string
	for i := 0; i < 100; i++ {
		if a := srv.Addr(); a != nil {
			addr = a.String()
			break
		}
		time.Sleep(time.Millisecond)
	}
	if addr == "" {
		t.Fatalf("server never bound a listener")
	}

	t.Cleanup(func() {
		_ = srv.Close()
	})
	return srv, addr
}

func TestOpenAppendSyncCloseRoundTrip(t *testing.T) {
	srv, addr := startTestServer(t)

	client, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.CloseConn() })

	segmentId := uint64(42)
	if err := client.Open(segmentId, []byte("header")); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := client.Append(segmentId, []byte("payload-bytes")); err != nil {
		t.Fatalf("append: %v", err)
	}

	want := len("header") + len("payload-bytes")
	if err := client.Sync(context.Background(), segmentId, uint32(want)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := client.Close(segmentId); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, ok := srv.BytesFor(segmentId)
	if !ok {
		t.Fatalf("server has no bytes for segment %d", segmentId)
	}
	if string(got) != "headerpayload-bytes" {
		t.Fatalf("got %q, want %q", got, "headerpayload-bytes")
	}

	if err := client.Free(segmentId); err != nil {
		t.Fatalf("free: %v", err)
	}
	if _, ok := srv.BytesFor(segmentId); ok {
		t.Fatalf("segment %d should have been freed", segmentId)
	}
}

func TestOpenIsIdempotentForSameToken(t *testing.T) {
	srv := NewServer()

	req := NewOpenRequest(7, "tok-a", []byte("x"))
	if resp := srv.store.handle(req); resp.Op != OpAck {
		t.Fatalf("first open: got %s, want ack", resp.Op)
	}
	if resp := srv.store.handle(req); resp.Op != OpAck {
		t.Fatalf("retried open with same token: got %s, want ack", resp.Op)
	}

	collide := NewOpenRequest(7, "tok-b", []byte("x"))
	if resp := srv.store.handle(collide); resp.Op != OpError {
		t.Fatalf("open with a different token on an already-open segment: got %s, want error", resp.Op)
	}
}

func TestSyncPastAppendedBytesErrors(t *testing.T) {
	srv := NewServer()
	srv.store.handle(NewOpenRequest(1, "tok", nil))
	srv.store.handle(NewAppendRequest(1, []byte("abc")))

	resp := srv.store.handle(NewSyncRequest(1, 100))
	if resp.Op != OpError {
		t.Fatalf("sync past appended bytes: got %s, want error", resp.Op)
	}
}

func TestSyncContextCancellationSurfacesAsTimeout(t *testing.T) {
	_, addr := startTestServer(t)

	client, err := Dial(addr, time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.CloseConn() })

	if err := client.Open(5, nil); err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.Sync(ctx, 5, 0); err == nil {
		t.Fatalf("expected an error from an already-cancelled context")
	}
}
