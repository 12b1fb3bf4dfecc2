package memlink

import (
	"context"
	"testing"
)

func TestOpenAppendSync(t *testing.T) {
	l := New()
	if err := l.Open(1, []byte("header")); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := l.Append(1, []byte("more")); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := l.Sync(context.Background(), 1, 10); err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	got, ok := l.Bytes(1)
	if !ok || string(got) != "headermore" {
		t.Fatalf("unexpected bytes: %q ok=%v", got, ok)
	}
}

func TestSyncPastAppendedFails(t *testing.T) {
	l := New()
	l.Open(1, []byte("ab"))
	if err := l.Sync(context.Background(), 1, 100); err == nil {
		t.Fatalf("expected sync past appended bytes to fail")
	}
}

func TestDoubleOpenFails(t *testing.T) {
	l := New()
	l.Open(1, nil)
	if err := l.Open(1, nil); err == nil {
		t.Fatalf("expected double open to fail")
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	l := New()
	l.Open(1, nil)
	l.Close(1)
	if err := l.Append(1, []byte("x")); err == nil {
		t.Fatalf("expected append after close to fail")
	}
}

func TestFreeRemovesSession(t *testing.T) {
	l := New()
	l.Open(1, []byte("x"))
	l.Free(1)
	if _, ok := l.Bytes(1); ok {
		t.Fatalf("expected session to be gone after free")
	}
}
