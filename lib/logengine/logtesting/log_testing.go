package logtesting

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/ramlog-io/ramlog/lib/logengine"
	"github.com/ramlog-io/ramlog/lib/logengine/segment"
)

// LogFactory builds a fresh *logengine.Log, wired however the caller
// likes (segment/seglet sizing, backup link, Now function).
type LogFactory func() *logengine.Log

// RunLogTests runs a fixed conformance suite against whatever Log a
// factory produces.
func RunLogTests(t *testing.T, name string, factory LogFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("AppendAndRead", func(t *testing.T) {
			testAppendAndRead(t, factory())
		})

		t.Run("AppendOverwritesRegistry", func(t *testing.T) {
			testAppendOverwritesRegistry(t, factory())
		})

		t.Run("TombstoneLiveness", func(t *testing.T) {
			testTombstoneLiveness(t, factory())
		})

		t.Run("DoubleFreeIsFatal", func(t *testing.T) {
			testDoubleFreeIsFatal(t, factory())
		})

		t.Run("HeadRolloverKeepsOldEntriesReadable", func(t *testing.T) {
			testHeadRolloverKeepsOldEntriesReadable(t, factory())
		})

		t.Run("ConcurrentAppendsAreAllReadable", func(t *testing.T) {
			testConcurrentAppendsAreAllReadable(t, factory())
		})
	})
}

func testAppendAndRead(t *testing.T, l *logengine.Log) {
	ref, err := l.Append(1, []byte("k"), []byte("v1"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	typ, payload, err := l.Read(ref)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if typ != segment.EntryObject {
		t.Fatalf("expected EntryObject, got %v", typ)
	}
	obj := segment.DecodeObjectPayload(payload)
	if !bytes.Equal(obj.Value, []byte("v1")) {
		t.Fatalf("expected value v1, got %q", obj.Value)
	}
}

func testAppendOverwritesRegistry(t *testing.T, l *logengine.Log) {
	ref1, err := l.Append(1, []byte("k"), []byte("v1"))
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	ref2, err := l.Append(1, []byte("k"), []byte("v2"))
	if err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	if ref1 == ref2 {
		t.Fatalf("expected the second append to produce a distinct reference")
	}

	current, ok := l.Registry().Lookup(1, []byte("k"))
	if !ok || current != ref2 {
		t.Fatalf("expected registry to resolve to the latest reference %+v, got %+v ok=%v", ref2, current, ok)
	}
	if l.Liveness(segment.EntryObject, ref1, mustPayload(t, l, ref1)) {
		t.Fatalf("expected the superseded reference to be dead")
	}
	if !l.Liveness(segment.EntryObject, ref2, mustPayload(t, l, ref2)) {
		t.Fatalf("expected the current reference to be live")
	}
}

func testTombstoneLiveness(t *testing.T, l *logengine.Log) {
	objRef, err := l.Append(1, []byte("k"), []byte("v"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	tsRef, err := l.AppendTombstone(1, []byte("k"), objRef.SegmentId, 0)
	if err != nil {
		t.Fatalf("append tombstone failed: %v", err)
	}

	_, payload, err := l.Read(tsRef)
	if err != nil {
		t.Fatalf("read tombstone failed: %v", err)
	}
	if !l.Liveness(segment.EntryTombstone, tsRef, payload) {
		t.Fatalf("expected tombstone to be live while its protected segment still exists")
	}
}

func testDoubleFreeIsFatal(t *testing.T, l *logengine.Log) {
	ref, err := l.Append(1, []byte("k"), []byte("v"))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := l.Free(ref); err != nil {
		t.Fatalf("first free failed: %v", err)
	}
	if err := l.Free(ref); err == nil {
		t.Fatalf("expected the second free of the same reference to fail")
	}
}

func testHeadRolloverKeepsOldEntriesReadable(t *testing.T, l *logengine.Log) {
	firstHead := l.Manager().Head()

	var firstRef segment.Reference
	for i := 0; i < 2000; i++ {
		key := []byte(fmt.Sprintf("key-%d", i))
		ref, err := l.Append(1, key, []byte("0123456789"))
		if err != nil {
			break
		}
		if i == 0 {
			firstRef = ref
		}
		if l.Manager().Head() != firstHead {
			break
		}
	}

	if l.Manager().Head() == firstHead {
		t.Skip("head never rolled over for this segment configuration; nothing to verify")
	}

	if _, _, err := l.Read(firstRef); err != nil {
		t.Fatalf("expected the first entry to remain readable after rollover: %v", err)
	}
}

func testConcurrentAppendsAreAllReadable(t *testing.T, l *logengine.Log) {
	const writers = 8
	const perWriter = 200

	refs := make([][]segment.Reference, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			local := make([]segment.Reference, perWriter)
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("w%d-%d", w, i))
				ref, err := l.Append(1, key, []byte("value"))
				if err != nil {
					t.Errorf("writer %d append %d failed: %v", w, i, err)
					return
				}
				local[i] = ref
			}
			refs[w] = local
		}(w)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			if refs[w] == nil {
				continue
			}
			if _, _, err := l.Read(refs[w][i]); err != nil {
				t.Errorf("writer %d entry %d not readable: %v", w, i, err)
			}
		}
	}
}

func mustPayload(t *testing.T, l *logengine.Log, ref segment.Reference) []byte {
	t.Helper()
	_, payload, err := l.Read(ref)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return payload
}
