package segment

import (
	"bytes"
	"testing"

	"github.com/ramlog-io/ramlog/lib/logengine/seglet"
)

func newTestAllocator(segletSize, n int) *seglet.Allocator {
	return seglet.New(segletSize, n)
}

func TestAppendReadRoundTrip(t *testing.T) {
	alloc := newTestAllocator(8*1024, 8)
	s, err := New(1, 8*1024, 8, alloc.OrdinarySource(), 0)
	if err != nil {
		t.Fatalf("unexpected error creating segment: %v", err)
	}

	obj := ObjectPayload{TableId: 7, Key: []byte("k"), Value: []byte("v")}
	ref, ok, err := s.Append(EntryObject, obj.Encode())
	if err != nil || !ok {
		t.Fatalf("append failed: ok=%v err=%v", ok, err)
	}

	typ, payload, ok := s.GetEntry(ref.Offset)
	if !ok {
		t.Fatalf("expected to resolve entry at offset %d", ref.Offset)
	}
	if typ != EntryObject {
		t.Fatalf("expected EntryObject, got %v", typ)
	}
	got := DecodeObjectPayload(payload)
	if !bytes.Equal(got.Key, obj.Key) || !bytes.Equal(got.Value, obj.Value) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, obj)
	}
}

func TestIterateOrderAndStopsAtFooter(t *testing.T) {
	alloc := newTestAllocator(8*1024, 8)
	s, _ := New(1, 8*1024, 8, alloc.OrdinarySource(), 0)

	obj1 := ObjectPayload{TableId: 1, Key: []byte("a"), Value: []byte("1")}
	obj2 := ObjectPayload{TableId: 1, Key: []byte("b"), Value: []byte("2")}
	s.Append(EntryObject, obj1.Encode())
	s.Append(EntryObject, obj2.Encode())
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	var seen []EntryType
	s.Iterate(func(typ EntryType, offset uint32, payload []byte) bool {
		seen = append(seen, typ)
		return true
	})

	want := []EntryType{EntrySegmentHeader, EntryObject, EntryObject, EntrySegmentFooter}
	if len(seen) != len(want) {
		t.Fatalf("expected %d entries, got %d: %v", len(want), len(seen), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("entry %d: expected %v, got %v", i, want[i], seen[i])
		}
	}
}

func TestAppendExactlyFitsRemainingCapacity(t *testing.T) {
	segletSize := 64
	alloc := newTestAllocator(segletSize, 1)
	s, _ := New(1, segletSize, 1, alloc.OrdinarySource(), 0)

	used := int(s.AppendedBytes())
	footerLen := entryHeaderLen + len(FooterPayload{}.Encode())
	remaining := s.Capacity() - used - footerLen - entryHeaderLen
	payload := bytes.Repeat([]byte{0xAB}, remaining)

	_, ok, err := s.Append(EntryObject, payload)
	if err != nil || !ok {
		t.Fatalf("expected exact-fit append to succeed: ok=%v err=%v", ok, err)
	}

	_, ok, err = s.Append(EntryObject, []byte{1})
	if err != nil {
		t.Fatalf("unexpected error on over-capacity append: %v", err)
	}
	if ok {
		t.Fatalf("expected NO_SPACE once capacity is exhausted")
	}
}

func TestAppendLargerThanCapacityIsPermanentlyRejected(t *testing.T) {
	segletSize := 64
	alloc := newTestAllocator(segletSize, 1)
	s, _ := New(1, segletSize, 1, alloc.OrdinarySource(), 0)

	tooBig := bytes.Repeat([]byte{0x1}, segletSize*2)
	_, ok, err := s.Append(EntryObject, tooBig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected oversized append to be rejected")
	}
}

func TestEntrySpanningSegletBoundary(t *testing.T) {
	segletSize := 32
	alloc := newTestAllocator(segletSize, 4)
	s, _ := New(1, segletSize, 4, alloc.OrdinarySource(), 0)

	// pad up close to a seglet boundary, then write an entry that must
	// straddle it.
	pad := bytes.Repeat([]byte{0x7}, 10)
	s.Append(EntryObject, pad)

	spanning := bytes.Repeat([]byte{0x9}, 40)
	ref, ok, err := s.Append(EntryObject, spanning)
	if err != nil || !ok {
		t.Fatalf("expected spanning append to succeed: ok=%v err=%v", ok, err)
	}

	_, got, ok := s.GetEntry(ref.Offset)
	if !ok || !bytes.Equal(got, spanning) {
		t.Fatalf("spanning entry round trip failed")
	}
	if s.AllocatedSeglets() < 2 {
		t.Fatalf("expected the spanning write to have leased a second seglet")
	}
}

func TestFreeUnusedSeglets(t *testing.T) {
	segletSize := 64
	alloc := newTestAllocator(segletSize, 4)
	s, _ := New(1, segletSize, 4, alloc.OrdinarySource(), 0)

	if err := s.PreGrow(3); err != nil {
		t.Fatalf("pregrow failed: %v", err)
	}
	if got := s.AllocatedSeglets(); got != 4 {
		t.Fatalf("expected 4 allocated seglets (1 from header + 3 pregrown), got %d", got)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	inUse := s.SegletsInUse()
	slack := s.AllocatedSeglets() - inUse
	if slack == 0 {
		t.Fatalf("expected some slack after pregrowing beyond what was written")
	}
	if err := s.FreeUnusedSeglets(slack); err != nil {
		t.Fatalf("FreeUnusedSeglets failed: %v", err)
	}
	if got := s.AllocatedSeglets(); got != inUse {
		t.Fatalf("expected %d allocated seglets after trim, got %d", inUse, got)
	}
}

func TestFreeUnusedSegletsRejectsTooMany(t *testing.T) {
	alloc := newTestAllocator(64, 2)
	s, _ := New(1, 64, 2, alloc.OrdinarySource(), 0)
	s.Close()

	if err := s.FreeUnusedSeglets(100); err == nil {
		t.Fatalf("expected fatal error when freeing more seglets than are unused")
	}
}

func TestChecksumCoversHeaderThroughFooter(t *testing.T) {
	alloc := newTestAllocator(8*1024, 4)
	s, _ := New(1, 8*1024, 4, alloc.OrdinarySource(), 0)
	obj := ObjectPayload{TableId: 1, Key: []byte("k"), Value: []byte("v")}
	s.Append(EntryObject, obj.Encode())
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if s.Checksum == 0 {
		t.Fatalf("expected a nonzero checksum")
	}
}

func TestLiveBytesTracksAppendAndFree(t *testing.T) {
	alloc := newTestAllocator(8*1024, 4)
	s, _ := New(1, 8*1024, 4, alloc.OrdinarySource(), 0)

	obj := ObjectPayload{TableId: 1, Key: []byte("k"), Value: []byte("v")}
	before := s.LiveBytes()
	_, _, _ = s.Append(EntryObject, obj.Encode())
	after := s.LiveBytes()
	if after <= before {
		t.Fatalf("expected liveBytes to increase on append")
	}

	s.AddLiveBytes(-(after - before))
	if s.LiveBytes() != before {
		t.Fatalf("expected liveBytes to return to baseline after matching free")
	}
}
