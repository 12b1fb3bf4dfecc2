package key

import "testing"

func TestHashStable(t *testing.T) {
	h1 := Hash(7, []byte("k"))
	h2 := Hash(7, []byte("k"))
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %x and %x", h1, h2)
	}
}

func TestHashDiffersByTable(t *testing.T) {
	h1 := Hash(7, []byte("k"))
	h2 := Hash(8, []byte("k"))
	if h1 == h2 {
		t.Fatalf("expected different hashes for different tables, both %x", h1)
	}
}

func TestHashDiffersByKey(t *testing.T) {
	h1 := Hash(7, []byte("k"))
	h2 := Hash(7, []byte("j"))
	if h1 == h2 {
		t.Fatalf("expected different hashes for different keys, both %x", h1)
	}
}

func TestHashEmptyKey(t *testing.T) {
	// must not panic on a zero-length key
	_ = Hash(7, nil)
	_ = Hash(7, []byte{})
}

func TestEqual(t *testing.T) {
	a := Key{TableId: 7, StringKey: []byte("abc")}
	b := Key{TableId: 7, StringKey: []byte("abc")}
	c := Key{TableId: 7, StringKey: []byte("abd")}

	if !Equal(a, b, a.Hash(), b.Hash()) {
		t.Fatalf("expected a == b")
	}
	if Equal(a, c, a.Hash(), c.Hash()) {
		t.Fatalf("expected a != c")
	}
}

func TestEqualDifferentTables(t *testing.T) {
	a := Key{TableId: 7, StringKey: []byte("abc")}
	b := Key{TableId: 9, StringKey: []byte("abc")}
	if Equal(a, b, a.Hash(), b.Hash()) {
		t.Fatalf("expected keys in different tables to differ")
	}
}

func TestMurmurKnownLengths(t *testing.T) {
	// exercise every tail-length branch (lengths 0..32, two full blocks)
	// without panicking and confirm h1 changes from each length to the next.
	var prev uint64
	for n := 0; n <= 32; n++ {
		buf := make([]byte, n)
		for i := range buf {
			buf[i] = byte(i + 1)
		}
		h1, h2 := murmurHash3x64128(buf, 42)
		if n > 0 && h1 == 0 && h2 == 0 {
			t.Fatalf("suspicious all-zero hash for length %d", n)
		}
		if n > 0 && h1 == prev {
			t.Fatalf("hash did not change between length %d and %d", n-1, n)
		}
		prev = h1
	}
}
