// Package key implements the identity of a stored object: a 64-bit table
// identifier plus a variable-length binary string key, and the stable
// 64-bit fingerprint used to shard and prefilter it.
package key

import "bytes"

// Key identifies an object or tombstone: the table it lives in plus its
// binary string key. Key does not own its byte slice; callers that need
// to retain a Key past the lifetime of the buffer it was extracted from
// must copy StringKey themselves.
type Key struct {
	TableId   uint64
	StringKey []byte
}

// Hash returns the stable 64-bit fingerprint for a (tableId, key) pair.
//
// The 32-bit seed is the low 32 bits of tableId; the fingerprint is the
// first 64 bits of a 128-bit MurmurHash3 x64 hash of the key bytes with
// that seed. The seed and truncation are fixed so that a fingerprint
// computed by one implementation matches one computed by another given
// the same (tableId, key) — required for persisted hashes to remain
// valid across implementations.
func Hash(tableId uint64, stringKey []byte) uint64 {
	seed := uint32(tableId)
	h1, _ := murmurHash3x64128(stringKey, seed)
	return h1
}

// Hash returns the fingerprint of this key. It is recomputed on every
// call; callers on a hot path should cache it themselves if needed more
// than once (mirrors the "equality short-circuits by fingerprint first"
// requirement without baking memoization into the type).
func (k Key) Hash() uint64 {
	return Hash(k.TableId, k.StringKey)
}

// Equal compares two keys for equality, short-circuiting by fingerprint,
// then table identifier, then key length before falling back to a byte
// comparison. This ordering matches the cost profile of a hash-table
// lookup: the fingerprint and length checks are expected to reject the
// overwhelming majority of non-matches before touching key bytes.
func Equal(a, b Key, aHash, bHash uint64) bool {
	if aHash != bHash {
		return false
	}
	if a.TableId != b.TableId {
		return false
	}
	if len(a.StringKey) != len(b.StringKey) {
		return false
	}
	return bytes.Equal(a.StringKey, b.StringKey)
}
