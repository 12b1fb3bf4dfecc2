package segment

import "encoding/binary"

// EntryType identifies the kind of payload following an entry header.
type EntryType uint8

const (
	EntryObject EntryType = iota
	EntryTombstone
	EntrySegmentHeader
	EntrySegmentFooter

	entryTypeCount
)

func (t EntryType) String() string {
	switch t {
	case EntryObject:
		return "OBJECT"
	case EntryTombstone:
		return "TOMBSTONE"
	case EntrySegmentHeader:
		return "SEGMENT_HEADER"
	case EntrySegmentFooter:
		return "SEGMENT_FOOTER"
	default:
		return "UNKNOWN"
	}
}

// entryHeaderLen is the fixed size, in bytes, of an entry header:
// type (1 byte) + length (4 bytes, little-endian).
const entryHeaderLen = 5

func putEntryHeader(buf []byte, t EntryType, length uint32) {
	buf[0] = byte(t)
	binary.LittleEndian.PutUint32(buf[1:5], length)
}

func getEntryHeader(buf []byte) (EntryType, uint32) {
	return EntryType(buf[0]), binary.LittleEndian.Uint32(buf[1:5])
}

// Reference is an opaque handle to a single entry inside a segment. It
// remains valid across relocation: the cleaner retargets the external
// key registry to a new Reference before the segment holding the old
// one is ever freed (see the registry package).
type Reference struct {
	SegmentId uint64
	Offset    uint32
}

// IsZero reports whether r is the zero Reference, used as a sentinel
// for "no reference" in registry lookups.
func (r Reference) IsZero() bool {
	return r.SegmentId == 0 && r.Offset == 0
}

// ObjectPayload is the decoded form of an EntryObject entry's payload.
type ObjectPayload struct {
	TableId uint64
	Key     []byte
	Value   []byte
}

// Encode serializes the object payload as
// (tableId uint64, keyLen uint16, key, value).
func (p ObjectPayload) Encode() []byte {
	buf := make([]byte, 8+2+len(p.Key)+len(p.Value))
	binary.LittleEndian.PutUint64(buf[0:8], p.TableId)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(p.Key)))
	copy(buf[10:10+len(p.Key)], p.Key)
	copy(buf[10+len(p.Key):], p.Value)
	return buf
}

// DecodeObjectPayload parses the payload of an EntryObject entry.
func DecodeObjectPayload(b []byte) ObjectPayload {
	tableId := binary.LittleEndian.Uint64(b[0:8])
	keyLen := binary.LittleEndian.Uint16(b[8:10])
	key := b[10 : 10+int(keyLen)]
	value := b[10+int(keyLen):]
	return ObjectPayload{TableId: tableId, Key: key, Value: value}
}

// TombstonePayload is the decoded form of an EntryTombstone entry's
// payload: it asserts that a prior OBJECT for (tableId, key) in
// DeadSegment is dead as of Timestamp.
type TombstonePayload struct {
	TableId     uint64
	Key         []byte
	DeadSegment uint64
	Timestamp   uint32
}

// Encode serializes the tombstone payload as
// (tableId uint64, keyLen uint16, key, segmentId uint64, timestamp uint32).
func (p TombstonePayload) Encode() []byte {
	buf := make([]byte, 8+2+len(p.Key)+8+4)
	binary.LittleEndian.PutUint64(buf[0:8], p.TableId)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(p.Key)))
	off := 10
	copy(buf[off:off+len(p.Key)], p.Key)
	off += len(p.Key)
	binary.LittleEndian.PutUint64(buf[off:off+8], p.DeadSegment)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], p.Timestamp)
	return buf
}

// DecodeTombstonePayload parses the payload of an EntryTombstone entry.
func DecodeTombstonePayload(b []byte) TombstonePayload {
	tableId := binary.LittleEndian.Uint64(b[0:8])
	keyLen := binary.LittleEndian.Uint16(b[8:10])
	off := 10
	key := b[off : off+int(keyLen)]
	off += int(keyLen)
	deadSegment := binary.LittleEndian.Uint64(b[off : off+8])
	off += 8
	timestamp := binary.LittleEndian.Uint32(b[off : off+4])
	return TombstonePayload{TableId: tableId, Key: key, DeadSegment: deadSegment, Timestamp: timestamp}
}

// HeaderPayload is the decoded form of a SEGMENT_HEADER entry.
type HeaderPayload struct {
	SegmentId        uint64
	CreationTimeUnix uint32
	SegmentSize      uint32
}

func (p HeaderPayload) Encode() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], p.SegmentId)
	binary.LittleEndian.PutUint32(buf[8:12], p.CreationTimeUnix)
	binary.LittleEndian.PutUint32(buf[12:16], p.SegmentSize)
	return buf
}

func DecodeHeaderPayload(b []byte) HeaderPayload {
	return HeaderPayload{
		SegmentId:        binary.LittleEndian.Uint64(b[0:8]),
		CreationTimeUnix: binary.LittleEndian.Uint32(b[8:12]),
		SegmentSize:      binary.LittleEndian.Uint32(b[12:16]),
	}
}

// FooterPayload is the decoded form of a SEGMENT_FOOTER entry: the
// checksum of every byte from the start of the header through the
// start of the footer.
type FooterPayload struct {
	Checksum uint64
}

func (p FooterPayload) Encode() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, p.Checksum)
	return buf
}

func DecodeFooterPayload(b []byte) FooterPayload {
	return FooterPayload{Checksum: binary.LittleEndian.Uint64(b)}
}
