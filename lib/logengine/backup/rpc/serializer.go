package rpc

import (
	"encoding/binary"
	"fmt"
)

// Bit flags marking which optional fields a Message carries, the same
// flag-byte trick the teacher's binarySerializerImpl uses to avoid
// writing empty length prefixes for absent fields.
const (
	hasToken byte = 1 << 0
	hasData  byte = 1 << 1
	hasErr   byte = 1 << 2
)

// serialize encodes msg into a compact binary form:
// 1 byte Op, 8 bytes SegmentId, 4 bytes Offset, 1 byte flags, then the
// variable-length fields the flags mark as present.
func serialize(msg *Message) []byte {
	size := 1 + 8 + 4 + 1
	if msg.Token != "" {
		size += 4 + len(msg.Token)
	}
	if msg.Data != nil {
		size += 4 + len(msg.Data)
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}

	buf := make([]byte, size)
	buf[0] = byte(msg.Op)
	binary.BigEndian.PutUint64(buf[1:9], msg.SegmentId)
	binary.BigEndian.PutUint32(buf[9:13], msg.Offset)
	pos := 14 // flags byte reserved at buf[13]

	var flags byte
	if msg.Token != "" {
		flags |= hasToken
		pos += putString(buf[pos:], msg.Token)
	}
	if msg.Data != nil {
		flags |= hasData
		pos += putBytes(buf[pos:], msg.Data)
	}
	if msg.Err != "" {
		flags |= hasErr
		pos += putString(buf[pos:], msg.Err)
	}
	buf[13] = flags
	return buf[:pos]
}

func deserialize(data []byte) (*Message, error) {
	if len(data) < 14 {
		return nil, fmt.Errorf("backup rpc: frame too short for header")
	}
	msg := &Message{
		Op:        Op(data[0]),
		SegmentId: binary.BigEndian.Uint64(data[1:9]),
		Offset:    binary.BigEndian.Uint32(data[9:13]),
	}
	flags := data[13]
	pos := 14

	if flags&hasToken != 0 {
		s, n, err := getString(data[pos:])
		if err != nil {
			return nil, err
		}
		msg.Token = s
		pos += n
	}
	if flags&hasData != 0 {
		b, n, err := getBytes(data[pos:])
		if err != nil {
			return nil, err
		}
		msg.Data = b
		pos += n
	}
	if flags&hasErr != 0 {
		s, n, err := getString(data[pos:])
		if err != nil {
			return nil, err
		}
		msg.Err = s
		pos += n
	}
	return msg, nil
}

func putString(buf []byte, s string) int {
	binary.BigEndian.PutUint32(buf[:4], uint32(len(s)))
	copy(buf[4:], s)
	return 4 + len(s)
}

func putBytes(buf []byte, b []byte) int {
	binary.BigEndian.PutUint32(buf[:4], uint32(len(b)))
	copy(buf[4:], b)
	return 4 + len(b)
}

func getString(data []byte) (string, int, error) {
	if len(data) < 4 {
		return "", 0, fmt.Errorf("backup rpc: frame too short for string length")
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+n {
		return "", 0, fmt.Errorf("backup rpc: frame too short for string data")
	}
	return string(data[4 : 4+n]), 4 + n, nil
}

func getBytes(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("backup rpc: frame too short for data length")
	}
	n := int(binary.BigEndian.Uint32(data[:4]))
	if len(data) < 4+n {
		return nil, 0, fmt.Errorf("backup rpc: frame too short for data")
	}
	out := make([]byte, n)
	copy(out, data[4:4+n])
	return out, 4 + n, nil
}
