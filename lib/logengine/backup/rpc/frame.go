package rpc

import (
	"encoding/binary"
	"io"
	"net"
)

// writeFrame writes one request/response frame:
//   - 8 bytes: requestID (uint64, big endian), used to match a
//     response back to its waiting caller on a single shared
//     connection.
//   - 4 bytes: payload length (uint32, big endian)
//   - N bytes: serialized Message
//
// Adapted from the teacher's transport/base frame format, with the
// shardID field dropped: a backup link connection talks to exactly
// one backup, there is nothing to route.
func writeFrame(conn net.Conn, requestID uint64, payload []byte) error {
	header := make([]byte, 12)
	binary.BigEndian.PutUint64(header[:8], requestID)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(payload)))

	b := net.Buffers{header, payload}
	_, err := b.WriteTo(conn)
	return err
}

func readFrame(conn net.Conn, buf []byte) (requestID uint64, payload []byte, err error) {
	if buf == nil || len(buf) < 12 {
		buf = make([]byte, 12)
	}
	if _, err = io.ReadFull(conn, buf[:12]); err != nil {
		return 0, nil, err
	}
	requestID = binary.BigEndian.Uint64(buf[:8])
	length := binary.BigEndian.Uint32(buf[8:12])

	if length == 0 {
		return requestID, []byte{}, nil
	}
	if len(buf) < int(length) {
		buf = make([]byte, length)
	}
	if _, err = io.ReadFull(conn, buf[:length]); err != nil {
		return 0, nil, err
	}
	return requestID, buf[:length], nil
}
