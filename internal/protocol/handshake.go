package protocol

import (
	"encoding/binary"
	"fmt"
)

// HandshakeSize is the size of the process identifier an island writes
// immediately after connecting, before any protocol record.
const HandshakeSize = 4

// EncodeHandshake encodes pid as a big-endian int32.
func EncodeHandshake(pid int) []byte {
	buf := make([]byte, HandshakeSize)
	binary.BigEndian.PutUint32(buf, uint32(int32(pid)))
	return buf
}

// DecodeHandshake is the inverse of EncodeHandshake.
func DecodeHandshake(buf []byte) (int, error) {
	if len(buf) != HandshakeSize {
		return 0, fmt.Errorf("protocol: handshake is %d bytes, want %d", len(buf), HandshakeSize)
	}
	return int(int32(binary.BigEndian.Uint32(buf))), nil
}
