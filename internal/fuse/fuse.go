// Package fuse provides the kernel-facing mount plumbing: mounting a
// directory through fusermount and exchanging raw protocol messages with the
// kernel over the resulting /dev/fuse descriptor. Interpreting request
// payloads beyond the common header is left to the caller; messages travel
// through this package as opaque bytes.
package fuse

import (
	"encoding/binary"
	"fmt"
)

// Opcodes this daemon needs to recognize for session management. The values
// are fixed by the kernel protocol.
const (
	OpLookup    uint32 = 1
	OpGetattr   uint32 = 3
	OpOpen      uint32 = 14
	OpRead      uint32 = 15
	OpWrite     uint32 = 16
	OpStatfs    uint32 = 17
	OpRelease   uint32 = 18
	OpFlush     uint32 = 25
	OpInit      uint32 = 26
	OpOpendir   uint32 = 27
	OpReaddir   uint32 = 28
	OpDestroy   uint32 = 38
)

// inHeaderSize is the size of the request header preceding every message
// from the kernel.
const inHeaderSize = 40

// outHeaderSize is the size of the response header.
const outHeaderSize = 16

// Message is one request read from the kernel. Payload holds the raw bytes
// following the header and is owned exclusively by the receiver.
type Message struct {
	Op     uint32
	Unique uint64
	Node   uint64
	UID    uint32
	GID    uint32
	PID    uint32

	Payload []byte
}

// parseMessage decodes a full kernel request from buf.
func parseMessage(buf []byte) (*Message, error) {
	if len(buf) < inHeaderSize {
		return nil, fmt.Errorf("fuse: truncated request header (%d bytes)", len(buf))
	}
	msgLen := binary.LittleEndian.Uint32(buf[0:4])
	if int(msgLen) != len(buf) {
		return nil, fmt.Errorf("fuse: header length %d does not match message %d", msgLen, len(buf))
	}

	return &Message{
		Op:      binary.LittleEndian.Uint32(buf[4:8]),
		Unique:  binary.LittleEndian.Uint64(buf[8:16]),
		Node:    binary.LittleEndian.Uint64(buf[16:24]),
		UID:     binary.LittleEndian.Uint32(buf[24:28]),
		GID:     binary.LittleEndian.Uint32(buf[28:32]),
		PID:     binary.LittleEndian.Uint32(buf[32:36]),
		Payload: buf[inHeaderSize:],
	}, nil
}

// encodeReply frames a response for unique with the given errno and data.
// errno follows the FUSE convention of negated POSIX values, or zero on
// success.
func encodeReply(unique uint64, errno int32, data []byte) []byte {
	buf := make([]byte, outHeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(errno))
	binary.LittleEndian.PutUint64(buf[8:16], unique)
	copy(buf[outHeaderSize:], data)
	return buf
}
