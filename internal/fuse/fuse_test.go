package fuse

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func kernelRequest(op uint32, unique, node uint64, payload []byte) []byte {
	buf := make([]byte, inHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:8], op)
	binary.LittleEndian.PutUint64(buf[8:16], unique)
	binary.LittleEndian.PutUint64(buf[16:24], node)
	binary.LittleEndian.PutUint32(buf[24:28], 1000) // uid
	binary.LittleEndian.PutUint32(buf[28:32], 1000) // gid
	binary.LittleEndian.PutUint32(buf[32:36], 4242) // pid
	copy(buf[inHeaderSize:], payload)
	return buf
}

func TestParseMessage(t *testing.T) {
	msg, err := parseMessage(kernelRequest(OpGetattr, 7, 1, []byte{0xaa, 0xbb}))
	require.NoError(t, err)

	require.Equal(t, OpGetattr, msg.Op)
	require.Equal(t, uint64(7), msg.Unique)
	require.Equal(t, uint64(1), msg.Node)
	require.Equal(t, uint32(1000), msg.UID)
	require.Equal(t, uint32(1000), msg.GID)
	require.Equal(t, uint32(4242), msg.PID)
	require.Equal(t, []byte{0xaa, 0xbb}, msg.Payload)
}

func TestParseMessage_Truncated(t *testing.T) {
	_, err := parseMessage(make([]byte, inHeaderSize-1))
	require.Error(t, err)
}

func TestParseMessage_LengthMismatch(t *testing.T) {
	buf := kernelRequest(OpLookup, 1, 1, nil)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)+8))
	_, err := parseMessage(buf)
	require.Error(t, err)
}

func TestEncodeReply(t *testing.T) {
	buf := encodeReply(9, -2, []byte{0x01})

	require.Len(t, buf, outHeaderSize+1)
	require.Equal(t, uint32(len(buf)), binary.LittleEndian.Uint32(buf[0:4]))
	require.Equal(t, int32(-2), int32(binary.LittleEndian.Uint32(buf[4:8])))
	require.Equal(t, uint64(9), binary.LittleEndian.Uint64(buf[8:16]))
	require.Equal(t, byte(0x01), buf[outHeaderSize])
}
