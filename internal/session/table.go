package session

import (
	"context"
	"encoding/binary"

	"github.com/rogue-developer/daosfs/internal/fuse"
)

// errnoUnimplemented is -ENOSYS, the reply for operations a table does not
// handle.
const errnoUnimplemented int32 = -38

// HandlerFunc processes one request and returns the raw response body plus
// an errno (zero for success, negated POSIX value otherwise).
type HandlerFunc func(ctx context.Context, msg *fuse.Message) ([]byte, int32)

// Table maps opcodes to handlers. A mount serving a single container uses a
// different table than one spanning all pools, so the table a session is
// built with decides what the mount exposes.
type Table struct {
	name     string
	handlers map[uint32]HandlerFunc
}

// NewTable creates an empty table. name appears in logs and lets callers
// tell tables apart.
func NewTable(name string) *Table {
	return &Table{name: name, handlers: make(map[uint32]HandlerFunc)}
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

// Handle registers fn for op, replacing any previous handler.
func (t *Table) Handle(op uint32, fn HandlerFunc) {
	t.handlers[op] = fn
}

// Serve dispatches msg. Unhandled opcodes get -ENOSYS; the kernel stops
// sending an opcode once it has seen that reply.
func (t *Table) Serve(ctx context.Context, msg *fuse.Message) ([]byte, int32) {
	if fn, ok := t.handlers[msg.Op]; ok {
		return fn(ctx, msg)
	}
	return nil, errnoUnimplemented
}

// Protocol version implemented for the kernel handshake.
const (
	protoMajor = 7
	protoMinor = 31
)

// Optional protocol flags offered during the handshake.
const (
	flagAsyncRead      uint32 = 1 << 0
	flagAutoInvalData  uint32 = 1 << 12
	flagWritebackCache uint32 = 1 << 16
)

// InitFlags builds the handshake flag set from the caching configuration.
// Write-back caching only makes sense when caching is on at all.
func InitFlags(caching, writeback bool) uint32 {
	f := flagAsyncRead
	if caching {
		f |= flagAutoInvalData
		if writeback {
			f |= flagWritebackCache
		}
	}
	return f
}

// initReply negotiates the kernel handshake. The request payload starts with
// the kernel's major/minor version and requested readahead; the reply
// carries the version served, the readahead accepted, and the background
// request limits derived from the worker count.
func initReply(payload []byte, workers int, flags uint32) []byte {
	var (
		kernelMinor  uint32 = protoMinor
		maxReadahead uint32 = 128 * 1024
		kernelFlags  uint32
	)
	if len(payload) >= 12 {
		kernelMinor = binary.LittleEndian.Uint32(payload[4:8])
		maxReadahead = binary.LittleEndian.Uint32(payload[8:12])
	}
	if len(payload) >= 16 {
		kernelFlags = binary.LittleEndian.Uint32(payload[12:16])
	}

	minor := kernelMinor
	if minor > protoMinor {
		minor = protoMinor
	}

	background := workers
	if background < 1 {
		background = 1
	}

	out := make([]byte, 64)
	binary.LittleEndian.PutUint32(out[0:4], protoMajor)
	binary.LittleEndian.PutUint32(out[4:8], minor)
	binary.LittleEndian.PutUint32(out[8:12], maxReadahead)
	binary.LittleEndian.PutUint32(out[12:16], flags&kernelFlags)
	binary.LittleEndian.PutUint16(out[16:18], uint16(background))
	binary.LittleEndian.PutUint16(out[18:20], uint16(background*3/4))
	binary.LittleEndian.PutUint32(out[20:24], fuse.MaxWrite)
	binary.LittleEndian.PutUint32(out[24:28], 1) // nanosecond time granularity
	return out
}
