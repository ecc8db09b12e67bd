package fuse

import (
	"errors"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// MaxWrite is the largest write payload accepted from the kernel. Linux caps
// this at 128kB.
const MaxWrite = 128 * 1024

var bufSize = syscall.Getpagesize() + MaxWrite

// Conn is a connection to the kernel for one mounted filesystem. Reads and
// writes may be issued concurrently; each Recv returns a message backed by
// its own buffer, owned exclusively by the caller.
type Conn struct {
	log log.Logger
	f   *os.File

	closed  atomic.Bool
	onClose func()

	rmut, wmut sync.Mutex
}

// Recv blocks until the next request arrives from the kernel. It returns
// io.EOF once the filesystem has been unmounted.
func (c *Conn) Recv() (*Message, error) {
	buf := make([]byte, bufSize)

	c.rmut.Lock()
	n, err := syscall.Read(int(c.f.Fd()), buf)
	c.rmut.Unlock()

	switch {
	case errors.Is(err, syscall.ENODEV):
		// The kernel returns ENODEV once the mount is gone.
		return nil, io.EOF
	case errors.Is(err, syscall.EINTR):
		return c.Recv()
	case err != nil:
		if c.closed.Load() {
			return nil, io.EOF
		}
		return nil, err
	case n <= 0:
		level.Debug(c.log).Log("msg", "read no data from kernel")
		return nil, io.EOF
	}

	return parseMessage(buf[:n])
}

// Reply sends a response for unique. errno is zero for success or a negated
// POSIX error; data carries the opcode-specific response body, if any.
func (c *Conn) Reply(unique uint64, errno int32, data []byte) error {
	buf := encodeReply(unique, errno, data)

	c.wmut.Lock()
	defer c.wmut.Unlock()
	_, err := c.f.Write(buf)
	if err != nil && c.closed.Load() {
		return nil
	}
	return err
}

// Close tears the connection down and unmounts the filesystem. Close is
// idempotent.
func (c *Conn) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}
	err := c.f.Close()
	if c.onClose != nil {
		c.onClose()
	}
	return err
}
