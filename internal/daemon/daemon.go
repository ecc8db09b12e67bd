//go:build linux
// +build linux

// Package daemon implements the background handshake: the foreground process
// re-executes itself with a pipe attached, then blocks until the background
// child reports its startup result over the pipe. The child keeps the
// terminal's stderr until it reports success, so every startup failure stays
// visible to the invoking shell even though it happens in the child.
//
// Re-execution stands in for fork(): the Go runtime cannot survive a bare
// fork, and pipe EOF already distinguishes a child that died before
// reporting, so no child-death signal handling is needed.
package daemon

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// handshakeEnv marks the re-executed child. The pipe's write end is always
// file descriptor 3, the first ExtraFiles slot.
const handshakeEnv = "_DAOSFS_HANDSHAKE"

// resultSize is the wire size of a startup report.
const resultSize = 4

// ExitProtocol is the exit code for a malformed or missing handshake.
const ExitProtocol = 2

// Handshake is the child's write-once channel back to the waiting parent.
// A nil *Handshake is safe to use; Report becomes a no-op, which is what a
// foreground process wants.
type Handshake struct {
	log  log.Logger
	w    *os.File
	used atomic.Bool
}

// Daemonize splits the process in two. In the parent it never returns: it
// blocks on the handshake pipe and exits with the code the child reports,
// or ExitProtocol if the child dies first. In the child it returns the
// Handshake the child must use to report its startup result exactly once.
func Daemonize(l log.Logger) (*Handshake, error) {
	if os.Getenv(handshakeEnv) != "" {
		os.Unsetenv(handshakeEnv)
		w := os.NewFile(3, "handshake")
		if w == nil {
			return nil, fmt.Errorf("handshake descriptor missing in background child")
		}
		return &Handshake{log: l, w: w}, nil
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating handshake pipe: %w", err)
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable for re-exec: %w", err)
	}

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), handshakeEnv+"=1")
	cmd.ExtraFiles = []*os.File{w}
	// The child keeps the terminal until it reports success, at which point
	// it redirects its own streams to the null device.
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("starting background child: %w", err)
	}
	w.Close()

	level.Debug(l).Log("msg", "waiting on background child", "pid", cmd.Process.Pid)
	os.Exit(parentWait(r, os.Stdout))
	panic("unreachable")
}

// parentWait blocks on the read side until the child reports or dies.
// Exactly one of three things happens: a full result arrives and its value
// becomes the exit code; EOF arrives with no data because the child died
// without reporting; or a short read arrives, which is a protocol violation.
func parentWait(r io.Reader, diag io.Writer) int {
	var buf [resultSize]byte
	n, err := io.ReadFull(r, buf[:])
	switch {
	case n == 0:
		fmt.Fprintf(diag, "startup process died without reporting a status\n")
		return ExitProtocol
	case err != nil:
		fmt.Fprintf(diag, "short startup report (%d bytes)\n", n)
		return ExitProtocol
	}

	code := int(int32(binary.LittleEndian.Uint32(buf[:])))
	if code < 0 || code > 255 {
		fmt.Fprintf(diag, "startup failed with out-of-range status %d\n", code)
		return ExitProtocol
	}
	if code != 0 {
		fmt.Fprintf(diag, "startup failed with status %d\n", code)
	}
	return code
}

// Report sends the startup result to the waiting parent. The first call
// performs exactly one write and closes the pipe; later calls are no-ops,
// as are all calls on a nil Handshake. On success (code zero) the
// child also detaches from the terminal.
func (h *Handshake) Report(code int) error {
	if h == nil || !h.used.CAS(false, true) {
		return nil
	}

	level.Info(h.log).Log("msg", "reporting startup result", "code", code)

	var buf [resultSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(int32(code)))
	_, werr := h.w.Write(buf[:])
	cerr := h.w.Close()
	h.w = nil

	if werr != nil {
		return fmt.Errorf("writing startup report: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("closing handshake: %w", cerr)
	}

	// Keep stderr attached on failure so the error that follows is visible.
	if code != 0 {
		return nil
	}
	return detachProcess()
}

// detachProcess is swapped out by tests; detaching would otherwise steal the
// test binary's standard streams.
var detachProcess = detach

// detach finishes backgrounding: the working directory moves to the root and
// the standard streams are pointed at the null device.
func detach() error {
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("changing directory to /: %w", err)
	}

	null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer null.Close()

	for _, fd := range []int{0, 1, 2} {
		if err := syscall.Dup3(int(null.Fd()), fd, 0); err != nil {
			return fmt.Errorf("redirecting fd %d: %w", fd, err)
		}
	}
	return nil
}

// InChild reports whether the current process is a re-executed background
// child that has not yet claimed its handshake.
func InChild() bool {
	return os.Getenv(handshakeEnv) != ""
}
