//go:build linux
// +build linux

package daemon

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func encodeResult(code int32) []byte {
	var buf [resultSize]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(code))
	return buf[:]
}

func TestParentWait_Success(t *testing.T) {
	var diag bytes.Buffer
	code := parentWait(bytes.NewReader(encodeResult(0)), &diag)
	require.Equal(t, 0, code)
	require.Empty(t, diag.String())
}

func TestParentWait_Failure(t *testing.T) {
	var diag bytes.Buffer
	code := parentWait(bytes.NewReader(encodeResult(69)), &diag)
	require.Equal(t, 69, code)
	require.Contains(t, diag.String(), "status 69")
}

func TestParentWait_ChildDied(t *testing.T) {
	// EOF with no data at all models a child that exited before reporting.
	var diag bytes.Buffer
	code := parentWait(strings.NewReader(""), &diag)
	require.Equal(t, ExitProtocol, code)
	require.Contains(t, diag.String(), "died without reporting")
}

func TestParentWait_ShortRead(t *testing.T) {
	var diag bytes.Buffer
	code := parentWait(bytes.NewReader([]byte{0x01, 0x02}), &diag)
	require.Equal(t, ExitProtocol, code)
	require.Contains(t, diag.String(), "short startup report")
}

func TestParentWait_OutOfRange(t *testing.T) {
	var diag bytes.Buffer
	code := parentWait(bytes.NewReader(encodeResult(-7)), &diag)
	require.Equal(t, ExitProtocol, code)
}

func newTestHandshake(t *testing.T) (*Handshake, *os.File) {
	t.Helper()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })

	return &Handshake{log: log.NewNopLogger(), w: w}, r
}

func TestReport_WriteOnce(t *testing.T) {
	hs, r := newTestHandshake(t)

	require.NoError(t, hs.Report(42))
	require.NoError(t, hs.Report(7), "second report must be a no-op")
	require.NoError(t, hs.Report(0), "third report must be a no-op")

	// Exactly one result crossed the pipe; the write end is already closed
	// so the read side sees EOF right after it.
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, encodeResult(42), got)
}

func TestReport_SuccessDetaches(t *testing.T) {
	var detached bool
	restore := detachProcess
	detachProcess = func() error { detached = true; return nil }
	defer func() { detachProcess = restore }()

	hs, r := newTestHandshake(t)
	require.NoError(t, hs.Report(0))
	require.True(t, detached)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, encodeResult(0), got)
}

func TestReport_FailureKeepsStreams(t *testing.T) {
	restore := detachProcess
	detachProcess = func() error {
		t.Fatal("must not detach on a failure report")
		return nil
	}
	defer func() { detachProcess = restore }()

	hs, _ := newTestHandshake(t)
	require.NoError(t, hs.Report(5))
}

func TestReport_NilHandshake(t *testing.T) {
	var hs *Handshake
	require.NoError(t, hs.Report(0))
	require.NoError(t, hs.Report(1))
}

func TestParentWaitThenReport_EndToEnd(t *testing.T) {
	hs, r := newTestHandshake(t)

	done := make(chan int, 1)
	go func() {
		var diag bytes.Buffer
		done <- parentWait(r, &diag)
	}()

	require.NoError(t, hs.Report(17))
	require.Equal(t, 17, <-done)
}
