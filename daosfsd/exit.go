//go:build linux
// +build linux

package daosfsd

import (
	"github.com/rogue-developer/daosfs/internal/daemon"
	"github.com/rogue-developer/daosfs/internal/fault"
	"github.com/rogue-developer/daosfs/internal/stor"
)

// exitBase offsets errno-derived exit codes so they never collide with the
// conventional small codes (1 for generic failure, 2 for a broken startup
// handshake).
const exitBase = 64

// ExitCode maps a Run error to a process exit code. The code reaches the
// parent either directly (foreground) or across the startup handshake
// (background), so it must always fit in a byte.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch fault.KindOf(err) {
	case fault.KindProtocol:
		return daemon.ExitProtocol
	case fault.KindConfig, fault.KindResolution:
		return exitBase + stor.ErrnoInvalid
	}
	code := exitBase + stor.Errno(err)
	if code > 255 {
		code = 255
	}
	return code
}
