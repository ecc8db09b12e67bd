// Package stor defines the seam between the mount orchestrator and the
// distributed storage system. The daemon consumes this interface; the agent
// subpackage implements it against the storage agent and the stortest
// subpackage provides an in-memory fake.
package stor

import (
	"context"
	"errors"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// Sentinel outcomes from attribute resolution. Callers distinguish a path
// that does not exist from one that exists but carries no embedded identity.
var (
	// ErrNotExist means the path does not exist.
	ErrNotExist = errors.New("no such path")

	// ErrNoData means the path exists but has no identity attributes.
	ErrNoData = errors.New("path carries no identity attributes")

	// ErrNotSupported means the path's filesystem cannot store attributes.
	ErrNotSupported = errors.New("attributes not supported on path")
)

// Attrs is the identity embedded on a path: the pool and container the path
// is bound to.
type Attrs struct {
	Pool uuid.UUID
	Cont uuid.UUID
}

// PoolHandle is a live connection to a pool. A handle for the nil pool UUID
// represents "all pools" and is not connected to any single pool.
type PoolHandle interface {
	// UUID returns the pool this handle is connected to. The nil UUID means
	// the handle spans all pools.
	UUID() uuid.UUID

	// Disconnect releases the connection. The handle must not be used after
	// Disconnect returns.
	Disconnect() error
}

// ContHandle is an open container within a pool.
type ContHandle interface {
	// UUID returns the container identifier.
	UUID() uuid.UUID

	// Close releases the container. The handle must not be used after Close
	// returns.
	Close() error
}

// System is the storage system the daemon mounts against.
type System interface {
	// PoolConnect connects to the pool with the given UUID. Connecting to the
	// nil UUID yields an unbound handle spanning all pools.
	PoolConnect(ctx context.Context, pool uuid.UUID) (PoolHandle, error)

	// PoolConnectLabel connects to the pool with the given label and reports
	// the UUID the label resolved to.
	PoolConnectLabel(ctx context.Context, label string) (PoolHandle, error)

	// ContOpen opens the container with the given UUID inside pool.
	ContOpen(ctx context.Context, pool PoolHandle, cont uuid.UUID) (ContHandle, error)

	// ContOpenLabel opens the container with the given label inside pool.
	ContOpenLabel(ctx context.Context, pool PoolHandle, label string) (ContHandle, error)

	// ResolvePath reads the identity attributes embedded on path. It returns
	// ErrNotExist, ErrNoData or ErrNotSupported (possibly wrapped) for the
	// three distinguishable non-success outcomes.
	ResolvePath(ctx context.Context, path string) (Attrs, error)

	// Fini tears the storage session down. No handle may be used afterwards.
	Fini() error
}

// Errnos reported for storage failures. The values follow the usual POSIX
// numbering so operators can recognize them in exit codes.
const (
	ErrnoNoEntry      = 2  // ENOENT
	ErrnoIO           = 5  // EIO
	ErrnoInvalid      = 22 // EINVAL
	ErrnoNoData       = 61 // ENODATA
	ErrnoNotSupported = 95 // ENOTSUP
)

// SysError is a storage failure carrying an errno for exit-code mapping.
type SysError struct {
	Errno int
	Msg   string
}

// Error implements error.
func (e *SysError) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	return fmt.Sprintf("storage error %d", e.Errno)
}

// Errnof creates a SysError with a formatted message.
func Errnof(errno int, format string, args ...interface{}) error {
	return &SysError{Errno: errno, Msg: fmt.Sprintf(format, args...)}
}

// Errno maps err to a small integer suitable for the exit-code contract.
// Sentinel outcomes map to their POSIX counterparts; anything else maps to
// EIO unless it carries an explicit SysError.
func Errno(err error) int {
	if err == nil {
		return 0
	}
	var se *SysError
	switch {
	case errors.As(err, &se):
		return se.Errno
	case errors.Is(err, ErrNotExist):
		return ErrnoNoEntry
	case errors.Is(err, ErrNoData):
		return ErrnoNoData
	case errors.Is(err, ErrNotSupported):
		return ErrnoNotSupported
	default:
		return ErrnoIO
	}
}
