// Package identity determines the (pool, container) pair a mount binds to.
// Identity can come from exactly one of three places: explicit arguments,
// attributes embedded on a user-supplied path, or attributes embedded on the
// mountpoint itself. Two definitive sources are always an error, never a
// silent override.
package identity

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	uuid "github.com/satori/go.uuid"

	"github.com/rogue-developer/daosfs/internal/fault"
	"github.com/rogue-developer/daosfs/internal/stor"
)

// Source names where a definitive identity came from.
type Source int

const (
	// SourceNone means no source yielded an identity yet.
	SourceNone Source = iota

	// SourceExplicit means the identity came from --pool / --container.
	SourceExplicit

	// SourcePath means the identity came from attributes on --path.
	SourcePath

	// SourceMountpoint means the identity came from attributes on the
	// mountpoint.
	SourceMountpoint
)

// String returns a short name for the source.
func (s Source) String() string {
	switch s {
	case SourceExplicit:
		return "explicit"
	case SourcePath:
		return "path"
	case SourceMountpoint:
		return "mountpoint"
	default:
		return "none"
	}
}

// Resolver reads identity attributes from a path. stor.System satisfies it.
type Resolver interface {
	ResolvePath(ctx context.Context, path string) (stor.Attrs, error)
}

// Request carries the user's identity-related arguments. Pool and Cont hold
// either a UUID or a label; empty means not given.
type Request struct {
	Mountpoint string
	AttrPath   string
	Pool       string
	Cont       string
}

// Identity is a resolved binding. For SourceExplicit, a pool or container
// given as a label is carried in PoolLabel/ContLabel with the corresponding
// UUID left nil until connect time. A nil pool UUID with no label means the
// mount spans all pools.
type Identity struct {
	Source    Source
	Pool      uuid.UUID
	Cont      uuid.UUID
	PoolLabel string
	ContLabel string
}

// MultiPool reports whether the identity binds to all pools rather than one.
func (id Identity) MultiPool() bool {
	return id.PoolLabel == "" && uuid.Equal(id.Pool, uuid.Nil)
}

// Resolve runs the resolution protocol and returns the definitive identity,
// or a fatal error. Attribute-derived identity outranks explicit arguments;
// conflicts between sources are fatal.
func Resolve(ctx context.Context, l log.Logger, r Resolver, req Request) (Identity, error) {
	var id Identity

	// A supplied attribute path must unconditionally carry identity, so every
	// resolution failure on it is fatal, including "no data".
	if req.AttrPath != "" {
		if req.Pool != "" {
			return id, fault.Resolutionf("pool specified both explicitly and via an attribute path")
		}

		attrs, err := r.ResolvePath(ctx, req.AttrPath)
		switch {
		case errors.Is(err, stor.ErrNotExist):
			return id, fault.Resolutionf("attribute path %s does not exist", req.AttrPath)
		case err != nil:
			return id, fault.Resolutionf("reading attributes from %s: %v", req.AttrPath, err)
		}

		level.Info(l).Log("msg", "identity from attribute path", "path", req.AttrPath,
			"pool", attrs.Pool, "cont", attrs.Cont)
		id = Identity{Source: SourcePath, Pool: attrs.Pool, Cont: attrs.Cont}
	}

	// Independently probe the mountpoint. Unlike the attribute path, a
	// mountpoint without attributes is normal; only its absence is fatal.
	attrs, err := r.ResolvePath(ctx, req.Mountpoint)
	switch {
	case err == nil:
		if req.Pool != "" {
			return id, fault.Resolutionf("pool specified both explicitly and by mountpoint attributes")
		}
		if id.Source == SourcePath {
			if samePath(req.AttrPath, req.Mountpoint) {
				return id, fault.Resolutionf("attribute path and mountpoint are the same path")
			}
			return id, fault.Resolutionf("identity carried by both the attribute path and the mountpoint")
		}
		level.Info(l).Log("msg", "identity from mountpoint attributes", "pool", attrs.Pool, "cont", attrs.Cont)
		id = Identity{Source: SourceMountpoint, Pool: attrs.Pool, Cont: attrs.Cont}

	case errors.Is(err, stor.ErrNotExist):
		return id, fault.Resolutionf("mountpoint %s does not exist", req.Mountpoint)

	case errors.Is(err, stor.ErrNoData), errors.Is(err, stor.ErrNotSupported):
		// The mountpoint carries no embedded identity; whatever the attribute
		// path yielded (if anything) stands.

	default:
		return id, fault.Resolutionf("probing mountpoint %s: %v", req.Mountpoint, err)
	}

	if id.Source != SourceNone {
		if req.Cont != "" {
			level.Warn(l).Log("msg", "ignoring explicit container, attributes take precedence",
				"cont", req.Cont, "source", id.Source)
		}
		return id, nil
	}

	// Fall back to the explicit arguments.
	if req.Cont != "" && req.Pool == "" {
		return id, fault.Configf("container given without a pool and no attributes found")
	}

	id.Source = SourceExplicit
	if req.Pool != "" {
		if u, perr := uuid.FromString(req.Pool); perr == nil {
			id.Pool = u
		} else {
			id.PoolLabel = req.Pool
		}
	}
	if req.Cont != "" {
		if u, perr := uuid.FromString(req.Cont); perr == nil {
			id.Cont = u
		} else {
			id.ContLabel = req.Cont
		}
	}
	return id, nil
}

// samePath compares two paths after normalization so symlinks and trailing
// slashes cannot hide a double specification.
func samePath(a, b string) bool {
	return normalize(a) == normalize(b)
}

func normalize(p string) string {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return filepath.Clean(p)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// Describe formats an identity for diagnostics.
func Describe(id Identity) string {
	pool := id.PoolLabel
	if pool == "" {
		pool = id.Pool.String()
	}
	cont := id.ContLabel
	if cont == "" {
		cont = id.Cont.String()
	}
	return fmt.Sprintf("pool %s container %s (source %s)", pool, cont, id.Source)
}
