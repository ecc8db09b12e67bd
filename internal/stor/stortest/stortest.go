// Package stortest provides an in-memory stor.System for tests.
package stortest

import (
	"context"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/rogue-developer/daosfs/internal/stor"
)

// Pool describes a pool known to the fake system.
type Pool struct {
	UUID  uuid.UUID
	Label string

	// Conts maps container UUIDs to their labels. A container with no label
	// has an empty string value.
	Conts map[uuid.UUID]string
}

// System is an in-memory stor.System. Populate Pools and PathAttrs before
// use; the zero value behaves as an empty storage system.
type System struct {
	mut sync.Mutex

	// Pools holds the pools the fake knows about.
	Pools []Pool

	// PathAttrs maps paths to their embedded identity. Paths not present
	// resolve to ErrNoData when listed in ExistingPaths, ErrNotExist
	// otherwise.
	PathAttrs map[string]stor.Attrs

	// ExistingPaths lists paths that exist but carry no attributes.
	ExistingPaths []string

	// NotSupportedPaths lists paths whose filesystem cannot hold attributes.
	NotSupportedPaths []string

	// Counters for assertions.
	LivePools int
	LiveConts int
	Finied    bool
}

var _ stor.System = (*System)(nil)

// PoolConnect implements stor.System.
func (s *System) PoolConnect(_ context.Context, pool uuid.UUID) (stor.PoolHandle, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if uuid.Equal(pool, uuid.Nil) {
		s.LivePools++
		return &poolHandle{sys: s, id: uuid.Nil}, nil
	}
	for _, p := range s.Pools {
		if uuid.Equal(p.UUID, pool) {
			s.LivePools++
			return &poolHandle{sys: s, id: p.UUID, conts: p.Conts}, nil
		}
	}
	return nil, stor.Errnof(stor.ErrnoNoEntry, "pool %s not found", pool)
}

// PoolConnectLabel implements stor.System.
func (s *System) PoolConnectLabel(_ context.Context, label string) (stor.PoolHandle, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	for _, p := range s.Pools {
		if p.Label == label {
			s.LivePools++
			return &poolHandle{sys: s, id: p.UUID, conts: p.Conts}, nil
		}
	}
	return nil, stor.Errnof(stor.ErrnoNoEntry, "pool label %q not found", label)
}

// ContOpen implements stor.System.
func (s *System) ContOpen(_ context.Context, pool stor.PoolHandle, cont uuid.UUID) (stor.ContHandle, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	ph := pool.(*poolHandle)
	if uuid.Equal(ph.id, uuid.Nil) {
		// All-pools handle: any container UUID opens.
		s.LiveConts++
		return &contHandle{sys: s, id: cont}, nil
	}
	if _, ok := ph.conts[cont]; !ok {
		return nil, stor.Errnof(stor.ErrnoNoEntry, "container %s not found in pool %s", cont, ph.id)
	}
	s.LiveConts++
	return &contHandle{sys: s, id: cont}, nil
}

// ContOpenLabel implements stor.System.
func (s *System) ContOpenLabel(_ context.Context, pool stor.PoolHandle, label string) (stor.ContHandle, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	ph := pool.(*poolHandle)
	for id, l := range ph.conts {
		if l == label {
			s.LiveConts++
			return &contHandle{sys: s, id: id}, nil
		}
	}
	return nil, stor.Errnof(stor.ErrnoNoEntry, "container label %q not found in pool %s", label, ph.id)
}

// ResolvePath implements stor.System.
func (s *System) ResolvePath(_ context.Context, path string) (stor.Attrs, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if attrs, ok := s.PathAttrs[path]; ok {
		return attrs, nil
	}
	for _, p := range s.NotSupportedPaths {
		if p == path {
			return stor.Attrs{}, stor.ErrNotSupported
		}
	}
	for _, p := range s.ExistingPaths {
		if p == path {
			return stor.Attrs{}, stor.ErrNoData
		}
	}
	return stor.Attrs{}, stor.ErrNotExist
}

// Fini implements stor.System.
func (s *System) Fini() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.Finied = true
	return nil
}

type poolHandle struct {
	sys   *System
	id    uuid.UUID
	conts map[uuid.UUID]string
}

func (h *poolHandle) UUID() uuid.UUID { return h.id }

func (h *poolHandle) Disconnect() error {
	h.sys.mut.Lock()
	defer h.sys.mut.Unlock()
	h.sys.LivePools--
	return nil
}

type contHandle struct {
	sys *System
	id  uuid.UUID
}

func (h *contHandle) UUID() uuid.UUID { return h.id }

func (h *contHandle) Close() error {
	h.sys.mut.Lock()
	defer h.sys.mut.Unlock()
	h.sys.LiveConts--
	return nil
}
