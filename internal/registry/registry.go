// Package registry maintains the shared table of live pool connections and
// container handles. Entries are reference counted: a pool is connected on
// first use, shared on later ones, and disconnected when the last reference
// goes away. An open container always holds a reference on its pool, so a
// pool can never be torn down underneath a live container.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	uuid "github.com/satori/go.uuid"

	"github.com/rogue-developer/daosfs/internal/fault"
	"github.com/rogue-developer/daosfs/internal/stor"
)

// Registry is the shared pool/container table. All mutations are atomic
// relative to concurrent lookups; blocking storage calls are never made
// under the table lock.
type Registry struct {
	log log.Logger
	sys stor.System

	mut   sync.Mutex
	pools map[uuid.UUID]*Pool

	poolsLive prometheus.Gauge
	contsLive prometheus.Gauge
}

// New creates an empty Registry backed by sys. reg may be nil to skip metric
// registration.
func New(l log.Logger, sys stor.System, reg prometheus.Registerer) *Registry {
	if l == nil {
		l = log.NewNopLogger()
	}

	r := &Registry{
		log:   l,
		sys:   sys,
		pools: make(map[uuid.UUID]*Pool),
		poolsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daosfs_pools_connected",
			Help: "Number of pools with a live connection.",
		}),
		contsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daosfs_containers_open",
			Help: "Number of open container handles.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.poolsLive, r.contsLive)
	}
	return r
}

// Pool is a reference-counted pool connection.
type Pool struct {
	reg    *Registry
	id     uuid.UUID
	handle stor.PoolHandle

	// guarded by reg.mut
	refs  int
	conts map[uuid.UUID]*Container
}

// UUID returns the pool identifier. The nil UUID means all pools.
func (p *Pool) UUID() uuid.UUID { return p.id }

// Container is a reference-counted container handle. It keeps its pool alive
// for as long as it is open.
type Container struct {
	pool   *Pool
	id     uuid.UUID
	handle stor.ContHandle

	refs int // guarded by pool.reg.mut
}

// UUID returns the container identifier.
func (c *Container) UUID() uuid.UUID { return c.id }

// Pool returns the pool the container belongs to.
func (c *Container) Pool() *Pool { return c.pool }

// PoolConnect returns a connection to the pool with the given UUID, with one
// reference held by the caller. An existing entry is shared; otherwise a new
// connection is made outside the table lock.
func (r *Registry) PoolConnect(ctx context.Context, id uuid.UUID) (*Pool, error) {
	r.mut.Lock()
	if p, ok := r.pools[id]; ok {
		p.refs++
		r.mut.Unlock()
		return p, nil
	}
	r.mut.Unlock()

	handle, err := r.sys.PoolConnect(ctx, id)
	if err != nil {
		return nil, fault.Connectionf("connecting to pool %s: %w", id, err)
	}
	return r.publishPool(handle), nil
}

// PoolConnectLabel is PoolConnect for a pool named by label. The label is
// resolved by the storage layer; if the resolved UUID is already in the
// table the fresh connection is dropped in favor of the shared one.
func (r *Registry) PoolConnectLabel(ctx context.Context, label string) (*Pool, error) {
	handle, err := r.sys.PoolConnectLabel(ctx, label)
	if err != nil {
		return nil, fault.Connectionf("connecting to pool %q: %w", label, err)
	}
	return r.publishPool(handle), nil
}

// publishPool inserts handle into the table, or discards it when a
// concurrent connect for the same UUID won the race.
func (r *Registry) publishPool(handle stor.PoolHandle) *Pool {
	id := handle.UUID()

	r.mut.Lock()
	if existing, ok := r.pools[id]; ok {
		existing.refs++
		r.mut.Unlock()
		if err := handle.Disconnect(); err != nil {
			level.Warn(r.log).Log("msg", "dropping duplicate pool connection", "pool", id, "err", err)
		}
		return existing
	}

	p := &Pool{
		reg:    r,
		id:     id,
		handle: handle,
		refs:   1,
		conts:  make(map[uuid.UUID]*Container),
	}
	r.pools[id] = p
	r.mut.Unlock()

	r.poolsLive.Inc()
	level.Debug(r.log).Log("msg", "pool connected", "pool", id)
	return p
}

// Acquire takes an additional reference on the pool.
func (p *Pool) Acquire() {
	p.reg.mut.Lock()
	p.refs++
	p.reg.mut.Unlock()
}

// Release drops one reference. When the count reaches zero the pool is
// removed from the table and disconnected; the disconnect happens after the
// lock is dropped.
func (p *Pool) Release() error {
	p.reg.mut.Lock()
	p.refs--
	if p.refs > 0 {
		p.reg.mut.Unlock()
		return nil
	}
	delete(p.reg.pools, p.id)
	p.reg.mut.Unlock()

	p.reg.poolsLive.Dec()
	level.Debug(p.reg.log).Log("msg", "pool disconnected", "pool", p.id)
	if err := p.handle.Disconnect(); err != nil {
		return fmt.Errorf("disconnecting pool %s: %w", p.id, err)
	}
	return nil
}

// Refs returns the pool's current reference count.
func (p *Pool) Refs() int {
	p.reg.mut.Lock()
	defer p.reg.mut.Unlock()
	return p.refs
}

// Containers returns the number of open containers against the pool.
func (p *Pool) Containers() int {
	p.reg.mut.Lock()
	defer p.reg.mut.Unlock()
	return len(p.conts)
}

// ContOpen opens the container with the given UUID, with one reference held
// by the caller. The open implicitly retains the pool, so a caller that
// needed the pool only to open the container can drop its own pool reference
// right away.
func (r *Registry) ContOpen(ctx context.Context, p *Pool, id uuid.UUID) (*Container, error) {
	r.mut.Lock()
	if c, ok := p.conts[id]; ok {
		c.refs++
		r.mut.Unlock()
		return c, nil
	}
	r.mut.Unlock()

	handle, err := r.sys.ContOpen(ctx, p.handle, id)
	if err != nil {
		return nil, fault.Connectionf("opening container %s: %w", id, err)
	}
	return r.publishCont(p, handle)
}

// ContOpenLabel is ContOpen for a container named by label.
func (r *Registry) ContOpenLabel(ctx context.Context, p *Pool, label string) (*Container, error) {
	handle, err := r.sys.ContOpenLabel(ctx, p.handle, label)
	if err != nil {
		return nil, fault.Connectionf("opening container %q: %w", label, err)
	}
	return r.publishCont(p, handle)
}

func (r *Registry) publishCont(p *Pool, handle stor.ContHandle) (*Container, error) {
	id := handle.UUID()

	r.mut.Lock()
	if existing, ok := p.conts[id]; ok {
		existing.refs++
		r.mut.Unlock()
		if err := handle.Close(); err != nil {
			level.Warn(r.log).Log("msg", "dropping duplicate container handle", "cont", id, "err", err)
		}
		return existing, nil
	}

	c := &Container{pool: p, id: id, handle: handle, refs: 1}
	p.conts[id] = c
	p.refs++ // the container's keep-alive on the pool
	r.mut.Unlock()

	r.contsLive.Inc()
	level.Debug(r.log).Log("msg", "container opened", "pool", p.id, "cont", id)
	return c, nil
}

// Release drops one reference on the container. When the count reaches zero
// the handle is closed, removed from its pool, and the container's reference
// on the pool is dropped in turn.
func (c *Container) Release() error {
	r := c.pool.reg

	r.mut.Lock()
	c.refs--
	if c.refs > 0 {
		r.mut.Unlock()
		return nil
	}
	delete(c.pool.conts, c.id)
	r.mut.Unlock()

	r.contsLive.Dec()
	level.Debug(r.log).Log("msg", "container closed", "pool", c.pool.id, "cont", c.id)

	err := c.handle.Close()
	perr := c.pool.Release()
	if err != nil {
		return fmt.Errorf("closing container %s: %w", c.id, err)
	}
	return perr
}

// Acquire takes an additional reference on the container.
func (c *Container) Acquire() {
	r := c.pool.reg
	r.mut.Lock()
	c.refs++
	r.mut.Unlock()
}

// Len returns the number of pools currently in the table.
func (r *Registry) Len() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.pools)
}
