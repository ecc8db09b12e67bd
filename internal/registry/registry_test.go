package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/require"

	"github.com/rogue-developer/daosfs/internal/fault"
	"github.com/rogue-developer/daosfs/internal/stor/stortest"
)

var (
	poolA = uuid.Must(uuid.FromString("11111111-2222-3333-4444-555555555555"))
	contA = uuid.Must(uuid.FromString("66666666-7777-8888-9999-aaaaaaaaaaaa"))
	contB = uuid.Must(uuid.FromString("66666666-7777-8888-9999-bbbbbbbbbbbb"))
)

func testSystem() *stortest.System {
	return &stortest.System{
		Pools: []stortest.Pool{{
			UUID:  poolA,
			Label: "tank",
			Conts: map[uuid.UUID]string{contA: "home", contB: "scratch"},
		}},
	}
}

func TestPoolConnect_SharesEntry(t *testing.T) {
	sys := testSystem()
	r := New(log.NewNopLogger(), sys, prometheus.NewRegistry())
	ctx := context.Background()

	p1, err := r.PoolConnect(ctx, poolA)
	require.NoError(t, err)
	p2, err := r.PoolConnect(ctx, poolA)
	require.NoError(t, err)

	require.Same(t, p1, p2)
	require.Equal(t, 2, p1.Refs())
	require.Equal(t, 1, sys.LivePools, "one storage connection for two references")

	require.NoError(t, p2.Release())
	require.Equal(t, 1, p1.Refs())
	require.NoError(t, p1.Release())
	require.Equal(t, 0, r.Len())
	require.Equal(t, 0, sys.LivePools)
}

func TestPoolConnectLabel_JoinsExistingEntry(t *testing.T) {
	sys := testSystem()
	r := New(log.NewNopLogger(), sys, nil)
	ctx := context.Background()

	p1, err := r.PoolConnect(ctx, poolA)
	require.NoError(t, err)
	p2, err := r.PoolConnectLabel(ctx, "tank")
	require.NoError(t, err)

	require.Same(t, p1, p2)
	require.Equal(t, 1, sys.LivePools, "duplicate label connection must be dropped")
	require.Equal(t, 2, p1.Refs())

	require.NoError(t, p1.Release())
	require.NoError(t, p2.Release())
}

func TestPoolConnect_Unknown(t *testing.T) {
	r := New(log.NewNopLogger(), testSystem(), nil)

	_, err := r.PoolConnect(context.Background(), contA) // not a pool
	require.Error(t, err)
	require.Equal(t, fault.KindConnection, fault.KindOf(err))
}

func TestContOpen_RetainsPool(t *testing.T) {
	sys := testSystem()
	r := New(log.NewNopLogger(), sys, nil)
	ctx := context.Background()

	p, err := r.PoolConnect(ctx, poolA)
	require.NoError(t, err)
	c, err := r.ContOpen(ctx, p, contA)
	require.NoError(t, err)

	// Drop the caller's initial pool reference: the container's reference is
	// now the pool's sole keep-alive.
	require.NoError(t, p.Release())
	require.Equal(t, 1, p.Refs())
	require.Equal(t, p.Containers(), p.Refs())
	require.Equal(t, 1, r.Len(), "pool stays while a container is open")

	require.NoError(t, c.Release())
	require.Equal(t, 0, r.Len(), "closing the last container removes the pool")
	require.Equal(t, 0, sys.LivePools)
	require.Equal(t, 0, sys.LiveConts)
}

func TestContOpen_RefcountMatchesContainers(t *testing.T) {
	sys := testSystem()
	r := New(log.NewNopLogger(), sys, nil)
	ctx := context.Background()

	p, err := r.PoolConnect(ctx, poolA)
	require.NoError(t, err)

	c1, err := r.ContOpen(ctx, p, contA)
	require.NoError(t, err)
	c2, err := r.ContOpenLabel(ctx, p, "scratch")
	require.NoError(t, err)
	require.NoError(t, p.Release())

	require.Equal(t, 2, p.Containers())
	require.Equal(t, p.Containers(), p.Refs())

	require.NoError(t, c1.Release())
	require.Equal(t, 1, p.Refs())
	require.NoError(t, c2.Release())
	require.Equal(t, 0, r.Len())
}

func TestContOpen_SharesHandle(t *testing.T) {
	sys := testSystem()
	r := New(log.NewNopLogger(), sys, nil)
	ctx := context.Background()

	p, err := r.PoolConnect(ctx, poolA)
	require.NoError(t, err)
	c1, err := r.ContOpen(ctx, p, contA)
	require.NoError(t, err)
	c2, err := r.ContOpen(ctx, p, contA)
	require.NoError(t, err)

	require.Same(t, c1, c2)
	require.Equal(t, 1, sys.LiveConts)

	require.NoError(t, c1.Release())
	require.NoError(t, c2.Release())
	require.NoError(t, p.Release())
	require.Equal(t, 0, r.Len())
}

func TestNilPool_AllPools(t *testing.T) {
	sys := testSystem()
	r := New(log.NewNopLogger(), sys, nil)
	ctx := context.Background()

	p, err := r.PoolConnect(ctx, uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, uuid.Nil, p.UUID())

	c, err := r.ContOpen(ctx, p, uuid.Nil)
	require.NoError(t, err)
	require.NoError(t, p.Release())
	require.NoError(t, c.Release())
	require.Equal(t, 0, r.Len())
}

func TestConcurrentConnect(t *testing.T) {
	sys := testSystem()
	r := New(log.NewNopLogger(), sys, nil)
	ctx := context.Background()

	const n = 32
	pools := make([]*Pool, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.PoolConnect(ctx, poolA)
			require.NoError(t, err)
			pools[i] = p
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, r.Len())
	require.Equal(t, n, pools[0].Refs())
	require.Equal(t, 1, sys.LivePools, "racing connects must collapse to one entry")

	for _, p := range pools {
		require.NoError(t, p.Release())
	}
	require.Equal(t, 0, r.Len())
	require.Equal(t, 0, sys.LivePools)
}
