//go:build linux
// +build linux

// Package daosfsd implements the mount daemon. It owns the startup sequence:
// thread validation, backgrounding, storage connection, identity resolution,
// pool/container acquisition, and the FUSE session, with teardown in
// reverse-acquisition order on every path.
package daosfsd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "net/http/pprof" // anonymous import to get the pprof handler registered

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rogue-developer/daosfs/internal/daemon"
	"github.com/rogue-developer/daosfs/internal/fault"
	"github.com/rogue-developer/daosfs/internal/fuse"
	"github.com/rogue-developer/daosfs/internal/identity"
	"github.com/rogue-developer/daosfs/internal/registry"
	"github.com/rogue-developer/daosfs/internal/session"
	"github.com/rogue-developer/daosfs/internal/stor"
	"github.com/rogue-developer/daosfs/internal/stor/agent"
)

// DefaultOptions is the set of defaults for the daemon.
var DefaultOptions = Options{
	Caching:        true,
	WritebackCache: true,
	AgentSocket:    "/run/daosfs/agent.sock",
}

// Options configures the daemon. The struct is immutable once handed to Run.
type Options struct {
	Mountpoint string // Directory to mount at. Required.
	Pool       string // Pool UUID or label; empty means derive or span all.
	Cont       string // Container UUID or label.
	AttrPath   string // Path whose embedded attributes select the identity.
	SysName    string // Storage system name context.

	Foreground   bool // Skip daemonization.
	SingleThread bool // Use the cooperative loop instead of the worker pool.
	ThreadCount  int  // Explicit thread count; 0 derives from the CPU set.

	Caching        bool // Kernel caching for the mount.
	WritebackCache bool // Write-back rather than write-through data cache.

	AgentSocket string // Unix socket of the storage agent.
	InfoAddr    string // Listen address for metrics/pprof; empty disables.

	// storage overrides the agent connection in tests.
	storage stor.System
}

// Run performs the whole startup sequence and blocks until the mount is
// gone. The returned error is suitable for ExitCode; in background mode the
// same code has already been reported to the waiting parent.
func Run(l log.Logger, o Options) (err error) {
	threaded := !o.SingleThread
	workers, cerr := resolveThreads(o)
	if cerr != nil {
		// Thread problems must surface before any fork happens.
		return cerr
	}

	var hs *daemon.Handshake
	if !o.Foreground {
		hs, err = daemon.Daemonize(l)
		if err != nil {
			return fault.Protocolf("backgrounding: %v", err)
		}
	}
	// From here on the process may be a background child: every failure is
	// re-encoded across the handshake so the parent exits with the true
	// cause. Report is write-once, so the success report sent by the session
	// makes this a no-op on the happy path.
	defer func() {
		if rerr := hs.Report(ExitCode(err)); rerr != nil {
			level.Error(l).Log("msg", "failed to report startup result", "err", rerr)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sys := o.storage
	if sys == nil {
		dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
		sys, err = agent.Dial(dialCtx, o.AgentSocket, o.SysName, l)
		dialCancel()
		if err != nil {
			return fault.Connectionf("storage: %v", err)
		}
	}
	defer func() {
		if ferr := sys.Fini(); ferr != nil {
			err = multierror.Append(err, ferr).ErrorOrNil()
		}
	}()

	promReg := prometheus.NewRegistry()

	b, err := bind(ctx, l, o, sys, promReg)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := b.cont.Release(); rerr != nil {
			err = multierror.Append(err, rerr).ErrorOrNil()
		}
	}()

	sess, err := session.New(l, session.Options{
		Mountpoint: o.Mountpoint,
		MountOpts: []fuse.MountOption{
			fuse.FSName("daosfs"),
			fuse.Subtype("daosfs"),
			fuse.DefaultPermissions(),
			fuse.MaxRead(fuse.MaxWrite),
		},
		Threaded:  threaded,
		Workers:   workers,
		Table:     b.table,
		Reporter:  hs,
		InitFlags: session.InitFlags(o.Caching, o.WritebackCache),
		Metrics:   session.NewMetrics(promReg),
	})
	if err != nil {
		return err
	}

	level.Info(l).Log("msg", "starting mount", "dir", o.Mountpoint,
		"identity", identity.Describe(b.id), "workers", workers, "threaded", threaded)

	var group run.Group

	// Session worker: everything else stops when the mount ends.
	group.Add(func() error {
		return sess.Launch(ctx)
	}, func(_ error) {
		if cerr := sess.Close(); cerr != nil {
			level.Warn(l).Log("msg", "error closing session", "err", cerr)
		}
	})

	// Information server worker.
	if o.InfoAddr != "" {
		lis, lerr := net.Listen("tcp", o.InfoAddr)
		if lerr != nil {
			return fault.Configf("info server listen on %s: %v", o.InfoAddr, lerr)
		}

		r := mux.NewRouter()
		r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		r.PathPrefix("/debug/pprof").Handler(http.DefaultServeMux)
		srv := http.Server{Handler: r}

		group.Add(func() error {
			level.Debug(l).Log("msg", "info server listening", "addr", lis.Addr())
			serr := srv.Serve(lis)
			if errors.Is(serr, http.ErrServerClosed) {
				return nil
			}
			return serr
		}, func(_ error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				_ = srv.Close()
			}
		})
	}

	// Signal worker.
	{
		sigCtx, sigCancel := context.WithCancel(ctx)
		group.Add(func() error {
			ch := make(chan os.Signal, 2)
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(ch)

			select {
			case <-ch:
				level.Info(l).Log("msg", "received shutdown signal")
			case <-sigCtx.Done():
			}
			return nil
		}, func(_ error) {
			sigCancel()
		})
	}

	return group.Run()
}

// resolveThreads validates the threading configuration and returns the loop
// worker count. Single-threaded mode still needs two threads: the loop and
// the storage event queue.
func resolveThreads(o Options) (int, error) {
	count := o.ThreadCount
	if o.SingleThread {
		count = 2
	}
	return session.WorkerCount(count)
}

// binding is the storage side of a mount: the resolved identity, the shared
// registry, the container the mount serves, and the operation table that
// matches it.
type binding struct {
	id    identity.Identity
	reg   *registry.Registry
	cont  *registry.Container
	table *session.Table
}

// bind resolves identity and acquires the pool and container. On return the
// container's reference is the pool's sole keep-alive; the caller releases
// everything by releasing the container.
func bind(ctx context.Context, l log.Logger, o Options, sys stor.System, promReg prometheus.Registerer) (*binding, error) {
	id, err := identity.Resolve(ctx, l, sys, identity.Request{
		Mountpoint: o.Mountpoint,
		AttrPath:   o.AttrPath,
		Pool:       o.Pool,
		Cont:       o.Cont,
	})
	if err != nil {
		return nil, err
	}

	reg := registry.New(l, sys, promReg)

	var pool *registry.Pool
	if id.PoolLabel != "" {
		pool, err = reg.PoolConnectLabel(ctx, id.PoolLabel)
	} else {
		pool, err = reg.PoolConnect(ctx, id.Pool)
	}
	if err != nil {
		return nil, err
	}

	var cont *registry.Container
	if id.ContLabel != "" {
		cont, err = reg.ContOpenLabel(ctx, pool, id.ContLabel)
	} else {
		cont, err = reg.ContOpen(ctx, pool, id.Cont)
	}
	if err != nil {
		if rerr := pool.Release(); rerr != nil {
			level.Warn(l).Log("msg", "error releasing pool", "err", rerr)
		}
		return nil, err
	}

	// The container holds its own reference on the pool; ours is no longer
	// needed.
	if err := pool.Release(); err != nil {
		level.Warn(l).Log("msg", "error dropping initial pool reference", "err", err)
	}

	table := containerTable()
	if id.MultiPool() {
		table = allPoolsTable()
	}

	return &binding{id: id, reg: reg, cont: cont, table: table}, nil
}
