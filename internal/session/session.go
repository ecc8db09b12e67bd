// Package session owns the FUSE session lifecycle: building a session from
// mount options, mounting it, reporting startup to the waiting foreground
// process, running the request loop, and tearing the mount down again. One
// process runs at most one session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"

	"github.com/rogue-developer/daosfs/internal/fault"
	"github.com/rogue-developer/daosfs/internal/fuse"
)

// State tracks the session through its life. Transitions only move forward
// except for a failed mount, which returns the session to Unbound.
type State int32

const (
	// Unbound is the initial state, before any kernel resources exist.
	Unbound State = iota

	// Bound means the session is built but not yet mounted.
	Bound

	// Mounted means the kernel is delivering requests.
	Mounted

	// Unmounting means the loop has exited and teardown is in progress.
	Unmounting

	// Destroyed is terminal; the session cannot be launched again.
	Destroyed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Mounted:
		return "mounted"
	case Unmounting:
		return "unmounting"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Transport delivers kernel requests and carries replies back. *fuse.Conn
// satisfies it; tests substitute fakes.
type Transport interface {
	Recv() (*fuse.Message, error)
	Reply(unique uint64, errno int32, data []byte) error
	Close() error
}

// Reporter receives the one-shot startup result. *daemon.Handshake
// satisfies it.
type Reporter interface {
	Report(code int) error
}

// Options configures a Session.
type Options struct {
	// Mountpoint is the directory to mount at. Required.
	Mountpoint string

	// MountOpts are passed through to the mount.
	MountOpts []fuse.MountOption

	// Threaded selects the worker-pool loop; otherwise a single cooperative
	// loop serves all requests.
	Threaded bool

	// Workers is the worker count for the threaded loop, after the storage
	// event-queue reservation. Use WorkerCount to compute it.
	Workers int

	// Table dispatches requests.
	Table *Table

	// Reporter is told about startup exactly once, strictly after the mount
	// is registered with the kernel and strictly before the first request is
	// served. May be nil in foreground mode.
	Reporter Reporter

	// InitFlags are the optional protocol flags offered to the kernel during
	// the handshake, typically built with session.InitFlags.
	InitFlags uint32

	// Metrics may be nil.
	Metrics *Metrics
}

// WorkerCount resolves the configured thread count into the number of loop
// workers. explicit may be zero, meaning one thread per CPU available to the
// process (Go's CPU count honors the affinity mask). One thread is always
// reserved for the storage event queue, so fewer than two threads is a
// configuration error; the caller must surface it before daemonizing.
func WorkerCount(explicit int) (int, error) {
	n := explicit
	if n == 0 {
		n = runtime.NumCPU()
	}
	if n < 2 {
		return 0, fault.Configf("at least two threads are required, have %d", n)
	}
	return n - 1, nil
}

// Session is a FUSE session. Create one with New and run it with Launch;
// a Session cannot be launched twice.
type Session struct {
	log   log.Logger
	o     Options
	state atomic.Int32

	mut         sync.Mutex
	transport   Transport
	closeWanted bool

	// mount is swapped by tests.
	mount func(l log.Logger, dir string, opts ...fuse.MountOption) (Transport, error)
}

// New builds a Session in the Unbound state.
func New(l log.Logger, o Options) (*Session, error) {
	if o.Mountpoint == "" {
		return nil, fault.Configf("mountpoint is required")
	}
	if o.Table == nil {
		return nil, fmt.Errorf("operation table must be set")
	}
	if o.Threaded && o.Workers < 1 {
		return nil, fault.Configf("threaded session needs at least one worker")
	}
	if l == nil {
		l = log.NewNopLogger()
	}

	return &Session{
		log: l,
		o:   o,
		mount: func(l log.Logger, dir string, opts ...fuse.MountOption) (Transport, error) {
			return fuse.Mount(l, dir, opts...)
		},
	}, nil
}

// State returns the session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

// Launch mounts the session and serves requests until the mount goes away,
// the context is canceled, or the loop fails. The mount is unconditionally
// torn down before Launch returns, even when the loop failed. A mount
// failure returns the session to Unbound with nothing left behind.
func (s *Session) Launch(ctx context.Context) error {
	if !s.state.CAS(int32(Unbound), int32(Bound)) {
		return fmt.Errorf("session already launched (state %s)", s.State())
	}

	t, err := s.mount(s.log, s.o.Mountpoint, s.o.MountOpts...)
	if err != nil {
		s.state.Store(int32(Unbound))
		return fault.Connectionf("mounting %s: %v", s.o.Mountpoint, err)
	}

	s.mut.Lock()
	s.transport = t
	closeWanted := s.closeWanted
	s.mut.Unlock()

	// Close may have been asked for while the mount was still in flight; the
	// fresh transport must not enter the loop in that case.
	if closeWanted {
		level.Debug(s.log).Log("msg", "session closed during mount, tearing down")
		s.teardown(t)
		return nil
	}

	s.state.Store(int32(Mounted))
	level.Info(s.log).Log("msg", "mounted", "dir", s.o.Mountpoint, "threaded", s.o.Threaded)

	// The mount is registered with the kernel: let the waiting parent exit
	// now, before any request can fail and muddy the reported status.
	if s.o.Reporter != nil {
		if rerr := s.o.Reporter.Report(0); rerr != nil {
			s.teardown(t)
			return fault.Protocolf("reporting startup: %v", rerr)
		}
	}

	loopErr := s.serve(ctx, t)
	s.teardown(t)

	if loopErr != nil {
		s.o.Metrics.loopError()
		return fault.Loopf("request loop: %v", loopErr)
	}
	return nil
}

// teardown unmounts and finishes the state machine.
func (s *Session) teardown(t Transport) {
	s.state.Store(int32(Unmounting))
	if err := t.Close(); err != nil {
		level.Warn(s.log).Log("msg", "error closing session transport", "err", err)
	}
	s.state.Store(int32(Destroyed))
	level.Info(s.log).Log("msg", "session destroyed", "dir", s.o.Mountpoint)
}

// Close asks a running session to stop by closing its transport, which makes
// the loop see EOF. It is safe to call at any time: a Close that arrives
// before the mount finishes is remembered, and Launch tears the fresh
// transport down instead of serving it.
func (s *Session) Close() error {
	s.mut.Lock()
	s.closeWanted = true
	t := s.transport
	s.mut.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

func (s *Session) serve(ctx context.Context, t Transport) error {
	if s.o.Threaded {
		return s.serveThreaded(ctx, t)
	}
	return s.serveSingle(ctx, t)
}

// serveSingle runs every request on the calling goroutine.
func (s *Session) serveSingle(ctx context.Context, t Transport) error {
	for {
		if ctx.Err() != nil {
			level.Debug(s.log).Log("msg", "context canceled, leaving request loop")
			return nil
		}

		msg, err := t.Recv()
		if errors.Is(err, io.EOF) {
			level.Debug(s.log).Log("msg", "transport EOF, leaving request loop")
			return nil
		} else if err != nil {
			return err
		}
		s.handle(ctx, t, msg)
	}
}

// serveThreaded fans requests out to a fixed pool of workers. Each message
// owns its buffer, so workers never share request state; everything else
// they touch must tolerate concurrent use.
func (s *Session) serveThreaded(ctx context.Context, t Transport) error {
	var (
		workers sync.WaitGroup
		taskCh  = make(chan *fuse.Message)
	)

	for i := 0; i < s.o.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for msg := range taskCh {
				s.handle(ctx, t, msg)
			}
		}()
	}

	var err error
	for {
		if ctx.Err() != nil {
			level.Debug(s.log).Log("msg", "context canceled, leaving request loop")
			break
		}

		msg, rerr := t.Recv()
		if errors.Is(rerr, io.EOF) {
			level.Debug(s.log).Log("msg", "transport EOF, leaving request loop")
			break
		} else if rerr != nil {
			err = rerr
			break
		}
		taskCh <- msg
	}

	close(taskCh)
	workers.Wait()
	return err
}

func (s *Session) handle(ctx context.Context, t Transport, msg *fuse.Message) {
	s.o.Metrics.request()

	switch msg.Op {
	case fuse.OpInit:
		s.replyTo(t, msg, 0, initReply(msg.Payload, s.o.Workers, s.o.InitFlags))
		return
	case fuse.OpDestroy:
		s.replyTo(t, msg, 0, nil)
		return
	}

	data, errno := s.o.Table.Serve(ctx, msg)
	s.replyTo(t, msg, errno, data)
}

func (s *Session) replyTo(t Transport, msg *fuse.Message, errno int32, data []byte) {
	if err := t.Reply(msg.Unique, errno, data); err != nil {
		level.Error(s.log).Log("msg", "failed to write reply", "op", msg.Op, "err", err)
	}
}
