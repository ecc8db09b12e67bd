// Package agent implements stor.System against the storage agent, which
// exposes a small RPC surface over a local unix socket. Calls are plain gRPC
// unary invocations with a msgpack codec; no generated stubs are needed for
// a surface this small.
package agent

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	uuid "github.com/satori/go.uuid"
	"google.golang.org/grpc"

	"github.com/rogue-developer/daosfs/internal/stor"
)

const (
	methodPoolConnect    = "/daosfs.agent.v1.Agent/PoolConnect"
	methodPoolDisconnect = "/daosfs.agent.v1.Agent/PoolDisconnect"
	methodContOpen       = "/daosfs.agent.v1.Agent/ContOpen"
	methodContClose      = "/daosfs.agent.v1.Agent/ContClose"
	methodResolvePath    = "/daosfs.agent.v1.Agent/ResolvePath"
)

// Client implements stor.System over a gRPC connection to the agent.
type Client struct {
	log  log.Logger
	conn *grpc.ClientConn
	sys  string
}

var _ stor.System = (*Client)(nil)

// Dial connects to the agent listening on the unix socket at path. sys names
// the storage system context to use for all subsequent calls; it may be
// empty for the agent's default.
func Dial(ctx context.Context, path, sys string, l log.Logger) (*Client, error) {
	if l == nil {
		l = log.NewNopLogger()
	}

	conn, err := grpc.DialContext(ctx, "unix://"+path,
		grpc.WithInsecure(),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(msgpackCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing storage agent at %s: %w", path, err)
	}

	level.Debug(l).Log("msg", "connected to storage agent", "path", path, "sys", sys)
	return &Client{log: l, conn: conn, sys: sys}, nil
}

// PoolConnect implements stor.System.
func (c *Client) PoolConnect(ctx context.Context, pool uuid.UUID) (stor.PoolHandle, error) {
	return c.poolConnect(ctx, &poolConnectRequest{Sys: c.sys, UUID: pool.String()})
}

// PoolConnectLabel implements stor.System.
func (c *Client) PoolConnectLabel(ctx context.Context, label string) (stor.PoolHandle, error) {
	return c.poolConnect(ctx, &poolConnectRequest{Sys: c.sys, Label: label})
}

func (c *Client) poolConnect(ctx context.Context, req *poolConnectRequest) (stor.PoolHandle, error) {
	var resp poolConnectResponse
	if err := c.conn.Invoke(ctx, methodPoolConnect, req, &resp); err != nil {
		return nil, fmt.Errorf("pool connect: %w", err)
	}
	if err := resp.Status.err(); err != nil {
		return nil, err
	}
	id, err := uuid.FromString(resp.UUID)
	if err != nil {
		return nil, fmt.Errorf("agent returned malformed pool uuid %q: %w", resp.UUID, err)
	}
	return &poolHandle{c: c, uuid: id, token: resp.Token}, nil
}

// ContOpen implements stor.System.
func (c *Client) ContOpen(ctx context.Context, pool stor.PoolHandle, cont uuid.UUID) (stor.ContHandle, error) {
	return c.contOpen(ctx, pool, &contOpenRequest{Sys: c.sys, UUID: cont.String()})
}

// ContOpenLabel implements stor.System.
func (c *Client) ContOpenLabel(ctx context.Context, pool stor.PoolHandle, label string) (stor.ContHandle, error) {
	return c.contOpen(ctx, pool, &contOpenRequest{Sys: c.sys, Label: label})
}

func (c *Client) contOpen(ctx context.Context, pool stor.PoolHandle, req *contOpenRequest) (stor.ContHandle, error) {
	ph, ok := pool.(*poolHandle)
	if !ok {
		return nil, fmt.Errorf("pool handle %T was not issued by this client", pool)
	}
	req.Pool = ph.token

	var resp contOpenResponse
	if err := c.conn.Invoke(ctx, methodContOpen, req, &resp); err != nil {
		return nil, fmt.Errorf("container open: %w", err)
	}
	if err := resp.Status.err(); err != nil {
		return nil, err
	}
	id, err := uuid.FromString(resp.UUID)
	if err != nil {
		return nil, fmt.Errorf("agent returned malformed container uuid %q: %w", resp.UUID, err)
	}
	return &contHandle{c: c, uuid: id, token: resp.Token}, nil
}

// ResolvePath implements stor.System.
func (c *Client) ResolvePath(ctx context.Context, path string) (stor.Attrs, error) {
	var resp resolvePathResponse
	err := c.conn.Invoke(ctx, methodResolvePath, &resolvePathRequest{Sys: c.sys, Path: path}, &resp)
	if err != nil {
		return stor.Attrs{}, fmt.Errorf("resolve path: %w", err)
	}
	if err := resp.Status.err(); err != nil {
		return stor.Attrs{}, err
	}

	pool, err := uuid.FromString(resp.Pool)
	if err != nil {
		return stor.Attrs{}, fmt.Errorf("agent returned malformed pool uuid %q: %w", resp.Pool, err)
	}
	cont, err := uuid.FromString(resp.Cont)
	if err != nil {
		return stor.Attrs{}, fmt.Errorf("agent returned malformed container uuid %q: %w", resp.Cont, err)
	}
	return stor.Attrs{Pool: pool, Cont: cont}, nil
}

// Fini implements stor.System.
func (c *Client) Fini() error {
	return c.conn.Close()
}

type poolHandle struct {
	c     *Client
	uuid  uuid.UUID
	token string
}

func (h *poolHandle) UUID() uuid.UUID { return h.uuid }

func (h *poolHandle) Disconnect() error {
	var resp statusResponse
	err := h.c.conn.Invoke(context.Background(), methodPoolDisconnect, &handleRequest{Token: h.token}, &resp)
	if err != nil {
		return fmt.Errorf("pool disconnect: %w", err)
	}
	return resp.Status.err()
}

type contHandle struct {
	c     *Client
	uuid  uuid.UUID
	token string
}

func (h *contHandle) UUID() uuid.UUID { return h.uuid }

func (h *contHandle) Close() error {
	var resp statusResponse
	err := h.c.conn.Invoke(context.Background(), methodContClose, &handleRequest{Token: h.token}, &resp)
	if err != nil {
		return fmt.Errorf("container close: %w", err)
	}
	return resp.Status.err()
}
