package agent

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rogue-developer/daosfs/internal/stor"
)

// msgpackCodec satisfies grpc's encoding.Codec so that wire messages can be
// plain structs rather than generated protobuf types.
type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

// status is the agent's per-call result. A zero Errno means success. The
// errno values mirror the POSIX numbers in package stor so the three
// attribute-resolution outcomes stay distinguishable across the wire.
type status struct {
	Errno int    `msgpack:"errno"`
	Msg   string `msgpack:"msg"`
}

func (s status) err() error {
	switch s.Errno {
	case 0:
		return nil
	case stor.ErrnoNoEntry:
		return stor.ErrNotExist
	case stor.ErrnoNoData:
		return stor.ErrNoData
	case stor.ErrnoNotSupported:
		return stor.ErrNotSupported
	default:
		return &stor.SysError{Errno: s.Errno, Msg: s.Msg}
	}
}

type poolConnectRequest struct {
	Sys   string `msgpack:"sys"`
	UUID  string `msgpack:"uuid"`
	Label string `msgpack:"label"`
}

type poolConnectResponse struct {
	Status status `msgpack:"status"`
	UUID   string `msgpack:"uuid"`
	Token  string `msgpack:"token"`
}

type contOpenRequest struct {
	Sys   string `msgpack:"sys"`
	Pool  string `msgpack:"pool"`
	UUID  string `msgpack:"uuid"`
	Label string `msgpack:"label"`
}

type contOpenResponse struct {
	Status status `msgpack:"status"`
	UUID   string `msgpack:"uuid"`
	Token  string `msgpack:"token"`
}

type resolvePathRequest struct {
	Sys  string `msgpack:"sys"`
	Path string `msgpack:"path"`
}

type resolvePathResponse struct {
	Status status `msgpack:"status"`
	Pool   string `msgpack:"pool"`
	Cont   string `msgpack:"cont"`
}

type handleRequest struct {
	Token string `msgpack:"token"`
}

type statusResponse struct {
	Status status `msgpack:"status"`
}
