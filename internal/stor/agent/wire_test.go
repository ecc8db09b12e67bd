package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rogue-developer/daosfs/internal/stor"
)

func TestStatusErr(t *testing.T) {
	require.NoError(t, status{}.err())
	require.ErrorIs(t, status{Errno: stor.ErrnoNoEntry}.err(), stor.ErrNotExist)
	require.ErrorIs(t, status{Errno: stor.ErrnoNoData}.err(), stor.ErrNoData)
	require.ErrorIs(t, status{Errno: stor.ErrnoNotSupported}.err(), stor.ErrNotSupported)

	err := status{Errno: 13, Msg: "permission denied"}.err()
	require.Error(t, err)
	require.Equal(t, 13, stor.Errno(err))
	require.Equal(t, "permission denied", err.Error())
}

func TestCodec_RoundTripStatus(t *testing.T) {
	in := resolvePathResponse{
		Status: status{Errno: stor.ErrnoNoData, Msg: "no attributes"},
		Pool:   "",
		Cont:   "",
	}

	data, err := msgpackCodec{}.Marshal(&in)
	require.NoError(t, err)

	var out resolvePathResponse
	require.NoError(t, msgpackCodec{}.Unmarshal(data, &out))
	require.Equal(t, in, out)
}

func TestCodec_Name(t *testing.T) {
	require.Equal(t, "msgpack", msgpackCodec{}.Name())
}

// The tag names, not the Go field names, are the wire contract.
func TestRequestTags(t *testing.T) {
	data, err := msgpack.Marshal(&poolConnectRequest{Sys: "daos_server", Label: "tank"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(data, &m))
	require.Contains(t, m, "sys")
	require.Contains(t, m, "label")
	require.NotContains(t, m, "Sys")
}
