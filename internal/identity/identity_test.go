package identity

import (
	"context"
	"testing"

	"github.com/go-kit/log"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/require"

	"github.com/rogue-developer/daosfs/internal/fault"
	"github.com/rogue-developer/daosfs/internal/stor"
	"github.com/rogue-developer/daosfs/internal/stor/stortest"
)

var (
	poolA = uuid.Must(uuid.FromString("11111111-2222-3333-4444-555555555555"))
	contA = uuid.Must(uuid.FromString("66666666-7777-8888-9999-aaaaaaaaaaaa"))
)

func resolve(t *testing.T, sys *stortest.System, req Request) (Identity, error) {
	t.Helper()
	return Resolve(context.Background(), log.NewNopLogger(), sys, req)
}

func TestResolve_ExplicitUUIDs(t *testing.T) {
	sys := &stortest.System{ExistingPaths: []string{"/mnt"}}

	id, err := resolve(t, sys, Request{
		Mountpoint: "/mnt",
		Pool:       poolA.String(),
		Cont:       contA.String(),
	})
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, id.Source)
	require.Equal(t, poolA, id.Pool)
	require.Equal(t, contA, id.Cont)
	require.False(t, id.MultiPool())
}

func TestResolve_ExplicitLabels(t *testing.T) {
	sys := &stortest.System{ExistingPaths: []string{"/mnt"}}

	id, err := resolve(t, sys, Request{Mountpoint: "/mnt", Pool: "tank", Cont: "home"})
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, id.Source)
	require.Equal(t, "tank", id.PoolLabel)
	require.Equal(t, "home", id.ContLabel)
	require.False(t, id.MultiPool())
}

func TestResolve_AttrPath(t *testing.T) {
	sys := &stortest.System{
		ExistingPaths: []string{"/mnt"},
		PathAttrs:     map[string]stor.Attrs{"/data/link": {Pool: poolA, Cont: contA}},
	}

	id, err := resolve(t, sys, Request{Mountpoint: "/mnt", AttrPath: "/data/link"})
	require.NoError(t, err)
	require.Equal(t, SourcePath, id.Source)
	require.Equal(t, poolA, id.Pool)
	require.Equal(t, contA, id.Cont)
}

func TestResolve_AttrPathMissing(t *testing.T) {
	sys := &stortest.System{ExistingPaths: []string{"/mnt"}}

	_, err := resolve(t, sys, Request{Mountpoint: "/mnt", AttrPath: "/nope"})
	require.Error(t, err)
	require.Equal(t, fault.KindResolution, fault.KindOf(err))
}

func TestResolve_AttrPathNoData(t *testing.T) {
	// A supplied attribute path that exists but has no attributes is fatal;
	// the option promises identity.
	sys := &stortest.System{ExistingPaths: []string{"/mnt", "/data/plain"}}

	_, err := resolve(t, sys, Request{Mountpoint: "/mnt", AttrPath: "/data/plain"})
	require.Error(t, err)
	require.Equal(t, fault.KindResolution, fault.KindOf(err))
}

func TestResolve_AttrPathConflictsWithExplicitPool(t *testing.T) {
	sys := &stortest.System{
		ExistingPaths: []string{"/mnt"},
		PathAttrs:     map[string]stor.Attrs{"/data/link": {Pool: poolA, Cont: contA}},
	}

	_, err := resolve(t, sys, Request{Mountpoint: "/mnt", AttrPath: "/data/link", Pool: "tank"})
	require.Error(t, err)
	require.Equal(t, fault.KindResolution, fault.KindOf(err))
}

func TestResolve_MountpointAttrs(t *testing.T) {
	sys := &stortest.System{
		PathAttrs: map[string]stor.Attrs{"/mnt": {Pool: poolA, Cont: contA}},
	}

	id, err := resolve(t, sys, Request{Mountpoint: "/mnt"})
	require.NoError(t, err)
	require.Equal(t, SourceMountpoint, id.Source)
	require.Equal(t, poolA, id.Pool)
	require.Equal(t, contA, id.Cont)
}

func TestResolve_MountpointAttrsConflictWithExplicitPool(t *testing.T) {
	sys := &stortest.System{
		PathAttrs: map[string]stor.Attrs{"/mnt": {Pool: poolA, Cont: contA}},
	}

	_, err := resolve(t, sys, Request{Mountpoint: "/mnt", Pool: "tank"})
	require.Error(t, err)
	require.Equal(t, fault.KindResolution, fault.KindOf(err))
}

func TestResolve_MountpointMissing(t *testing.T) {
	sys := &stortest.System{}

	_, err := resolve(t, sys, Request{Mountpoint: "/mnt", Pool: "tank"})
	require.Error(t, err)
	require.Equal(t, fault.KindResolution, fault.KindOf(err))
}

func TestResolve_DoubleSpecification(t *testing.T) {
	// Attribute path and mountpoint are literally the same path.
	sys := &stortest.System{
		PathAttrs: map[string]stor.Attrs{"/mnt": {Pool: poolA, Cont: contA}},
	}

	_, err := resolve(t, sys, Request{Mountpoint: "/mnt", AttrPath: "/mnt"})
	require.Error(t, err)
	require.Equal(t, fault.KindResolution, fault.KindOf(err))
}

func TestResolve_DoubleSpecificationTrailingSlash(t *testing.T) {
	// Normalization must catch the same path spelled differently.
	sys := &stortest.System{
		PathAttrs: map[string]stor.Attrs{"/mnt": {Pool: poolA, Cont: contA}},
	}

	_, err := resolve(t, sys, Request{Mountpoint: "/mnt", AttrPath: "/mnt/"})
	require.Error(t, err)
	require.Equal(t, fault.KindResolution, fault.KindOf(err))
}

func TestResolve_TwoDefinitiveSources(t *testing.T) {
	// Distinct paths, both carrying attributes: never merged, always fatal.
	sys := &stortest.System{
		PathAttrs: map[string]stor.Attrs{
			"/mnt":       {Pool: poolA, Cont: contA},
			"/data/link": {Pool: poolA, Cont: contA},
		},
	}

	_, err := resolve(t, sys, Request{Mountpoint: "/mnt", AttrPath: "/data/link"})
	require.Error(t, err)
	require.Equal(t, fault.KindResolution, fault.KindOf(err))
}

func TestResolve_ContainerWithoutPool(t *testing.T) {
	sys := &stortest.System{ExistingPaths: []string{"/mnt"}}

	_, err := resolve(t, sys, Request{Mountpoint: "/mnt", Cont: "home"})
	require.Error(t, err)
	require.Equal(t, fault.KindConfig, fault.KindOf(err))
}

func TestResolve_AttrsOutrankExplicitContainer(t *testing.T) {
	sys := &stortest.System{
		PathAttrs: map[string]stor.Attrs{"/mnt": {Pool: poolA, Cont: contA}},
	}

	id, err := resolve(t, sys, Request{Mountpoint: "/mnt", Cont: "other"})
	require.NoError(t, err)
	require.Equal(t, SourceMountpoint, id.Source)
	require.Equal(t, contA, id.Cont)
	require.Empty(t, id.ContLabel)
}

func TestResolve_NothingGivenIsMultiPool(t *testing.T) {
	sys := &stortest.System{ExistingPaths: []string{"/mnt"}}

	id, err := resolve(t, sys, Request{Mountpoint: "/mnt"})
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, id.Source)
	require.True(t, id.MultiPool())
}

func TestResolve_NotSupportedMountpoint(t *testing.T) {
	// A mountpoint on a filesystem without attribute support is fine.
	sys := &stortest.System{NotSupportedPaths: []string{"/mnt"}}

	id, err := resolve(t, sys, Request{Mountpoint: "/mnt", Pool: poolA.String()})
	require.NoError(t, err)
	require.Equal(t, SourceExplicit, id.Source)
	require.Equal(t, poolA, id.Pool)
}
