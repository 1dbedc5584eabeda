package directory_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shmhub/shmhub/directory"
)

func TestRegisterThenDiscover(t *testing.T) {
	d := directory.NewFileDirectory(filepath.Join(t.TempDir(), "registry.json"))

	flexHash := [32]byte{1}
	dataHash := [32]byte{2}
	require.NoError(t, d.Register("ticks", "shmhub-ticks-seg", flexHash, dataHash))

	name, gotFlex, gotData, err := d.Discover("ticks")
	require.NoError(t, err)
	require.Equal(t, "shmhub-ticks-seg", name)
	require.Equal(t, flexHash, gotFlex)
	require.Equal(t, dataHash, gotData)
}

func TestDiscoverUnknownChannelFails(t *testing.T) {
	d := directory.NewFileDirectory(filepath.Join(t.TempDir(), "registry.json"))
	_, _, _, err := d.Discover("missing")
	require.Error(t, err)
}

func TestUnregisterRemovesChannel(t *testing.T) {
	d := directory.NewFileDirectory(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, d.Register("ticks", "seg", [32]byte{}, [32]byte{}))
	require.NoError(t, d.Unregister("ticks"))

	_, _, _, err := d.Discover("ticks")
	require.Error(t, err)
}

func TestRegisterSurvivesAcrossDirectoryInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	d1 := directory.NewFileDirectory(path)
	require.NoError(t, d1.Register("ticks", "seg", [32]byte{9}, [32]byte{8}))

	d2 := directory.NewFileDirectory(path)
	name, _, _, err := d2.Discover("ticks")
	require.NoError(t, err)
	require.Equal(t, "seg", name)
}
