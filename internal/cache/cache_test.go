package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arclight-dev/arclight/internal/device"
	"github.com/arclight-dev/arclight/internal/vartype"
)

func TestHashStability(t *testing.T) {
	ir := "define void @arclight_0() { ret void }"
	require.Equal(t, Hash(ir), Hash(ir))
	require.NotEqual(t, Hash(ir), Hash(ir+" "))
}

func TestGetPut(t *testing.T) {
	c := NewMapCache()
	h := Hash("kernel-a")

	_, ok := c.Get(h)
	require.False(t, ok)

	k := &device.Kernel{IR: "kernel-a", Hash: h, Backend: vartype.BackendLLVM}
	c.Put(h, k)
	got, ok := c.Get(h)
	require.True(t, ok)
	require.Same(t, k, got)
	require.Equal(t, 1, c.Size())

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.HardMisses)
	require.Equal(t, uint64(1), stats.SoftMisses)
}

func TestManifestRoundTrip(t *testing.T) {
	c := NewMapCache()
	h1, h2 := Hash("k1"), Hash("k2")
	c.Put(h1, &device.Kernel{IR: "k1", Hash: h1, Backend: vartype.BackendLLVM})
	c.Put(h2, &device.Kernel{IR: "k2", Hash: h2, Backend: vartype.BackendCUDA})
	c.Hit()
	c.Launched()

	path := filepath.Join(t.TempDir(), "kernels.cbor")
	require.NoError(t, c.SaveManifest(path))

	hashes, stats, err := LoadManifest(path)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{h1, h2}, hashes)
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(2), stats.HardMisses)
	require.Equal(t, uint64(1), stats.Launches)
}

func TestLoadManifestMissing(t *testing.T) {
	_, _, err := LoadManifest(filepath.Join(t.TempDir(), "absent.cbor"))
	require.Error(t, err)
}
