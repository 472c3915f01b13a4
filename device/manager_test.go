package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*DeviceManager, []string) {
	t.Helper()
	dm := NewDeviceManager(WithMaxVdevs(8), WithMaxSystemChunks(64), WithMaxPDevChunks(16))

	var paths []string
	for i := 0; i < 2; i++ {
		path := filepath.Join(t.TempDir(), "pdev")
		paths = append(paths, path)
		attr := DevAttr{DevType: DevTypeData, IsHDD: true, AtomicPageSize: 4096, AlignSize: 4096}
		_, err := dm.AddDevice(path, 4<<20, attr, os.O_RDWR|os.O_CREATE)
		require.NoError(t, err)
	}
	return dm, paths
}

func TestBootFirstTimeFormats(t *testing.T) {
	dm, _ := newTestManager(t)
	require.NoError(t, dm.Boot("homestore-test"))
	require.NotEqual(t, dm.SystemUUID().String(), "00000000-0000-0000-0000-000000000000")
}

func TestCreateVDevStripedAcrossAllPDevs(t *testing.T) {
	dm, _ := newTestManager(t)
	require.NoError(t, dm.Boot("homestore-test"))

	v, err := dm.CreateVDev("data", 1<<16, 4096, 2, PlacementAllPDevStriped, AllocTypeVarsize, ChunkSelRoundRobin)
	require.NoError(t, err)
	require.Equal(t, 2, len(v.primary))
	require.Equal(t, uint32(0), v.info.NumMirrors)
}

func TestCreateVDevMirroredReplicatesEveryChunk(t *testing.T) {
	dm, _ := newTestManager(t)
	require.NoError(t, dm.Boot("homestore-test"))

	v, err := dm.CreateVDev("mirrored", 1<<16, 4096, 1, PlacementAllPDevMirrored, AllocTypeVarsize, ChunkSelRoundRobin)
	require.NoError(t, err)
	require.Equal(t, 1, len(v.primary))
	require.Len(t, v.mirrors[0], 1) // one extra pdev beyond the primary
	require.Equal(t, uint32(1), v.info.NumMirrors)
}

func TestSingleFirstPDevPlacementUsesOnePDev(t *testing.T) {
	dm, _ := newTestManager(t)
	require.NoError(t, dm.Boot("homestore-test"))

	v, err := dm.CreateVDev("meta", 1<<12, 4096, 1, PlacementSingleFirstPDev, AllocTypeSlab, ChunkSelRoundRobin)
	require.NoError(t, err)
	require.Len(t, v.pdevs, 1)
	require.Equal(t, dm.pdevs[dm.pdevSeq[0]], v.pdevs[0])
}

func TestBootLoadRebuildsVDevsAcrossRestart(t *testing.T) {
	dm, paths := newTestManager(t)
	require.NoError(t, dm.Boot("homestore-test"))

	created, err := dm.CreateVDev("data", 1<<16, 4096, 2, PlacementAllPDevStriped, AllocTypeVarsize, ChunkSelRoundRobin)
	require.NoError(t, err)

	dm2 := NewDeviceManager(WithMaxVdevs(8), WithMaxSystemChunks(64), WithMaxPDevChunks(16))
	for i, p := range paths {
		attr := DevAttr{DevType: DevTypeData, IsHDD: true, AtomicPageSize: 4096, AlignSize: 4096}
		_, err := dm2.AddDevice(p, 4<<20, attr, os.O_RDWR)
		require.NoError(t, err)
		_ = i
	}
	require.NoError(t, dm2.Boot("homestore-test"))
	require.Equal(t, dm.SystemUUID(), dm2.SystemUUID())

	loaded, err := dm2.LoadVDevs()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, created.ID(), loaded[0].ID())
	require.Equal(t, created.info.VDevSize, loaded[0].info.VDevSize)
}
