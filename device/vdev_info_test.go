package device

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleVDevInfo() *VDevInfo {
	v := &VDevInfo{
		VDevID:           3,
		VDevSize:         1 << 24,
		NumMirrors:       1,
		BlkSize:          4096,
		NumPrimaryChunks: 2,
		AllocType:        AllocTypeVarsize,
		ChunkSelType:     ChunkSelRoundRobin,
		DevType:          DevTypeData,
		Placement:        PlacementAllPDevMirrored,
		SlotAllocated:    true,
	}
	copy(v.Name[:], "data-vdev")
	return v
}

func TestVDevInfoRoundTrip(t *testing.T) {
	v := sampleVDevInfo()

	raw, err := EncodeVDevInfo(v)
	require.NoError(t, err)
	require.Len(t, raw, VDevInfoSize)

	got, err := DecodeVDevInfo(raw)
	require.NoError(t, err)
	require.Equal(t, v.VDevID, got.VDevID)
	require.Equal(t, v.VDevSize, got.VDevSize)
	require.Equal(t, v.Placement, got.Placement)
}

func TestVDevInfoUnallocatedSlotSkipsChecksum(t *testing.T) {
	raw := make([]byte, VDevInfoSize)
	got, err := DecodeVDevInfo(raw)
	require.NoError(t, err)
	require.False(t, got.SlotAllocated)
}

func TestVDevInfoCorruptionDetected(t *testing.T) {
	v := sampleVDevInfo()
	raw, err := EncodeVDevInfo(v)
	require.NoError(t, err)

	raw[4] ^= 0xFF

	_, err = DecodeVDevInfo(raw)
	require.ErrorIs(t, err, ErrCorruptSuperblock)
}
