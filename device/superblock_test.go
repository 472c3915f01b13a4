package device

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func sampleFirstBlock() *FirstBlock {
	sysID := uuid.New()
	var name [ProductNameSize]byte
	copy(name[:], "homestore-test")

	return &FirstBlock{
		Header: FirstBlockHeader{
			Version:         CurrentVersion,
			GenNumber:       7,
			ProductName:     name,
			NumPDevs:        2,
			MaxVdevs:        16,
			MaxSystemChunks: 256,
			SystemUUID:      sysID,
		},
		PDevHeader: PDevInfoHeader{
			PDevID:        0,
			MaxPDevChunks: 128,
			DataOffset:    8192,
			Size:          1 << 20,
			DevAttr:       DevAttr{DevType: DevTypeData, AtomicPageSize: 4096, AlignSize: 4096},
			SystemUUID:    sysID,
		},
		Valid: true,
	}
}

func TestFirstBlockRoundTrip(t *testing.T) {
	fb := sampleFirstBlock()

	raw, err := EncodeFirstBlock(fb, 4096)
	require.NoError(t, err)
	require.Len(t, raw, 4096)

	got, err := DecodeFirstBlock(raw)
	require.NoError(t, err)
	require.True(t, got.Valid)
	require.Equal(t, fb.Header.SystemUUID, got.Header.SystemUUID)
	require.Equal(t, fb.Header.GenNumber, got.Header.GenNumber)
	require.Equal(t, fb.PDevHeader.DataOffset, got.PDevHeader.DataOffset)
}

func TestFirstBlockUnformattedIsNotAnError(t *testing.T) {
	raw := make([]byte, 4096)
	got, err := DecodeFirstBlock(raw)
	require.NoError(t, err)
	require.False(t, got.Valid)
}

func TestFirstBlockCorruptionDetected(t *testing.T) {
	fb := sampleFirstBlock()
	raw, err := EncodeFirstBlock(fb, 4096)
	require.NoError(t, err)

	raw[100] ^= 0xFF

	_, err = DecodeFirstBlock(raw)
	require.ErrorIs(t, err, ErrCorruptSuperblock)
}
