package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSuperblockRoundTrip(t *testing.T) {
	sb := &Superblock{LastFlushedCP: 17}

	raw, err := EncodeSuperblock(sb)
	require.NoError(t, err)

	got, err := DecodeSuperblock(raw)
	require.NoError(t, err)
	require.Equal(t, sb.LastFlushedCP, got.LastFlushedCP)
}

func TestSuperblockDecodeMissingMagicIsNotAnError(t *testing.T) {
	raw := make([]byte, superblockSize)
	got, err := DecodeSuperblock(raw)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSuperblockDecodeCorruptionDetected(t *testing.T) {
	sb := &Superblock{LastFlushedCP: 9}
	raw, err := EncodeSuperblock(sb)
	require.NoError(t, err)

	raw[16] ^= 0xFF

	_, err = DecodeSuperblock(raw)
	require.Error(t, err)
}
