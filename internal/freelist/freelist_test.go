package freelist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBestFitPicksSmallestSufficientChunk(t *testing.T) {
	l := New()
	l.Insert(Entry{Key: Key{Size: 4096, Offset: 0}, ChunkID: 1})
	l.Insert(Entry{Key: Key{Size: 1024, Offset: 4096}, ChunkID: 2})
	l.Insert(Entry{Key: Key{Size: 2048, Offset: 5120}, ChunkID: 3})

	e, ok := l.BestFit(1500)
	require.True(t, ok)
	require.Equal(t, uint32(3), e.ChunkID)
}

func TestBestFitTiesBrokenByLowerOffset(t *testing.T) {
	l := New()
	l.Insert(Entry{Key: Key{Size: 1024, Offset: 8192}, ChunkID: 1})
	l.Insert(Entry{Key: Key{Size: 1024, Offset: 0}, ChunkID: 2})

	e, ok := l.BestFit(1024)
	require.True(t, ok)
	require.Equal(t, uint32(2), e.ChunkID)
}

func TestBestFitNoneLargeEnough(t *testing.T) {
	l := New()
	l.Insert(Entry{Key: Key{Size: 512, Offset: 0}, ChunkID: 1})

	_, ok := l.BestFit(4096)
	require.False(t, ok)
}

func TestDeleteRemovesEntry(t *testing.T) {
	l := New()
	l.Insert(Entry{Key: Key{Size: 4096, Offset: 0}, ChunkID: 1})
	require.Equal(t, 1, l.Len())

	require.True(t, l.Delete(Key{Size: 4096, Offset: 0}, 1))
	require.Equal(t, 0, l.Len())
	require.False(t, l.Delete(Key{Size: 4096, Offset: 0}, 1))
}

func TestAllReturnsAscendingOrder(t *testing.T) {
	l := New()
	l.Insert(Entry{Key: Key{Size: 4096, Offset: 0}, ChunkID: 1})
	l.Insert(Entry{Key: Key{Size: 1024, Offset: 0}, ChunkID: 2})
	l.Insert(Entry{Key: Key{Size: 2048, Offset: 0}, ChunkID: 3})

	all := l.All()
	require.Len(t, all, 3)
	require.Equal(t, uint64(1024), all[0].Key.Size)
	require.Equal(t, uint64(2048), all[1].Key.Size)
	require.Equal(t, uint64(4096), all[2].Key.Size)
}
