package device

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmapAllocFreeReuse(t *testing.T) {
	b := NewBitmap(8)

	id, ok := b.Alloc()
	require.True(t, ok)
	require.True(t, b.Test(id))

	b.Free(id)
	require.False(t, b.Test(id))

	id2, ok := b.Alloc()
	require.True(t, ok)
	require.Equal(t, id, id2)
}

func TestBitmapExhaustion(t *testing.T) {
	b := NewBitmap(4)
	for i := 0; i < 4; i++ {
		_, ok := b.Alloc()
		require.True(t, ok)
	}
	_, ok := b.Alloc()
	require.False(t, ok)
}

func TestBitmapConcurrentAllocNoDuplicates(t *testing.T) {
	b := NewBitmap(256)
	seen := make(chan uint32, 256)

	var wg sync.WaitGroup
	for i := 0; i < 256; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ok := b.Alloc()
			require.True(t, ok)
			seen <- id
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint32]bool)
	for id := range seen {
		require.False(t, unique[id])
		unique[id] = true
	}
	require.Len(t, unique, 256)
}
