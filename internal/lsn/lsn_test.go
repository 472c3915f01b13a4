package lsn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdvanceToNeverDecreases(t *testing.T) {
	var a Atomic
	a.Store(10)

	a.AdvanceTo(5)
	require.Equal(t, LSN(10), a.Load())

	a.AdvanceTo(20)
	require.Equal(t, LSN(20), a.Load())
}

func TestAdvanceToConcurrentConvergesToMax(t *testing.T) {
	var a Atomic
	a.Store(Invalid)

	var wg sync.WaitGroup
	for i := LSN(0); i < 100; i++ {
		wg.Add(1)
		go func(v LSN) {
			defer wg.Done()
			a.AdvanceTo(v)
		}(i)
	}
	wg.Wait()

	require.Equal(t, LSN(99), a.Load())
}

func TestCompareAndSwap(t *testing.T) {
	var a Atomic
	a.Store(1)

	require.False(t, a.CompareAndSwap(2, 3))
	require.True(t, a.CompareAndSwap(1, 3))
	require.Equal(t, LSN(3), a.Load())
}
