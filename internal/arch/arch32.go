//go:build 386 || arm

// Package arch picks the native machine word size used to pack the
// chunk-id and vdev-id allocation bitmaps into as few atomic words as
// possible.
package arch

import "sync/atomic"

type (
	AtomicInt  = atomic.Int32
	AtomicUint = atomic.Uint32
)

const WordBits = 32

func IntToArchSize(n int) int32 {
	return int32(n)
}

func UintToArchSize(n uint) uint32 {
	return uint32(n)
}
