//go:build amd64 || arm64

// Package arch picks the native machine word size used to pack the
// chunk-id and vdev-id allocation bitmaps into as few atomic words as
// possible.
package arch

import "sync/atomic"

type (
	AtomicInt  = atomic.Int64
	AtomicUint = atomic.Uint64
)

const WordBits = 64

func IntToArchSize(n int) int64 {
	return int64(n)
}

func UintToArchSize(n uint) uint64 {
	return uint64(n)
}
