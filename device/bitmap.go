package device

import (
	"github.com/xiaoxichen/homestore/internal/arch"
)

// InvalidID is the sentinel value for an unassigned chunk-id, vdev-id, or
// pdev-id, matching the spec's `INVALID` comparisons (§3: "a chunk is free
// when vdev_id == INVALID").
const InvalidID uint32 = 0xFFFFFFFF

// Bitmap is a dense, lock-free id-allocation bitmap of a fixed width, used
// for both the system-wide chunk-id space (MAX_CHUNKS_IN_SYSTEM) and the
// vdev-id space (MAX_VDEVS_IN_SYSTEM). It is also the on-disk encoding of
// the per-PDev chunk-info allocation bitmap that precedes the chunk-info
// array (§6).
//
// Bits are packed into arch.AtomicUint words so allocation is a compare-
// and-swap loop rather than a mutex, mirroring the CAS discipline the
// teacher's internal/arena.Allocate uses for its bump pointer.
type Bitmap struct {
	words []arch.AtomicUint
	width uint32
}

// NewBitmap returns a Bitmap with room for width ids, all initially clear
// (free).
func NewBitmap(width uint32) *Bitmap {
	n := (width + arch.WordBits - 1) / arch.WordBits
	return &Bitmap{
		words: make([]arch.AtomicUint, n),
		width: width,
	}
}

// Width returns the number of ids the bitmap can represent.
func (b *Bitmap) Width() uint32 {
	return b.width
}

// Alloc finds a clear bit, sets it, and returns its index. It returns
// ok=false (surfaced by callers as ErrOutOfRoom) when the bitmap is full.
func (b *Bitmap) Alloc() (id uint32, ok bool) {
	for w := range b.words {
		for {
			cur := b.words[w].Load()
			free := ^cur
			if free == 0 {
				break
			}
			bit := trailingZero(free)
			idx := uint32(w)*arch.WordBits + bit
			if idx >= b.width {
				break
			}
			next := cur | (1 << bit)
			if b.words[w].CompareAndSwap(cur, next) {
				return idx, true
			}
			// Lost the race for this word; retry.
		}
	}
	return 0, false
}

// Set marks id as allocated unconditionally, used when reconstructing the
// bitmap from persisted chunk_info / vdev_info slot_allocated flags on
// load.
func (b *Bitmap) Set(id uint32) {
	w, bit := id/arch.WordBits, id%arch.WordBits
	for {
		cur := b.words[w].Load()
		next := cur | (1 << bit)
		if b.words[w].CompareAndSwap(cur, next) {
			return
		}
	}
}

// Free clears id, returning it to the pool.
func (b *Bitmap) Free(id uint32) {
	w, bit := id/arch.WordBits, id%arch.WordBits
	for {
		cur := b.words[w].Load()
		next := cur &^ (1 << bit)
		if b.words[w].CompareAndSwap(cur, next) {
			return
		}
	}
}

// Test reports whether id is currently allocated.
func (b *Bitmap) Test(id uint32) bool {
	w, bit := id/arch.WordBits, id%arch.WordBits
	return b.words[w].Load()&(1<<bit) != 0
}

func trailingZero[T ~uint32 | ~uint64](v T) uint32 {
	if v == 0 {
		return arch.WordBits
	}
	var n uint32
	for v&1 == 0 {
		v >>= 1
		n++
	}
	return n
}
