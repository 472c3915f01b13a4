package bufpool

import (
	"errors"
	"sync"

	"github.com/xiaoxichen/homestore/internal/arch"
)

var ErrFull = errors.New("bufpool: allocation failed because the region is full")

// Region is a lock-free bump allocator over a single mmap'd (or, on mmap
// failure, heap-allocated) buffer. Each PhysicalDev keeps one Region and
// Resets it for every chunk-table write, laying out the chunk-info bitmap,
// its alignment padding, and the chunk-info array contiguously before
// issuing a single aligned write; the layout matches the on-disk order in
// §6 of the layout description.
type Region struct {
	position arch.AtomicUint
	buffer   []byte
	mmapped  bool
	closed   sync.Once
}

// NewRegion allocates a new Region backed by size bytes.
func NewRegion(size uint) *Region {
	r := &Region{mmapped: true}

	buf, err := mmapAlloc(int(size))
	if err != nil {
		buf = make([]byte, size)
		r.mmapped = false
	}
	r.buffer = buf

	return r
}

// Reserve bump-allocates size bytes and returns a slice over them. Reserve
// is safe for concurrent use; callers race only for distinct byte ranges.
func (r *Region) Reserve(size uint) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}

	end := r.position.Add(arch.UintToArchSize(size))
	if uint(end) > uint(len(r.buffer)) {
		return nil, ErrFull
	}
	start := uint(end) - size

	return r.buffer[start:end:end], nil
}

// Len returns the number of bytes reserved so far.
func (r *Region) Len() uint {
	return uint(r.position.Load())
}

// Bytes returns the region's contents reserved so far, from offset 0 up to
// Len(). The slice aliases the region's backing buffer; callers must not
// retain it across a Reset.
func (r *Region) Bytes() []byte {
	return r.buffer[:r.Len()]
}

// Cap returns the total capacity of the region.
func (r *Region) Cap() uint {
	return uint(len(r.buffer))
}

// Reset rewinds the region so it can be reused for the next superblock
// write, without releasing the backing buffer.
func (r *Region) Reset() {
	r.position.Store(0)
}

// Close releases the backing buffer. Safe to call multiple times.
func (r *Region) Close() error {
	var err error
	r.closed.Do(func() {
		if r.mmapped {
			err = mmapFree(r.buffer)
		}
	})
	return err
}
