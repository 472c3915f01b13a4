// Package bufpool provides the scratch buffer PhysicalDev uses to stage its
// chunk table before an aligned write. It grounds on the teacher's internal/mmap + internal/arena pair,
// generalized from a memtable's key-value arena into a general-purpose
// scratch-region allocator.
package bufpool

import (
	"fmt"
	"syscall"
)

// mmapAlloc allocates a large contiguous chunk of memory using the OS
// syscall mmap. This is manually managed memory that is not garbage
// collected by the Go runtime; the caller must call mmapFree with the
// returned buffer when finished. The returned slice is exactly size bytes
// long, although the OS reserves whole pages behind it.
func mmapAlloc(size int) ([]byte, error) {
	if size < 1 {
		return nil, fmt.Errorf("bufpool: invalid size; size must be greater than 0: %d", size)
	}

	data, err := syscall.Mmap(-1, 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_ANON|syscall.MAP_PRIVATE,
	)
	if err != nil {
		return nil, err
	}

	return data, nil
}

func mmapFree(data []byte) error {
	return syscall.Munmap(data)
}
