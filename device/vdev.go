package device

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/xiaoxichen/homestore/internal/future"
)

// VirtualDev is the logical device an upper-layer data service writes
// blocks to (§4.D). It maps logical block ids onto a set of chunks spread
// across one or more PhysicalDevs according to its placement policy, and
// hides chunk-level replication (mirroring) behind a single async_read /
// async_write contract.
type VirtualDev struct {
	mu sync.Mutex

	info  VDevInfo
	pdevs []*PhysicalDev

	// primary holds the chunks a block id is striped/selected across.
	// mirrors[i] holds the replica chunks of primary[i], one per extra
	// pdev, populated only when info.NumMirrors > 0 or the placement is
	// ALL_PDEV_MIRRORED.
	primary []*Chunk
	mirrors [][]*Chunk

	rr uint64
}

// NewVirtualDev builds a VirtualDev from its persisted info and the chunks
// DeviceManager assembled for it (already ordered by primary group). Every
// entry of chunkGroups is one primary chunk plus its mirror copies, in
// pdevs-participating order.
func NewVirtualDev(info VDevInfo, pdevs []*PhysicalDev, chunkGroups [][]*Chunk) *VirtualDev {
	v := &VirtualDev{info: info, pdevs: pdevs}
	for _, group := range chunkGroups {
		if len(group) == 0 {
			continue
		}
		v.primary = append(v.primary, group[0])
		if len(group) > 1 {
			v.mirrors = append(v.mirrors, group[1:])
		} else {
			v.mirrors = append(v.mirrors, nil)
		}
	}
	return v
}

func (v *VirtualDev) ID() uint32     { return v.info.VDevID }
func (v *VirtualDev) Info() VDevInfo { return v.info }

// MultiBlkId identifies the contiguous run of blocks a single value was
// allocated across (§4.D/§4.G). A value's byte size almost never lands on
// exactly one blk_size boundary, so allocators hand back a range rather
// than always exactly one block id.
type MultiBlkId struct {
	Start   uint64
	NumBlks uint32
}

// NumBlocksForSize returns how many blkSize-sized blocks are needed to
// hold sizeBytes, rounding up. blkSize of zero is treated as 1 to avoid a
// divide by zero; callers always pass a real vdev blk_size in practice.
func NumBlocksForSize(sizeBytes int, blkSize uint32) uint32 {
	if blkSize == 0 {
		blkSize = 1
	}
	n := (uint32(sizeBytes) + blkSize - 1) / blkSize
	if n == 0 {
		n = 1
	}
	return n
}

// ComputeVDevSize rounds a requested logical size up to a whole number of
// blk_size-multiple chunks per primary stripe, so the vdev never straddles
// a partial chunk (§4.D).
func ComputeVDevSize(requested uint64, chunkSize uint64, numPrimaryChunks uint32) uint64 {
	if numPrimaryChunks == 0 {
		numPrimaryChunks = 1
	}
	stripeSize := chunkSize * uint64(numPrimaryChunks)
	if stripeSize == 0 {
		return requested
	}
	rem := requested % stripeSize
	if rem == 0 {
		return requested
	}
	return requested + (stripeSize - rem)
}

// selectPrimary picks the primary chunk (and blkOff within it) that owns
// blkID, per info.ChunkSelType.
func (v *VirtualDev) selectPrimary(blkID uint64) (*Chunk, int, int64) {
	n := len(v.primary)
	if n == 0 {
		return nil, -1, 0
	}

	var idx int
	switch v.info.ChunkSelType {
	case ChunkSelHash:
		h := fnv.New32a()
		var b [8]byte
		for i := 0; i < 8; i++ {
			b[i] = byte(blkID >> (8 * i))
		}
		_, _ = h.Write(b[:])
		idx = int(h.Sum32()) % n
	default: // ChunkSelRoundRobin
		idx = int(blkID % uint64(n))
	}

	chunkBlks := v.primary[idx].ChunkSize / uint64(v.blkSize())
	if chunkBlks == 0 {
		chunkBlks = 1
	}
	blkOff := int64((blkID / uint64(n)) % chunkBlks * uint64(v.blkSize()))
	return v.primary[idx], idx, blkOff
}

func (v *VirtualDev) blkSize() uint32 {
	if v.info.BlkSize == 0 {
		return 4096
	}
	return v.info.BlkSize
}

// AsyncWrite writes buf (must be a whole number of blocks) starting at
// blkID to the primary chunk and, if mirrored, fans the same write out to
// every mirror copy concurrently, resolving only once all copies land. It
// is the single-block convenience form of AsyncWriteMultiBlk.
func (v *VirtualDev) AsyncWrite(blkID uint64, buf []byte) *future.Future {
	return v.AsyncWriteMultiBlk(MultiBlkId{Start: blkID, NumBlks: 1}, buf)
}

// AsyncWriteMultiBlk writes buf, spanning ids.NumBlks blocks starting at
// ids.Start, to the chunk that owns ids.Start (and its mirrors, if any).
// Every block in the range must resolve to the same chunk under
// selectPrimary or the write is rejected, since a value's bytes are laid
// out contiguously within one chunk copy rather than split across the
// chunks a striped placement would otherwise scatter individual block ids
// onto (§4.D/§4.G).
func (v *VirtualDev) AsyncWriteMultiBlk(ids MultiBlkId, buf []byte) *future.Future {
	c, idx, off := v.selectPrimary(ids.Start)
	if c == nil {
		return future.Resolved(fmt.Errorf("device: vdev %d has no chunks", v.info.VDevID))
	}
	if ids.NumBlks > 1 {
		_, lastIdx, _ := v.selectPrimary(ids.Start + uint64(ids.NumBlks) - 1)
		if lastIdx != idx {
			return future.Resolved(fmt.Errorf("device: vdev %d: multi-block write %+v spans more than one chunk", v.info.VDevID, ids))
		}
	}

	futures := []*future.Future{c.pdev.AsyncWrite(c, off, buf)}
	for _, mirror := range v.mirrors[idx] {
		futures = append(futures, mirror.pdev.AsyncWrite(mirror, off, buf))
	}
	return future.Join(futures...)
}

// AsyncRead reads len(buf) bytes starting at blkID from the primary copy.
// If the primary read fails and a mirror exists, it retries against the
// first available mirror. It is the single-block
// convenience form of AsyncReadMultiBlk.
func (v *VirtualDev) AsyncRead(blkID uint64, buf []byte) *future.Future {
	return v.AsyncReadMultiBlk(MultiBlkId{Start: blkID, NumBlks: 1}, buf)
}

// AsyncReadMultiBlk reads len(buf) bytes starting at ids.Start from the
// chunk ids resolves to, retrying against a mirror on failure.
func (v *VirtualDev) AsyncReadMultiBlk(ids MultiBlkId, buf []byte) *future.Future {
	c, idx, off := v.selectPrimary(ids.Start)
	if c == nil {
		return future.Resolved(fmt.Errorf("device: vdev %d has no chunks", v.info.VDevID))
	}

	f, resolve := future.New()
	go func() {
		err := c.pdev.AsyncRead(c, off, buf).Wait()
		if err == nil {
			resolve(nil)
			return
		}
		for _, mirror := range v.mirrors[idx] {
			if err2 := mirror.pdev.AsyncRead(mirror, off, buf).Wait(); err2 == nil {
				resolve(nil)
				return
			}
		}
		resolve(err)
	}()
	return f
}

// CommitBlk is the synchronous commit_blk(blkid) barrier of §4.D: it
// blocks until the write future for blkID resolves, translating the async
// contract into the request/response shape callers issuing a single
// confirmed write want. blkID identifies the block range being committed
// for the out-of-scope allocator layered on top of the vdev; the vdev
// itself only tracks chunk lifecycle, so blkID is otherwise unused here.
func (v *VirtualDev) CommitBlk(blkID MultiBlkId, f *future.Future) error {
	return f.Wait()
}

// AsyncFreeBlk releases a logical block range back to the (out-of-scope)
// block allocator layered on top of this vdev. The vdev itself only owns
// chunk lifecycle, not intra-chunk block accounting, so this is a no-op
// hook kept for interface symmetry with async_write/async_read.
func (v *VirtualDev) AsyncFreeBlk(blkID uint64, numBlks uint32) *future.Future {
	return future.Resolved(nil)
}

func (v *VirtualDev) nextRoundRobin() uint64 {
	return atomic.AddUint64(&v.rr, 1)
}

// pickPDev applies PDevChoice for a SINGLE_FIRST_PDEV / SINGLE_RANDOM_PDEV
// placement at vdev-creation time.
func pickPDev(pdevs []*PhysicalDev, choice PDevChoice) *PhysicalDev {
	if len(pdevs) == 0 {
		return nil
	}
	switch choice {
	case PDevChoiceRandom:
		return pdevs[rand.Intn(len(pdevs))]
	default:
		return pdevs[0]
	}
}
