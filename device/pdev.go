package device

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xiaoxichen/homestore/internal/blockfile"
	"github.com/xiaoxichen/homestore/internal/bufpool"
	"github.com/xiaoxichen/homestore/internal/freelist"
	"github.com/xiaoxichen/homestore/internal/future"
)

// PDevParams describes a physical device at open time (§4.A). Size and
// DevAttr are known from configuration even before the first block is read,
// since reading the first block requires already knowing the atomic write
// size to read an aligned amount.
type PDevParams struct {
	ID            uint32
	Path          string
	Size          uint64
	Attr          DevAttr
	MaxVdevs      uint32
	MaxPDevChunks uint32
}

// PhysicalDev is one raw block device or backing file (§4.B). It owns the
// on-disk layout of its own superblock region -- first block, vdev_info
// array, chunk bitmap and chunk_info array -- and the free-chunk index used
// to satisfy CreateChunks.
type PhysicalDev struct {
	mu sync.Mutex

	id       uint32
	path     string
	file     *blockfile.File
	attr     DevAttr
	size     uint64
	maxVdevs uint32
	maxChunk uint32

	atomicFBSize int
	alignSize    int

	vdevArrayOff   int64
	chunkBitmapOff int64
	chunkArrayOff  int64
	dataOffset     int64
	sbRegionSize   int64

	firstBlock *FirstBlock

	slotBitmap *Bitmap
	slots      []*Chunk // index -> occupant, nil if slot free
	byID       map[uint32]*Chunk
	headID     uint32
	tailID     uint32
	free       *freelist.List

	registry *Registry

	// region stages the chunk bitmap and chunk_info array contiguously
	// before each flush, so the whole chunk table is written with one
	// aligned WriteAt instead of two (§6: the bitmap and array are
	// adjacent on disk).
	region *bufpool.Region

	log *logrus.Entry
}

// OpenPDev opens the backing file (creating it if flag includes O_CREATE)
// and computes the fixed superblock-region layout from p.Attr, but does not
// itself decide formatted-vs-unformatted; call ReadFirstBlock afterward.
func OpenPDev(params PDevParams, flag int, mode blockfile.OpenMode, registry *Registry) (*PhysicalDev, error) {
	f, err := blockfile.Open(params.Path, flag, mode)
	if err != nil {
		return nil, fmt.Errorf("device: open pdev %d: %w", params.ID, err)
	}

	p := &PhysicalDev{
		id:       params.ID,
		path:     params.Path,
		file:     f,
		attr:     params.Attr,
		size:     params.Size,
		maxVdevs: params.MaxVdevs,
		maxChunk: params.MaxPDevChunks,
		byID:     make(map[uint32]*Chunk),
		headID:   InvalidID,
		tailID:   InvalidID,
		free:     freelist.New(),
		registry: registry,
		log:      logrus.WithField("pdev_id", params.ID),
	}
	p.atomicFBSize = f.AlignmentSize()
	if int(params.Attr.AtomicPageSize) > p.atomicFBSize {
		p.atomicFBSize = int(params.Attr.AtomicPageSize)
	}
	p.alignSize = f.AlignmentSize()
	p.computeLayout()

	tableSize := uint(p.chunkArrayOff-p.chunkBitmapOff) + uint(p.maxChunk)*uint(ChunkInfoSize)
	p.region = bufpool.NewRegion(tableSize)

	return p, nil
}

// computeLayout lays out the fixed regions of the superblock area, matching
// §6: first block, then the vdev_info array, then the chunk allocation
// bitmap, then the chunk_info array, then the data region.
func (p *PhysicalDev) computeLayout() {
	p.vdevArrayOff = int64(p.roundUp(p.atomicFBSize))
	vdevArraySize := int64(p.maxVdevs) * int64(VDevInfoSize)

	p.chunkBitmapOff = p.vdevArrayOff + int64(p.roundUp(int(vdevArraySize)))
	bitmapBytes := (int(p.maxChunk) + 7) / 8

	p.chunkArrayOff = p.chunkBitmapOff + int64(p.roundUp(bitmapBytes))
	chunkArraySize := int64(p.maxChunk) * int64(ChunkInfoSize)

	p.sbRegionSize = int64(p.roundUp(int(p.chunkArrayOff + chunkArraySize)))
	p.dataOffset = p.sbRegionSize
}

func (p *PhysicalDev) roundUp(n int) int {
	if p.alignSize == 0 {
		return n
	}
	rem := n % p.alignSize
	if rem == 0 {
		return n
	}
	return n + (p.alignSize - rem)
}

func (p *PhysicalDev) ID() uint32              { return p.id }
func (p *PhysicalDev) Path() string            { return p.path }
func (p *PhysicalDev) Attr() DevAttr           { return p.attr }
func (p *PhysicalDev) Size() uint64            { return p.size }
func (p *PhysicalDev) DataOffset() int64       { return p.dataOffset }
func (p *PhysicalDev) FirstBlock() *FirstBlock { return p.firstBlock }

// ReadFirstBlock reads and decodes this PDev's first block. A FirstBlock
// with Valid=false and a nil error means the device is unformatted.
func (p *PhysicalDev) ReadFirstBlock() (*FirstBlock, error) {
	buf := p.file.AllocAligned(p.atomicFBSize)
	if _, err := p.file.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("device: read first block: %w", ErrIO)
	}
	fb, err := DecodeFirstBlock(buf)
	if err != nil {
		return nil, err
	}
	p.firstBlock = fb
	return fb, nil
}

// WriteFirstBlock encodes and writes fb, and keeps it as this PDev's cached
// copy of its own first block.
func (p *PhysicalDev) WriteFirstBlock(fb *FirstBlock) error {
	raw, err := EncodeFirstBlock(fb, p.atomicFBSize)
	if err != nil {
		return err
	}
	if _, err := p.file.WriteAt(raw, 0); err != nil {
		return fmt.Errorf("device: write first block: %w", ErrIO)
	}
	if p.attr.IsHDD && fb.PDevHeader.MirrorSuperBlock {
		tailOff := int64(p.size) - int64(len(raw))
		if _, err := p.file.WriteAt(raw, tailOff); err != nil {
			return fmt.Errorf("device: write mirrored first block: %w", ErrIO)
		}
	}
	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("device: sync first block: %w", ErrIO)
	}
	p.firstBlock = fb
	return nil
}

// ReadVDevInfo reads the vdev_info slot at index slot (0-based) from this
// PDev's vdev_info array.
func (p *PhysicalDev) ReadVDevInfo(slot int) (*VDevInfo, error) {
	buf := p.file.AllocAligned(VDevInfoSize)
	off := p.vdevArrayOff + int64(slot)*int64(VDevInfoSize)
	if _, err := p.file.ReadAt(buf[:VDevInfoSize], off); err != nil {
		return nil, fmt.Errorf("device: read vdev_info slot %d: %w", slot, ErrIO)
	}
	return DecodeVDevInfo(buf[:VDevInfoSize])
}

// WriteVDevInfo persists a vdev_info slot to every PDev in the vdev's
// placement; DeviceManager calls this once per participating PDev.
func (p *PhysicalDev) WriteVDevInfo(slot int, v *VDevInfo) error {
	raw, err := EncodeVDevInfo(v)
	if err != nil {
		return err
	}
	off := p.vdevArrayOff + int64(slot)*int64(VDevInfoSize)
	if _, err := p.file.WriteAt(raw, off); err != nil {
		return fmt.Errorf("device: write vdev_info slot %d: %w", slot, ErrIO)
	}
	return p.file.Sync()
}

// FormatChunks initializes this PDev's chunk structures to a single free
// chunk spanning the whole data region, then flushes the chunk table. Called
// once, at first-boot format time (§4.C).
func (p *PhysicalDev) FormatChunks() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.slotBitmap = NewBitmap(p.maxChunk)
	p.slots = make([]*Chunk, p.maxChunk)

	id, err := p.registry.AllocID()
	if err != nil {
		return err
	}
	slot, ok := p.slotBitmap.Alloc()
	if !ok {
		return ErrOutOfRoom
	}

	dataSize := uint64(p.size) - uint64(p.dataOffset)
	ci := ChunkInfo{
		ChunkStartOffset: 0,
		ChunkSize:        dataSize,
		ChunkID:          id,
		PDevID:           p.id,
		VDevID:           InvalidID,
		PrevChunkID:      InvalidID,
		NextChunkID:      InvalidID,
		PrimaryChunkID:   InvalidID,
		SlotAllocated:    true,
	}
	c := &Chunk{ChunkInfo: ci, pdev: p}
	p.slots[slot] = c
	p.byID[id] = c
	p.headID, p.tailID = id, id
	p.free.Insert(freelist.Entry{Key: freelist.Key{Size: dataSize, Offset: 0}, ChunkID: id})
	p.registry.Register(c)

	return p.flushChunkTableLocked()
}

// LoadChunks replays the persisted chunk bitmap and chunk_info array,
// reconstructing the free index and intrusive adjacency list. accept is
// consulted for each busy chunk to decide whether it attaches to a live
// vdev; a chunk rejected by accept is still tracked (it occupies real disk
// space and its id must not be reused) but is not returned, and is logged
// as orphaned per §4.E's retry-on-next-create_vdev semantics.
func (p *PhysicalDev) LoadChunks(accept func(*Chunk) bool) ([]*Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bitmapBytes := (int(p.maxChunk) + 7) / 8
	bmBuf := p.file.AllocAligned(bitmapBytes)
	if _, err := p.file.ReadAt(bmBuf[:bitmapBytes], p.chunkBitmapOff); err != nil {
		return nil, fmt.Errorf("device: read chunk bitmap: %w", ErrIO)
	}

	p.slotBitmap = NewBitmap(p.maxChunk)
	p.slots = make([]*Chunk, p.maxChunk)

	var accepted []*Chunk
	for slot := 0; slot < int(p.maxChunk); slot++ {
		if bmBuf[slot/8]&(1<<uint(slot%8)) == 0 {
			continue
		}
		p.slotBitmap.Set(uint32(slot))

		raw := p.file.AllocAligned(ChunkInfoSize)
		off := p.chunkArrayOff + int64(slot)*int64(ChunkInfoSize)
		if _, err := p.file.ReadAt(raw[:ChunkInfoSize], off); err != nil {
			return nil, fmt.Errorf("device: read chunk_info slot %d: %w", slot, ErrIO)
		}
		ci, err := DecodeChunkInfo(raw[:ChunkInfoSize])
		if err != nil {
			return nil, err
		}
		if !ci.SlotAllocated {
			continue
		}

		c := &Chunk{ChunkInfo: *ci, pdev: p}
		p.slots[slot] = c
		p.byID[ci.ChunkID] = c
		p.registry.MarkUsed(ci.ChunkID)
		p.registry.Register(c)

		if p.headID == InvalidID || ci.ChunkStartOffset < p.byID[p.headID].ChunkStartOffset {
			p.headID = ci.ChunkID
		}
		if p.tailID == InvalidID || ci.ChunkStartOffset > p.byID[p.tailID].ChunkStartOffset {
			p.tailID = ci.ChunkID
		}

		if ci.IsFree() {
			p.free.Insert(freelist.Entry{Key: freelist.Key{Size: ci.ChunkSize, Offset: ci.ChunkStartOffset}, ChunkID: ci.ChunkID})
			continue
		}

		if accept == nil || accept(c) {
			accepted = append(accepted, c)
		} else {
			p.log.WithField("chunk_id", ci.ChunkID).Warn("orphaned chunk: owning vdev not present in loaded vdev table")
		}
	}

	return accepted, nil
}

// CreateChunks allocates len(chunkIDs) chunks of chunkSize bytes each for
// vdevID, using ids pre-reserved by the caller (DeviceManager owns the
// system-wide id space so a vdev's chunks get contiguous, predictable ids
// across pdevs). It is all-or-nothing: if there isn't room for every
// requested chunk, no allocation is performed.
func (p *PhysicalDev) CreateChunks(chunkIDs []uint32, vdevID uint32, chunkSize uint64) ([]*Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	reqSize := uint64(p.roundUp(int(chunkSize)))

	if reqSize > 0 && p.fitCountLocked(reqSize) < uint64(len(chunkIDs)) {
		return nil, ErrNoSpace
	}

	out := make([]*Chunk, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		c, err := p.allocOneLocked(id, vdevID, reqSize)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	if err := p.flushChunkTableLocked(); err != nil {
		return nil, err
	}
	return out, nil
}

// fitCountLocked returns how many reqSize-byte chunks the free chunks can
// supply, counting each free chunk on its own so that fragmented free space
// is not mistaken for one contiguous run.
func (p *PhysicalDev) fitCountLocked(reqSize uint64) uint64 {
	var n uint64
	for _, e := range p.free.All() {
		n += e.Key.Size / reqSize
	}
	return n
}

func (p *PhysicalDev) allocOneLocked(id, vdevID uint32, reqSize uint64) (*Chunk, error) {
	found, ok := p.free.BestFit(reqSize)
	if !ok {
		return nil, ErrNoSpace
	}
	p.free.Delete(found.Key, found.ChunkID)

	freeChunk := p.byID[found.ChunkID]
	slot := p.slotOfLocked(found.ChunkID)

	freeChunk.VDevID = vdevID
	freeChunk.ChunkID = id
	freeChunk.ChunkSize = reqSize
	delete(p.byID, found.ChunkID)
	p.byID[id] = freeChunk
	p.slots[slot] = freeChunk
	if p.headID == found.ChunkID {
		p.headID = id
	}
	if p.tailID == found.ChunkID {
		p.tailID = id
	}
	for _, other := range p.byID {
		if other.PrevChunkID == found.ChunkID {
			other.PrevChunkID = id
		}
		if other.NextChunkID == found.ChunkID {
			other.NextChunkID = id
		}
	}

	leftover := found.Key.Size - reqSize
	if leftover > 0 {
		leftoverID, err := p.registry.AllocID()
		if err != nil {
			return nil, err
		}
		leftoverSlot, ok := p.slotBitmap.Alloc()
		if !ok {
			p.registry.ReleaseID(leftoverID)
			return nil, ErrOutOfRoom
		}
		leftoverChunk := &Chunk{
			ChunkInfo: ChunkInfo{
				ChunkStartOffset: found.Key.Offset + reqSize,
				ChunkSize:        leftover,
				ChunkID:          leftoverID,
				PDevID:           p.id,
				VDevID:           InvalidID,
				PrevChunkID:      id,
				NextChunkID:      freeChunk.NextChunkID,
				PrimaryChunkID:   InvalidID,
				SlotAllocated:    true,
			},
			pdev: p,
		}
		if freeChunk.NextChunkID != InvalidID {
			p.byID[freeChunk.NextChunkID].PrevChunkID = leftoverID
		} else {
			p.tailID = leftoverID
		}
		freeChunk.NextChunkID = leftoverID

		p.slots[leftoverSlot] = leftoverChunk
		p.byID[leftoverID] = leftoverChunk
		p.registry.Register(leftoverChunk)
		p.free.Insert(freelist.Entry{Key: freelist.Key{Size: leftover, Offset: leftoverChunk.ChunkStartOffset}, ChunkID: leftoverID})
	}

	p.registry.Register(freeChunk)
	return freeChunk, nil
}

// SetPrimary records that chunkID is a mirror copy of primaryID, so a
// later LoadVDevs can regroup mirror chunks with their primary without
// relying on allocation order.
func (p *PhysicalDev) SetPrimary(chunkID, primaryID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[chunkID]
	if !ok {
		return fmt.Errorf("device: unknown chunk id %d", chunkID)
	}
	c.PrimaryChunkID = primaryID
	return p.flushChunkTableLocked()
}

func (p *PhysicalDev) slotOfLocked(id uint32) int {
	for i, c := range p.slots {
		if c != nil && c.ChunkID == id {
			return i
		}
	}
	return -1
}

// FreeChunk marks chunkID free and merges it with an immediately adjacent
// free neighbor on either side, matching §4.C's "keep at most one free
// chunk per contiguous free run" invariant. It releases the chunk-ids
// absorbed by the merge back to the registry itself and returns them.
func (p *PhysicalDev) FreeChunk(chunkID uint32) ([]uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.byID[chunkID]
	if !ok {
		return nil, fmt.Errorf("device: unknown chunk id %d", chunkID)
	}

	c.VDevID = InvalidID
	c.IsSBChunk = false
	p.free.Insert(freelist.Entry{Key: freelist.Key{Size: c.ChunkSize, Offset: c.ChunkStartOffset}, ChunkID: c.ChunkID})

	var absorbed []uint32

	if next, ok := p.byID[c.NextChunkID]; ok && next.IsFree() {
		p.free.Delete(freelist.Key{Size: next.ChunkSize, Offset: next.ChunkStartOffset}, next.ChunkID)
		p.free.Delete(freelist.Key{Size: c.ChunkSize, Offset: c.ChunkStartOffset}, c.ChunkID)
		c.ChunkSize += next.ChunkSize
		c.NextChunkID = next.NextChunkID
		if next.NextChunkID != InvalidID {
			p.byID[next.NextChunkID].PrevChunkID = c.ChunkID
		} else {
			p.tailID = c.ChunkID
		}
		p.removeSlotLocked(next.ChunkID)
		absorbed = append(absorbed, next.ChunkID)
		p.free.Insert(freelist.Entry{Key: freelist.Key{Size: c.ChunkSize, Offset: c.ChunkStartOffset}, ChunkID: c.ChunkID})
	}

	if prev, ok := p.byID[c.PrevChunkID]; ok && prev.IsFree() {
		p.free.Delete(freelist.Key{Size: prev.ChunkSize, Offset: prev.ChunkStartOffset}, prev.ChunkID)
		p.free.Delete(freelist.Key{Size: c.ChunkSize, Offset: c.ChunkStartOffset}, c.ChunkID)
		prev.ChunkSize += c.ChunkSize
		prev.NextChunkID = c.NextChunkID
		if c.NextChunkID != InvalidID {
			p.byID[c.NextChunkID].PrevChunkID = prev.ChunkID
		} else {
			p.tailID = prev.ChunkID
		}
		p.removeSlotLocked(c.ChunkID)
		absorbed = append(absorbed, c.ChunkID)
		p.free.Insert(freelist.Entry{Key: freelist.Key{Size: prev.ChunkSize, Offset: prev.ChunkStartOffset}, ChunkID: prev.ChunkID})
	}

	for _, id := range absorbed {
		p.registry.ReleaseID(id)
	}

	return absorbed, p.flushChunkTableLocked()
}

func (p *PhysicalDev) removeSlotLocked(id uint32) {
	slot := p.slotOfLocked(id)
	if slot >= 0 {
		p.slots[slot] = nil
		p.slotBitmap.Free(uint32(slot))
	}
	delete(p.byID, id)
}

// flushChunkTableLocked stages the chunk bitmap and the whole chunk_info
// array into p.region, contiguous in on-disk order, and writes them with
// one aligned WriteAt. Caller must hold p.mu.
func (p *PhysicalDev) flushChunkTableLocked() error {
	p.region.Reset()

	bitmapBytes := (int(p.maxChunk) + 7) / 8
	bmSlice, err := p.region.Reserve(uint(bitmapBytes))
	if err != nil {
		return fmt.Errorf("device: stage chunk bitmap: %w", err)
	}
	for i := range bmSlice {
		bmSlice[i] = 0
	}
	for slot, c := range p.slots {
		if c != nil {
			bmSlice[slot/8] |= 1 << uint(slot%8)
		}
	}

	// chunkArrayOff is chunkBitmapOff plus bitmapBytes rounded up to the
	// alignment boundary, not chunkBitmapOff+bitmapBytes; reserve the gap
	// so the array lands at the same offset LoadChunks expects.
	padding := int(p.chunkArrayOff-p.chunkBitmapOff) - bitmapBytes
	if padding > 0 {
		padSlice, err := p.region.Reserve(uint(padding))
		if err != nil {
			return fmt.Errorf("device: stage chunk table padding: %w", err)
		}
		for i := range padSlice {
			padSlice[i] = 0
		}
	}

	for _, c := range p.slots {
		slice, err := p.region.Reserve(uint(ChunkInfoSize))
		if err != nil {
			return fmt.Errorf("device: stage chunk_info: %w", err)
		}
		if c == nil {
			for i := range slice {
				slice[i] = 0
			}
			continue
		}
		raw, err := EncodeChunkInfo(&c.ChunkInfo)
		if err != nil {
			return err
		}
		copy(slice, raw)
	}

	if _, err := p.file.WriteAt(p.region.Bytes(), p.chunkBitmapOff); err != nil {
		return fmt.Errorf("device: write chunk table: %w", ErrIO)
	}
	return p.file.Sync()
}

// AsyncRead reads blkOff..blkOff+len(buf) of chunk c's data region and
// resolves the returned future when done. The read is a blocking file call
// run on its own goroutine (there is no io_uring / AIO backend), matching
// §5's future-based contract.
func (p *PhysicalDev) AsyncRead(c *Chunk, blkOff int64, buf []byte) *future.Future {
	f, resolve := future.New()
	go func() {
		off := p.dataOffset + int64(c.ChunkStartOffset) + blkOff
		_, err := p.file.ReadAt(buf, off)
		if err != nil {
			err = fmt.Errorf("device: async read chunk %d: %w", c.ChunkID, ErrIO)
		}
		resolve(err)
	}()
	return f
}

// AsyncWrite writes buf to blkOff of chunk c's data region.
func (p *PhysicalDev) AsyncWrite(c *Chunk, blkOff int64, buf []byte) *future.Future {
	f, resolve := future.New()
	go func() {
		off := p.dataOffset + int64(c.ChunkStartOffset) + blkOff
		_, err := p.file.WriteAt(buf, off)
		if err != nil {
			err = fmt.Errorf("device: async write chunk %d: %w", c.ChunkID, ErrIO)
		}
		resolve(err)
	}()
	return f
}

func (p *PhysicalDev) Close() error {
	return p.file.Close()
}
