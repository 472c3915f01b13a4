package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
)

// ChunkInfo is one persisted chunk slot (§3). A chunk is free when
// VDevID == InvalidID and it is not a superblock chunk; it is busy
// otherwise, and per the invariant exactly one of {free, assigned to one
// vdev, superblock chunk} holds at any time.
type ChunkInfo struct {
	ChunkStartOffset uint64
	ChunkSize        uint64
	ChunkID          uint32
	PDevID           uint32
	VDevID           uint32
	PrevChunkID      uint32
	NextChunkID      uint32
	PrimaryChunkID   uint32
	SlotAllocated    bool
	IsSBChunk        bool
}

// IsFree reports whether the chunk is unassigned free space.
func (c ChunkInfo) IsFree() bool {
	return c.VDevID == InvalidID && !c.IsSBChunk
}

type onDiskChunkInfo struct {
	ChunkStartOffset uint64
	ChunkSize        uint64
	ChunkID          uint32
	PDevID           uint32
	VDevID           uint32
	PrevChunkID      uint32
	NextChunkID      uint32
	PrimaryChunkID   uint32
	SlotAllocated    bool
	IsSBChunk        bool
	_                [6]byte
}

// ChunkInfoSize is the fixed on-disk size of one chunk_info slot.
var ChunkInfoSize = func() int {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, onDiskChunkInfo{})
	return buf.Len()
}()

func EncodeChunkInfo(c *ChunkInfo) ([]byte, error) {
	disk := onDiskChunkInfo{
		ChunkStartOffset: c.ChunkStartOffset,
		ChunkSize:        c.ChunkSize,
		ChunkID:          c.ChunkID,
		PDevID:           c.PDevID,
		VDevID:           c.VDevID,
		PrevChunkID:      c.PrevChunkID,
		NextChunkID:      c.NextChunkID,
		PrimaryChunkID:   c.PrimaryChunkID,
		SlotAllocated:    c.SlotAllocated,
		IsSBChunk:        c.IsSBChunk,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, disk); err != nil {
		return nil, fmt.Errorf("device: encode chunk_info: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeChunkInfo(raw []byte) (*ChunkInfo, error) {
	if len(raw) != ChunkInfoSize {
		return nil, fmt.Errorf("device: chunk_info wrong size %d, want %d", len(raw), ChunkInfoSize)
	}
	var disk onDiskChunkInfo
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &disk); err != nil {
		return nil, fmt.Errorf("device: decode chunk_info: %w", err)
	}
	return &ChunkInfo{
		ChunkStartOffset: disk.ChunkStartOffset,
		ChunkSize:        disk.ChunkSize,
		ChunkID:          disk.ChunkID,
		PDevID:           disk.PDevID,
		VDevID:           disk.VDevID,
		PrevChunkID:      disk.PrevChunkID,
		NextChunkID:      disk.NextChunkID,
		PrimaryChunkID:   disk.PrimaryChunkID,
		SlotAllocated:    disk.SlotAllocated,
		IsSBChunk:        disk.IsSBChunk,
	}, nil
}

// Chunk is the in-memory handle for a chunk: its persisted info plus the
// PDev that owns its data region, resolved lazily through the registry so
// prev/next/primary links stay weak numeric ids rather than pointers (§9:
// "keep these as stable numeric ids; resolve through the registry on
// access. This side-steps cyclic ownership entirely.").
type Chunk struct {
	ChunkInfo
	pdev *PhysicalDev
}

func (c *Chunk) PDev() *PhysicalDev { return c.pdev }

// Registry is the system-wide chunk-id allocator and chunk-id -> Chunk
// directory (§4.C/§4.E). Per-PDev structural adjacency and free-chunk
// merging live on PhysicalDev; the registry only owns the id space and the
// lookup table, so a chunk's neighbors can always be resolved regardless
// of which PDev they live on.
type Registry struct {
	mu     sync.RWMutex
	ids    *Bitmap
	chunks map[uint32]*Chunk
}

func NewRegistry(maxChunks uint32) *Registry {
	return &Registry{
		ids:    NewBitmap(maxChunks),
		chunks: make(map[uint32]*Chunk),
	}
}

// AllocID reserves a fresh system-wide chunk-id.
func (r *Registry) AllocID() (uint32, error) {
	id, ok := r.ids.Alloc()
	if !ok {
		return 0, ErrOutOfRoom
	}
	return id, nil
}

// ReleaseID returns id to the free pool. Called once for each of the two
// chunk-ids absorbed by a free-chunk merge (§4.C).
func (r *Registry) ReleaseID(id uint32) {
	r.mu.Lock()
	delete(r.chunks, id)
	r.mu.Unlock()
	r.ids.Free(id)
}

// MarkUsed reserves id unconditionally, used while replaying persisted
// chunk_info slots on load so the bitmap matches on-disk state.
func (r *Registry) MarkUsed(id uint32) {
	r.ids.Set(id)
}

func (r *Registry) Register(c *Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks[c.ChunkID] = c
}

func (r *Registry) Get(id uint32) (*Chunk, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chunks[id]
	return c, ok
}
