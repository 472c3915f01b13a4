package device

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/xiaoxichen/homestore/internal/crc16"
)

// AllocType names the logical block-allocator variant a vdev's data
// service uses. The allocators themselves are out of scope (§1); this core
// only records which one a vdev was created with.
type AllocType uint8

const (
	AllocTypeNone AllocType = iota
	AllocTypeSlab
	AllocTypeVarsize
)

// ChunkSelType selects how a VirtualDev picks which chunk services a given
// block id at write time.
type ChunkSelType uint8

const (
	ChunkSelRoundRobin ChunkSelType = iota
	ChunkSelHash
)

// PDevChoice narrows a single-pdev placement to a specific selection rule.
type PDevChoice uint8

const (
	PDevChoiceFirst PDevChoice = iota
	PDevChoiceRandom
)

// PlacementPolicy is the vdev's multi_pdev_opts (§4.D).
type PlacementPolicy uint8

const (
	PlacementAllPDevStriped PlacementPolicy = iota
	PlacementAllPDevMirrored
	PlacementSingleFirstPDev
	PlacementSingleRandomPDev
)

const (
	VDevNameSize        = 64
	VDevUserPrivateSize = 512
)

// VDevInfo is one fixed-size vdev slot, replicated on every PDev
// participating in the vdev's placement (§3).
type VDevInfo struct {
	VDevID           uint32
	VDevSize         uint64
	NumMirrors       uint32
	BlkSize          uint32
	NumPrimaryChunks uint32
	AllocType        AllocType
	ChunkSelType     ChunkSelType
	DevType          DevType
	PDevChoice       PDevChoice
	Placement        PlacementPolicy
	_                [3]byte
	Name             [VDevNameSize]byte
	UserPrivate      [VDevUserPrivateSize]byte
	SlotAllocated    bool
	_                [1]byte
	Checksum         uint16
}

type onDiskVDevInfo struct {
	VDevID           uint32
	VDevSize         uint64
	NumMirrors       uint32
	BlkSize          uint32
	NumPrimaryChunks uint32
	AllocType        AllocType
	ChunkSelType     ChunkSelType
	DevType          DevType
	PDevChoice       PDevChoice
	Placement        PlacementPolicy
	_                [3]byte
	Name             [VDevNameSize]byte
	UserPrivate      [VDevUserPrivateSize]byte
	SlotAllocated    bool
	_                [1]byte
	Checksum         uint16
}

// VDevInfoSize is the on-disk size of one vdev_info slot.
var VDevInfoSize = func() int {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, onDiskVDevInfo{})
	return buf.Len()
}()

// EncodeVDevInfo serializes v with a freshly computed CRC-16/T10-DIF
// checksum, the checksum field zeroed during computation (§3).
func EncodeVDevInfo(v *VDevInfo) ([]byte, error) {
	disk := onDiskVDevInfo{
		VDevID:           v.VDevID,
		VDevSize:         v.VDevSize,
		NumMirrors:       v.NumMirrors,
		BlkSize:          v.BlkSize,
		NumPrimaryChunks: v.NumPrimaryChunks,
		AllocType:        v.AllocType,
		ChunkSelType:     v.ChunkSelType,
		DevType:          v.DevType,
		PDevChoice:       v.PDevChoice,
		Placement:        v.Placement,
		Name:             v.Name,
		UserPrivate:      v.UserPrivate,
		SlotAllocated:    v.SlotAllocated,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, disk); err != nil {
		return nil, fmt.Errorf("device: encode vdev_info: %w", err)
	}
	out := buf.Bytes()
	sum := crc16.Checksum(out)
	binary.LittleEndian.PutUint16(out[len(out)-2:], sum)
	return out, nil
}

// DecodeVDevInfo validates and decodes one vdev_info slot. A checksum
// mismatch on an allocated slot is ErrCorruptSuperblock; an unallocated
// slot (all zero, checksum trivially matches zero-buffer's checksum only
// coincidentally) is disambiguated by SlotAllocated, not the checksum.
func DecodeVDevInfo(raw []byte) (*VDevInfo, error) {
	if len(raw) != VDevInfoSize {
		return nil, fmt.Errorf("device: vdev_info wrong size %d, want %d", len(raw), VDevInfoSize)
	}

	var disk onDiskVDevInfo
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &disk); err != nil {
		return nil, fmt.Errorf("device: decode vdev_info: %w", err)
	}

	if disk.SlotAllocated {
		storedSum := disk.Checksum
		verify := make([]byte, len(raw))
		copy(verify, raw)
		binary.LittleEndian.PutUint16(verify[len(verify)-2:], 0)
		gotSum := crc16.Checksum(verify)
		if gotSum != storedSum {
			return nil, fmt.Errorf("device: vdev_info %d checksum mismatch: %w", disk.VDevID, ErrCorruptSuperblock)
		}
	}

	return &VDevInfo{
		VDevID:           disk.VDevID,
		VDevSize:         disk.VDevSize,
		NumMirrors:       disk.NumMirrors,
		BlkSize:          disk.BlkSize,
		NumPrimaryChunks: disk.NumPrimaryChunks,
		AllocType:        disk.AllocType,
		ChunkSelType:     disk.ChunkSelType,
		DevType:          disk.DevType,
		PDevChoice:       disk.PDevChoice,
		Placement:        disk.Placement,
		Name:             disk.Name,
		UserPrivate:      disk.UserPrivate,
		SlotAllocated:    disk.SlotAllocated,
	}, nil
}
