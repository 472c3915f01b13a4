// Package device implements the storage-engine core: the first-block /
// superblock codec, the physical and virtual device abstractions, the
// chunk registry, and the device manager that orchestrates them (spec
// components A-E).
package device

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// Magic identifies a formatted PDev. Its hex digits spell "HOMESTR?" in
// ASCII; since it is stored little-endian, a hex dump of the device shows
// the bytes reversed, as "?RTSEMOH".
const Magic uint64 = 0x484f4d455354523f

// CurrentVersion is the on-disk format version. A mismatch is fatal (§7
// VersionMismatch) because this revision does not implement superblock
// migration (explicit Non-goal).
const CurrentVersion uint32 = 1

// ProductNameSize is the fixed width of FirstBlockHeader.ProductName.
const ProductNameSize = 64

// DevType tags the storage tier a PDev serves.
type DevType uint8

const (
	DevTypeData DevType = iota
	DevTypeFast
	DevTypeMeta
)

// DevAttr carries the properties DeviceManager needs to pick an open mode
// and validate alignment (§4.A/§4.B).
type DevAttr struct {
	DevType        DevType
	IsHDD          bool
	AtomicPageSize uint32
	AlignSize      uint32
}

// FirstBlockHeader is the system-wide portion of the first block, common
// to every PDev of a formatted system (§3).
type FirstBlockHeader struct {
	Version         uint32
	GenNumber       uint64
	ProductName     [ProductNameSize]byte
	NumPDevs        uint32
	MaxVdevs        uint32
	MaxSystemChunks uint32
	SystemUUID      uuid.UUID
}

// PDevInfoHeader is the per-PDev portion of the first block (§3).
type PDevInfoHeader struct {
	PDevID           uint32
	MirrorSuperBlock bool
	_                [3]byte // pad to keep the following fields 4-byte aligned on disk
	MaxPDevChunks    uint32
	DataOffset       uint64
	Size             uint64
	DevAttr          DevAttr
	SystemUUID       uuid.UUID
}

// FirstBlock is the decoded content of the region at offset 0 of a PDev's
// superblock area.
type FirstBlock struct {
	Header     FirstBlockHeader
	PDevHeader PDevInfoHeader

	// Valid is false (with a nil error) when the region has no magic —
	// "unformatted device" per §4.A, not a corruption.
	Valid bool
}

type onDiskFirstBlock struct {
	Magic      uint64
	Checksum   uint32
	_          uint32 // pad Header to an 8-byte boundary
	Header     FirstBlockHeader
	PDevHeader PDevInfoHeader
}

// EncodeFirstBlock serializes fb into a zero-padded buffer of exactly
// atomicFBSize bytes (the device's atomic-write granularity) with a
// freshly computed CRC32-IEEE checksum over the whole region, the
// checksum field itself zeroed during the computation (§3).
func EncodeFirstBlock(fb *FirstBlock, atomicFBSize int) ([]byte, error) {
	disk := onDiskFirstBlock{
		Magic:      Magic,
		Header:     fb.Header,
		PDevHeader: fb.PDevHeader,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, disk); err != nil {
		return nil, fmt.Errorf("device: encode first block: %w", err)
	}
	if buf.Len() > atomicFBSize {
		return nil, fmt.Errorf("device: first block %d bytes exceeds atomic size %d", buf.Len(), atomicFBSize)
	}

	out := make([]byte, atomicFBSize)
	copy(out, buf.Bytes())

	sum := crc32.ChecksumIEEE(out)
	binary.LittleEndian.PutUint32(out[8:12], sum)

	return out, nil
}

// DecodeFirstBlock validates and decodes a raw superblock region. It
// returns (fb with Valid=false, nil) when no magic is present -- that is
// "unformatted", not an error. A magic match with a bad checksum is
// ErrCorruptSuperblock.
func DecodeFirstBlock(raw []byte) (*FirstBlock, error) {
	if len(raw) < 12 {
		return &FirstBlock{}, nil
	}

	magic := binary.LittleEndian.Uint64(raw[0:8])
	if magic != Magic {
		return &FirstBlock{Valid: false}, nil
	}

	storedSum := binary.LittleEndian.Uint32(raw[8:12])

	verify := make([]byte, len(raw))
	copy(verify, raw)
	binary.LittleEndian.PutUint32(verify[8:12], 0)
	gotSum := crc32.ChecksumIEEE(verify)
	if gotSum != storedSum {
		return nil, fmt.Errorf("device: first block checksum mismatch: %w", ErrCorruptSuperblock)
	}

	var disk onDiskFirstBlock
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &disk); err != nil {
		return nil, fmt.Errorf("device: decode first block: %w", err)
	}

	return &FirstBlock{
		Header:     disk.Header,
		PDevHeader: disk.PDevHeader,
		Valid:      true,
	}, nil
}
