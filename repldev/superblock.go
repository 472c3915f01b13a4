package repldev

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"

	"github.com/xiaoxichen/homestore/internal/lsn"
)

const sbMagic uint64 = 0x52444556534f4c4f // "RDEVSOLO"

const sbVersion uint32 = 1

// Superblock is the durable identity and recovery watermark of one solo
// repl-dev (§6): which replication group it belongs to, which journal
// backs it, and how far it has committed and checkpointed.
type Superblock struct {
	GroupID       uuid.UUID
	DataJournalID uint32
	CommitLSN     lsn.LSN
	CheckpointLSN lsn.LSN
}

type onDiskSuperblock struct {
	Magic         uint64
	Checksum      uint32
	Version       uint32
	GroupID       uuid.UUID
	DataJournalID uint32
	CommitLSN     int64
	CheckpointLSN int64
}

func EncodeSuperblock(sb *Superblock) ([]byte, error) {
	disk := onDiskSuperblock{
		Magic:         sbMagic,
		Version:       sbVersion,
		GroupID:       sb.GroupID,
		DataJournalID: sb.DataJournalID,
		CommitLSN:     int64(sb.CommitLSN),
		CheckpointLSN: int64(sb.CheckpointLSN),
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, disk); err != nil {
		return nil, fmt.Errorf("repldev: encode superblock: %w", err)
	}
	out := buf.Bytes()
	sum := crc32.ChecksumIEEE(out)
	binary.LittleEndian.PutUint32(out[8:12], sum)
	return out, nil
}

func DecodeSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < 12 {
		return nil, nil
	}
	magic := binary.LittleEndian.Uint64(raw[0:8])
	if magic != sbMagic {
		return nil, nil
	}

	storedSum := binary.LittleEndian.Uint32(raw[8:12])
	verify := make([]byte, len(raw))
	copy(verify, raw)
	binary.LittleEndian.PutUint32(verify[8:12], 0)
	if crc32.ChecksumIEEE(verify) != storedSum {
		return nil, fmt.Errorf("repldev: superblock checksum mismatch")
	}

	var disk onDiskSuperblock
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &disk); err != nil {
		return nil, fmt.Errorf("repldev: decode superblock: %w", err)
	}
	return &Superblock{
		GroupID:       disk.GroupID,
		DataJournalID: disk.DataJournalID,
		CommitLSN:     lsn.LSN(disk.CommitLSN),
		CheckpointLSN: lsn.LSN(disk.CheckpointLSN),
	}, nil
}
