package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/xiaoxichen/homestore/internal/blockfile"
	"github.com/xiaoxichen/homestore/internal/future"
	"github.com/xiaoxichen/homestore/internal/lsn"
)

const recordHeaderSize = 4 + 4 // length prefix + crc32

// Log is the append-only, LSN-ordered journal a repl-dev commits every
// write through before acknowledging it (§6).
type Log struct {
	file    *blockfile.File
	lastLSN lsn.Atomic
}

// Open opens or creates the journal file at path. If it already contains
// records, call Replay before appending to recover lastLSN.
func Open(path string, mode blockfile.OpenMode) (*Log, error) {
	f, err := blockfile.Open(path, os.O_RDWR|os.O_CREATE, mode)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	l := &Log{file: f}
	l.lastLSN.Store(lsn.Invalid)
	return l, nil
}

// AppendAsync assigns the entry the next LSN, encodes it as a
// length-prefixed, checksummed record, and appends it to the log. The
// returned future resolves once the write (and its fsync) lands.
func (l *Log) AppendAsync(e *Entry) *future.Future {
	e.LSN = l.lastLSN.Add(1)

	body := encodeEntry(e)
	rec := make([]byte, recordHeaderSize+len(body))
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(rec[4:8], crc32.ChecksumIEEE(body))
	copy(rec[recordHeaderSize:], body)

	f, resolve := future.New()
	go func() {
		if _, _, err := l.file.Append(rec); err != nil {
			resolve(fmt.Errorf("journal: append lsn %d: %w", e.LSN, err))
			return
		}
		resolve(l.file.Sync())
	}()
	return f
}

// LastLSN returns the highest LSN assigned (by append) or observed (by
// replay) so far.
func (l *Log) LastLSN() lsn.LSN {
	return l.lastLSN.Load()
}

// Replay scans the journal from the beginning, calling onFound for every
// well-formed record in the order the records sit in the file (the
// on_log_found recovery callback, §6). That is LSN order only when appends
// were not issued concurrently: AppendAsync assigns the LSN before its
// write is started, so concurrent appends can land out of LSN order. It stops at the first truncated or checksum-mismatched record,
// treating it as the tail of a torn write rather than an error, and
// advances lastLSN to the highest LSN it found.
func (l *Log) Replay(onFound func(*Entry) error) error {
	size, err := l.file.Size()
	if err != nil {
		return fmt.Errorf("journal: replay stat: %w", err)
	}

	var off int64
	var maxLSN lsn.LSN = lsn.Invalid
	for off+recordHeaderSize <= size {
		hdrBuf := l.file.AllocAligned(recordHeaderSize)
		if _, err := l.file.ReadAt(hdrBuf[:recordHeaderSize], off); err != nil {
			break
		}
		bodyLen := binary.LittleEndian.Uint32(hdrBuf[0:4])
		wantCRC := binary.LittleEndian.Uint32(hdrBuf[4:8])

		if off+int64(recordHeaderSize)+int64(bodyLen) > size {
			break // torn tail write
		}

		bodyBuf := l.file.AllocAligned(int(bodyLen))
		if _, err := l.file.ReadAt(bodyBuf[:bodyLen], off+recordHeaderSize); err != nil {
			break
		}
		body := bodyBuf[:bodyLen]
		if crc32.ChecksumIEEE(body) != wantCRC {
			break // torn tail write
		}

		entry, err := decodeEntry(body)
		if err != nil {
			break
		}
		if entry.LSN > maxLSN {
			maxLSN = entry.LSN
		}
		if onFound != nil {
			if err := onFound(entry); err != nil {
				return err
			}
		}

		off += recordHeaderSize + int64(bodyLen)
	}

	if maxLSN != lsn.Invalid {
		l.lastLSN.AdvanceTo(maxLSN)
	}
	return nil
}

func (l *Log) Close() error {
	return l.file.Close()
}
