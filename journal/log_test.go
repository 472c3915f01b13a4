package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiaoxichen/homestore/internal/blockfile"
	"github.com/xiaoxichen/homestore/internal/lsn"
)

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	e := &Entry{
		LSN:        7,
		Code:       CodeLargeData,
		UserHeader: []byte("hdr"),
		Key:        []byte("key-1"),
		Value:      []byte("some replicated value"),
	}

	raw := encodeEntry(e)
	got, err := decodeEntry(raw)
	require.NoError(t, err)
	require.Equal(t, e.LSN, got.LSN)
	require.Equal(t, e.Code, got.Code)
	require.Equal(t, e.UserHeader, got.UserHeader)
	require.Equal(t, e.Key, got.Key)
	require.Equal(t, e.Value, got.Value)
}

func TestAppendAssignsMonotonicLSNs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	l, err := Open(path, blockfile.ModeBuffered)
	require.NoError(t, err)
	defer l.Close()

	e1 := &Entry{Code: CodeLargeData, Key: []byte("a"), Value: []byte("1")}
	e2 := &Entry{Code: CodeLargeData, Key: []byte("b"), Value: []byte("2")}

	require.NoError(t, l.AppendAsync(e1).Wait())
	require.NoError(t, l.AppendAsync(e2).Wait())

	require.Equal(t, lsn.LSN(0), e1.LSN)
	require.Equal(t, lsn.LSN(1), e2.LSN)
	require.Equal(t, lsn.LSN(1), l.LastLSN())
}

func TestReplayRecoversEntriesInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	l, err := Open(path, blockfile.ModeBuffered)
	require.NoError(t, err)

	entries := []*Entry{
		{Code: CodeLargeData, Key: []byte("a"), Value: []byte("111")},
		{Code: CodeLargeData, Key: []byte("bb"), Value: []byte("22")},
		{Code: CodeLargeData, Key: []byte("ccc"), Value: []byte("3")},
	}
	for _, e := range entries {
		require.NoError(t, l.AppendAsync(e).Wait())
	}
	require.NoError(t, l.Close())

	l2, err := Open(path, blockfile.ModeBuffered)
	require.NoError(t, err)
	defer l2.Close()

	var replayed []*Entry
	require.NoError(t, l2.Replay(func(e *Entry) error {
		replayed = append(replayed, e)
		return nil
	}))

	require.Len(t, replayed, 3)
	for i, e := range replayed {
		require.Equal(t, entries[i].LSN, e.LSN)
		require.Equal(t, entries[i].Key, e.Key)
		require.Equal(t, entries[i].Value, e.Value)
	}
	require.Equal(t, lsn.LSN(2), l2.LastLSN())
}

func TestReplayStopsCleanlyAtTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	l, err := Open(path, blockfile.ModeBuffered)
	require.NoError(t, err)

	e1 := &Entry{Code: CodeLargeData, Key: []byte("a"), Value: []byte("1")}
	e2 := &Entry{Code: CodeLargeData, Key: []byte("b"), Value: []byte("2")}
	require.NoError(t, l.AppendAsync(e1).Wait())
	require.NoError(t, l.AppendAsync(e2).Wait())
	require.NoError(t, l.Close())

	// Simulate a torn write: truncate off the last few bytes of the second
	// record so its length prefix claims more body than is on disk.
	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, fi.Size()-3))

	l2, err := Open(path, blockfile.ModeBuffered)
	require.NoError(t, err)
	defer l2.Close()

	var replayed []*Entry
	require.NoError(t, l2.Replay(func(e *Entry) error {
		replayed = append(replayed, e)
		return nil
	}))

	require.Len(t, replayed, 1)
	require.Equal(t, e1.LSN, replayed[0].LSN)
	require.Equal(t, e1.LSN, l2.LastLSN())
}
