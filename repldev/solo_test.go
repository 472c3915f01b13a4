package repldev

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxichen/homestore/checkpoint"
	"github.com/xiaoxichen/homestore/device"
	"github.com/xiaoxichen/homestore/internal/blockfile"
	"github.com/xiaoxichen/homestore/internal/lsn"
	"github.com/xiaoxichen/homestore/journal"
)

var errRejected = errors.New("repldev test: pre-commit rejected")

const testBlkSize = 4096

type fakeListener struct {
	mu         sync.Mutex
	preCommits []*ReplReq
	commits    []*ReplReq
	rejectPre  bool
}

func (l *fakeListener) OnPreCommit(req *ReplReq) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rejectPre {
		return errRejected
	}
	l.preCommits = append(l.preCommits, req)
	return nil
}

func (l *fakeListener) OnCommit(req *ReplReq) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commits = append(l.commits, req)
}

func newTestSoloDev(t *testing.T) (*SoloReplDev, *fakeListener, string) {
	t.Helper()
	dev, listener, logPath, _ := newTestSoloDevWithSB(t, "")
	return dev, listener, logPath
}

func newTestSoloDevWithSB(t *testing.T, sbPath string) (*SoloReplDev, *fakeListener, string, string) {
	t.Helper()
	dir := t.TempDir()

	dm := device.NewDeviceManager(device.WithMaxVdevs(4), device.WithMaxSystemChunks(32), device.WithMaxPDevChunks(16))
	path := filepath.Join(dir, "pdev0")
	attr := device.DevAttr{DevType: device.DevTypeData, IsHDD: true, AtomicPageSize: testBlkSize, AlignSize: testBlkSize}
	_, err := dm.AddDevice(path, 4<<20, attr, os.O_RDWR|os.O_CREATE)
	require.NoError(t, err)
	require.NoError(t, dm.Boot("repldev-test"))

	vdev, err := dm.CreateVDev("data", 1<<20, testBlkSize, 1, device.PlacementSingleFirstPDev, device.AllocTypeVarsize, device.ChunkSelRoundRobin)
	require.NoError(t, err)

	logPath := filepath.Join(dir, "journal.log")
	log, err := journal.Open(logPath, blockfile.ModeBuffered)
	require.NoError(t, err)

	if sbPath != "" {
		sbPath = filepath.Join(dir, sbPath)
	}

	cp := checkpoint.NewManager(nil)
	listener := &fakeListener{}
	dev := NewSoloReplDev(uuid.New(), vdev, log, cp, listener, sbPath)
	return dev, listener, logPath, sbPath
}

func TestAsyncAllocWriteFullFlow(t *testing.T) {
	dev, listener, _ := newTestSoloDev(t)

	req := &ReplReq{Header: []byte("h"), Key: []byte("k1"), Value: make([]byte, testBlkSize)}
	copy(req.Value, "hello world")

	err := dev.AsyncAllocWrite(req).Wait()
	require.NoError(t, err)

	require.Equal(t, lsn.LSN(0), req.LSN)
	require.Equal(t, device.MultiBlkId{Start: 0, NumBlks: 1}, req.LocalBlkID)
	require.Equal(t, req.LSN, dev.CommitUpto())

	require.Len(t, listener.preCommits, 1)
	require.Len(t, listener.commits, 1)
	require.Same(t, req, listener.commits[0])
}

func TestAsyncAllocWriteRejectsNilRequest(t *testing.T) {
	dev, _, _ := newTestSoloDev(t)
	err := dev.AsyncAllocWrite(nil).Wait()
	require.ErrorIs(t, err, ErrNilRequest)
}

func TestAsyncAllocWritePreCommitRejectionAbortsCommit(t *testing.T) {
	dev, listener, _ := newTestSoloDev(t)
	listener.rejectPre = true

	req := &ReplReq{Key: []byte("k"), Value: make([]byte, testBlkSize)}
	err := dev.AsyncAllocWrite(req).Wait()
	require.ErrorIs(t, err, errRejected)

	require.Empty(t, listener.commits)
	require.Equal(t, lsn.Invalid, dev.CommitUpto())
}

func TestAsyncAllocWriteAssignsIncreasingLSNs(t *testing.T) {
	dev, _, _ := newTestSoloDev(t)

	var lastLSN int64 = -1
	for i := 0; i < 5; i++ {
		req := &ReplReq{Key: []byte("k"), Value: make([]byte, testBlkSize)}
		require.NoError(t, dev.AsyncAllocWrite(req).Wait())
		require.Greater(t, int64(req.LSN), lastLSN)
		lastLSN = int64(req.LSN)
	}
}

func TestAsyncAllocWriteSpansMultipleBlocks(t *testing.T) {
	dev, _, _ := newTestSoloDev(t)

	first := &ReplReq{Key: []byte("k1"), Value: make([]byte, testBlkSize*2+1)}
	for i := range first.Value {
		first.Value[i] = 0xAB
	}
	require.NoError(t, dev.AsyncAllocWrite(first).Wait())
	require.Equal(t, device.MultiBlkId{Start: 0, NumBlks: 3}, first.LocalBlkID)

	second := &ReplReq{Key: []byte("k2"), Value: make([]byte, testBlkSize)}
	for i := range second.Value {
		second.Value[i] = 0xCD
	}
	require.NoError(t, dev.AsyncAllocWrite(second).Wait())
	require.Equal(t, device.MultiBlkId{Start: 3, NumBlks: 1}, second.LocalBlkID)

	readBack := make([]byte, len(first.Value))
	require.NoError(t, dev.dataVDev.AsyncReadMultiBlk(first.LocalBlkID, readBack).Wait())
	require.Equal(t, first.Value, readBack)

	readBack2 := make([]byte, len(second.Value))
	require.NoError(t, dev.dataVDev.AsyncReadMultiBlk(second.LocalBlkID, readBack2).Wait())
	require.Equal(t, second.Value, readBack2)
}

func TestCPFlushPersistsSuperblock(t *testing.T) {
	dev, _, _, sbPath := newTestSoloDevWithSB(t, "repldev.sb")

	req := &ReplReq{Key: []byte("k"), Value: make([]byte, testBlkSize)}
	require.NoError(t, dev.AsyncAllocWrite(req).Wait())

	cp := &checkpoint.CP{}
	require.NoError(t, dev.CPFlush(context.Background(), cp))

	raw, err := os.ReadFile(sbPath)
	require.NoError(t, err)
	sb, err := DecodeSuperblock(raw)
	require.NoError(t, err)
	require.Equal(t, dev.GroupID, sb.GroupID)
	require.Equal(t, req.LSN, sb.CheckpointLSN)
}

func TestRecoverReplaysCommitsIdempotently(t *testing.T) {
	dev, listener, logPath := newTestSoloDev(t)

	for i := 0; i < 3; i++ {
		req := &ReplReq{Key: []byte("k"), Value: make([]byte, testBlkSize)}
		require.NoError(t, dev.AsyncAllocWrite(req).Wait())
	}
	require.NoError(t, dev.log.Close())

	log2, err := journal.Open(logPath, blockfile.ModeBuffered)
	require.NoError(t, err)

	cp2 := checkpoint.NewManager(nil)
	listener2 := &fakeListener{}
	dev2 := NewSoloReplDev(dev.GroupID, dev.dataVDev, log2, cp2, listener2, "")

	require.NoError(t, dev2.Recover())
	require.Len(t, listener2.commits, 3)
	require.Equal(t, dev.CommitUpto(), dev2.CommitUpto())
	_ = listener
}
