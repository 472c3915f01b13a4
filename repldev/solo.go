package repldev

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiaoxichen/homestore/checkpoint"
	"github.com/xiaoxichen/homestore/device"
	"github.com/xiaoxichen/homestore/internal/future"
	"github.com/xiaoxichen/homestore/internal/lsn"
	"github.com/xiaoxichen/homestore/journal"
)

// ErrNilRequest rejects a nil ReplReq outright rather than reproducing the
// original implementation's habit of dereferencing it first and only
// noticing the nil case in a later, self-shadowing check.
var ErrNilRequest = errors.New("repldev: nil request")

// SoloReplDev is the non-replicated (single-node) implementation of the
// repl-dev write path (§6): allocate a block on the data vdev, write it,
// journal it, and commit, exposing the same async_alloc_write contract a
// multi-node replicated implementation would.
type SoloReplDev struct {
	GroupID uuid.UUID

	dataVDev *device.VirtualDev
	log      *journal.Log
	cp       *checkpoint.Manager
	listener Listener

	// sbPath is where the repl-dev superblock is persisted on every
	// checkpoint flush. Empty disables persistence (used by tests that
	// don't care about surviving a restart).
	sbPath string

	commitUpto    lsn.Atomic
	checkpointLSN lsn.Atomic

	nextBlk atomic.Uint64

	logEntry *logrus.Entry
}

// NewSoloReplDev wires a data vdev, a backing journal, the checkpoint
// manager, and the data-service listener into one repl-dev, and registers
// itself as a checkpoint.Consumer. sbPath is the file CPFlush persists this
// repl-dev's superblock to; pass "" to disable persistence.
func NewSoloReplDev(groupID uuid.UUID, dataVDev *device.VirtualDev, log *journal.Log, cp *checkpoint.Manager, listener Listener, sbPath string) *SoloReplDev {
	d := &SoloReplDev{
		GroupID:  groupID,
		dataVDev: dataVDev,
		log:      log,
		cp:       cp,
		listener: listener,
		sbPath:   sbPath,
		logEntry: logrus.WithField("group_id", groupID),
	}
	d.commitUpto.Store(lsn.Invalid)
	d.checkpointLSN.Store(lsn.Invalid)
	cp.RegisterConsumer(d)
	return d
}

// LoadSuperblock reads the persisted superblock at sbPath, if any, and
// seeds checkpoint_lsn from it. Journal replay in Recover remains the
// source of truth for commit_upto: CPCleanup never trims committed journal
// records, so a full replay from byte 0 is always correct. The seeded
// checkpoint_lsn is the starting point CPFlush advances and writes back; it
// does not bound or skip replay.
func (d *SoloReplDev) LoadSuperblock() error {
	if d.sbPath == "" {
		return nil
	}
	raw, err := os.ReadFile(d.sbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("repldev: read superblock: %w", err)
	}
	sb, err := DecodeSuperblock(raw)
	if err != nil {
		return err
	}
	if sb != nil {
		d.checkpointLSN.AdvanceTo(sb.CheckpointLSN)
	}
	return nil
}

// writeSuperblock persists the current {group_id, commit_lsn,
// checkpoint_lsn} snapshot, run at the end of every checkpoint flush (§6).
func (d *SoloReplDev) writeSuperblock() error {
	if d.sbPath == "" {
		return nil
	}
	sb := &Superblock{
		GroupID:       d.GroupID,
		CommitLSN:     d.commitUpto.Load(),
		CheckpointLSN: d.checkpointLSN.Load(),
	}
	raw, err := EncodeSuperblock(sb)
	if err != nil {
		return fmt.Errorf("repldev: encode superblock: %w", err)
	}
	if err := os.WriteFile(d.sbPath, raw, 0644); err != nil {
		return fmt.Errorf("repldev: write superblock: %w", err)
	}
	return nil
}

// AsyncAllocWrite implements the full write contract (§6): allocate a
// block range, write its data and wait for that write to finish, append a
// journal record, run the pre-commit hook, advance commit_upto, commit the
// block range on the vdev, then run the commit hook.
func (d *SoloReplDev) AsyncAllocWrite(req *ReplReq) *future.Future {
	if req == nil {
		return future.Resolved(ErrNilRequest)
	}

	guard := d.cp.AcquireGuard()

	f, resolve := future.New()
	go func() {
		defer guard.Release()

		numBlks := device.NumBlocksForSize(len(req.Value), d.dataVDev.Info().BlkSize)
		start := d.nextBlk.Add(uint64(numBlks)) - uint64(numBlks)
		req.LocalBlkID = device.MultiBlkId{Start: start, NumBlks: numBlks}

		// The journal entry must not be appended until the data write it
		// points at has actually landed: on-disk journal records that
		// outrun their data would let replay dispatch OnCommit for a
		// value that never made it to the block it claims to occupy.
		if err := d.dataVDev.AsyncWriteMultiBlk(req.LocalBlkID, req.Value).Wait(); err != nil {
			resolve(fmt.Errorf("repldev: write data: %w", err))
			return
		}

		entry := &journal.Entry{
			Code:       journal.CodeLargeData,
			UserHeader: req.Header,
			Key:        req.Key,
			Value:      req.Value,
		}
		req.entry = entry
		if err := d.log.AppendAsync(entry).Wait(); err != nil {
			resolve(fmt.Errorf("repldev: append journal: %w", err))
			return
		}
		req.LSN = entry.LSN

		if d.listener != nil {
			if err := d.listener.OnPreCommit(req); err != nil {
				resolve(fmt.Errorf("repldev: pre-commit rejected: %w", err))
				return
			}
		}

		d.commitUpto.AdvanceTo(req.LSN)

		if err := d.dataVDev.CommitBlk(req.LocalBlkID, future.Resolved(nil)); err != nil {
			resolve(err)
			return
		}

		if d.listener != nil {
			d.listener.OnCommit(req)
		}

		resolve(nil)
	}()
	return f
}

// CommitUpto returns the highest LSN known to be committed.
func (d *SoloReplDev) CommitUpto() lsn.LSN {
	return d.commitUpto.Load()
}

// Recover replays the journal from the beginning, reconstructing
// commit_upto and re-driving OnCommit for every record found (on_log_found,
// §6). Listener.OnCommit must tolerate being called again for records it
// already applied before a crash.
func (d *SoloReplDev) Recover() error {
	blkSize := d.dataVDev.Info().BlkSize
	return d.log.Replay(func(e *journal.Entry) error {
		d.commitUpto.AdvanceTo(e.LSN)
		d.nextBlk.Add(uint64(device.NumBlocksForSize(len(e.Value), blkSize)))
		if d.listener != nil {
			d.listener.OnCommit(&ReplReq{
				Header: e.UserHeader,
				Key:    e.Key,
				Value:  e.Value,
				LSN:    e.LSN,
				entry:  e,
			})
		}
		return nil
	})
}

// Name implements checkpoint.Consumer.
func (d *SoloReplDev) Name() string { return "repldev:" + d.GroupID.String() }

// OnSwitchoverCP implements checkpoint.Consumer. The repl-dev needs no
// per-CP snapshot beyond commit_upto, which is tracked independently of
// any single CP and read directly from CPFlush at flush time.
func (d *SoloReplDev) OnSwitchoverCP(prev, next *checkpoint.CP) {}

// CPFlush implements checkpoint.Consumer: snapshots commit_upto into the
// superblock's commit_lsn/checkpoint_lsn fields and persists it (§4.G/§6).
// It reads d.commitUpto directly rather than cp.LastLSN: commit_upto keeps
// advancing for the whole time cp is active, so cp.LastLSN would only ever
// reflect its value at switchover, missing every commit made during cp's
// own lifetime.
func (d *SoloReplDev) CPFlush(ctx context.Context, cp *checkpoint.CP) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d.checkpointLSN.AdvanceTo(d.commitUpto.Load())
	return d.writeSuperblock()
}

// CPCleanup implements checkpoint.Consumer. Trimming journal records below
// checkpoint_lsn is left to a future compaction pass; today's journal
// keeps its full history.
func (d *SoloReplDev) CPCleanup(cp *checkpoint.CP) {
	d.logEntry.WithField("cp_id", cp.ID).Debug("checkpoint cleanup: journal retained in full")
}

// ProgressPercent implements checkpoint.Consumer. CPFlush is a single
// synchronous superblock write with no partial-progress phases to report.
func (d *SoloReplDev) ProgressPercent() int { return 100 }

// RepairSlowCP implements checkpoint.Consumer.
func (d *SoloReplDev) RepairSlowCP(cp *checkpoint.CP) {
	d.logEntry.WithField("cp_id", cp.ID).Warn("repair_slow_cp invoked but repl-dev flush has no recoverable stuck state")
}
