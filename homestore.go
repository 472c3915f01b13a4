// Package homestore is the top-level facade wiring the device layer, the
// checkpoint manager, and solo replicated-log devices into one storage
// engine core, generalized from the teacher's pkg/boulder.go constructor
// (open devices, wire subsystems, hand back one handle) to this engine's
// component set (§9 GLOSSARY: DeviceManager, CPManager, SoloReplDev).
package homestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xiaoxichen/homestore/checkpoint"
	"github.com/xiaoxichen/homestore/device"
	"github.com/xiaoxichen/homestore/internal/blockfile"
	"github.com/xiaoxichen/homestore/internal/future"
	"github.com/xiaoxichen/homestore/journal"
	"github.com/xiaoxichen/homestore/repldev"
)

// DeviceSpec describes one physical device to open at startup.
type DeviceSpec struct {
	Path string
	Size uint64
	Attr device.DevAttr
}

// Homestore is one running instance of the storage engine core: its
// device fleet, its checkpoint manager, and the repl-devs layered on top.
type Homestore struct {
	mu sync.Mutex

	dm          *device.DeviceManager
	cp          *checkpoint.Manager
	cpSBPath    string
	journalMode blockfile.OpenMode

	replDevs map[uuid.UUID]*repldev.SoloReplDev

	log *logrus.Entry
}

// Open opens every device in specs, formats them on first boot or loads
// existing metadata otherwise, and returns a ready Homestore. cpSBPath is
// the file the checkpoint superblock is persisted to.
func Open(specs []DeviceSpec, cpSBPath string, opts ...Option) (*Homestore, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}

	dm := device.NewDeviceManager(
		device.WithMaxVdevs(cfg.MaxVdevs),
		device.WithMaxSystemChunks(cfg.MaxSystemChunks),
		device.WithMaxPDevChunks(cfg.MaxPDevChunks),
	)

	for _, spec := range specs {
		flag := os.O_RDWR | os.O_CREATE
		if _, err := dm.AddDevice(spec.Path, spec.Size, spec.Attr, flag); err != nil {
			return nil, fmt.Errorf("homestore: add device %s: %w", spec.Path, err)
		}
	}

	if err := dm.Boot(cfg.ProductName); err != nil {
		return nil, fmt.Errorf("homestore: boot: %w", err)
	}
	if _, err := dm.LoadVDevs(); err != nil {
		return nil, fmt.Errorf("homestore: load vdevs: %w", err)
	}

	hs := &Homestore{
		dm:          dm,
		cpSBPath:    cpSBPath,
		journalMode: cfg.JournalMode,
		replDevs:    make(map[uuid.UUID]*repldev.SoloReplDev),
		log:         logrus.WithField("component", "homestore"),
	}
	hs.cp = checkpoint.NewManager(hs.writeCPSuperblock)

	if cfg.WatchdogEnabled {
		hs.cp.StartWatchdog(time.Duration(cfg.WatchdogIntervalMs)*time.Millisecond, cfg.WatchdogMissThreshold)
	}

	return hs, nil
}

func (hs *Homestore) writeCPSuperblock(cpID int64) error {
	raw, err := checkpoint.EncodeSuperblock(&checkpoint.Superblock{LastFlushedCP: cpID})
	if err != nil {
		return err
	}
	return os.WriteFile(hs.cpSBPath, raw, 0644)
}

// TriggerCPFlush starts (or coalesces into) a checkpoint flush across every
// registered consumer.
func (hs *Homestore) TriggerCPFlush(ctx context.Context, force bool) *future.Future {
	return hs.cp.TriggerCPFlush(ctx, force)
}

// CreateReplDev creates a new data vdev sized for size bytes and wires a
// solo replicated log device on top of it, backed by a journal at
// journalPath, notifying listener on pre-commit and commit.
func (hs *Homestore) CreateReplDev(name string, size uint64, blkSize uint32, journalPath string, listener repldev.Listener) (*repldev.SoloReplDev, error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	vdev, err := hs.dm.CreateVDev(name, size, blkSize, 1, device.PlacementAllPDevStriped, device.AllocTypeVarsize, device.ChunkSelRoundRobin)
	if err != nil {
		return nil, fmt.Errorf("homestore: create vdev: %w", err)
	}

	log, err := journal.Open(journalPath, hs.journalMode)
	if err != nil {
		return nil, fmt.Errorf("homestore: open journal: %w", err)
	}

	groupID := uuid.New()
	rd := repldev.NewSoloReplDev(groupID, vdev, log, hs.cp, listener, journalPath+".sb")
	if err := rd.LoadSuperblock(); err != nil {
		return nil, fmt.Errorf("homestore: load repl-dev superblock: %w", err)
	}
	if err := rd.Recover(); err != nil {
		return nil, fmt.Errorf("homestore: recover repl-dev: %w", err)
	}

	hs.replDevs[groupID] = rd
	return rd, nil
}

func (hs *Homestore) ReplDev(id uuid.UUID) (*repldev.SoloReplDev, bool) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	rd, ok := hs.replDevs[id]
	return rd, ok
}

func (hs *Homestore) DeviceManager() *device.DeviceManager   { return hs.dm }
func (hs *Homestore) CheckpointManager() *checkpoint.Manager { return hs.cp }

func (hs *Homestore) Close() error {
	hs.cp.StopWatchdog()
	return hs.dm.Close()
}
