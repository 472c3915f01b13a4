package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoxichen/homestore/internal/blockfile"
)

const (
	DefaultMaxVdevs        = 128
	DefaultMaxSystemChunks = 4096
	DefaultMaxPDevChunks   = 1024
)

// DeviceManager owns the fleet of PhysicalDevs, the system-wide vdev-id and
// chunk-id spaces, and the create_vdev / load_vdevs orchestration (§4.E).
type DeviceManager struct {
	mu sync.Mutex

	pdevs   map[uint32]*PhysicalDev
	pdevSeq []uint32 // insertion order, used for placement iteration

	vdevIDs *Bitmap
	chunks  *Registry
	vdevs   map[uint32]*VirtualDev

	systemUUID uuid.UUID
	genNumber  uint64

	maxVdevs        uint32
	maxSystemChunks uint32
	maxPDevChunks   uint32

	log *logrus.Entry
}

// NewDeviceManager creates an empty manager ready for AddDevice calls,
// followed by either Format (first boot) or Load (subsequent boots).
func NewDeviceManager(opts ...Option) *DeviceManager {
	dm := &DeviceManager{
		pdevs:           make(map[uint32]*PhysicalDev),
		vdevs:           make(map[uint32]*VirtualDev),
		maxVdevs:        DefaultMaxVdevs,
		maxSystemChunks: DefaultMaxSystemChunks,
		maxPDevChunks:   DefaultMaxPDevChunks,
		log:             logrus.WithField("component", "device_manager"),
	}
	for _, o := range opts {
		o(dm)
	}
	dm.vdevIDs = NewBitmap(dm.maxVdevs)
	dm.chunks = NewRegistry(dm.maxSystemChunks)
	return dm
}

// Option configures a DeviceManager at construction time.
type Option func(*DeviceManager)

func WithMaxVdevs(n uint32) Option        { return func(dm *DeviceManager) { dm.maxVdevs = n } }
func WithMaxSystemChunks(n uint32) Option { return func(dm *DeviceManager) { dm.maxSystemChunks = n } }
func WithMaxPDevChunks(n uint32) Option   { return func(dm *DeviceManager) { dm.maxPDevChunks = n } }

// AddDevice opens one PDev and registers it with the manager. Devices must
// all be added before Format or Load runs.
func (dm *DeviceManager) AddDevice(path string, size uint64, attr DevAttr, flag int) (*PhysicalDev, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	id := uint32(len(dm.pdevSeq))
	mode := blockfile.ModeBuffered
	if !attr.IsHDD {
		mode = blockfile.ModeDirect
	}

	p, err := OpenPDev(PDevParams{
		ID:            id,
		Path:          path,
		Size:          size,
		Attr:          attr,
		MaxVdevs:      dm.maxVdevs,
		MaxPDevChunks: dm.maxPDevChunks,
	}, flag, mode, dm.chunks)
	if err != nil {
		return nil, err
	}

	dm.pdevs[id] = p
	dm.pdevSeq = append(dm.pdevSeq, id)
	return p, nil
}

// Boot reads the first block of every added PDev and decides between
// Format (none formatted -- first boot) and Load (all formatted), applying
// the highest gen_number seen as the current generation and validating
// system_uuid and device-count consistency across all PDevs (§4.A/§7).
func (dm *DeviceManager) Boot(productName string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var anyValid, anyInvalid bool
	var highestGen uint64
	var sysUUID uuid.UUID
	numPDevsRecorded := uint32(0)

	for _, id := range dm.pdevSeq {
		p := dm.pdevs[id]
		fb, err := p.ReadFirstBlock()
		if err != nil {
			return fmt.Errorf("device: boot read pdev %d: %w", id, err)
		}
		if !fb.Valid {
			anyInvalid = true
			continue
		}
		anyValid = true
		if fb.Header.GenNumber > highestGen {
			highestGen = fb.Header.GenNumber
			sysUUID = fb.Header.SystemUUID
			numPDevsRecorded = fb.Header.NumPDevs
		}
	}

	if anyValid && anyInvalid {
		dm.log.Warn("mixed formatted/unformatted pdevs at boot; treating as first-boot format")
		anyValid = false
	}

	if !anyValid {
		return dm.formatLocked(productName)
	}

	if numPDevsRecorded != uint32(len(dm.pdevSeq)) {
		return fmt.Errorf("device: recorded %d pdevs, %d present: %w", numPDevsRecorded, len(dm.pdevSeq), ErrNumDevicesMismatch)
	}

	dm.systemUUID = sysUUID
	dm.genNumber = highestGen

	for _, id := range dm.pdevSeq {
		p := dm.pdevs[id]
		if p.firstBlock.Header.SystemUUID != sysUUID {
			return fmt.Errorf("device: pdev %d: %w", id, ErrSystemUUIDMismatch)
		}
		if p.firstBlock.Header.Version != CurrentVersion {
			return fmt.Errorf("device: pdev %d: %w", id, ErrVersionMismatch)
		}
	}

	return dm.loadChunksLocked()
}

func (dm *DeviceManager) formatLocked(productName string) error {
	dm.systemUUID = uuid.New()
	dm.genNumber = 1

	var name [ProductNameSize]byte
	copy(name[:], productName)

	for _, id := range dm.pdevSeq {
		p := dm.pdevs[id]
		fb := &FirstBlock{
			Header: FirstBlockHeader{
				Version:         CurrentVersion,
				GenNumber:       dm.genNumber,
				ProductName:     name,
				NumPDevs:        uint32(len(dm.pdevSeq)),
				MaxVdevs:        dm.maxVdevs,
				MaxSystemChunks: dm.maxSystemChunks,
				SystemUUID:      dm.systemUUID,
			},
			PDevHeader: PDevInfoHeader{
				PDevID:           id,
				MirrorSuperBlock: p.attr.IsHDD,
				MaxPDevChunks:    dm.maxPDevChunks,
				DataOffset:       uint64(p.dataOffset),
				Size:             p.size,
				DevAttr:          p.attr,
				SystemUUID:       dm.systemUUID,
			},
			Valid: true,
		}
		if err := p.WriteFirstBlock(fb); err != nil {
			return err
		}
		if err := p.FormatChunks(); err != nil {
			return err
		}
	}
	dm.log.WithField("system_uuid", dm.systemUUID).Info("formatted new system")
	return nil
}

// loadChunksLocked replays every PDev's chunk table, accepting every chunk
// it finds; LoadVDevs groups them under their vdevs once the vdev_info
// array has been read.
func (dm *DeviceManager) loadChunksLocked() error {
	for _, id := range dm.pdevSeq {
		p := dm.pdevs[id]
		if _, err := p.LoadChunks(func(*Chunk) bool { return true }); err != nil {
			return fmt.Errorf("device: load chunks on pdev %d: %w", id, err)
		}
	}
	return nil
}

// CreateVDev implements the six-step create_vdev flow (§4.D/§4.E):
// reserve a vdev-id, pick participating pdevs per placement, reserve
// chunk-ids, create the chunks on each participating pdev, write the
// vdev_info slot to every participant, and build the in-memory VirtualDev.
func (dm *DeviceManager) CreateVDev(name string, size uint64, blkSize uint32, numPrimaryChunks uint32, placement PlacementPolicy, allocType AllocType, chunkSel ChunkSelType) (*VirtualDev, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	vdevID, ok := dm.vdevIDs.Alloc()
	if !ok {
		return nil, ErrOutOfRoom
	}

	participants := dm.selectParticipants(placement)
	if len(participants) == 0 {
		return nil, fmt.Errorf("device: no pdevs available for placement %d", placement)
	}

	chunkSize := ComputeVDevSize(size, uint64(blkSize), numPrimaryChunks) / uint64(numPrimaryChunks)
	numMirrors := uint32(0)
	if placement == PlacementAllPDevMirrored {
		numMirrors = uint32(len(participants) - 1)
	}

	groups := make([][]*Chunk, 0, numPrimaryChunks)
	var allNew []*Chunk
	var allNewMu sync.Mutex
	for i := uint32(0); i < numPrimaryChunks; i++ {
		members := participants
		if placement != PlacementAllPDevMirrored {
			// striped placements rotate primary chunks round-robin across
			// pdevs; single placements have exactly one participant
			j := int(i) % len(participants)
			members = participants[j : j+1]
		}

		group := make([]*Chunk, len(members))
		g, _ := errgroup.WithContext(context.Background())
		for m, p := range members {
			m, p := m, p
			g.Go(func() error {
				id, err := dm.chunks.AllocID()
				if err != nil {
					return err
				}
				created, err := p.CreateChunks([]uint32{id}, vdevID, chunkSize)
				if err != nil {
					dm.chunks.ReleaseID(id)
					return err
				}
				group[m] = created[0]
				allNewMu.Lock()
				allNew = append(allNew, created[0])
				allNewMu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			dm.rollbackChunks(allNew)
			dm.vdevIDs.Free(vdevID)
			return nil, err
		}

		for _, mirror := range group[1:] {
			if err := mirror.pdev.SetPrimary(mirror.ChunkID, group[0].ChunkID); err != nil {
				dm.rollbackChunks(allNew)
				dm.vdevIDs.Free(vdevID)
				return nil, err
			}
		}
		groups = append(groups, group)
	}

	info := VDevInfo{
		VDevID:           vdevID,
		VDevSize:         chunkSize * uint64(numPrimaryChunks),
		NumMirrors:       numMirrors,
		BlkSize:          blkSize,
		NumPrimaryChunks: numPrimaryChunks,
		AllocType:        allocType,
		ChunkSelType:     chunkSel,
		PDevChoice:       PDevChoiceFirst,
		Placement:        placement,
		SlotAllocated:    true,
	}
	copy(info.Name[:], name)

	for _, p := range participants {
		if err := p.WriteVDevInfo(int(vdevID), &info); err != nil {
			return nil, err
		}
	}

	v := NewVirtualDev(info, participants, groups)
	dm.vdevs[vdevID] = v
	return v, nil
}

func (dm *DeviceManager) rollbackChunks(chunks []*Chunk) {
	for _, c := range chunks {
		if _, err := c.pdev.FreeChunk(c.ChunkID); err != nil {
			dm.log.WithError(err).Warn("rollback: failed to free partially-created chunk")
		}
	}
}

// selectParticipants applies the placement policy to the manager's pdev
// set (§4.D). Striping and mirroring use every added pdev; single-pdev
// placements narrow to one via PDevChoice.
func (dm *DeviceManager) selectParticipants(placement PlacementPolicy) []*PhysicalDev {
	all := make([]*PhysicalDev, 0, len(dm.pdevSeq))
	for _, id := range dm.pdevSeq {
		all = append(all, dm.pdevs[id])
	}

	switch placement {
	case PlacementSingleFirstPDev:
		if p := pickPDev(all, PDevChoiceFirst); p != nil {
			return []*PhysicalDev{p}
		}
		return nil
	case PlacementSingleRandomPDev:
		if p := pickPDev(all, PDevChoiceRandom); p != nil {
			return []*PhysicalDev{p}
		}
		return nil
	default: // striped or mirrored: every pdev participates
		return all
	}
}

// LoadVDevs reads every vdev_info slot from the first participating pdev,
// groups the loaded chunks under their vdevs, and builds the in-memory
// VirtualDev table. Any allocated chunk whose vdev is not in that table
// stays orphaned: it is logged and left allocated.
func (dm *DeviceManager) LoadVDevs() ([]*VirtualDev, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if len(dm.pdevSeq) == 0 {
		return nil, nil
	}
	primary := dm.pdevs[dm.pdevSeq[0]]

	var loaded []*VirtualDev
	for slot := 0; slot < int(dm.maxVdevs); slot++ {
		info, err := primary.ReadVDevInfo(slot)
		if err != nil {
			return nil, err
		}
		if !info.SlotAllocated {
			continue
		}
		dm.vdevIDs.Set(info.VDevID)

		groups := dm.regroupChunksLocked(info)
		dm.checkOrphanChunksLocked(info, groups)
		participants := dm.selectParticipants(info.Placement)
		v := NewVirtualDev(*info, participants, groups)
		dm.vdevs[info.VDevID] = v
		loaded = append(loaded, v)
	}

	for _, id := range dm.pdevSeq {
		for _, c := range dm.pdevs[id].byID {
			if c.IsFree() {
				continue
			}
			if _, ok := dm.vdevs[c.VDevID]; !ok {
				dm.log.WithField("chunk_id", c.ChunkID).WithField("vdev_id", c.VDevID).
					Warn("orphaned chunk: owning vdev not in loaded vdev table")
			}
		}
	}

	return loaded, nil
}

// checkOrphanChunksLocked cross-checks the chunks regroupChunksLocked found
// for a vdev against the primary/mirror counts recorded in its persisted
// vdev_info: num_primary_chunks groups, each num_mirrors+1 chunks deep.
// A mismatch means some chunk that should belong to this vdev never got
// reattached (freed early, or lost to a crash mid-allocation); it doesn't
// block load, it's only logged as an orphan warning for an operator to act
// on.
func (dm *DeviceManager) checkOrphanChunksLocked(info *VDevInfo, groups [][]*Chunk) {
	wantGroups := int(info.NumPrimaryChunks)
	wantPerGroup := int(1 + info.NumMirrors)

	if len(groups) != wantGroups {
		dm.log.WithField("vdev_id", info.VDevID).
			WithField("want_primary_chunks", wantGroups).
			WithField("got_primary_chunks", len(groups)).
			Warn("orphan chunks: primary chunk group count does not match vdev_info")
	}
	for i, group := range groups {
		if len(group) != wantPerGroup {
			dm.log.WithField("vdev_id", info.VDevID).
				WithField("primary_chunk_id", group[0].ChunkID).
				WithField("group_index", i).
				WithField("want_chunks", wantPerGroup).
				WithField("got_chunks", len(group)).
				Warn("orphan chunks: mirror group size does not match vdev_info")
		}
	}
}

// regroupChunksLocked collects every already-registered chunk belonging to
// vdev info.VDevID and buckets it into per-primary-chunk groups by walking
// PrimaryChunkID (mirrors point back at their primary; a primary points at
// itself via InvalidID).
func (dm *DeviceManager) regroupChunksLocked(info *VDevInfo) [][]*Chunk {
	byPrimary := make(map[uint32][]*Chunk)
	var order []uint32

	for _, id := range dm.pdevSeq {
		p := dm.pdevs[id]
		for _, c := range p.byID {
			if c.VDevID != info.VDevID {
				continue
			}
			key := c.PrimaryChunkID
			if key == InvalidID {
				key = c.ChunkID
			}
			if _, seen := byPrimary[key]; !seen {
				order = append(order, key)
			}
			byPrimary[key] = append(byPrimary[key], c)
		}
	}

	groups := make([][]*Chunk, 0, len(order))
	for _, key := range order {
		groups = append(groups, byPrimary[key])
	}
	return groups
}

func (dm *DeviceManager) GetVDev(id uint32) (*VirtualDev, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	v, ok := dm.vdevs[id]
	return v, ok
}

func (dm *DeviceManager) PDev(id uint32) (*PhysicalDev, bool) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	p, ok := dm.pdevs[id]
	return p, ok
}

func (dm *DeviceManager) SystemUUID() uuid.UUID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.systemUUID
}

func (dm *DeviceManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	var first error
	for _, p := range dm.pdevs {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
