// Package ops implements the bulk-scan drivers: format, mount
// assembly, fs/dev usage reporting, fsck, dump/list, and
// migrate/rereplicate. These are the operations that use every other
// component together.
package ops

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/mstenber/cowfs/alloc"
	"github.com/mstenber/cowfs/checksum"
	"github.com/mstenber/cowfs/config"
	"github.com/mstenber/cowfs/extent"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/journal"
	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/storage/factory"
	"github.com/mstenber/cowfs/superblock"
	"github.com/mstenber/cowfs/btree"
	"github.com/mstenber/cowfs/txn"
)

// Filesystem bundles every component a format/mount/fsck/migrate
// operation needs: one superblock Handle and one storage.Device per
// member, one btree.Tree per fskey.BTreeID sharing a single
// txn.Manager, one Journal (on the lowest-indexed member), and one
// extent.Path tying them together for data I/O.
type Filesystem struct {
	BackendName string
	Devices     map[uint32]storage.Device
	Supers      map[uint32]*superblock.Handle
	Primary     uint32 // member index whose superblock is authoritative and that hosts the journal

	Mgr     *txn.Manager
	Alloc   *alloc.Allocator
	Journal *journal.Journal
	Extent  *extent.Path
	Options config.Set
}

// newTrees builds one Tree per fskey.BTreeID sharing a single on-disk
// node backend,
// the way extent.Path shares one set of devices across every caller
// rather than each btree.Tree owning its own I/O path.
func newTrees(backend btree.Backend, nodeSize int, cacheSize int) map[fskey.BTreeID]*btree.Tree {
	trees := make(map[fskey.BTreeID]*btree.Tree)
	for _, id := range fskey.AllBTreeIDs() {
		trees[id] = btree.Tree{BTreeID: id, NodeMaximumSize: nodeSize}.Init(backend, cacheSize)
	}
	return trees
}

// metadataLayout divides one device's blocks into the disjoint regions
// Format/Mount must agree on without an extra on-disk layout record.
// Only the primary member carries a journal and
// btree-node region; every member reserves its own primary+backup
// superblock blocks.
type metadataLayout struct {
	JournalStart, JournalCount uint64
	BTreeStart, BTreeCount     uint64
	UserStart, UserCount       uint64
}

// planMetadataLayout computes dev's metadataLayout.
// hostsJournalAndTree is true only for the primary member, which
// hosts the journal ring and node pool; secondary members reserve
// nothing beyond their own superblock replicas.
func planMetadataLayout(dev storage.Device, hostsJournalAndTree bool) metadataLayout {
	bs := uint64(dev.BlockSize())
	if bs == 0 {
		bs = superblock.SectorSize
	}
	primary := uint64(superblock.MagicOffset) / bs
	backup := subOrZero(dev.NumBlocks(), 1)
	reservedStart := primary + 1

	if !hostsJournalAndTree {
		return metadataLayout{UserStart: reservedStart, UserCount: subOrZero(backup, reservedStart)}
	}

	avail := subOrZero(backup, reservedStart)
	journalCount := avail / 16
	btreeCount := avail / 8
	btreeStart := reservedStart + journalCount
	userStart := btreeStart + btreeCount
	return metadataLayout{
		JournalStart: reservedStart, JournalCount: journalCount,
		BTreeStart: btreeStart, BTreeCount: btreeCount,
		UserStart: userStart, UserCount: subOrZero(avail, journalCount+btreeCount),
	}
}

func subOrZero(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// resolveNodeSize clamps the btree_node_size option to what
// the primary device's block size can actually carry in one
// btree.DeviceBackend block, so a misconfigured large node size never
// produces a record SaveNode refuses to write.
func resolveNodeSize(resolved config.Set, dev storage.Device) int {
	want := int(resolved.Uint("btree_node_size", 262144))
	bs := int(dev.BlockSize())
	const headroom = 256 // envelope overhead: magic+checksum+length prefixes
	if max := bs - headroom; max > 0 && want > max {
		return max
	}
	return want
}

// Format creates a fresh filesystem across the given devices.
// devices maps a member index to already-opened storage backends
// (e.g. from storage/factory.New); opts overlays the option table.
func Format(devices map[uint32]storage.Device, opts config.Set) (*Filesystem, error) {
	if len(devices) == 0 {
		return nil, fmt.Errorf("format: no devices given")
	}
	if err := config.Validate(opts, config.ScopeFormat); err != nil {
		return nil, err
	}
	resolved := config.Resolved(opts)

	// The member table is positional, so every member writes a copy of
	// one shared superblock: same UUIDs, same table, differing only in
	// DevIdx. That requires device indices 0..n-1.
	indices := make([]uint32, 0, len(devices))
	for idx := range devices {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for i, idx := range indices {
		if uint32(i) != idx {
			return nil, fmt.Errorf("format: device indices must be contiguous from 0, got %v", indices)
		}
	}
	primary := indices[0]

	var maxBlockSize uint32
	for _, dev := range devices {
		if dev.BlockSize() > maxBlockSize {
			maxBlockSize = dev.BlockSize()
		}
	}
	shared := superblock.New(maxBlockSize)
	mdChecksum, err := checksum.ParseAlgorithm(resolved.String("metadata_checksum_type", "crc32c"))
	if err != nil {
		return nil, err
	}
	dataChecksum, err := checksum.ParseAlgorithm(resolved.String("data_checksum_type", "crc32c"))
	if err != nil {
		return nil, err
	}
	shared.MetadataChecksum = mdChecksum
	shared.DataChecksum = dataChecksum
	sharedHandle := &superblock.Handle{Device: devices[primary], Super: shared}
	for _, idx := range indices {
		dev := devices[idx]
		if _, err := sharedHandle.AddMember(superblock.Member{
			UUID:        uuid.New(),
			NBuckets:    dev.NumBlocks(),
			BucketSize:  dev.BlockSize(),
			Durability:  uint8(resolved.Uint("durability", 1)),
			Discard:     resolved.Bool("discard", false),
			DataAllowed: superblock.DataAllowedDefault,
			State:       superblock.StateRW,
		}); err != nil {
			return nil, err
		}
	}

	supers := make(map[uint32]*superblock.Handle)
	for _, idx := range indices {
		sb, err := shared.Clone()
		if err != nil {
			return nil, fmt.Errorf("format: clone superblock for member %d: %w", idx, err)
		}
		sb.DevIdx = idx
		handle := &superblock.Handle{Device: devices[idx], Super: sb}
		if err := handle.WriteSuper(); err != nil {
			return nil, fmt.Errorf("format: write superblock on member %d: %w", idx, err)
		}
		supers[idx] = handle
	}

	layouts := make(map[uint32]metadataLayout, len(devices))
	for idx, dev := range devices {
		layouts[idx] = planMetadataLayout(dev, idx == primary)
	}
	primaryLayout := layouts[primary]
	primaryDev := devices[primary]

	nodeBackend := btree.NewDeviceBackend(primaryDev, primaryLayout.BTreeStart, primaryLayout.BTreeCount, supers[primary].Super.MetadataChecksum, nil)
	trees := newTrees(nodeBackend, resolveNodeSize(resolved, primaryDev), 1024)
	mgr := &txn.Manager{Trees: trees, Hooks: []txn.PreCommitHook{extent.ReplicasAccountingHook()}}

	jr := journal.New(primaryDev, int(primaryDev.BlockSize())*4)
	jr.SetRegion(primaryLayout.JournalStart, primaryLayout.JournalCount)
	mgr.Journal = jr
	mgr.RootSink = rootSinkFor(supers[primary], trees)

	alc := alloc.New(mgr)
	for idx := range devices {
		alc.SetCapacity(idx, int64(layouts[idx].UserCount))
		alc.SetDiscard(idx, resolved.Bool("discard", false))
		if err := alc.SeedBuckets(idx, layouts[idx].UserStart, layouts[idx].UserCount); err != nil {
			return nil, fmt.Errorf("format: seed buckets on member %d: %w", idx, err)
		}
	}
	if err := alc.InitFreespace(); err != nil {
		return nil, err
	}

	ep := &extent.Path{Alloc: alc, Mgr: mgr, Devices: devices}

	fs := &Filesystem{
		Devices: devices, Supers: supers, Primary: primary,
		Mgr: mgr, Alloc: alc, Journal: jr, Extent: ep, Options: resolved,
	}
	const rootInode = 1
	if err := fs.StoreInode(rootInode, &Inode{Mode: 0o40755, Parent: rootInode}); err != nil {
		return nil, fmt.Errorf("format: create root inode: %w", err)
	}
	mlog.Printf2("ops/filesystem", "format complete: %d members, primary=%d", len(devices), primary)
	return fs, nil
}

// rootSinkFor builds the txn.Manager.RootSink closure that durably
// records every tree's current root pointer into the primary member's
// superblock after each commit.
func rootSinkFor(primarySuper *superblock.Handle, trees map[fskey.BTreeID]*btree.Tree) func(uint64) error {
	return func(seq uint64) error {
		roots := make(map[uint8][]byte, len(trees))
		for id, tree := range trees {
			if p := tree.Root(); p != nil {
				roots[uint8(id)] = btree.EncodePointer(*p)
			}
		}
		primarySuper.Super.BTreeRoots = roots
		if seq > primarySuper.Super.LastAppliedSeq {
			primarySuper.Super.LastAppliedSeq = seq
		}
		return primarySuper.WriteSuper()
	}
}

// FormatNew is a convenience wrapper around Format that also creates
// the backend devices via storage/factory, matching the CLI's `format
// device=... size=... block_size=...` invocation shape.
func FormatNew(backendName string, deviceConfigs map[uint32]storage.Config, opts config.Set) (*Filesystem, error) {
	devices := make(map[uint32]storage.Device, len(deviceConfigs))
	for idx, cfg := range deviceConfigs {
		dev, err := factory.New(backendName, cfg)
		if err != nil {
			return nil, fmt.Errorf("format: open device %d: %w", idx, err)
		}
		devices[idx] = dev
	}
	fs, err := Format(devices, opts)
	if err != nil {
		return nil, err
	}
	fs.BackendName = backendName
	return fs, nil
}

// Mount opens every device's superblock and rebuilds the in-memory
// filesystem handle. Journal replay merges journaled keys ahead of on-disk
// nodes so queries reflect uncommitted-to-nodes state.
func Mount(devices map[uint32]storage.Device, opts config.Set) (*Filesystem, error) {
	if err := config.Validate(opts, config.ScopeMount); err != nil {
		return nil, err
	}
	resolved := config.Resolved(opts)

	// Callers may hand devices in any order under any keys; each
	// device's superblock records its own member index, and all
	// members must agree on the filesystem identity.
	supers := make(map[uint32]*superblock.Handle)
	remapped := make(map[uint32]storage.Device, len(devices))
	var fsUUID uuid.UUID
	var primary uint32
	first := true
	for callerIdx, dev := range devices {
		handle, err := superblock.Open(dev)
		if err != nil {
			return nil, fmt.Errorf("mount: member %d: %w", callerIdx, err)
		}
		idx := handle.Super.DevIdx
		if first {
			fsUUID = handle.Super.ExternalUUID
		} else if handle.Super.ExternalUUID != fsUUID {
			return nil, fmt.Errorf("mount: device %d belongs to filesystem %s, not %s",
				idx, handle.Super.ExternalUUID, fsUUID)
		}
		if _, dup := supers[idx]; dup {
			return nil, fmt.Errorf("mount: two devices claim member index %d", idx)
		}
		supers[idx] = handle
		remapped[idx] = dev
		if first || idx < primary {
			primary = idx
		}
		first = false
	}
	devices = remapped

	layouts := make(map[uint32]metadataLayout, len(devices))
	for idx, dev := range devices {
		layouts[idx] = planMetadataLayout(dev, idx == primary)
	}
	primaryLayout := layouts[primary]
	primaryDev := devices[primary]

	nodeBackend := btree.NewDeviceBackend(primaryDev, primaryLayout.BTreeStart, primaryLayout.BTreeCount, supers[primary].Super.MetadataChecksum, nil)
	trees := newTrees(nodeBackend, resolveNodeSize(resolved, primaryDev), 1024)
	for btid, raw := range supers[primary].Super.BTreeRoots {
		tree, ok := trees[fskey.BTreeID(btid)]
		if !ok {
			continue
		}
		p, err := btree.DecodePointer(raw)
		if err != nil {
			return nil, fmt.Errorf("mount: decode stored root for btree %d: %w", btid, err)
		}
		tree.SetRoot(&p)
	}
	mgr := &txn.Manager{Trees: trees, Hooks: []txn.PreCommitHook{extent.ReplicasAccountingHook()}}

	jr := journal.New(primaryDev, int(primaryDev.BlockSize())*4)
	jr.SetRegion(primaryLayout.JournalStart, primaryLayout.JournalCount)
	jr.SetReplayFloor(supers[primary].Super.LastAppliedSeq)
	if err := jr.LoadFromDevice(); err != nil {
		return nil, fmt.Errorf("mount: load journal: %w", err)
	}
	mgr.Journal = jr
	mgr.RootSink = rootSinkFor(supers[primary], trees)

	if err := jr.Replay(func(rec journal.EntryRecord) error {
		return mgr.Run(func(t *txn.Txn) error {
			if rec.Delete {
				return t.Delete(rec.BTreeID, rec.Key)
			}
			return t.Set(rec.BTreeID, rec.Key)
		})
	}); err != nil {
		return nil, fmt.Errorf("mount: journal replay: %w", err)
	}

	alc := alloc.New(mgr)
	members := supers[primary].Super.Members
	for idx := range devices {
		alc.SetCapacity(idx, int64(layouts[idx].UserCount))
		if int(idx) < len(members) {
			alc.SetDiscard(idx, members[idx].Discard)
		}
	}
	if err := alc.InitFreespace(); err != nil {
		return nil, err
	}

	ep := &extent.Path{Alloc: alc, Mgr: mgr, Devices: devices}
	fs := &Filesystem{
		Devices: devices, Supers: supers, Primary: primary,
		Mgr: mgr, Alloc: alc, Journal: jr, Extent: ep, Options: resolved,
	}
	mlog.Printf2("ops/filesystem", "mount complete: %d members, primary=%d", len(devices), primary)
	return fs, nil
}

// FsUsage reports aggregate capacity/usage across every member,
// matching the `fs usage` control-plane operation.
type FsUsage struct {
	CapacityBytes uint64
	UsedBytes     uint64
	Members       int
	Degraded      bool
}

func (self *Filesystem) FsUsage() FsUsage {
	var report FsUsage
	for idx, dev := range self.Devices {
		report.CapacityBytes += uint64(dev.BlockSize()) * dev.NumBlocks()
		if usage, err := extent.ReplicasUsage(self.Mgr, idx); err == nil {
			report.UsedBytes += usage.Bytes
		}
	}
	report.Members = len(self.Devices)
	if h, ok := self.Supers[self.Primary]; ok {
		for idx, m := range h.Super.Members {
			var zero uuid.UUID
			if m.UUID == zero {
				continue
			}
			if _, alive := self.Devices[uint32(idx)]; !alive || m.State != superblock.StateRW {
				report.Degraded = true
			}
		}
	}
	return report
}

// DevUsage reports one member's capacity and accounted usage,
// matching `dev usage`.
type DevUsage struct {
	Member        uint32
	CapacityBytes uint64
	UsedBytes     uint64
	State         superblock.MemberState
}

func (self *Filesystem) DevUsage(idx uint32) (DevUsage, error) {
	dev, ok := self.Devices[idx]
	if !ok {
		return DevUsage{}, fmt.Errorf("no such member %d", idx)
	}
	state := superblock.StateRW
	if h, ok := self.Supers[self.Primary]; ok {
		for i, m := range h.Super.Members {
			if uint32(i) == idx {
				state = m.State
			}
		}
	}
	out := DevUsage{Member: idx, CapacityBytes: uint64(dev.BlockSize()) * dev.NumBlocks(), State: state}
	if usage, err := extent.ReplicasUsage(self.Mgr, idx); err == nil {
		out.UsedBytes = usage.Bytes
	}
	return out, nil
}

// MemberIndices returns the sorted list of member indices, used by
// callers that need a deterministic iteration order (dump, list,
// rereplicate target selection).
func (self *Filesystem) MemberIndices() []uint32 {
	out := make([]uint32, 0, len(self.Devices))
	for idx := range self.Devices {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func errUnknownBTree(id fskey.BTreeID) error {
	return fmt.Errorf("unknown btree id %s", id)
}

// Close releases every member device.
func (self *Filesystem) Close() error {
	var firstErr error
	for _, dev := range self.Devices {
		if err := dev.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
