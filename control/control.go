// Package control implements the ioctl-style control-plane
// dispatcher: a fixed set of named operations a CLI or any other
// in-process caller issues against a mounted Filesystem.
package control

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mstenber/cowfs/alloc"
	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/ops"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/storage/factory"
	"github.com/mstenber/cowfs/superblock"
	"github.com/mstenber/cowfs/wire"
)

// Dispatcher binds the control-plane operations to one mounted
// Filesystem.
type Dispatcher struct {
	FS *ops.Filesystem
}

func New(fs *ops.Filesystem) *Dispatcher {
	return &Dispatcher{FS: fs}
}

// QueryUuid reports the primary member's external and internal UUIDs.
func (self *Dispatcher) QueryUuid() (external, internal string, err error) {
	h, ok := self.FS.Supers[self.FS.Primary]
	if !ok {
		return "", "", fmt.Errorf("no primary superblock")
	}
	return h.Super.ExternalUUID.String(), h.Super.InternalUUID.String(), nil
}

// ReadSuper returns the primary member's in-memory superblock,
// matching `show-super`.
func (self *Dispatcher) ReadSuper() (*superblock.Super, error) {
	h, ok := self.FS.Supers[self.FS.Primary]
	if !ok {
		return nil, fmt.Errorf("no primary superblock")
	}
	return h.Super, nil
}

// FsUsage forwards to ops.Filesystem.FsUsage.
func (self *Dispatcher) FsUsage() ops.FsUsage {
	return self.FS.FsUsage()
}

// DevUsage forwards to ops.Filesystem.DevUsage.
func (self *Dispatcher) DevUsage(idx uint32) (ops.DevUsage, error) {
	return self.FS.DevUsage(idx)
}

// DiskAdd opens a fresh backend device at path and adds it to the
// member table as a new rw member.
func (self *Dispatcher) DiskAdd(path string, cfg storage.Config) (uint32, error) {
	cfg.Directory = path
	dev, err := factory.New(self.FS.BackendName, cfg)
	if err != nil {
		return 0, fmt.Errorf("disk add: %w", err)
	}
	primaryHandle, ok := self.FS.Supers[self.FS.Primary]
	if !ok {
		return 0, fmt.Errorf("disk add: no primary superblock")
	}
	slot, err := primaryHandle.AddMember(superblock.Member{
		UUID:        uuid.New(),
		NBuckets:    dev.NumBlocks(),
		BucketSize:  dev.BlockSize(),
		Durability:  1,
		DataAllowed: superblock.DataAllowedDefault,
		State:       superblock.StateRW,
	})
	if err != nil {
		return 0, err
	}
	idx := uint32(slot)
	if err := primaryHandle.WriteSuper(); err != nil {
		return 0, fmt.Errorf("disk add: write primary superblock: %w", err)
	}
	// The new member carries a copy of the shared superblock with its
	// own index, so a later UUID scan finds it as part of this
	// filesystem.
	sb, err := primaryHandle.Super.Clone()
	if err != nil {
		return 0, err
	}
	sb.DevIdx = idx
	handle := &superblock.Handle{Device: dev, Super: sb}
	if err := handle.WriteSuper(); err != nil {
		return 0, fmt.Errorf("disk add: write superblock: %w", err)
	}
	self.FS.Devices[idx] = dev
	self.FS.Supers[idx] = handle
	self.FS.Alloc.SetCapacity(idx, int64(dev.NumBlocks()))
	mlog.Printf2("control/control", "disk add: member %d at %s", idx, path)
	return idx, nil
}

// DiskRemoveFlags gates a DiskRemove call: removal refuses to drop a
// member still holding live data unless Force is set.
type DiskRemoveFlags struct {
	Force bool
}

// DiskRemove drops member idx from the table and closes its device.
// Data must already have been evacuated via
// Migrate/Data(migrate) unless flags.Force is set.
func (self *Dispatcher) DiskRemove(idx uint32, flags DiskRemoveFlags) error {
	if !flags.Force && self.hasLiveData(idx) {
		return ferr.ErrDataLossRisk
	}
	h, ok := self.FS.Supers[self.FS.Primary]
	if !ok {
		return fmt.Errorf("no primary superblock")
	}
	if err := h.RemoveMember(int(idx)); err != nil {
		return err
	}
	if dev, ok := self.FS.Devices[idx]; ok {
		dev.Close()
		delete(self.FS.Devices, idx)
	}
	delete(self.FS.Supers, idx)
	mlog.Printf2("control/control", "disk remove: member %d", idx)
	return nil
}

// hasLiveData reports whether member idx's alloc btree still holds any
// bucket in a non-free state, used to gate DiskRemove/DiskOffline/
// DiskSetState against dropping a member that still holds data. It
// does not check whether other members hold replicas of that data.
func (self *Dispatcher) hasLiveData(idx uint32) bool {
	tree := self.FS.Mgr.Trees[fskey.BTreeAlloc]
	start := fskey.Position{Inode: uint64(idx)}
	path, err := tree.IterInit(start)
	if err != nil {
		return true
	}
	for {
		k := path.Advance()
		if k == nil || k.Pos.Inode != uint64(idx) {
			break
		}
		var bk alloc.Bucket
		if err := wire.Unmarshal(k.Value, &bk); err != nil {
			return true
		}
		if bk.State != alloc.StateFree {
			return true
		}
	}
	return false
}

// DiskOnline re-opens a previously offlined device at path and rejoins
// it under its existing member entry.
func (self *Dispatcher) DiskOnline(idx uint32, path string, cfg storage.Config) error {
	cfg.Directory = path
	dev, err := factory.New(self.FS.BackendName, cfg)
	if err != nil {
		return fmt.Errorf("disk online: %w", err)
	}
	self.FS.Devices[idx] = dev
	self.FS.Alloc.SetCapacity(idx, int64(dev.NumBlocks()))
	if h, ok := self.FS.Supers[self.FS.Primary]; ok {
		h.SetState(int(idx), superblock.StateRW)
	}
	mlog.Printf2("control/control", "disk online: member %d", idx)
	return nil
}

// DiskOfflineFlags gates a DiskOffline call.
type DiskOfflineFlags struct {
	Force bool
}

// DiskOffline marks member idx's backend as no longer reachable
// without removing it from the table, so reads/writes against it fail
// over to surviving replicas.
func (self *Dispatcher) DiskOffline(idx uint32, flags DiskOfflineFlags) error {
	if !flags.Force && self.hasLiveData(idx) {
		return ferr.ErrDataLossRisk
	}
	if dev, ok := self.FS.Devices[idx]; ok {
		dev.Close()
		delete(self.FS.Devices, idx)
	}
	if h, ok := self.FS.Supers[self.FS.Primary]; ok {
		h.SetState(int(idx), superblock.StateFailed)
	}
	mlog.Printf2("control/control", "disk offline: member %d", idx)
	return nil
}

// DiskSetStateFlags gates a DiskSetState call.
type DiskSetStateFlags struct {
	Force bool
}

// DiskSetState transitions member idx's state. Transitioning away from rw while the member
// still holds any non-free bucket is refused without Force, whether or
// not other members hold replicas of that data.
func (self *Dispatcher) DiskSetState(idx uint32, state superblock.MemberState, flags DiskSetStateFlags) error {
	if state != superblock.StateRW && !flags.Force && self.hasLiveData(idx) {
		return ferr.ErrDataLossRisk
	}
	h, ok := self.FS.Supers[self.FS.Primary]
	if !ok {
		return fmt.Errorf("no primary superblock")
	}
	return h.SetState(int(idx), state)
}

// DiskResize updates member idx's bucket count, both in the
// superblock table and in the live allocator capacity accounting.
func (self *Dispatcher) DiskResize(idx uint32, newNBuckets uint64) error {
	h, ok := self.FS.Supers[self.FS.Primary]
	if !ok {
		return fmt.Errorf("no primary superblock")
	}
	if err := h.Resize(int(idx), newNBuckets); err != nil {
		return err
	}
	self.FS.Alloc.SetCapacity(idx, int64(newNBuckets))
	return nil
}

// DiskResizeJournal replaces member idx's journal bucket reservation.
// Buckets are
// drawn from the allocator the same way any other metadata write would
// be, via DataBtree-class candidates.
func (self *Dispatcher) DiskResizeJournal(idx uint32, newNBuckets int) error {
	h, ok := self.FS.Supers[self.FS.Primary]
	if !ok {
		return fmt.Errorf("no primary superblock")
	}
	buckets := make([]uint64, 0, newNBuckets)
	for i := 0; i < newNBuckets; i++ {
		_, bucket, err := self.FS.Alloc.Allocate([]uint32{idx}, alloc.DataBtree)
		if err != nil {
			return fmt.Errorf("disk resize-journal: %w", err)
		}
		self.FS.Alloc.CloseBucket(idx, bucket)
		buckets = append(buckets, bucket)
	}
	h.ResizeJournal(idx, buckets)
	return nil
}

// DataRange packages the arguments a Data(op, range) job needs beyond
// op itself: Start/End bound a rereplicate or rewrite_old_nodes sweep
// (scrub takes no range),
// FromDevice selects the member a migrate job evacuates.
type DataRange struct {
	Start      fskey.Position
	End        fskey.Position
	FromDevice uint32
}

// Data dispatches one of the background data jobs against the
// filesystem's extents, streaming progress through the caller-supplied
// callback the way the CLI's `data` subcommand prints one line per
// tick.
func (self *Dispatcher) Data(op ops.DataOp, r DataRange, candidateDevices []uint32, progress func(ops.Progress)) error {
	switch op {
	case ops.DataOpRereplicate:
		return self.FS.Rereplicate(r.Start, r.End, candidateDevices, progress)
	case ops.DataOpMigrate:
		if len(candidateDevices) == 0 {
			return fmt.Errorf("data migrate: no candidate devices given")
		}
		return self.FS.Migrate(r.FromDevice, candidateDevices, progress)
	case ops.DataOpScrub:
		return self.FS.Scrub(progress)
	case ops.DataOpRewriteOldNodes:
		return self.FS.RewriteOldNodes(r.Start, r.End, progress)
	default:
		return fmt.Errorf("unknown data op %d", op)
	}
}

// SubvolumeCreate forwards to ops.Filesystem.
func (self *Dispatcher) SubvolumeCreate(rootInode uint64, name string) error {
	return self.FS.SubvolumeCreate(rootInode, name)
}

// SubvolumeDestroy forwards to ops.Filesystem.
func (self *Dispatcher) SubvolumeDestroy(rootInode uint64) error {
	return self.FS.SubvolumeDestroy(rootInode)
}

// SubvolumeSnapshot forwards to ops.Filesystem.
func (self *Dispatcher) SubvolumeSnapshot(src, dst uint64, readonly bool, newSnapshotID uint32) error {
	return self.FS.SubvolumeSnapshot(src, dst, readonly, newSnapshotID)
}

// ReinheritAttrs forwards to ops.Filesystem.
func (self *Dispatcher) ReinheritAttrs(dirInode uint64) error {
	return self.FS.ReinheritAttrs(dirInode)
}
