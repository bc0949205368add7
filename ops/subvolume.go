package ops

import (
	"fmt"

	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/txn"
	"github.com/mstenber/cowfs/wire"
)

// Subvolume is the value of a fskey.KeyTypeSubvolume key: a named
// root inode with its own snapshot identity.
type Subvolume struct {
	Name       string
	RootInode  uint64
	Snapshot   uint32 // the snapshot id this subvolume currently reads/writes through
	ReadOnly   bool
}

// Snapshot is the value of a fskey.KeyTypeSnapshot key: a
// point-in-time shareable clone of a subvolume, represented by the
// snapshot bits of the position tuple rather than by copied keys.
type Snapshot struct {
	ParentSubvolume uint64 // RootInode of the subvolume this was taken from
	CreatedSnapshot uint32
}

func subvolumePos(id uint64) fskey.Position { return fskey.Position{Inode: id} }

// SubvolumeCreate records a new subvolume entry for rootInode at
// snapshot id 0. It does not allocate or create the root inode; the
// caller supplies its number.
func (self *Filesystem) SubvolumeCreate(rootInode uint64, name string) error {
	sv := Subvolume{Name: name, RootInode: rootInode}
	b, _ := wire.Marshal(&sv)
	key := fskey.Key{Pos: subvolumePos(rootInode), Type: fskey.KeyTypeSubvolume, Value: b}
	return self.Mgr.Run(func(t *txn.Txn) error {
		return t.Set(fskey.BTreeSubvolumes, key)
	})
}

// SubvolumeDestroy removes a subvolume entry. It does not
// recursively free the subvolume's inode/dirent/extent keys; that
// bulk reclaim is a sweep a caller runs separately, not part of the
// key removal itself.
func (self *Filesystem) SubvolumeDestroy(rootInode uint64) error {
	tree := self.Mgr.Trees[fskey.BTreeSubvolumes]
	pos := subvolumePos(rootInode)
	path, err := tree.IterInit(pos)
	if err != nil {
		return err
	}
	k := path.IterPeek()
	if k == nil || !k.Pos.Equal(pos) {
		return fmt.Errorf("no such subvolume %d", rootInode)
	}
	return self.Mgr.Run(func(t *txn.Txn) error {
		return t.Delete(fskey.BTreeSubvolumes, *k)
	})
}

// SubvolumeSnapshot creates dst as a point-in-time clone of src:
// a new Snapshot
// entry is recorded, dst's Subvolume keeps reading through src's
// current snapshot id, and src moves forward to newSnapshotID for its
// later writes - giving dst
// the content src had at the instant of the call without copying any
// extent or dirent keys.
func (self *Filesystem) SubvolumeSnapshot(srcRootInode, dstRootInode uint64, readonly bool, newSnapshotID uint32) error {
	srcTree := self.Mgr.Trees[fskey.BTreeSubvolumes]
	path, err := srcTree.IterInit(subvolumePos(srcRootInode))
	if err != nil {
		return err
	}
	k := path.IterPeek()
	if k == nil || !k.Pos.Equal(subvolumePos(srcRootInode)) {
		return fmt.Errorf("no such subvolume %d", srcRootInode)
	}
	var src Subvolume
	if err := wire.Unmarshal(k.Value, &src); err != nil {
		return err
	}

	if newSnapshotID <= src.Snapshot {
		return fmt.Errorf("snapshot id %d must be newer than source's %d", newSnapshotID, src.Snapshot)
	}

	snap := Snapshot{ParentSubvolume: srcRootInode, CreatedSnapshot: newSnapshotID}
	snapBytes, _ := wire.Marshal(&snap)
	snapKey := fskey.Key{
		Pos:   fskey.Position{Inode: srcRootInode, Snapshot: newSnapshotID},
		Type:  fskey.KeyTypeSnapshot, Value: snapBytes,
	}

	// The clone keeps reading at src's current id, which is frozen by
	// moving src itself forward to newSnapshotID: src's later writes
	// land at the new id and stay invisible below it.
	dst := Subvolume{Name: src.Name + "@snap", RootInode: dstRootInode, Snapshot: src.Snapshot, ReadOnly: readonly}
	dstBytes, _ := wire.Marshal(&dst)
	dstKey := fskey.Key{Pos: subvolumePos(dstRootInode), Type: fskey.KeyTypeSubvolume, Value: dstBytes}

	src.Snapshot = newSnapshotID
	srcBytes, _ := wire.Marshal(&src)
	srcKey := fskey.Key{Pos: k.Pos, Type: fskey.KeyTypeSubvolume, Value: srcBytes}

	return self.Mgr.Run(func(t *txn.Txn) error {
		if err := t.Set(fskey.BTreeSnapshots, snapKey); err != nil {
			return err
		}
		if err := t.Set(fskey.BTreeSubvolumes, srcKey); err != nil {
			return err
		}
		return t.Set(fskey.BTreeSubvolumes, dstKey)
	})
}
