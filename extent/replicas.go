package extent

import (
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/txn"
	"github.com/mstenber/cowfs/wire"
)

// ReplicasEntry is the value of a fskey.KeyTypeReplicas key: the
// cumulative wire bytes extents currently reference on one device.
// `fs usage` and rereplicate read these instead of walking every
// extent.
type ReplicasEntry struct {
	Device uint32
	Bytes  uint64
}

func replicasPos(dev uint32) fskey.Position {
	return fskey.Position{Inode: uint64(dev)}
}

// ReplicasUsage returns the accounted per-device usage entry for dev,
// zero if no extent references it.
func ReplicasUsage(mgr *txn.Manager, dev uint32) (ReplicasEntry, error) {
	tree := mgr.Trees[fskey.BTreeReflink]
	path, err := tree.IterInit(replicasPos(dev))
	if err != nil {
		return ReplicasEntry{Device: dev}, err
	}
	k := path.IterPeek()
	if k == nil || !k.Pos.Equal(replicasPos(dev)) {
		return ReplicasEntry{Device: dev}, nil
	}
	var e ReplicasEntry
	if err := wire.Unmarshal(k.Value, &e); err != nil {
		return ReplicasEntry{Device: dev}, err
	}
	return e, nil
}

// ReplicasAccountingHook keeps the per-device replicas usage entries
// in step with the extent updates a transaction stages: every pointer
// added or dropped adjusts its device's ReplicasEntry inside the same
// commit, so accounting can never drift from the extents btree across
// a crash.
func ReplicasAccountingHook() txn.PreCommitHook {
	return func(t *txn.Txn) error {
		deltas := map[uint32]int64{}
		for _, u := range t.Updates() {
			if u.BTreeID != fskey.BTreeExtents || u.NewKey.Type != fskey.KeyTypeExtent {
				continue
			}
			if u.OldKey != nil {
				old, err := unmarshalValue(u.OldKey.Value)
				if err != nil {
					return err
				}
				for _, p := range old.Pointers {
					deltas[p.Device] -= int64(p.CompressedSize)
				}
			}
			if !u.Delete {
				val, err := unmarshalValue(u.NewKey.Value)
				if err != nil {
					return err
				}
				for _, p := range val.Pointers {
					deltas[p.Device] += int64(p.CompressedSize)
				}
			}
		}
		for dev, delta := range deltas {
			if delta == 0 {
				continue
			}
			entry := ReplicasEntry{Device: dev}
			if k, err := t.Peek(fskey.BTreeReflink, replicasPos(dev)); err != nil {
				return err
			} else if k != nil {
				if err := wire.Unmarshal(k.Value, &entry); err != nil {
					return err
				}
			}
			next := int64(entry.Bytes) + delta
			if next < 0 {
				next = 0
			}
			entry.Bytes = uint64(next)
			b, err := wire.Marshal(&entry)
			if err != nil {
				return err
			}
			key := fskey.Key{Pos: replicasPos(dev), Type: fskey.KeyTypeReplicas, Value: b}
			if err := t.Set(fskey.BTreeReflink, key); err != nil {
				return err
			}
		}
		return nil
	}
}
