package fskey

// BTreeID names one of the distinct ordered key/value stores a
// filesystem instance carries. Each identifier is a
// leaf-level namespace handed to btree.Tree.Init.
type BTreeID uint8

const (
	BTreeExtents BTreeID = iota
	BTreeInodes
	BTreeDirents
	BTreeXattrs
	BTreeAlloc
	BTreeFreespace
	BTreeNeedDiscard
	BTreeLRU
	BTreeReflink
	BTreeSubvolumes
	BTreeSnapshots

	numBTreeIDs
)

var btreeIDNames = [numBTreeIDs]string{
	BTreeExtents:     "extents",
	BTreeInodes:      "inodes",
	BTreeDirents:     "dirents",
	BTreeXattrs:      "xattrs",
	BTreeAlloc:       "alloc",
	BTreeFreespace:   "freespace",
	BTreeNeedDiscard: "need_discard",
	BTreeLRU:         "lru",
	BTreeReflink:     "reflink",
	BTreeSubvolumes:  "subvolumes",
	BTreeSnapshots:   "snapshots",
}

func (self BTreeID) String() string {
	if int(self) < len(btreeIDNames) && btreeIDNames[self] != "" {
		return btreeIDNames[self]
	}
	return "unknown"
}

// AllBTreeIDs lists every btree id, used by fsck/format to iterate
// every store in a filesystem.
func AllBTreeIDs() []BTreeID {
	ids := make([]BTreeID, numBTreeIDs)
	for i := range ids {
		ids[i] = BTreeID(i)
	}
	return ids
}

// LockOrder returns the global lock-acquisition rank
// (btree_id, position, -level) used to avoid deadlock. Lower sorts
// first; callers acquiring multiple paths must do so in increasing
// LockOrder, or restart their transaction.
type LockOrder struct {
	BTreeID  BTreeID
	Cached   bool
	Position Position
	Level    int // stored negated relative to leaf depth by the caller
}

func (self LockOrder) Less(other LockOrder) bool {
	if self.BTreeID != other.BTreeID {
		return self.BTreeID < other.BTreeID
	}
	if self.Cached != other.Cached {
		return !self.Cached && other.Cached
	}
	if c := self.Position.Compare(other.Position); c != 0 {
		return c < 0
	}
	return self.Level > other.Level // "-level": deeper (larger level) acquired first
}
