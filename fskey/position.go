// Package fskey implements the filesystem's ordered key space: the
// (inode, offset, snapshot) Position tuple, the per-btree Key (a
// Position plus a size, a type tag, and a per-type value payload), the
// enumerated BTreeID naming one of the distinct ordered stores, and the
// bit-packed on-disk key format ("bkey_format") used by the btree
// package's node codec.
//
// Ordering is defined purely in terms of byte-wise comparison of the
// encoded form: big-endian integers concatenated so that numeric
// order equals byte order.
package fskey

import "fmt"

// Position is the (inode, offset, snapshot) triple that totally orders
// every key in every btree.
type Position struct {
	Inode    uint64
	Offset   uint64
	Snapshot uint32
}

// PosMin is (0,0,0), the smallest possible Position.
var PosMin = Position{}

// PosMax is the all-ones Position, the largest possible.
var PosMax = Position{Inode: ^uint64(0), Offset: ^uint64(0), Snapshot: ^uint32(0)}

func (self Position) Compare(other Position) int {
	if self.Inode != other.Inode {
		if self.Inode < other.Inode {
			return -1
		}
		return 1
	}
	if self.Offset != other.Offset {
		if self.Offset < other.Offset {
			return -1
		}
		return 1
	}
	if self.Snapshot != other.Snapshot {
		if self.Snapshot < other.Snapshot {
			return -1
		}
		return 1
	}
	return 0
}

func (self Position) Less(other Position) bool { return self.Compare(other) < 0 }
func (self Position) Equal(other Position) bool { return self.Compare(other) == 0 }

func (self Position) String() string {
	return fmt.Sprintf("(%d,%d,%d)", self.Inode, self.Offset, self.Snapshot)
}

// WithOffset returns a copy with a different Offset, a common pattern
// when walking extents or journal keys of one inode.
func (self Position) WithOffset(offset uint64) Position {
	self.Offset = offset
	return self
}
