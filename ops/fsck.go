package ops

import (
	"fmt"

	"github.com/mstenber/cowfs/alloc"
	"github.com/mstenber/cowfs/btree"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/txn"
	"github.com/mstenber/cowfs/wire"
)

// FsckPolicy selects how Fsck reacts to a repairable inconsistency.
type FsckPolicy uint8

const (
	FsckAutoNo FsckPolicy = iota
	FsckAutoYes
	FsckAsk
)

// FsckIssue is one finding from a consistency pass.
type FsckIssue struct {
	BTreeID fskey.BTreeID
	Pos     fskey.Position
	Problem string
	Fixed   bool
}

// Fsck checks the cross-btree invariants in both directions and,
// depending on policy, repairs what it can: every free bucket has
// exactly one freespace key and vice versa, every need_discard bucket
// has its queue entry, every cached bucket has exactly one LRU entry,
// and every freespace/need_discard/LRU key refers back to a bucket
// actually in the matching state (an orphaned index key is deleted).
func (self *Filesystem) Fsck(policy FsckPolicy) ([]FsckIssue, error) {
	var issues []FsckIssue

	allocTree := self.Mgr.Trees[fskey.BTreeAlloc]
	freeTree := self.Mgr.Trees[fskey.BTreeFreespace]
	discardTree := self.Mgr.Trees[fskey.BTreeNeedDiscard]
	lruTree := self.Mgr.Trees[fskey.BTreeLRU]

	path, err := allocTree.IterInit(fskey.PosMin)
	if err != nil {
		return nil, err
	}
	for {
		k := path.Advance()
		if k == nil {
			break
		}
		var bk alloc.Bucket
		if err := wire.Unmarshal(k.Value, &bk); err != nil {
			issues = append(issues, FsckIssue{BTreeID: fskey.BTreeAlloc, Pos: k.Pos,
				Problem: fmt.Sprintf("undecodable bucket: %v", err)})
			continue
		}
		switch bk.State {
		case alloc.StateFree:
			if !hasKeyAt(freeTree, k.Pos) {
				issues = append(issues, self.maybeFix(policy, fskey.BTreeFreespace, fskey.KeyTypeFreespace, k.Pos,
					"free bucket missing freespace key"))
			}
		case alloc.StateNeedDiscard:
			if !hasKeyAt(discardTree, k.Pos) {
				issues = append(issues, self.maybeFix(policy, fskey.BTreeNeedDiscard, fskey.KeyTypeNeedDiscard, k.Pos,
					"need_discard bucket missing need_discard key"))
			}
		case alloc.StateCached:
			lruPos := fskey.Position{Inode: k.Pos.Inode, Offset: bk.ReadTime}
			if !hasKeyAt(lruTree, lruPos) {
				issues = append(issues, self.maybeFixWithValue(policy, fskey.BTreeLRU, fskey.KeyTypeLRU, lruPos,
					encodeLRUBucket(k.Pos.Offset), "cached bucket missing LRU entry"))
			}
		}
	}

	// Reverse direction: every index key must refer back to a bucket in
	// the matching state, else it is an orphan to delete.
	reverse := []struct {
		id      fskey.BTreeID
		tree    *btree.Tree
		state   alloc.BucketState
		problem string
	}{
		{fskey.BTreeFreespace, freeTree, alloc.StateFree, "freespace key for non-free bucket"},
		{fskey.BTreeNeedDiscard, discardTree, alloc.StateNeedDiscard, "need_discard key for bucket not awaiting discard"},
	}
	for _, r := range reverse {
		path, err := r.tree.IterInit(fskey.PosMin)
		if err != nil {
			return nil, err
		}
		for {
			k := path.Advance()
			if k == nil {
				break
			}
			bk, ok := self.bucketAt(allocTree, k.Pos)
			if ok && bk.State == r.state {
				continue
			}
			issues = append(issues, self.maybeFixDelete(policy, r.id, *k, r.problem))
		}
	}

	// LRU keys carry (device, read_time) in their Position and the
	// bucket number in their Value, so the back-reference needs its
	// own decode.
	path, err = lruTree.IterInit(fskey.PosMin)
	if err != nil {
		return nil, err
	}
	for {
		k := path.Advance()
		if k == nil {
			break
		}
		bucket := decodeLRUBucket(k.Value)
		bk, ok := self.bucketAt(allocTree, fskey.Position{Inode: k.Pos.Inode, Offset: bucket})
		if ok && bk.State == alloc.StateCached && bk.ReadTime == k.Pos.Offset {
			continue
		}
		issues = append(issues, self.maybeFixDelete(policy, fskey.BTreeLRU, *k,
			"LRU entry for bucket not cached at that read time"))
	}
	return issues, nil
}

// bucketAt decodes the alloc record at pos, reporting ok=false when no
// bucket exists there or its value does not decode.
func (self *Filesystem) bucketAt(allocTree *btree.Tree, pos fskey.Position) (alloc.Bucket, bool) {
	path, err := allocTree.IterInit(pos)
	if err != nil {
		return alloc.Bucket{}, false
	}
	k := path.IterPeek()
	if k == nil || !k.Pos.Equal(pos) {
		return alloc.Bucket{}, false
	}
	var bk alloc.Bucket
	if err := wire.Unmarshal(k.Value, &bk); err != nil {
		return alloc.Bucket{}, false
	}
	return bk, true
}

func decodeLRUBucket(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = (v << 8) | uint64(b[i])
	}
	return v
}

func encodeLRUBucket(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func hasKeyAt(tree *btree.Tree, pos fskey.Position) bool {
	path, err := tree.IterInit(pos)
	if err != nil {
		return false
	}
	k := path.IterPeek()
	return k != nil && k.Pos.Equal(pos)
}

// maybeFixDelete removes an orphaned index key when policy authorizes
// an automatic repair, the deletion-side counterpart of maybeFix.
func (self *Filesystem) maybeFixDelete(policy FsckPolicy, id fskey.BTreeID, k fskey.Key, problem string) FsckIssue {
	issue := FsckIssue{BTreeID: id, Pos: k.Pos, Problem: problem}
	if policy != FsckAutoYes {
		return issue
	}
	err := self.Mgr.Run(func(t *txn.Txn) error {
		return t.Delete(id, k)
	})
	issue.Fixed = err == nil
	return issue
}

// maybeFix inserts the missing companion key when policy authorizes an
// automatic repair; FsckAsk defers the decision to the caller (the CLI
// prompts interactively) and is recorded unfixed here either way, same
// as FsckAutoNo.
func (self *Filesystem) maybeFix(policy FsckPolicy, id fskey.BTreeID, kt fskey.KeyType, pos fskey.Position, problem string) FsckIssue {
	return self.maybeFixWithValue(policy, id, kt, pos, nil, problem)
}

func (self *Filesystem) maybeFixWithValue(policy FsckPolicy, id fskey.BTreeID, kt fskey.KeyType, pos fskey.Position, value []byte, problem string) FsckIssue {
	issue := FsckIssue{BTreeID: id, Pos: pos, Problem: problem}
	if policy != FsckAutoYes {
		return issue
	}
	err := self.Mgr.Run(func(t *txn.Txn) error {
		return t.Set(id, fskey.Key{Pos: pos, Type: kt, Value: value})
	})
	issue.Fixed = err == nil
	return issue
}
