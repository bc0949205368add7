package ops

import (
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/txn"
)

// RewriteOldNodes forces a fresh COW rewrite of every btree node that
// still carries more than one bset. A node
// accumulates extra bsets as updates land on top of its original
// write; rewrite_old_nodes is the online-compaction sweep an operator
// runs to get every node back down to one bset without waiting for the
// split/merge path to do it incidentally.
//
// Unlike Rereplicate/Migrate, which target the extents btree
// specifically, this walks every btree id since stale bsets can
// accumulate in any of them.
func (self *Filesystem) RewriteOldNodes(start, end fskey.Position, progress func(Progress)) error {
	var p Progress
	for _, id := range fskey.AllBTreeIDs() {
		tree, ok := self.Mgr.Trees[id]
		if !ok {
			continue
		}
		path, err := tree.IterInit(start)
		if err != nil {
			return err
		}
		for {
			nd := path.IterNextNode()
			if nd == nil {
				break
			}
			p.Processed++
			if len(nd.Bsets) <= 1 {
				if progress != nil {
					progress(p)
				}
				continue
			}
			keys := nd.AllKeys()
			if len(keys) == 0 {
				if progress != nil {
					progress(p)
				}
				continue
			}
			if !keys[0].Pos.Less(end) {
				break
			}
			if err := self.rewriteNodeKeys(id, keys, end); err != nil {
				return err
			}
			p.Fixed++
			if progress != nil {
				progress(p)
			}
		}
	}
	return nil
}

// rewriteNodeKeys re-Sets every key of a stale-bset node inside one
// transaction, so Txn.apply's tree.Update path
// rewrites the node fresh with a single compacted bset.
func (self *Filesystem) rewriteNodeKeys(id fskey.BTreeID, keys []fskey.Key, end fskey.Position) error {
	return self.Mgr.Run(func(t *txn.Txn) error {
		for _, k := range keys {
			if !k.Pos.Less(end) {
				break
			}
			if err := t.Set(id, k); err != nil {
				return err
			}
		}
		return nil
	})
}
