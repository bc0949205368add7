package txn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstenber/cowfs/btree"
	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/journal"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/storage/backend/inmemory"
	"github.com/mstenber/cowfs/txn"
)

func newTestManager(t *testing.T) (*txn.Manager, *journal.Journal) {
	trees := map[fskey.BTreeID]*btree.Tree{}
	for _, id := range fskey.AllBTreeIDs() {
		trees[id] = btree.Tree{BTreeID: id}.Init(btree.NewDummyBackend(), 16)
	}
	dev := inmemory.New(storage.Config{BlockSize: 4096, NumBlocks: 16})
	j := journal.New(dev, 0)
	return &txn.Manager{Trees: trees, Journal: j}, j
}

func keyAt(inode uint64, val string) fskey.Key {
	return fskey.Key{
		Pos:   fskey.Position{Inode: inode},
		Type:  fskey.KeyTypeInode,
		Value: []byte(val),
	}
}

func peek(t *testing.T, mgr *txn.Manager, id fskey.BTreeID, pos fskey.Position) *fskey.Key {
	path, err := mgr.Trees[id].IterInit(pos)
	require.NoError(t, err)
	k := path.IterPeek()
	if k == nil || !k.Pos.Equal(pos) {
		return nil
	}
	return k
}

func TestCommitAppliesAllStagedUpdates(t *testing.T) {
	mgr, _ := newTestManager(t)
	err := mgr.Run(func(tx *txn.Txn) error {
		if err := tx.Set(fskey.BTreeInodes, keyAt(1, "one")); err != nil {
			return err
		}
		if err := tx.Set(fskey.BTreeInodes, keyAt(2, "two")); err != nil {
			return err
		}
		return tx.Set(fskey.BTreeDirents, keyAt(3, "three"))
	})
	require.NoError(t, err)

	assert.Equal(t, []byte("one"), peek(t, mgr, fskey.BTreeInodes, fskey.Position{Inode: 1}).Value)
	assert.Equal(t, []byte("two"), peek(t, mgr, fskey.BTreeInodes, fskey.Position{Inode: 2}).Value)
	assert.Equal(t, []byte("three"), peek(t, mgr, fskey.BTreeDirents, fskey.Position{Inode: 3}).Value)
}

// A transaction that staged a value must restart when another commit
// lands on the same position between its stage and its commit.
func TestConcurrentWriteForcesRestart(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Run(func(tx *txn.Txn) error {
		return tx.Set(fskey.BTreeInodes, keyAt(1, "initial"))
	}))

	slow := mgr.Begin()
	require.NoError(t, slow.Set(fskey.BTreeInodes, keyAt(1, "slow")))

	require.NoError(t, mgr.Run(func(tx *txn.Txn) error {
		return tx.Set(fskey.BTreeInodes, keyAt(1, "fast"))
	}))

	assert.Equal(t, ferr.ErrTransactionRestart, slow.Commit())
	assert.Equal(t, []byte("fast"), peek(t, mgr, fskey.BTreeInodes, fskey.Position{Inode: 1}).Value)
}

// Run re-executes its body after a restart; the body's second attempt
// sees the competing value and wins.
func TestRunRetriesBodyAfterRestart(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Run(func(tx *txn.Txn) error {
		return tx.Set(fskey.BTreeInodes, keyAt(1, "initial"))
	}))

	attempts := 0
	err := mgr.Run(func(tx *txn.Txn) error {
		attempts++
		if err := tx.Set(fskey.BTreeInodes, keyAt(1, "retried")); err != nil {
			return err
		}
		if attempts == 1 {
			// A competing transaction commits after this body staged
			// its update, invalidating the staged snapshot.
			return mgr.Run(func(other *txn.Txn) error {
				return other.Set(fskey.BTreeInodes, keyAt(1, "competitor"))
			})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []byte("retried"), peek(t, mgr, fskey.BTreeInodes, fskey.Position{Inode: 1}).Value)
}

func TestCommitJournalsEveryUpdate(t *testing.T) {
	mgr, j := newTestManager(t)
	require.NoError(t, mgr.Run(func(tx *txn.Txn) error {
		if err := tx.Set(fskey.BTreeInodes, keyAt(1, "a")); err != nil {
			return err
		}
		return tx.Set(fskey.BTreeInodes, keyAt(2, "b"))
	}))

	var replayed []uint64
	require.NoError(t, j.Replay(func(rec journal.EntryRecord) error {
		replayed = append(replayed, rec.Key.Pos.Inode)
		return nil
	}))
	assert.Equal(t, []uint64{1, 2}, replayed)
}

func TestDeleteStagesTombstone(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Run(func(tx *txn.Txn) error {
		return tx.Set(fskey.BTreeInodes, keyAt(1, "doomed"))
	}))
	require.NoError(t, mgr.Run(func(tx *txn.Txn) error {
		return tx.Delete(fskey.BTreeInodes, keyAt(1, "doomed"))
	}))
	assert.Nil(t, peek(t, mgr, fskey.BTreeInodes, fskey.Position{Inode: 1}))
}
