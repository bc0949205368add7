package ops

import (
	"testing"

	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFsckCleanAfterFormat(t *testing.T) {
	fs := newTestFS(t)
	issues, err := fs.Fsck(FsckAutoNo)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestFsckFlagsAndFixesMissingFreespaceKey(t *testing.T) {
	fs := newTestFS(t)

	allocTree := fs.Mgr.Trees[fskey.BTreeAlloc]
	path, err := allocTree.IterInit(fskey.PosMin)
	require.NoError(t, err)
	k := path.Advance()
	require.NotNil(t, k)

	require.NoError(t, fs.Mgr.Run(func(tx *txn.Txn) error {
		return tx.Delete(fskey.BTreeFreespace, fskey.Key{Pos: k.Pos, Type: fskey.KeyTypeFreespace})
	}))

	issues, err := fs.Fsck(FsckAutoNo)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.False(t, issues[0].Fixed)
	assert.Equal(t, fskey.BTreeFreespace, issues[0].BTreeID)

	issues, err = fs.Fsck(FsckAutoYes)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.True(t, issues[0].Fixed)

	issues, err = fs.Fsck(FsckAutoNo)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

// The reverse direction: an index key whose bucket is not actually in
// the matching state is an orphan, deleted under FsckAutoYes.
func TestFsckDeletesOrphanFreespaceKey(t *testing.T) {
	fs := newTestFS(t)

	// Point a freespace key at a bucket position no alloc record
	// describes.
	orphan := fskey.Position{Inode: 0, Offset: 9999}
	require.NoError(t, fs.Mgr.Run(func(tx *txn.Txn) error {
		return tx.Set(fskey.BTreeFreespace, fskey.Key{Pos: orphan, Type: fskey.KeyTypeFreespace})
	}))

	issues, err := fs.Fsck(FsckAutoNo)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.False(t, issues[0].Fixed)
	assert.Equal(t, fskey.BTreeFreespace, issues[0].BTreeID)
	assert.Equal(t, orphan, issues[0].Pos)

	issues, err = fs.Fsck(FsckAutoYes)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.True(t, issues[0].Fixed)

	issues, err = fs.Fsck(FsckAutoNo)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestFsckDeletesOrphanLRUEntry(t *testing.T) {
	fs := newTestFS(t)

	// An LRU entry pointing at a bucket that is free, not cached.
	allocTree := fs.Mgr.Trees[fskey.BTreeAlloc]
	path, err := allocTree.IterInit(fskey.PosMin)
	require.NoError(t, err)
	k := path.Advance()
	require.NotNil(t, k)
	lruKey := fskey.Key{Pos: fskey.Position{Inode: k.Pos.Inode, Offset: 77}, Type: fskey.KeyTypeLRU}
	require.NoError(t, fs.Mgr.Run(func(tx *txn.Txn) error {
		return tx.Set(fskey.BTreeLRU, lruKey)
	}))

	issues, err := fs.Fsck(FsckAutoYes)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.True(t, issues[0].Fixed)
	assert.Equal(t, fskey.BTreeLRU, issues[0].BTreeID)
}
