package btree

import (
	"testing"

	"github.com/mstenber/cowfs/fskey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree() *Tree {
	return Tree{BTreeID: fskey.BTreeExtents}.Init(NewDummyBackend(), 16)
}

func TestUpdateAndIterRoundTrip(t *testing.T) {
	tree := newTestTree()
	key := fskey.Key{Pos: fskey.Position{Inode: 1, Offset: 0}, Type: fskey.KeyTypeExtent, Value: []byte("hello")}

	path, err := tree.IterInit(key.Pos)
	require.NoError(t, err)
	require.NoError(t, tree.Update(path, key))

	path, err = tree.IterInit(key.Pos)
	require.NoError(t, err)
	got := path.IterPeek()
	require.NotNil(t, got)
	assert.Equal(t, key.Value, got.Value)
}

func TestMultipleKeysOrdered(t *testing.T) {
	tree := newTestTree()
	for i := uint64(10); i > 0; i-- {
		key := fskey.Key{Pos: fskey.Position{Inode: i}, Type: fskey.KeyTypeExtent, Value: []byte{byte(i)}}
		path, err := tree.IterInit(key.Pos)
		require.NoError(t, err)
		require.NoError(t, tree.Update(path, key))
	}
	path, err := tree.IterInit(fskey.PosMin)
	require.NoError(t, err)
	var seen []uint64
	for {
		k := path.Advance()
		if k == nil {
			break
		}
		seen = append(seen, k.Pos.Inode)
	}
	require.Len(t, seen, 10)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}
}

func TestDelete(t *testing.T) {
	tree := newTestTree()
	key := fskey.Key{Pos: fskey.Position{Inode: 5}, Type: fskey.KeyTypeExtent, Value: []byte("x")}
	path, err := tree.IterInit(key.Pos)
	require.NoError(t, err)
	require.NoError(t, tree.Update(path, key))

	path, err = tree.IterInit(key.Pos)
	require.NoError(t, err)
	require.NoError(t, tree.Delete(path, key))

	path, err = tree.IterInit(key.Pos)
	require.NoError(t, err)
	assert.Nil(t, path.IterPeek())
}

func TestSplitGrowsTreeAndStaysIterable(t *testing.T) {
	tree := Tree{BTreeID: fskey.BTreeExtents, NodeMaximumSize: 256}.Init(NewDummyBackend(), 16)

	const n = 60
	for i := uint64(0); i < n; i++ {
		key := fskey.Key{Pos: fskey.Position{Inode: i}, Type: fskey.KeyTypeExtent, Value: []byte("0123456789")}
		path, err := tree.IterInit(key.Pos)
		require.NoError(t, err)
		require.NoError(t, tree.Update(path, key))
	}

	root, err := tree.rootNode()
	require.NoError(t, err)
	assert.Greater(t, root.Level, 0, "root should have grown past a single leaf")

	path, err := tree.IterInit(fskey.PosMin)
	require.NoError(t, err)
	var seen []uint64
	for {
		k := path.Advance()
		if k == nil {
			break
		}
		seen = append(seen, k.Pos.Inode)
	}
	require.Len(t, seen, n)
	for i := 1; i < len(seen); i++ {
		assert.Less(t, seen[i-1], seen[i])
	}

	// Point lookups must still route through the grown tree correctly.
	for _, i := range []uint64{0, 1, n / 2, n - 1} {
		path, err := tree.IterInit(fskey.Position{Inode: i})
		require.NoError(t, err)
		k := path.IterPeek()
		require.NotNil(t, k)
		assert.Equal(t, i, k.Pos.Inode)
	}
}

func TestDeleteAcrossSplitNodesShrinksBack(t *testing.T) {
	tree := Tree{BTreeID: fskey.BTreeExtents, NodeMaximumSize: 256}.Init(NewDummyBackend(), 16)

	const n = 40
	for i := uint64(0); i < n; i++ {
		key := fskey.Key{Pos: fskey.Position{Inode: i}, Type: fskey.KeyTypeExtent, Value: []byte("0123456789")}
		path, err := tree.IterInit(key.Pos)
		require.NoError(t, err)
		require.NoError(t, tree.Update(path, key))
	}

	require.NoError(t, tree.DeleteRange(fskey.Position{Inode: 0}, fskey.Position{Inode: n - 2}))

	path, err := tree.IterInit(fskey.PosMin)
	require.NoError(t, err)
	var seen []uint64
	for {
		k := path.Advance()
		if k == nil {
			break
		}
		seen = append(seen, k.Pos.Inode)
	}
	assert.Equal(t, []uint64{n - 2, n - 1}, seen)
}

func TestDeleteRange(t *testing.T) {
	tree := newTestTree()
	for i := uint64(0); i < 5; i++ {
		key := fskey.Key{Pos: fskey.Position{Inode: i}, Type: fskey.KeyTypeExtent, Value: []byte{byte(i)}}
		path, err := tree.IterInit(key.Pos)
		require.NoError(t, err)
		require.NoError(t, tree.Update(path, key))
	}
	require.NoError(t, tree.DeleteRange(fskey.Position{Inode: 1}, fskey.Position{Inode: 4}))

	path, err := tree.IterInit(fskey.PosMin)
	require.NoError(t, err)
	var seen []uint64
	for {
		k := path.Advance()
		if k == nil {
			break
		}
		seen = append(seen, k.Pos.Inode)
	}
	assert.Equal(t, []uint64{0, 4}, seen)
}
