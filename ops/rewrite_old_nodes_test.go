package ops

import (
	"testing"

	"github.com/mstenber/cowfs/fskey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every btree.Tree.Update/Delete already rewrites its leaf with a
// single fresh bset (btree/btree.go), so a filesystem touched only
// through the ops layer never actually accumulates multi-bset nodes in
// memory; RewriteOldNodes exists for nodes loaded as-is from disk after
// a journal replay that appended bsets without compacting them. This
// exercises the walk end to end and confirms it is a correctness-preserving
// no-op here: every node it visits already satisfies len(Bsets) <= 1.
func TestRewriteOldNodesWalksEveryTreeAsNoop(t *testing.T) {
	fs := newTestFS(t)
	for i := 0; i < 5; i++ {
		_, err := fs.CreateInode(1, "f", 0o100644)
		require.NoError(t, err)
		require.NoError(t, fs.RemoveDirent(1, "f"))
	}

	var p Progress
	require.NoError(t, fs.RewriteOldNodes(fskey.PosMin, fskey.PosMax, func(pr Progress) { p = pr }))
	assert.Positive(t, p.Processed)
	assert.Equal(t, 0, p.Fixed)

	tree := fs.Mgr.Trees[fskey.BTreeInodes]
	path, err := tree.IterInit(fskey.PosMin)
	require.NoError(t, err)
	nd := path.IterNextNode()
	require.NotNil(t, nd)
	assert.LessOrEqual(t, len(nd.Bsets), 1)
}

func TestRewriteOldNodesNoopOnFreshFilesystem(t *testing.T) {
	fs := newTestFS(t)
	var p Progress
	require.NoError(t, fs.RewriteOldNodes(fskey.PosMin, fskey.PosMax, func(pr Progress) { p = pr }))
	assert.Equal(t, 0, p.Fixed)
}
