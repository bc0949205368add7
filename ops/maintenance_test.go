package ops

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstenber/cowfs/alloc"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/wire"
)

func extentBuckets(t *testing.T, fs *Filesystem, inode uint64) [][2]uint64 {
	tree := fs.Mgr.Trees[fskey.BTreeExtents]
	path, err := tree.IterInit(fskey.Position{Inode: inode})
	require.NoError(t, err)
	k := path.IterPeek()
	require.NotNil(t, k)
	val, err := decodeExtentValue(k.Value)
	require.NoError(t, err)
	var out [][2]uint64
	for _, p := range val.Pointers {
		out = append(out, [2]uint64{uint64(p.Device), p.Offset})
	}
	return out
}

func bucketState(t *testing.T, fs *Filesystem, dev uint32, bucket uint64) alloc.BucketState {
	tree := fs.Mgr.Trees[fskey.BTreeAlloc]
	path, err := tree.IterInit(fskey.Position{Inode: uint64(dev), Offset: bucket})
	require.NoError(t, err)
	k := path.IterPeek()
	require.NotNil(t, k)
	var bk alloc.Bucket
	require.NoError(t, wire.Unmarshal(k.Value, &bk))
	return bk.State
}

// Overwriting an extent strands its old bucket as dirty-but-
// unreferenced; a copygc pass reclaims it (straight to free, since
// the test device has discard disabled).
func TestCopygcReclaimsOverwrittenExtentBuckets(t *testing.T) {
	fs := newTestFS(t)
	buf := bytes.Repeat([]byte{0x33}, 256)
	opts := extentOptionsAt(fs, 0)
	require.NoError(t, fs.Extent.Write(600, 0, buf, opts))
	old := extentBuckets(t, fs, 600)
	require.Len(t, old, 1)

	require.NoError(t, fs.Extent.Write(600, 0, buf, opts))
	fresh := extentBuckets(t, fs, 600)
	require.NotEqual(t, old, fresh)
	assert.Equal(t, alloc.StateDirty, bucketState(t, fs, uint32(old[0][0]), old[0][1]))

	require.NoError(t, fs.RunCopygcPass(0.5))
	assert.Equal(t, alloc.StateFree, bucketState(t, fs, uint32(old[0][0]), old[0][1]))

	// Nothing queued for discard on a non-discard device; the pass is
	// still a no-op rather than an error.
	require.NoError(t, fs.RunDiscardPass())
}
