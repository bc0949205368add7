package ops

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstenber/cowfs/alloc"
	"github.com/mstenber/cowfs/checksum"
	"github.com/mstenber/cowfs/extent"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/wire"
)

func loadSubvolume(t *testing.T, fs *Filesystem, rootInode uint64) Subvolume {
	tree := fs.Mgr.Trees[fskey.BTreeSubvolumes]
	path, err := tree.IterInit(subvolumePos(rootInode))
	require.NoError(t, err)
	k := path.IterPeek()
	require.NotNil(t, k)
	require.True(t, k.Pos.Equal(subvolumePos(rootInode)))
	var sv Subvolume
	require.NoError(t, wire.Unmarshal(k.Value, &sv))
	return sv
}

func TestSubvolumeCreateAndDestroy(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.SubvolumeCreate(100, "sv"))
	sv := loadSubvolume(t, fs, 100)
	assert.Equal(t, "sv", sv.Name)
	assert.Equal(t, uint32(0), sv.Snapshot)

	require.NoError(t, fs.SubvolumeDestroy(100))
	assert.Error(t, fs.SubvolumeDestroy(100))
}

// A snapshot freezes the source's current snapshot id: the source
// moves forward and its later writes must stay invisible to readers
// holding the frozen id.
func TestSnapshotIsolatesOverwrites(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.SubvolumeCreate(100, "sv"))

	const fileInode = 200
	original := bytes.Repeat([]byte{0xA5}, 512)
	writeOpts := extentOptionsAt(fs, loadSubvolume(t, fs, 100).Snapshot)
	require.NoError(t, fs.Extent.Write(fileInode, 0, original, writeOpts))

	require.NoError(t, fs.SubvolumeSnapshot(100, 101, true, 7))
	src := loadSubvolume(t, fs, 100)
	snap := loadSubvolume(t, fs, 101)
	assert.Equal(t, uint32(7), src.Snapshot)
	assert.Equal(t, uint32(0), snap.Snapshot)
	assert.True(t, snap.ReadOnly)

	overwrite := bytes.Repeat([]byte{0x5A}, 512)
	require.NoError(t, fs.Extent.Write(fileInode, 0, overwrite, extentOptionsAt(fs, src.Snapshot)))

	got, err := fs.Extent.Read(fileInode, 0, 512, extentOptionsAt(fs, snap.Snapshot))
	require.NoError(t, err)
	assert.Equal(t, original, got)

	got, err = fs.Extent.Read(fileInode, 0, 512, extentOptionsAt(fs, src.Snapshot))
	require.NoError(t, err)
	assert.Equal(t, overwrite, got)
}

func extentOptionsAt(fs *Filesystem, snapshot uint32) extent.Options {
	return extent.Options{
		Checksum:         checksum.CRC32C,
		Replicas:         1,
		DataType:         alloc.DataUser,
		CandidateDevices: fs.MemberIndices(),
		Snapshot:         snapshot,
	}
}

func TestSnapshotRequiresNewerID(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.SubvolumeCreate(100, "sv"))
	require.NoError(t, fs.SubvolumeSnapshot(100, 101, false, 3))
	assert.Error(t, fs.SubvolumeSnapshot(100, 102, false, 3))
}
