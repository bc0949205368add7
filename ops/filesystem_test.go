package ops

import (
	"testing"

	"github.com/mstenber/cowfs/config"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/storage/backend/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFS(t *testing.T) *Filesystem {
	dev := inmemory.New(storage.Config{BlockSize: 4096, NumBlocks: 256})
	fs, err := Format(map[uint32]storage.Device{0: dev}, config.Set{})
	require.NoError(t, err)
	return fs
}

func TestFormatCreatesRootInode(t *testing.T) {
	fs := newTestFS(t)
	in, err := fs.LoadInode(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o40755), in.Mode)
}

func TestCreateInodeLinksDirentAndIsLookupable(t *testing.T) {
	fs := newTestFS(t)
	id, err := fs.CreateInode(1, "hello.txt", 0o100644)
	require.NoError(t, err)
	assert.NotEqual(t, uint64(1), id)

	d, err := fs.Lookup(1, "hello.txt")
	require.NoError(t, err)
	assert.Equal(t, id, d.ChildInode)
	assert.False(t, d.IsDir)

	kids, err := fs.Readdir(1)
	require.NoError(t, err)
	assert.Len(t, kids, 1)
	assert.Equal(t, "hello.txt", kids[0].Name)
}

func TestRemoveDirentUnlinksName(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.CreateInode(1, "gone.txt", 0o100644)
	require.NoError(t, err)
	require.NoError(t, fs.RemoveDirent(1, "gone.txt"))
	_, err = fs.Lookup(1, "gone.txt")
	assert.Error(t, err)
}

func TestLoadInodeUnknownIDErrors(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.LoadInode(999)
	assert.Error(t, err)
}

func TestFsUsageReportsMemberCount(t *testing.T) {
	fs := newTestFS(t)
	u := fs.FsUsage()
	assert.Equal(t, 1, u.Members)
	assert.Equal(t, uint64(4096)*256, u.CapacityBytes)
}

// TestMountAfterFormatRecoversState formats a device, creates a
// dirent, then mounts the same device fresh and checks both the root
// inode and the created dirent survive - the btree node backend, the
// journal ring, and the superblock's stored roots all have to agree
// for this to work.
func TestMountAfterFormatRecoversState(t *testing.T) {
	dev := inmemory.New(storage.Config{BlockSize: 4096, NumBlocks: 256})
	devices := map[uint32]storage.Device{0: dev}

	fs, err := Format(devices, config.Set{})
	require.NoError(t, err)
	_, err = fs.CreateInode(1, "hello.txt", 0o100644)
	require.NoError(t, err)

	mounted, err := Mount(devices, config.Set{})
	require.NoError(t, err)

	in, err := mounted.LoadInode(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0o40755), in.Mode)

	d, err := mounted.Lookup(1, "hello.txt")
	require.NoError(t, err)
	assert.False(t, d.IsDir)
}

// A remount must not re-apply journal entries the stored roots already
// reflect; a replayed delete of an already-deleted dirent would
// otherwise fail the mount.
func TestMountSkipsAlreadyAppliedDeletes(t *testing.T) {
	dev := inmemory.New(storage.Config{BlockSize: 4096, NumBlocks: 256})
	devices := map[uint32]storage.Device{0: dev}

	fs, err := Format(devices, config.Set{})
	require.NoError(t, err)
	_, err = fs.CreateInode(1, "ephemeral.txt", 0o100644)
	require.NoError(t, err)
	require.NoError(t, fs.RemoveDirent(1, "ephemeral.txt"))

	mounted, err := Mount(devices, config.Set{})
	require.NoError(t, err)
	_, err = mounted.Lookup(1, "ephemeral.txt")
	assert.Error(t, err)
}
