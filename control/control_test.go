package control

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstenber/cowfs/config"
	"github.com/mstenber/cowfs/ops"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/superblock"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, string) {
	base := t.TempDir()
	dir := base + "/dev0"
	require.NoError(t, os.MkdirAll(dir, 0o755))
	fs, err := ops.FormatNew("file", map[uint32]storage.Config{
		0: {Directory: dir, BlockSize: 4096, NumBlocks: 256},
	}, config.Set{})
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return New(fs), base
}

func TestQueryUuidMatchesSuperblock(t *testing.T) {
	d, _ := newTestDispatcher(t)
	external, internal, err := d.QueryUuid()
	require.NoError(t, err)
	assert.Equal(t, d.FS.Supers[0].Super.ExternalUUID.String(), external)
	assert.Equal(t, d.FS.Supers[0].Super.InternalUUID.String(), internal)
}

func TestDiskAddJoinsExistingFilesystem(t *testing.T) {
	d, base := newTestDispatcher(t)
	dir := base + "/dev1"
	require.NoError(t, os.MkdirAll(dir, 0o755))

	idx, err := d.DiskAdd(dir, storage.Config{BlockSize: 4096, NumBlocks: 256})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), idx)

	// Both members now carry the same filesystem identity and a
	// two-entry table; the new member knows its own slot.
	h, err := superblock.Open(d.FS.Devices[idx])
	require.NoError(t, err)
	assert.Equal(t, d.FS.Supers[0].Super.ExternalUUID, h.Super.ExternalUUID)
	assert.Equal(t, uint32(1), h.Super.DevIdx)
	assert.Len(t, d.FS.Supers[0].Super.Members, 2)
}

func TestDiskSetStateReportsDegraded(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.False(t, d.FsUsage().Degraded)

	require.NoError(t, d.DiskSetState(0, superblock.StateRO, DiskSetStateFlags{Force: true}))
	assert.True(t, d.FsUsage().Degraded)
}
