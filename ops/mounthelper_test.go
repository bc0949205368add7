package ops

import (
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstenber/cowfs/config"
	"github.com/mstenber/cowfs/storage"
)

func formatTwoFileDevices(t *testing.T, scanDir string) *Filesystem {
	cfgs := map[uint32]storage.Config{}
	for i, name := range []string{"deva", "devb"} {
		dir := scanDir + "/" + name
		require.NoError(t, os.MkdirAll(dir, 0o755))
		cfgs[uint32(i)] = storage.Config{Directory: dir, BlockSize: 4096, NumBlocks: 256}
	}
	fs, err := FormatNew("file", cfgs, config.Set{})
	require.NoError(t, err)
	return fs
}

func TestScanDevicesByUUIDFindsAllMembers(t *testing.T) {
	scanDir := t.TempDir()
	fs := formatTwoFileDevices(t, scanDir)
	want := fs.Supers[fs.Primary].Super.ExternalUUID
	require.NoError(t, fs.Close())

	// An unrelated non-device directory must be skipped, not broken on.
	require.NoError(t, os.MkdirAll(scanDir+"/notadevice", 0o755))
	require.NoError(t, os.WriteFile(scanDir+"/notadevice/readme", []byte("x"), 0o644))

	found, err := ScanDevicesByUUID("file", scanDir, want, storage.Config{BlockSize: 4096})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, scanDir+"/deva", found[0])
	assert.Equal(t, scanDir+"/devb", found[1])

	list := DeviceList(found)
	assert.Equal(t, scanDir+"/deva:"+scanDir+"/devb", list)
}

func TestResolveMountSpecUUIDMountsAllMembers(t *testing.T) {
	scanDir := t.TempDir()
	fs := formatTwoFileDevices(t, scanDir)
	_, err := fs.CreateInode(1, "kept.txt", 0o100644)
	require.NoError(t, err)
	want := fs.Supers[fs.Primary].Super.ExternalUUID
	require.NoError(t, fs.Close())

	paths, err := ResolveMountSpec("file", want.String(), scanDir, storage.Config{BlockSize: 4096})
	require.NoError(t, err)
	require.Len(t, paths, 2)

	mounted, err := MountDeviceList("file", paths, storage.Config{BlockSize: 4096}, config.Set{})
	require.NoError(t, err)
	defer mounted.Close()

	assert.Equal(t, 2, mounted.FsUsage().Members)
	d, err := mounted.Lookup(1, "kept.txt")
	require.NoError(t, err)
	assert.False(t, d.IsDir)
}

func TestResolveMountSpecPassesThroughDeviceList(t *testing.T) {
	paths, err := ResolveMountSpec("file", "/a:/b", "", storage.Config{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(paths[0], "/a"))
	assert.Len(t, paths, 2)
}

func TestScanDevicesByUUIDUnknownUUIDErrors(t *testing.T) {
	scanDir := t.TempDir()
	fs := formatTwoFileDevices(t, scanDir)
	require.NoError(t, fs.Close())

	_, err := ScanDevicesByUUID("file", scanDir, uuid.UUID{1, 2, 3}, storage.Config{BlockSize: 4096})
	assert.Error(t, err)
}
