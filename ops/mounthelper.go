package ops

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/mstenber/cowfs/config"
	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/storage/factory"
	"github.com/mstenber/cowfs/superblock"
)

// ScanDevicesByUUID walks the immediate children of scanDir, opening
// each non-empty child directory as a backend device and reading its
// superblock, and returns the paths of those belonging to the
// filesystem identified by want, keyed by member index. template
// supplies backend parameters other than the directory; with the file
// backend, leaving NumBlocks zero lets each image dictate its own
// size.
func ScanDevicesByUUID(backendName, scanDir string, want uuid.UUID, template storage.Config) (map[uint32]string, error) {
	entries, err := os.ReadDir(scanDir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", scanDir, err)
	}
	found := map[uint32]string{}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		path := scanDir + "/" + ent.Name()
		children, err := os.ReadDir(path)
		if err != nil || len(children) == 0 {
			// Opening an empty directory would create a fresh device
			// image in it; only probe directories that already hold
			// something.
			continue
		}
		cfg := template
		cfg.Directory = path
		dev, err := factory.New(backendName, cfg)
		if err != nil {
			mlog.Printf2("ops/mounthelper", "skipping %s: %v", path, err)
			continue
		}
		h, err := superblock.Open(dev)
		if err != nil {
			dev.Close()
			continue
		}
		idx := h.Super.DevIdx
		match := h.Super.ExternalUUID == want
		dev.Close()
		if !match {
			continue
		}
		if prev, dup := found[idx]; dup {
			return nil, fmt.Errorf("scan %s: both %s and %s claim member %d of %s",
				scanDir, prev, path, idx, want)
		}
		found[idx] = path
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("scan %s: no device with UUID %s", scanDir, want)
	}
	return found, nil
}

// DeviceList renders a scan result as a colon-joined device list in
// member-index order, the form handed to the mount primitive.
func DeviceList(paths map[uint32]string) string {
	idxs := make([]uint32, 0, len(paths))
	for idx := range paths {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })
	parts := make([]string, 0, len(idxs))
	for _, idx := range idxs {
		parts = append(parts, paths[idx])
	}
	return strings.Join(parts, ":")
}

// ResolveMountSpec accepts either a colon-joined device list or a
// filesystem UUID. A UUID is resolved by scanning scanDir for member
// devices; a device list passes through split. Either way the result
// is the ordered device path list MountDeviceList consumes.
func ResolveMountSpec(backendName, spec, scanDir string, template storage.Config) ([]string, error) {
	if id, err := uuid.Parse(spec); err == nil {
		found, err := ScanDevicesByUUID(backendName, scanDir, id, template)
		if err != nil {
			return nil, err
		}
		return strings.Split(DeviceList(found), ":"), nil
	}
	return strings.Split(spec, ":"), nil
}

// MountDeviceList opens every path as a backend device and mounts the
// set. Member indices come from each device's own superblock, so the
// order of paths does not matter.
func MountDeviceList(backendName string, paths []string, template storage.Config, opts config.Set) (*Filesystem, error) {
	devices := make(map[uint32]storage.Device, len(paths))
	closeAll := func() {
		for _, dev := range devices {
			dev.Close()
		}
	}
	for i, path := range paths {
		cfg := template
		cfg.Directory = path
		dev, err := factory.New(backendName, cfg)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		devices[uint32(i)] = dev
	}
	fs, err := Mount(devices, opts)
	if err != nil {
		closeAll()
		return nil, err
	}
	fs.BackendName = backendName
	return fs, nil
}
