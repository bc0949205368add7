// Package factory resolves a backend name to a storage.Device.
// Member devices are pluggable backing stores; this is the one place
// that knows the full set.
package factory

import (
	"fmt"

	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/storage/backend/badger"
	"github.com/mstenber/cowfs/storage/backend/bolt"
	"github.com/mstenber/cowfs/storage/backend/file"
	"github.com/mstenber/cowfs/storage/backend/inmemory"
)

type ctor func(storage.Config) (storage.Device, error)

var backends = map[string]ctor{
	"inmemory": func(c storage.Config) (storage.Device, error) { return inmemory.New(c), nil },
	"bolt":     bolt.New,
	"badger":   badger.New,
	"file":     file.New,
}

// Names lists the registered backend names, in no fixed order.
func Names() []string {
	names := make([]string, 0, len(backends))
	for k := range backends {
		names = append(names, k)
	}
	return names
}

// New constructs the named backend's Device over config.
func New(name string, config storage.Config) (storage.Device, error) {
	ctor, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q", name)
	}
	return ctor(config)
}
