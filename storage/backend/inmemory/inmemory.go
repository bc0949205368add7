// Package inmemory implements a storage.Device entirely in process
// memory: a map-backed device with no persistence, used by tests
// throughout the module.
package inmemory

import (
	"fmt"

	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/util"
)

type device struct {
	blockSize uint32
	numBlocks uint64
	blocks    map[uint64][]byte
	lock      util.MutexLocked
}

var _ storage.Device = &device{}

func New(config storage.Config) storage.Device {
	return &device{
		blockSize: config.BlockSize,
		numBlocks: config.NumBlocks,
		blocks:    make(map[uint64][]byte),
	}
}

func (self *device) Close() error { return nil }

func (self *device) Sync() error { return nil }

func (self *device) BlockSize() uint32 { return self.blockSize }

func (self *device) NumBlocks() uint64 { return self.numBlocks }

func (self *device) ReadBlock(n uint64) ([]byte, error) {
	defer self.lock.Locked()()
	data, ok := self.blocks[n]
	if !ok {
		return nil, fmt.Errorf("block %d never written", n)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (self *device) WriteBlock(n uint64, data []byte) error {
	defer self.lock.Locked()()
	if n >= self.numBlocks {
		return fmt.Errorf("block %d out of range (%d blocks)", n, self.numBlocks)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	self.blocks[n] = cp
	return nil
}
