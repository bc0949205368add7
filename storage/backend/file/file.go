// Package file implements a storage.Device backed by a single flat
// file on a local filesystem, addressed by block number times block
// size, the closest analogue of a raw block device. No per-block
// refcount/status bookkeeping is kept here: that lives in the
// allocator's own alloc btree.
package file

import (
	"fmt"
	"io"
	"os"

	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/storage"
)

type device struct {
	f         *os.File
	blockSize uint32
	numBlocks uint64
}

var _ storage.Device = &device{}

// New opens (creating and pre-extending if necessary)
// config.Directory+"/device.img" as a single flat file of
// numBlocks*blockSize bytes. With NumBlocks zero the image must
// already exist and its size determines the block count, so an
// existing device can be reopened without restating its geometry.
func New(config storage.Config) (storage.Device, error) {
	path := fmt.Sprintf("%s/device.img", config.Directory)
	numBlocks := config.NumBlocks
	if numBlocks == 0 {
		st, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		numBlocks = uint64(st.Size()) / uint64(config.BlockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	size := int64(config.BlockSize) * int64(numBlocks)
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	}
	return &device{f: f, blockSize: config.BlockSize, numBlocks: numBlocks}, nil
}

func (self *device) Close() error { return self.f.Close() }

func (self *device) Sync() error { return self.f.Sync() }

func (self *device) BlockSize() uint32 { return self.blockSize }

func (self *device) NumBlocks() uint64 { return self.numBlocks }

func (self *device) ReadBlock(n uint64) ([]byte, error) {
	if n >= self.numBlocks {
		return nil, fmt.Errorf("block %d out of range (%d blocks)", n, self.numBlocks)
	}
	buf := make([]byte, self.blockSize)
	off := int64(n) * int64(self.blockSize)
	if _, err := self.f.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, fmt.Errorf("block %d never written: %w", n, err)
	}
	mlog.Printf2("storage/backend/file/file", "ReadBlock %d", n)
	return buf, nil
}

func (self *device) WriteBlock(n uint64, data []byte) error {
	if n >= self.numBlocks {
		return fmt.Errorf("block %d out of range (%d blocks)", n, self.numBlocks)
	}
	if uint32(len(data)) != self.blockSize {
		return fmt.Errorf("write block %d: %d bytes, want %d", n, len(data), self.blockSize)
	}
	off := int64(n) * int64(self.blockSize)
	mlog.Printf2("storage/backend/file/file", "WriteBlock %d (%d b)", n, len(data))
	_, err := self.f.WriteAt(data, off)
	return err
}
