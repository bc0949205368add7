// Package badger implements a storage.Device backed by a
// github.com/dgraph-io/badger LSM-tree key/value store, the second
// on-disk device backend alongside storage/backend/bolt. Dir and
// ValueDir both point at the device directory; blocks are keyed by
// an 8-byte big-endian block number.
package badger

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/badger"

	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/storage"
)

type device struct {
	db        *badger.DB
	blockSize uint32
	numBlocks uint64
}

var _ storage.Device = &device{}

func New(config storage.Config) (storage.Device, error) {
	opts := badger.DefaultOptions(config.Directory)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger.Open %s: %w", config.Directory, err)
	}
	return &device{db: db, blockSize: config.BlockSize, numBlocks: config.NumBlocks}, nil
}

func key(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func (self *device) Close() error { return self.db.Close() }

func (self *device) Sync() error { return self.db.Sync() }

func (self *device) BlockSize() uint32 { return self.blockSize }

func (self *device) NumBlocks() uint64 { return self.numBlocks }

func (self *device) ReadBlock(n uint64) ([]byte, error) {
	var out []byte
	err := self.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(n))
		if err != nil {
			return fmt.Errorf("block %d never written: %w", n, err)
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	mlog.Printf2("storage/backend/badger/badger", "ReadBlock %d (%d b)", n, len(out))
	return out, nil
}

func (self *device) WriteBlock(n uint64, data []byte) error {
	if n >= self.numBlocks {
		return fmt.Errorf("block %d out of range (%d blocks)", n, self.numBlocks)
	}
	mlog.Printf2("storage/backend/badger/badger", "WriteBlock %d (%d b)", n, len(data))
	return self.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(n), data)
	})
}
