// Package bolt implements a storage.Device backed by a single
// go.etcd.io/bbolt database file, one member device per bbolt.DB.
// One "blocks" bucket keyed by an 8-byte big-endian block number
// holds everything; superblock/btree/extent carry their own framing.
package bolt

import (
	"encoding/binary"
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/storage"
)

var blocksBucket = []byte("blocks")

type device struct {
	db        *bbolt.DB
	blockSize uint32
	numBlocks uint64
}

var _ storage.Device = &device{}

// New opens (creating if necessary) a bbolt database at
// config.Directory + "/bbolt.db".
func New(config storage.Config) (storage.Device, error) {
	path := fmt.Sprintf("%s/bbolt.db", config.Directory)
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("bbolt.Open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blocksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
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
	err := self.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(blocksBucket).Get(key(n))
		if v == nil {
			return fmt.Errorf("block %d never written", n)
		}
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	mlog.Printf2("storage/backend/bolt/bolt", "ReadBlock %d (%d b)", n, len(out))
	return out, nil
}

func (self *device) WriteBlock(n uint64, data []byte) error {
	if n >= self.numBlocks {
		return fmt.Errorf("block %d out of range (%d blocks)", n, self.numBlocks)
	}
	mlog.Printf2("storage/backend/bolt/bolt", "WriteBlock %d (%d b)", n, len(data))
	return self.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blocksBucket).Put(key(n), data)
	})
}
