// Package storage provides the pluggable block-device abstraction each
// member device of a filesystem is built on: a Device
// stores fixed-size blocks addressed by a block number, with the
// compression/encryption/checksum pipeline (package codec/checksum)
// layered in front of it rather than baked into any one backend.
package storage

import (
	"fmt"

	"github.com/mstenber/cowfs/codec"
)

// Device is the minimal contract a backing store must provide. Bytes
// handed to WriteBlock and returned by ReadBlock are exactly BlockSize
// long; callers above this layer (superblock, btree, extent) are
// responsible for their own internal framing.
type Device interface {
	Close() error

	// ReadBlock returns the BlockSize()-byte contents of block n. The
	// inmemory, bolt and badger backends return an error for a block
	// never written; the file backend errors only for an out-of-range
	// n and returns zeros for an in-range block never written.
	ReadBlock(n uint64) ([]byte, error)

	// WriteBlock stores data (must be BlockSize() bytes) at block n.
	WriteBlock(n uint64, data []byte) error

	// Sync flushes any buffered writes to stable storage.
	Sync() error

	BlockSize() uint32
	NumBlocks() uint64
}

// Config carries backend construction parameters; individual
// backends use the fields relevant to them and ignore the rest.
type Config struct {
	Directory string
	BlockSize uint32
	NumBlocks uint64
}

// CodecDevice wraps a Device with a codec.Codec applied to every
// block on the way in and out. EncodeBytes output is zero-padded or,
// if it overflows BlockSize, an error, since physical blocks cannot
// grow.
type CodecDevice struct {
	Device
	Codec codec.Codec
}

func (self *CodecDevice) ReadBlock(n uint64) ([]byte, error) {
	raw, err := self.Device.ReadBlock(n)
	if err != nil {
		return nil, err
	}
	return self.Codec.DecodeBytes(raw, blockAdditionalData(n))
}

func (self *CodecDevice) WriteBlock(n uint64, data []byte) error {
	enc, err := self.Codec.EncodeBytes(data, blockAdditionalData(n))
	if err != nil {
		return err
	}
	bs := int(self.Device.BlockSize())
	if len(enc) > bs {
		return fmt.Errorf("encoded block %d is %d bytes, exceeds block size %d", n, len(enc), bs)
	}
	if len(enc) < bs {
		padded := make([]byte, bs)
		copy(padded, enc)
		enc = padded
	}
	return self.Device.WriteBlock(n, enc)
}

// blockAdditionalData binds a block's codec transform to its block
// number, so ciphertext from one block cannot be replayed into another
// position undetected.
func blockAdditionalData(n uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(n >> (8 * uint(i)))
	}
	return buf
}
