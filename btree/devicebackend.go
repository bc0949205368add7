package btree

import (
	"fmt"
	"sync"

	"github.com/mstenber/cowfs/checksum"
	"github.com/mstenber/cowfs/codec"
	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/wire"
)

const nodeMagic uint64 = 0x4e4f4445425f4653 // "NODEB_FS" ASCII-derived

// nodeRecord is the on-disk envelope one DeviceBackend block carries,
// mirroring superblock.onDiskRecord's magic+checksum+payload shape.
type nodeRecord struct {
	Magic    uint64
	Checksum uint64
	Payload  []byte
}

// DeviceBackend is the real Backend every persisted Tree uses, one
// block per node, over a reserved region
// [start, start+count) of blocks on a single device. It runs its own
// small bump/free-list allocator rather than routing through
// alloc.Allocator: the allocator's own bookkeeping trees
// (alloc/freespace/need_discard/lru) are themselves btree.Tree
// instances, so a Backend that called back into the allocator to place
// a node would be circular. One DeviceBackend instance is shared by
// every fskey.BTreeID tree a Filesystem opens (ops.newTrees), the way a
// single extent.Path is shared for user data I/O.
type DeviceBackend struct {
	dev      storage.Device
	start    uint64
	count    uint64
	algo     checksum.Algorithm
	codec    codec.Codec // nil == no encryption

	mu       sync.Mutex
	next     uint64 // next never-allocated offset, relative to start
	freeList []uint64
}

// NewDeviceBackend binds a reserved block range of dev for node
// storage. cd may be nil when the format's encryption option is none.
func NewDeviceBackend(dev storage.Device, start, count uint64, algo checksum.Algorithm, cd codec.Codec) *DeviceBackend {
	return &DeviceBackend{dev: dev, start: start, count: count, algo: algo, codec: cd}
}

func (self *DeviceBackend) allocBlock() (uint64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if n := len(self.freeList); n > 0 {
		b := self.freeList[n-1]
		self.freeList = self.freeList[:n-1]
		return b, nil
	}
	if self.next >= self.count {
		return 0, ferr.ErrNoSpace
	}
	b := self.start + self.next
	self.next++
	return b, nil
}

func (self *DeviceBackend) freeBlock(offset uint64) {
	self.mu.Lock()
	self.freeList = append(self.freeList, offset)
	self.mu.Unlock()
}

// LoadNode reads, checksum-verifies, optionally decrypts and decodes
// the node at p.Offset.
func (self *DeviceBackend) LoadNode(p Pointer) (*NodeData, error) {
	raw, err := self.dev.ReadBlock(p.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ferr.ErrIOError, err)
	}
	var rec nodeRecord
	if err := wire.Unmarshal(raw, &rec); err != nil || rec.Magic != nodeMagic {
		return nil, ferr.ErrCorruptMetadata
	}
	if err := checksum.Verify(self.algo, rec.Payload, rec.Checksum); err != nil {
		return nil, fmt.Errorf("%w: %v", ferr.ErrCorruptMetadata, err)
	}
	plain := rec.Payload
	if self.codec != nil {
		plain, err = self.codec.DecodeBytes(plain, nodeBinding(p.Offset))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ferr.ErrCorruptMetadata, err)
		}
	}
	return UnmarshalNodeData(plain)
}

// SaveNode allocates a fresh block (COW: never overwrites an in-use
// offset), encodes+encrypts+checksums nd, and writes it.
func (self *DeviceBackend) SaveNode(nd *NodeData) (Pointer, error) {
	block, err := self.allocBlock()
	if err != nil {
		return Pointer{}, err
	}
	payload, err := nd.Marshal()
	if err != nil {
		return Pointer{}, err
	}
	if self.codec != nil {
		payload, err = self.codec.EncodeBytes(payload, nodeBinding(block))
		if err != nil {
			return Pointer{}, err
		}
	}
	sum, err := checksum.Sum(self.algo, payload)
	if err != nil {
		return Pointer{}, err
	}
	rec := nodeRecord{Magic: nodeMagic, Checksum: sum, Payload: payload}
	raw, err := wire.Marshal(&rec)
	if err != nil {
		return Pointer{}, err
	}
	bs := self.dev.BlockSize()
	if uint64(len(raw)) > uint64(bs) {
		return Pointer{}, fmt.Errorf("node record %d bytes exceeds block size %d: lower btree_node_size", len(raw), bs)
	}
	if err := self.dev.WriteBlock(block, padToBlockSize(raw, bs)); err != nil {
		return Pointer{}, fmt.Errorf("%w: %v", ferr.ErrIOError, err)
	}
	return Pointer{Offset: block, Generation: 1, Checksum: sum}, nil
}

// FreeNode returns p's block to the free-list; nothing else references p once Tree.freeOld calls this.
func (self *DeviceBackend) FreeNode(p Pointer) error {
	self.freeBlock(p.Offset)
	return nil
}

// nodeBinding binds a node's codec transform to its block offset, the
// same per-position-binding technique extent.extentBinding and
// storage.blockAdditionalData use, so ciphertext from one node slot
// cannot be replayed into another slot undetected.
func nodeBinding(block uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(block >> (8 * uint(i)))
	}
	return b
}

func padToBlockSize(data []byte, blockSize uint32) []byte {
	bs := int(blockSize)
	if len(data) >= bs {
		return data[:bs]
	}
	out := make([]byte, bs)
	copy(out, data)
	return out
}
