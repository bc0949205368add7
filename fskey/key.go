package fskey

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/mstenber/cowfs/ferr"
)

// Key is a single ordered entry: a Position, a byte Size (the logical
// extent/value length this key covers, used by range invariants), a
// KeyType tag, and an opaque per-type Value payload (itself decoded by
// the owning package - extent pointers, alloc bucket state, etc).
type Key struct {
	Pos   Position
	Size  uint32
	Type  KeyType
	Value []byte
}

func (self Key) String() string {
	return fmt.Sprintf("%s/%s+%d", self.Pos, self.Type, self.Size)
}

// Compare orders first by Position (the governing order for every
// btree), then breaks ties by Type and Size so that two keys are
// never considered equal unless byte-identical.
func (self Key) Compare(other Key) int {
	if c := self.Pos.Compare(other.Pos); c != 0 {
		return c
	}
	if self.Type != other.Type {
		if self.Type < other.Type {
			return -1
		}
		return 1
	}
	if self.Size != other.Size {
		if self.Size < other.Size {
			return -1
		}
		return 1
	}
	return 0
}

func (self Key) Less(other Key) bool { return self.Compare(other) < 0 }

// Format is the per-node "bkey_format": the minimum bit width needed
// for each fixed field among the keys a node currently holds. Nodes
// are rewritten copy-on-write on every mutation, so the format is
// recomputed at serialization time rather than fixed at
// node-allocation time - there is never a key that doesn't fit the
// format describing it.
type Format struct {
	InodeBits    uint8
	OffsetBits   uint8
	SnapshotBits uint8
	SizeBits     uint8
}

// FullWidthFormat describes every field at its natural width. Any
// packed node can always be decoded once its Format header has been
// read, whether or not that Format happens to equal FullWidthFormat;
// this is the fallback a repair/migration tool uses when it wants to
// re-encode a node without first inspecting its contents.
var FullWidthFormat = Format{InodeBits: 64, OffsetBits: 64, SnapshotBits: 32, SizeBits: 32}

func bitsFor(max uint64) uint8 {
	if max == 0 {
		return 0
	}
	return uint8(bits.Len64(max))
}

// ComputeFormat derives the narrowest Format that can represent every
// key in keys.
func ComputeFormat(keys []Key) Format {
	var maxInode, maxOffset uint64
	var maxSnapshot, maxSize uint32
	for _, k := range keys {
		if k.Pos.Inode > maxInode {
			maxInode = k.Pos.Inode
		}
		if k.Pos.Offset > maxOffset {
			maxOffset = k.Pos.Offset
		}
		if k.Pos.Snapshot > maxSnapshot {
			maxSnapshot = k.Pos.Snapshot
		}
		if k.Size > maxSize {
			maxSize = k.Size
		}
	}
	return Format{
		InodeBits:    bitsFor(maxInode),
		OffsetBits:   bitsFor(maxOffset),
		SnapshotBits: bitsFor(uint64(maxSnapshot)),
		SizeBits:     bitsFor(uint64(maxSize)),
	}
}

// EncodeFormat/DecodeFormat persist the 4-byte format header preceding
// a node's packed key stream.
func EncodeFormat(f Format) []byte {
	return []byte{f.InodeBits, f.OffsetBits, f.SnapshotBits, f.SizeBits}
}

func DecodeFormat(b []byte) (Format, error) {
	if len(b) < 4 {
		return Format{}, ferr.ErrTruncated
	}
	return Format{InodeBits: b[0], OffsetBits: b[1], SnapshotBits: b[2], SizeBits: b[3]}, nil
}

// EncodeKey packs a Key's fixed fields per f, followed by a 1-byte
// type tag and a varint-length-prefixed Value.
func EncodeKey(k Key, f Format) []byte {
	w := &bitWriter{}
	w.WriteBits(k.Pos.Inode, f.InodeBits)
	w.WriteBits(k.Pos.Offset, f.OffsetBits)
	w.WriteBits(uint64(k.Pos.Snapshot), f.SnapshotBits)
	w.WriteBits(uint64(k.Size), f.SizeBits)
	packed := w.Flush()

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(k.Value)))

	out := make([]byte, 0, len(packed)+1+n+len(k.Value))
	out = append(out, packed...)
	out = append(out, byte(k.Type))
	out = append(out, lenBuf[:n]...)
	out = append(out, k.Value...)
	return out
}

// DecodeKey reverses EncodeKey, returning the number of bytes of b it
// consumed so callers can walk a concatenated stream of keys.
func DecodeKey(b []byte, f Format) (Key, int, error) {
	r := newBitReader(b)
	inode := r.ReadBits(f.InodeBits)
	offset := r.ReadBits(f.OffsetBits)
	snapshot := uint32(r.ReadBits(f.SnapshotBits))
	size := uint32(r.ReadBits(f.SizeBits))
	pos := r.BytesConsumed()
	if pos >= len(b) {
		return Key{}, 0, ferr.ErrTruncated
	}
	typ := KeyType(b[pos])
	pos++
	vlen, n := binary.Uvarint(b[pos:])
	if n <= 0 {
		return Key{}, 0, ferr.ErrTruncated
	}
	pos += n
	if pos+int(vlen) > len(b) {
		return Key{}, 0, ferr.ErrTruncated
	}
	var value []byte
	if vlen > 0 {
		value = make([]byte, vlen)
		copy(value, b[pos:pos+int(vlen)])
	}
	pos += int(vlen)
	return Key{
		Pos:   Position{Inode: inode, Offset: offset, Snapshot: snapshot},
		Size:  size,
		Type:  typ,
		Value: value,
	}, pos, nil
}

// EncodeOrderingBytes renders just the Position+Type+Size as full-width
// big-endian bytes, suitable for use as a map/sort key or for backends
// (e.g. the bolt/badger device backends) that need a plain byte-string
// key independent of any node's local Format. This is distinct from
// EncodeKey, which is the compact on-disk node encoding.
func (self Key) EncodeOrderingBytes() []byte {
	b := make([]byte, 8+8+4+4+1)
	binary.BigEndian.PutUint64(b[0:8], self.Pos.Inode)
	binary.BigEndian.PutUint64(b[8:16], self.Pos.Offset)
	binary.BigEndian.PutUint32(b[16:20], self.Pos.Snapshot)
	b[20] = byte(self.Type)
	binary.BigEndian.PutUint32(b[21:25], self.Size)
	return b
}
