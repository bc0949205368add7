// Package btree implements the COW B-tree engine: one
// ordered key/value store per fskey.BTreeID, node cache, split/merge,
// and crash-safe node I/O through the codec/checksum pipeline.
//
// Nodes are addressed by plain device-relative offsets; the Backend
// writes to a storage.Device rather than a content-addressed block
// store.
package btree

import (
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/wire"
)

// Pointer identifies a node's on-disk location: device index plus
// block offset, generation-tagged so a stale interior pointer (still
// referencing a reclaimed bucket) is detectable.
type Pointer struct {
	Device     uint32
	Offset     uint64
	Generation uint64
	Checksum   uint64
}

// Bset is one append-only sorted run of keys within a node. A node
// holds one or more bsets; NodeData.Compact merges them back to a
// single bset.
type Bset struct {
	Seq  uint64
	Keys []fskey.Key
}

// NodeData is the persisted content of one B-tree node. Leafy nodes carry user Keys directly; interior
// nodes carry one synthetic key per child whose Value is a marshaled
// Pointer to the child's location.
type NodeData struct {
	BTreeID fskey.BTreeID
	Level   int // 0 == leaf
	Bsets   []Bset
}

// Leafy reports whether this node holds user keys (Level == 0).
func (self *NodeData) Leafy() bool { return self.Level == 0 }

// Compact merges every bset into a single sorted, deduplicated run,
// keeping the newest Value for a repeated Key (later bsets win).
// Within the extents btree adjacent keys may additionally be merged;
// that merge policy belongs to the extent layer, not here.
func (self *NodeData) Compact() {
	if len(self.Bsets) <= 1 {
		return
	}
	var maxSeq uint64
	merged := map[string]fskey.Key{}
	order := []string{}
	for _, bs := range self.Bsets {
		if bs.Seq > maxSeq {
			maxSeq = bs.Seq
		}
		for _, k := range bs.Keys {
			ek := string(k.EncodeOrderingBytes())
			if _, ok := merged[ek]; !ok {
				order = append(order, ek)
			}
			merged[ek] = k
		}
	}
	keys := make([]fskey.Key, 0, len(order))
	for _, ek := range order {
		keys = append(keys, merged[ek])
	}
	sortKeys(keys)
	self.Bsets = []Bset{{Seq: maxSeq, Keys: keys}}
}

func sortKeys(keys []fskey.Key) {
	// Insertion sort: node fanout is small (hundreds of keys at most
	// given a 256 KiB node size).
	for i := 1; i < len(keys); i++ {
		j := i
		for j > 0 && keys[j-1].Compare(keys[j]) > 0 {
			keys[j-1], keys[j] = keys[j], keys[j-1]
			j--
		}
	}
}

// AllKeys returns every key across all bsets, newest value winning for
// duplicates, in sorted order - the read-side view Compact would
// produce without mutating the node.
func (self *NodeData) AllKeys() []fskey.Key {
	cp := &NodeData{BTreeID: self.BTreeID, Level: self.Level, Bsets: self.Bsets}
	cp.Compact()
	if len(cp.Bsets) == 0 {
		return nil
	}
	return cp.Bsets[0].Keys
}

// Size estimates the node's encoded byte size, used by the fill
// threshold.
func (self *NodeData) Size() int {
	n := 0
	for _, bs := range self.Bsets {
		for _, k := range bs.Keys {
			n += len(k.Value) + 48
		}
	}
	return n
}

// Marshal/Unmarshal encode a NodeData for storage through the node
// write/read pipeline (codec.CodecChain wraps this).
func (self *NodeData) Marshal() ([]byte, error) { return wire.Marshal(self) }

func UnmarshalNodeData(b []byte) (*NodeData, error) {
	var nd NodeData
	if err := wire.Unmarshal(b, &nd); err != nil {
		return nil, err
	}
	return &nd, nil
}

// encodePointer wraps a Pointer as an interior node's value payload.
func encodePointer(p Pointer) []byte {
	b, _ := wire.Marshal(&p)
	return b
}

func decodePointer(b []byte) (Pointer, error) {
	var p Pointer
	err := wire.Unmarshal(b, &p)
	return p, err
}

// EncodePointer/DecodePointer expose the same wire encoding used for
// interior routing keys to callers outside this package that need to
// persist a Tree's root Pointer opaquely, e.g. ops.Filesystem recording every tree's current
// root after each commit so a remount can resume from it.
func EncodePointer(p Pointer) []byte          { return encodePointer(p) }
func DecodePointer(b []byte) (Pointer, error) { return decodePointer(b) }
