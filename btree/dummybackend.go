package btree

import (
	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/util"
)

// DummyBackend is a minimal in-memory Backend for unit tests of Tree
// itself, independent of the extent/allocator write path.
type DummyBackend struct {
	nodes map[uint64]*NodeData
	next  uint64
	lock  util.MutexLocked
}

func NewDummyBackend() *DummyBackend {
	return &DummyBackend{nodes: map[uint64]*NodeData{}}
}

func (self *DummyBackend) LoadNode(p Pointer) (*NodeData, error) {
	defer self.lock.Locked()()
	nd, ok := self.nodes[p.Offset]
	if !ok {
		return nil, ferr.ErrCorruptMetadata
	}
	return nd, nil
}

func (self *DummyBackend) SaveNode(nd *NodeData) (Pointer, error) {
	defer self.lock.Locked()()
	self.next++
	p := Pointer{Offset: self.next, Generation: self.next}
	self.nodes[p.Offset] = nd
	return p, nil
}

func (self *DummyBackend) FreeNode(p Pointer) error {
	defer self.lock.Locked()()
	delete(self.nodes, p.Offset)
	return nil
}
