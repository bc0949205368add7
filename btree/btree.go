package btree

import (
	"fmt"
	"sync"

	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/mlog"
)

// Backend is what a Tree needs from the rest of the filesystem to turn
// node contents into durable storage:
// replica-aware load with checksum retry, and COW allocate+write on
// save. DeviceBackend is the production implementation; tests use the
// in-memory DummyBackend.
type Backend interface {
	// LoadNode streams a node from one replica, trying the next on
	// checksum failure, failing with ferr.ErrCorruptMetadata when
	// every replica is exhausted.
	LoadNode(p Pointer) (*NodeData, error)

	// SaveNode allocates new bucket(s), writes the encrypted and
	// checksummed image, and returns the new Pointer.
	SaveNode(nd *NodeData) (Pointer, error)

	// FreeNode marks p reclaimable now that no path or cached root
	// references it.
	FreeNode(p Pointer) error
}

// Tree is one COW B-tree, configured for a single
// fskey.BTreeID. NodeMaximumSize is a power of two, typically 256 KiB;
// a node larger than it splits, and smallSize derives the merge
// threshold from it.
type Tree struct {
	BTreeID         fskey.BTreeID
	NodeMaximumSize int

	backend Backend
	cache   *nodeCache

	rootLock sync.RWMutex
	root     *Pointer // nil == empty tree
	rootData *NodeData

	nodeLocks sync.Map // Pointer -> *SixStateLock, used only for non-root in-flight nodes
}

// Init binds backend and cache size to self. An unset NodeMaximumSize
// defaults to 256 KiB.
func (self Tree) Init(backend Backend, cacheSize int) *Tree {
	if self.NodeMaximumSize <= 0 {
		self.NodeMaximumSize = 1 << 18
	}
	self.backend = backend
	self.cache = newNodeCache(cacheSize)
	return &self
}

func (self *Tree) halfSize() int  { return self.NodeMaximumSize / 2 }
func (self *Tree) smallSize() int { return self.NodeMaximumSize / 4 }

// SetRoot installs a known root pointer, e.g. after journal replay
// merges uncommitted keys ahead of on-disk nodes or after mount reads the superblock's stored root.
func (self *Tree) SetRoot(p *Pointer) {
	self.rootLock.Lock()
	defer self.rootLock.Unlock()
	self.root = p
	self.rootData = nil
}

func (self *Tree) Root() *Pointer {
	self.rootLock.RLock()
	defer self.rootLock.RUnlock()
	return self.root
}

// lockFor returns the shared SixStateLock for p, creating one on first
// use. Root access goes
// through rootLock instead since the root pointer itself changes on
// every commit; nodeLocks only ever guards non-root nodes in flight
// between a reader's load and a committer's free of the same Pointer.
func (self *Tree) lockFor(p Pointer) *SixStateLock {
	v, _ := self.nodeLocks.LoadOrStore(p, &SixStateLock{})
	return v.(*SixStateLock)
}

func (self *Tree) loadNode(p Pointer) (*NodeData, error) {
	lock := self.lockFor(p)
	lock.LockRead()
	defer lock.UnlockRead()
	return self.cache.loadOnce(p, func() (*NodeData, error) {
		return self.backend.LoadNode(p)
	})
}

// saveNode writes nd through the backend and primes the cache with the
// freshly allocated pointer.
func (self *Tree) saveNode(nd *NodeData) (Pointer, error) {
	p, err := self.backend.SaveNode(nd)
	if err != nil {
		return Pointer{}, err
	}
	self.cache.set(p, nd)
	return p, nil
}

// freeOld reclaims p once no path or cached root references it any
// more, taking p's lock through intent and
// write so a concurrent loadNode racing the same pointer either
// completes its read first or waits for the free to finish.
func (self *Tree) freeOld(p *Pointer) {
	if p == nil {
		return
	}
	lock := self.lockFor(*p)
	lock.LockIntent()
	lock.UpgradeToWrite()
	if err := self.backend.FreeNode(*p); err != nil {
		mlog.Printf2("btree/btree", "free old node %v: %v (non-fatal)", p, err)
	}
	self.cache.invalidate(*p)
	lock.UnlockWrite()
	self.nodeLocks.Delete(*p)
}

func (self *Tree) rootNode() (*NodeData, error) {
	self.rootLock.RLock()
	p := self.root
	cached := self.rootData
	self.rootLock.RUnlock()
	if p == nil {
		return &NodeData{BTreeID: self.BTreeID, Level: 0}, nil
	}
	if cached != nil {
		return cached, nil
	}
	return self.loadNode(*p)
}

// pathLevel is one entry of a Path: the node visited at that level and
// the index into its sorted keys the cursor currently points at.
type pathLevel struct {
	ptr   *Pointer // nil at the (unwritten) root level
	data  *NodeData
	keys  []fskey.Key
	index int
}

// Path supports both leaf-level key iteration and whole-node iteration.
type Path struct {
	tree   *Tree
	levels []pathLevel // levels[0] == root
}

// IterInit descends from the root to the leaf containing pos, leaving
// the cursor at the first key >= pos.
func (self *Tree) IterInit(pos fskey.Position) (*Path, error) {
	path := &Path{tree: self}
	root, err := self.rootNode()
	if err != nil {
		return nil, err
	}
	cur := root
	var ptr *Pointer
	for {
		keys := cur.AllKeys()
		if cur.Leafy() {
			idx := lowerBound(keys, pos)
			path.levels = append(path.levels, pathLevel{ptr: ptr, data: cur, keys: keys, index: idx})
			return path, nil
		}
		// Interior nodes route by floor, not lower-bound: a routing key's
		// Pos is the smallest key its child covers, so the child for pos
		// is the last routing key whose Pos is <= pos, not the first one
		// whose Pos is >= pos.
		idx := floorIndex(keys, pos)
		path.levels = append(path.levels, pathLevel{ptr: ptr, data: cur, keys: keys, index: idx})
		if idx >= len(keys) {
			// Empty interior node; nothing to descend into.
			return path, nil
		}
		childPtr, err := decodePointer(keys[idx].Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ferr.ErrCorruption, err)
		}
		child, err := self.loadNode(childPtr)
		if err != nil {
			return nil, err
		}
		ptr = &childPtr
		cur = child
	}
}

// lowerBound returns the index of the first key with Pos >= pos.
func lowerBound(keys []fskey.Key, pos fskey.Position) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid].Pos.Less(pos) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// floorIndex returns the index of the last routing key with Pos <= pos,
// or 0 if every routing key's Pos is already greater than pos (pos
// falls before the first child, which still covers it since routing
// keys only bound children from below).
func floorIndex(keys []fskey.Key, pos fskey.Position) int {
	idx := lowerBound(keys, pos)
	if idx < len(keys) && keys[idx].Pos.Equal(pos) {
		return idx
	}
	if idx == 0 {
		return 0
	}
	return idx - 1
}

func (self *Path) leaf() *pathLevel { return &self.levels[len(self.levels)-1] }

// advanceToNextLeaf walks up from the leaf until it finds an ancestor
// with an unvisited right sibling, then descends back down that
// sibling's leftmost spine, leaving the path positioned at the start of
// the next leaf. Needed once a tree has split into more than one
// leaf: without it a scan would stop at the end of the first leaf
// instead of continuing across the whole tree.
func (self *Path) advanceToNextLeaf() bool {
	for i := len(self.levels) - 2; i >= 0; i-- {
		lv := &self.levels[i]
		if lv.index+1 >= len(lv.keys) {
			continue
		}
		lv.index++
		childPtr, err := decodePointer(lv.keys[lv.index].Value)
		if err != nil {
			return false
		}
		self.levels = self.levels[:i+1]
		nextPtr := childPtr
		for {
			p := nextPtr
			child, err := self.tree.loadNode(p)
			if err != nil {
				return false
			}
			keys := child.AllKeys()
			self.levels = append(self.levels, pathLevel{ptr: &p, data: child, keys: keys, index: 0})
			if child.Leafy() {
				return true
			}
			if len(keys) == 0 {
				return false
			}
			next, err := decodePointer(keys[0].Value)
			if err != nil {
				return false
			}
			nextPtr = next
		}
	}
	return false
}

// IterPeek returns the next key at or after the cursor, without
// advancing, crossing into the next leaf when
// the current one is exhausted.
func (self *Path) IterPeek() *fskey.Key {
	for {
		lv := self.leaf()
		if lv.index < len(lv.keys) {
			k := lv.keys[lv.index]
			return &k
		}
		if !self.advanceToNextLeaf() {
			return nil
		}
	}
}

// Advance moves the cursor to the next leaf key, returning it (nil at
// end of tree), crossing leaf boundaries as needed. This is the common
// "peek then move on" pattern every bulk scan (fsck, dump, rereplicate)
// uses against IterPeek.
func (self *Path) Advance() *fskey.Key {
	for {
		lv := self.leaf()
		if lv.index < len(lv.keys) {
			k := lv.keys[lv.index]
			lv.index++
			return &k
		}
		if !self.advanceToNextLeaf() {
			return nil
		}
	}
}

// IterPrev returns the key immediately before the cursor, moving the
// cursor back onto it. Unlike IterPeek/Advance
// this does not cross back into a previous leaf - no caller needs
// backward cross-leaf iteration, so it stays scoped to the leaf the
// path is already positioned at.
func (self *Path) IterPrev() *fskey.Key {
	lv := self.leaf()
	if lv.index == 0 {
		return nil
	}
	lv.index--
	k := lv.keys[lv.index]
	return &k
}

// IterNextNode returns the whole node data at the leaf level and
// advances the path past it, crossing into the next leaf as needed,
// used by bulk operations that want to walk node-at-a-time rather than
// key-at-a-time.
func (self *Path) IterNextNode() *NodeData {
	lv := self.leaf()
	if lv.index >= len(lv.keys) {
		if !self.advanceToNextLeaf() {
			return nil
		}
		lv = self.leaf()
	}
	nd := lv.data
	lv.index = len(lv.keys)
	return nd
}

// Update stages an upsert: it rewrites the path's leaf bset with key
// inserted/replaced, splitting the leaf first if it would exceed the
// fill threshold, then propagates new child pointers up to the root.
func (self *Tree) Update(path *Path, key fskey.Key) error {
	lv := path.leaf()
	newKeys := upsertKey(lv.keys, key)
	lv.keys = newKeys
	lv.data = &NodeData{BTreeID: self.BTreeID, Level: lv.data.Level, Bsets: []Bset{{Keys: newKeys}}}
	return self.commitPath(path)
}

func upsertKey(keys []fskey.Key, key fskey.Key) []fskey.Key {
	idx := lowerBound(keys, key.Pos)
	if idx < len(keys) && keys[idx].Compare(key) == 0 {
		out := make([]fskey.Key, len(keys))
		copy(out, keys)
		out[idx] = key
		return out
	}
	out := make([]fskey.Key, 0, len(keys)+1)
	out = append(out, keys[:idx]...)
	out = append(out, key)
	out = append(out, keys[idx:]...)
	return out
}

// Delete removes key from the path's leaf, failing if the leaf does
// not hold it.
func (self *Tree) Delete(path *Path, key fskey.Key) error {
	lv := path.leaf()
	idx := lowerBound(lv.keys, key.Pos)
	if idx >= len(lv.keys) || lv.keys[idx].Compare(key) != 0 {
		return fmt.Errorf("delete: key %s not present", key)
	}
	out := make([]fskey.Key, 0, len(lv.keys)-1)
	out = append(out, lv.keys[:idx]...)
	out = append(out, lv.keys[idx+1:]...)
	lv.keys = out
	lv.data = &NodeData{BTreeID: self.BTreeID, Level: lv.data.Level, Bsets: []Bset{{Keys: out}}}
	return self.commitPath(path)
}

// DeleteRange removes every key in [start, end) across however many
// leaves that spans.
func (self *Tree) DeleteRange(start, end fskey.Position) error {
	for {
		path, err := self.IterInit(start)
		if err != nil {
			return err
		}
		k := path.IterPeek()
		if k == nil || !k.Pos.Less(end) {
			return nil
		}
		if err := self.Delete(path, *k); err != nil {
			return err
		}
	}
}

// commitPath COWs every level from the leaf up to the root: each dirty
// node is saved via the backend (new bucket allocation) and its
// parent's pointer is rewritten to the new location, old locations are
// freed once no longer referenced. A node exceeding NodeMaximumSize splits in two before its
// new pointer is installed in the parent, growing the root by one level
// when the split reaches it; a node shrinking below smallSize tries to
// coalesce with its immediate right sibling.
func (self *Tree) commitPath(path *Path) error {
	return self.commitLevel(path, len(path.levels)-1)
}

// splitNodeData compacts nd's bsets into one sorted run and, if it
// still overflows maxSize, cuts it in half by key count. right is nil
// when no split was needed.
func splitNodeData(nd *NodeData, maxSize int) (left, right *NodeData) {
	cp := &NodeData{BTreeID: nd.BTreeID, Level: nd.Level, Bsets: nd.Bsets}
	cp.Compact()
	var keys []fskey.Key
	if len(cp.Bsets) > 0 {
		keys = cp.Bsets[0].Keys
	}
	if cp.Size() <= maxSize || len(keys) < 2 {
		return &NodeData{BTreeID: nd.BTreeID, Level: nd.Level, Bsets: []Bset{{Keys: keys}}}, nil
	}
	mid := len(keys) / 2
	leftKeys := append([]fskey.Key{}, keys[:mid]...)
	rightKeys := append([]fskey.Key{}, keys[mid:]...)
	return &NodeData{BTreeID: nd.BTreeID, Level: nd.Level, Bsets: []Bset{{Keys: leftKeys}}},
		&NodeData{BTreeID: nd.BTreeID, Level: nd.Level, Bsets: []Bset{{Keys: rightKeys}}}
}

// tryMergeRight attempts to fold sibling (named by its routing key in
// the parent) into left, returning the combined node and the sibling's
// old pointer when the merge fits within NodeMaximumSize. Only the
// immediate right sibling is considered; a merge that still leaves
// left undersized does not cascade into looking further right.
func (self *Tree) tryMergeRight(left *NodeData, siblingKey fskey.Key) (*NodeData, Pointer, bool) {
	siblingPtr, err := decodePointer(siblingKey.Value)
	if err != nil {
		return nil, Pointer{}, false
	}
	sibling, err := self.loadNode(siblingPtr)
	if err != nil || sibling.Level != left.Level {
		return nil, Pointer{}, false
	}
	combined := &NodeData{BTreeID: self.BTreeID, Level: left.Level, Bsets: append(append([]Bset{}, left.Bsets...), sibling.Bsets...)}
	combined.Compact()
	if combined.Size() > self.NodeMaximumSize {
		return nil, Pointer{}, false
	}
	return combined, siblingPtr, true
}

// routingKeyFor builds the interior-node entry pointing at a child,
// keyed by the smallest Position that child covers.
func routingKeyFor(nd *NodeData, p Pointer) fskey.Key {
	pos := fskey.PosMin
	if keys := nd.AllKeys(); len(keys) > 0 {
		pos = keys[0].Pos
	}
	return fskey.Key{Pos: pos, Type: fskey.KeyTypeDeleted, Value: encodePointer(p)}
}

// spliceRouting replaces the span keys[slot:slot+span] with entries,
// used both for an ordinary 1-for-1 pointer rewrite (span=1,
// len(entries)=1), a split (span=1, len(entries)=2) and a merge
// (span=2, len(entries)=1).
func spliceRouting(keys []fskey.Key, slot, span int, entries []fskey.Key) []fskey.Key {
	out := make([]fskey.Key, 0, len(keys)+len(entries))
	out = append(out, keys[:slot]...)
	out = append(out, entries...)
	if slot+span < len(keys) {
		out = append(out, keys[slot+span:]...)
	}
	return out
}

// commitLevel saves the (possibly split or merged) node at idx, then
// recurses upward rewriting the parent's child pointer(s), finally
// installing the new root.
func (self *Tree) commitLevel(path *Path, idx int) error {
	lv := &path.levels[idx]
	oldPtr := lv.ptr

	left, right := splitNodeData(lv.data, self.NodeMaximumSize)

	var extraOldPtr *Pointer
	slotSpan := 1
	var parent *pathLevel
	var slot int
	if idx > 0 {
		parent = &path.levels[idx-1]
		slot = parent.index
	}
	if right == nil && parent != nil && left.Size() < self.smallSize() && slot+1 < len(parent.keys) {
		if merged, siblingPtr, ok := self.tryMergeRight(left, parent.keys[slot+1]); ok {
			left = merged
			extraOldPtr = &siblingPtr
			slotSpan = 2
		}
	}

	leftPtr, err := self.saveNode(left)
	if err != nil {
		return err
	}
	var rightPtr *Pointer
	if right != nil {
		rp, err := self.saveNode(right)
		if err != nil {
			return err
		}
		rightPtr = &rp
	}

	self.freeOld(oldPtr)
	self.freeOld(extraOldPtr)

	if idx == 0 {
		return self.commitRoot(left, leftPtr, right, rightPtr)
	}

	entries := []fskey.Key{routingKeyFor(left, leftPtr)}
	if right != nil {
		entries = append(entries, routingKeyFor(right, *rightPtr))
	}
	newKeys := spliceRouting(parent.keys, slot, slotSpan, entries)
	parent.keys = newKeys
	parent.data = &NodeData{BTreeID: self.BTreeID, Level: parent.data.Level, Bsets: []Bset{{Keys: newKeys}}}
	return self.commitLevel(path, idx-1)
}

// commitRoot installs left as the new root, or - when a split reached
// the root - builds a fresh interior root one level taller with two
// routing keys, growing the tree's height by one.
func (self *Tree) commitRoot(left *NodeData, leftPtr Pointer, right *NodeData, rightPtr *Pointer) error {
	if right == nil {
		self.rootLock.Lock()
		self.root = &leftPtr
		self.rootData = left
		self.rootLock.Unlock()
		return nil
	}
	rootData := &NodeData{
		BTreeID: self.BTreeID,
		Level:   left.Level + 1,
		Bsets:   []Bset{{Keys: []fskey.Key{routingKeyFor(left, leftPtr), routingKeyFor(right, *rightPtr)}}},
	}
	newRootPtr, err := self.saveNode(rootData)
	if err != nil {
		return err
	}
	self.rootLock.Lock()
	self.root = &newRootPtr
	self.rootData = rootData
	self.rootLock.Unlock()
	return nil
}
