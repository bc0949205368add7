// Package alloc implements the multi-device allocator:
// per-bucket state, the freespace/need_discard/lru secondary indices
// over the alloc btree, allocation with LRU-driven invalidation,
// background discard and copygc workers, and space reservations.
//
// Bucket state lives in the alloc btree; the freespace, need_discard
// and lru btrees are secondary indices over it, kept in step inside
// the same transaction that moves a bucket between states.
package alloc

import (
	"fmt"
	"sync"

	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/mlog"
	"github.com/mstenber/cowfs/txn"
	"github.com/mstenber/cowfs/wire"
)

// BucketState is the per-bucket lifecycle state.
type BucketState uint8

const (
	StateFree BucketState = iota
	StateDirty
	StateCached
	StateMetadata
	StateNeedDiscard
)

// DataType names what kind of data a bucket is permitted to hold,
// mirroring superblock.DataAllowed at the per-bucket granularity.
type DataType uint8

const (
	DataNone DataType = iota
	DataJournal
	DataBtree
	DataUser
	DataCached
	DataParity
)

// Bucket is the per-bucket allocator record.
type Bucket struct {
	Gen           uint64
	DataType      DataType
	State         BucketState
	DirtySectors  uint32
	CachedSectors uint32
	ReadTime      uint64 // LRU ordering key
	WriteTime     uint64
	Stripe        uint32 // erasure-stripe back-reference, 0 if none
	NeedDiscard   bool
	NeedIncGen    bool
}

func (self *Bucket) marshal() []byte   { b, _ := wire.Marshal(self); return b }
func unmarshalBucket(b []byte) (*Bucket, error) {
	var bk Bucket
	if err := wire.Unmarshal(b, &bk); err != nil {
		return nil, err
	}
	return &bk, nil
}

// bucketPos encodes (device, bucket) as the Position every alloc-family
// key uses: Inode carries the device index, Offset the bucket number.
// LRU keys instead use ReadTime as the Offset so the btree's natural
// ordering is the invalidation order.
func bucketPos(device uint32, bucket uint64) fskey.Position {
	return fskey.Position{Inode: uint64(device), Offset: bucket}
}

func lruPos(device uint32, readTime uint64) fskey.Position {
	return fskey.Position{Inode: uint64(device), Offset: readTime}
}

// Allocator manages one filesystem's alloc/freespace/need_discard/lru
// btrees across all member devices.
type Allocator struct {
	Mgr *txn.Manager

	mu         sync.Mutex
	deviceCap  map[uint32]int64 // remaining unreserved capacity, sectors
	openBucket map[uint32]map[uint64]bool // buckets currently held open by a writer
	readClock  uint64 // monotonic LRU ordering source for cached buckets
	discardOK  map[uint32]bool // devices whose buckets pass through need_discard
}

func New(mgr *txn.Manager) *Allocator {
	return &Allocator{
		Mgr:        mgr,
		deviceCap:  map[uint32]int64{},
		openBucket: map[uint32]map[uint64]bool{},
		discardOK:  map[uint32]bool{},
	}
}

// SetDiscard records whether dev supports discard, set from the member
// table at format/mount time. Without it an invalidated bucket goes
// straight back to freespace instead of queueing for TRIM.
func (self *Allocator) SetDiscard(dev uint32, enabled bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.discardOK[dev] = enabled
}

func (self *Allocator) discardSupported(dev uint32) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.discardOK[dev]
}

// WritePoint selects the write-point slot for one stream, keeping
// independent writers from interleaving into the same bucket. The
// selector is a simple hash of the stream tag.
func WritePoint(streamTag string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(streamTag); i++ {
		h ^= uint64(streamTag[i])
		h *= 1099511628211
	}
	return h
}

// Allocate selects a bucket on one of candidateDevices for dataType,
// opening it. If no
// free bucket is available on any candidate, it invalidates the
// LRU-oldest cached bucket on the first candidate device and retries
// once.
func (self *Allocator) Allocate(candidateDevices []uint32, dataType DataType) (device uint32, bucket uint64, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		for _, dev := range candidateDevices {
			b, ok, err := self.popFreespace(dev)
			if err != nil {
				return 0, 0, err
			}
			if ok {
				if err := self.openBucketFor(dev, b, dataType); err != nil {
					return 0, 0, err
				}
				return dev, b, nil
			}
		}
		if attempt == 0 && len(candidateDevices) > 0 {
			if err := self.invalidateOldest(candidateDevices[0]); err != nil {
				mlog.Printf2("alloc/alloc", "invalidate-oldest failed: %v", err)
				break
			}
			continue
		}
		break
	}
	return 0, 0, ferr.ErrNoSpace
}

// popFreespace removes and returns the first free bucket key for dev
// from the freespace btree.
func (self *Allocator) popFreespace(dev uint32) (uint64, bool, error) {
	tree := self.Mgr.Trees[fskey.BTreeFreespace]
	path, err := tree.IterInit(bucketPos(dev, 0))
	if err != nil {
		return 0, false, err
	}
	k := path.IterPeek()
	if k == nil || k.Pos.Inode != uint64(dev) {
		return 0, false, nil
	}
	bucket := k.Pos.Offset
	return bucket, true, self.Mgr.Run(func(t *txn.Txn) error {
		return t.Delete(fskey.BTreeFreespace, *k)
	})
}

// openBucketFor transitions bucket to the state its dataType implies
// and records it under the "is open" predicate. A cached bucket also
// gets its LRU entry here, in the same transaction, so a cached bucket
// and its LRU key can never exist without each other.
func (self *Allocator) openBucketFor(dev uint32, bucket uint64, dataType DataType) error {
	self.mu.Lock()
	if self.openBucket[dev] == nil {
		self.openBucket[dev] = map[uint64]bool{}
	}
	self.openBucket[dev][bucket] = true
	readTime := self.readClock
	self.readClock++
	self.mu.Unlock()

	state := StateDirty
	switch dataType {
	case DataBtree, DataJournal:
		state = StateMetadata
	case DataCached:
		state = StateCached
	}
	// Re-opening a previously used bucket keeps its generation, so
	// stale extent pointers from its prior life stay detectable.
	bk := Bucket{State: state, DataType: dataType}
	if tree := self.Mgr.Trees[fskey.BTreeAlloc]; tree != nil {
		if path, err := tree.IterInit(bucketPos(dev, bucket)); err == nil {
			if k := path.IterPeek(); k != nil && k.Pos.Equal(bucketPos(dev, bucket)) {
				if prev, err := unmarshalBucket(k.Value); err == nil {
					bk.Gen = prev.Gen
				}
			}
		}
	}
	if state == StateCached {
		bk.ReadTime = readTime
	}
	key := fskey.Key{Pos: bucketPos(dev, bucket), Type: fskey.KeyTypeAllocBucket, Value: bk.marshal()}
	return self.Mgr.Run(func(t *txn.Txn) error {
		if err := t.Set(fskey.BTreeAlloc, key); err != nil {
			return err
		}
		if state != StateCached {
			return nil
		}
		lruKey := fskey.Key{Pos: lruPos(dev, readTime), Type: fskey.KeyTypeLRU, Value: encodeUint64(bucket)}
		return t.Set(fskey.BTreeLRU, lruKey)
	})
}

// CloseBucket marks bucket no longer "open" once its writer is done,
// so a later Invalidate pass may reclaim it.
func (self *Allocator) CloseBucket(dev uint32, bucket uint64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	delete(self.openBucket[dev], bucket)
}

func (self *Allocator) isOpen(dev uint32, bucket uint64) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.openBucket[dev][bucket]
}

// invalidateOldest pops the LRU-head cached bucket on dev, bumps its
// generation, and marks it need_discard if the device supports
// discard.
func (self *Allocator) invalidateOldest(dev uint32) error {
	tree := self.Mgr.Trees[fskey.BTreeLRU]
	path, err := tree.IterInit(lruPos(dev, 0))
	if err != nil {
		return err
	}
	for {
		k := path.IterPeek()
		if k == nil || k.Pos.Inode != uint64(dev) {
			return ferr.ErrNoSpace
		}
		bucket := k.Pos.Offset // stand-in: real impl stores bucket# in Value
		if len(k.Value) >= 8 {
			bucket = decodeUint64(k.Value)
		}
		if self.isOpen(dev, bucket) {
			path.Advance()
			continue
		}
		return self.Invalidate(dev, bucket)
	}
}

// Invalidate pops bucket from the lru/alloc state, bumps its
// generation, and zeroes its sector counts. On a discard-capable
// device the bucket queues in need_discard for the discard worker;
// otherwise it returns straight to freespace, immediately allocatable.
func (self *Allocator) Invalidate(dev uint32, bucket uint64) error {
	return self.Mgr.Run(func(t *txn.Txn) error {
		tree := self.Mgr.Trees[fskey.BTreeAlloc]
		path, err := tree.IterInit(bucketPos(dev, bucket))
		if err != nil {
			return err
		}
		k := path.IterPeek()
		if k == nil {
			return fmt.Errorf("invalidate: bucket %d/%d not found", dev, bucket)
		}
		bk, err := unmarshalBucket(k.Value)
		if err != nil {
			return err
		}
		wasCached := bk.State == StateCached
		oldReadTime := bk.ReadTime
		bk.Gen++
		bk.CachedSectors = 0
		bk.DirtySectors = 0
		if self.discardSupported(dev) {
			bk.State = StateNeedDiscard
			bk.NeedDiscard = true
		} else {
			bk.State = StateFree
			bk.NeedDiscard = false
		}
		newKey := fskey.Key{Pos: k.Pos, Type: fskey.KeyTypeAllocBucket, Value: bk.marshal()}
		if err := t.Set(fskey.BTreeAlloc, newKey); err != nil {
			return err
		}
		if wasCached {
			lruKey := fskey.Key{Pos: lruPos(dev, oldReadTime), Type: fskey.KeyTypeLRU, Value: encodeUint64(bucket)}
			if err := t.Delete(fskey.BTreeLRU, lruKey); err != nil {
				return err
			}
		}
		if bk.State == StateNeedDiscard {
			ndKey := fskey.Key{Pos: bucketPos(dev, bucket), Type: fskey.KeyTypeNeedDiscard}
			return t.Set(fskey.BTreeNeedDiscard, ndKey)
		}
		fsKey := fskey.Key{Pos: bucketPos(dev, bucket), Type: fskey.KeyTypeFreespace}
		return t.Set(fskey.BTreeFreespace, fsKey)
	})
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v = (v << 8) | uint64(b[i])
	}
	return v
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// DiscardFunc issues a device TRIM for one bucket; the storage.Device
// interface has no discard primitive, so callers of DiscardWorker supply one per device.
type DiscardFunc func(device uint32, bucket uint64) error

// DiscardWorker drains the need_discard btree once, issuing discard
// for each buckets whose journaled invalidation is durable (the caller
// is expected to have already confirmed that via the journal before
// calling, since this package has no direct journal dependency), then
// transitions them to free.
func (self *Allocator) DiscardWorker(discard DiscardFunc) error {
	tree := self.Mgr.Trees[fskey.BTreeNeedDiscard]
	path, err := tree.IterInit(fskey.PosMin)
	if err != nil {
		return err
	}
	for {
		k := path.Advance()
		if k == nil {
			return nil
		}
		dev := uint32(k.Pos.Inode)
		bucket := k.Pos.Offset
		if err := discard(dev, bucket); err != nil {
			return err
		}
		if err := self.free(dev, bucket); err != nil {
			return err
		}
	}
}

// free transitions bucket to StateFree and republishes it in the
// freespace index.
func (self *Allocator) free(dev uint32, bucket uint64) error {
	return self.Mgr.Run(func(t *txn.Txn) error {
		allocTree := self.Mgr.Trees[fskey.BTreeAlloc]
		path, err := allocTree.IterInit(bucketPos(dev, bucket))
		if err != nil {
			return err
		}
		k := path.IterPeek()
		if k == nil {
			return fmt.Errorf("free: bucket %d/%d not found", dev, bucket)
		}
		bk, err := unmarshalBucket(k.Value)
		if err != nil {
			return err
		}
		bk.State = StateFree
		bk.NeedDiscard = false
		if err := t.Set(fskey.BTreeAlloc, fskey.Key{Pos: k.Pos, Type: fskey.KeyTypeAllocBucket, Value: bk.marshal()}); err != nil {
			return err
		}
		if err := t.Delete(fskey.BTreeNeedDiscard, fskey.Key{Pos: bucketPos(dev, bucket), Type: fskey.KeyTypeNeedDiscard}); err != nil {
			return err
		}
		return t.Set(fskey.BTreeFreespace, fskey.Key{Pos: bucketPos(dev, bucket), Type: fskey.KeyTypeFreespace})
	})
}

// Reservation is a refundable claim on device capacity.
type Reservation struct {
	alloc    *Allocator
	device   uint32
	sectors  int64
	refunded bool
}

// DiskReservationGet decrements dev's capacity counter by
// sectors*replicas. Capacity is tracked per-device, so the extent path
// calls this once per replica with replicas=1; a larger replicas value
// serves callers that account in aggregate.
func (self *Allocator) DiskReservationGet(dev uint32, sectors int64, replicas int) (*Reservation, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	need := sectors * int64(replicas)
	if self.deviceCap[dev] < need {
		return nil, ferr.ErrNoSpace
	}
	self.deviceCap[dev] -= need
	return &Reservation{alloc: self, device: dev, sectors: need}, nil
}

// Cancel refunds the reservation.
func (self *Reservation) Cancel() {
	if self.refunded {
		return
	}
	self.refunded = true
	self.alloc.mu.Lock()
	self.alloc.deviceCap[self.device] += self.sectors
	self.alloc.mu.Unlock()
}

// SetCapacity installs dev's capacity counter, called once per device
// at mount/format time (feeds RecalculateCapacity). Every caller counts
// it in buckets, so reservations against it are taken in buckets too.
func (self *Allocator) SetCapacity(dev uint32, sectors int64) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.deviceCap[dev] = sectors
}

// RecalculateCapacity sums remaining unreserved capacity across every
// device, feeding `fs usage`.
func (self *Allocator) RecalculateCapacity() int64 {
	self.mu.Lock()
	defer self.mu.Unlock()
	var total int64
	for _, v := range self.deviceCap {
		total += v
	}
	return total
}

// SeedBuckets creates a fresh StateFree Bucket record for every bucket
// in [start, start+count) of dev. Format calls this once per device
// before InitFreespace, which otherwise has nothing to scan on a
// brand-new filesystem: InitFreespace only ever republishes buckets the
// alloc btree already describes, and Format's alloc btree starts out
// empty. Mount never calls this - a mounted filesystem's alloc btree
// already carries whatever Format (or a prior mount's writes) left
// behind.
func (self *Allocator) SeedBuckets(dev uint32, start, count uint64) error {
	for i := uint64(0); i < count; i++ {
		bucket := start + i
		bk := Bucket{State: StateFree}
		key := fskey.Key{Pos: bucketPos(dev, bucket), Type: fskey.KeyTypeAllocBucket, Value: bk.marshal()}
		if err := self.Mgr.Run(func(t *txn.Txn) error { return t.Set(fskey.BTreeAlloc, key) }); err != nil {
			return err
		}
	}
	return nil
}

// InitFreespace scans the alloc btree once and populates the
// freespace and need_discard indices.
func (self *Allocator) InitFreespace() error {
	allocTree := self.Mgr.Trees[fskey.BTreeAlloc]
	path, err := allocTree.IterInit(fskey.PosMin)
	if err != nil {
		return err
	}
	for {
		k := path.Advance()
		if k == nil {
			return nil
		}
		bk, err := unmarshalBucket(k.Value)
		if err != nil {
			return err
		}
		if err := self.Mgr.Run(func(t *txn.Txn) error {
			switch bk.State {
			case StateFree:
				return t.Set(fskey.BTreeFreespace, fskey.Key{Pos: k.Pos, Type: fskey.KeyTypeFreespace})
			case StateNeedDiscard:
				return t.Set(fskey.BTreeNeedDiscard, fskey.Key{Pos: k.Pos, Type: fskey.KeyTypeNeedDiscard})
			default:
				return nil
			}
		}); err != nil {
			return err
		}
	}
}

// Copygc rewrites every bucket whose live-data fraction is below
// threshold to a freshly allocated bucket, reclaiming the fragmented
// space. rewrite is supplied by the extent
// package, which knows how to relocate the live extents a bucket
// holds; alloc itself only knows bucket-level fill state.
func (self *Allocator) Copygc(threshold float64, liveFraction func(dev uint32, bucket uint64) float64, rewrite func(dev uint32, bucket uint64) error) error {
	allocTree := self.Mgr.Trees[fskey.BTreeAlloc]
	path, err := allocTree.IterInit(fskey.PosMin)
	if err != nil {
		return err
	}
	for {
		k := path.Advance()
		if k == nil {
			return nil
		}
		bk, err := unmarshalBucket(k.Value)
		if err != nil {
			return err
		}
		if bk.State != StateDirty {
			continue
		}
		dev := uint32(k.Pos.Inode)
		bucket := k.Pos.Offset
		if self.isOpen(dev, bucket) {
			// An open bucket's extent key may not be committed yet, so
			// its live fraction cannot be trusted.
			continue
		}
		if liveFraction(dev, bucket) < threshold {
			mlog.Printf2("alloc/alloc", "copygc rewriting %d/%d", dev, bucket)
			if err := rewrite(dev, bucket); err != nil {
				return err
			}
		}
	}
}
