package alloc

import (
	"testing"

	"github.com/mstenber/cowfs/btree"
	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/journal"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/storage/backend/inmemory"
	"github.com/mstenber/cowfs/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *Allocator {
	trees := map[fskey.BTreeID]*btree.Tree{}
	for _, id := range []fskey.BTreeID{fskey.BTreeAlloc, fskey.BTreeFreespace, fskey.BTreeNeedDiscard, fskey.BTreeLRU} {
		trees[id] = btree.Tree{BTreeID: id}.Init(btree.NewDummyBackend(), 16)
	}
	dev := inmemory.New(storage.Config{BlockSize: 4096, NumBlocks: 64})
	j := journal.New(dev, 0)
	mgr := &txn.Manager{Trees: trees, Journal: j}
	a := New(mgr)

	// Seed three free buckets on device 0.
	for b := uint64(0); b < 3; b++ {
		require.NoError(t, mgr.Run(func(tr *txn.Txn) error {
			bk := Bucket{State: StateFree}
			if err := tr.Set(fskey.BTreeAlloc, fskey.Key{Pos: bucketPos(0, b), Type: fskey.KeyTypeAllocBucket, Value: bk.marshal()}); err != nil {
				return err
			}
			return tr.Set(fskey.BTreeFreespace, fskey.Key{Pos: bucketPos(0, b), Type: fskey.KeyTypeFreespace})
		}))
	}
	return a
}

func TestAllocateDrawsFromFreespace(t *testing.T) {
	a := newTestAllocator(t)
	dev, bucket, err := a.Allocate([]uint32{0}, DataUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), dev)
	assert.Less(t, bucket, uint64(3))
}

func TestAllocateExhaustionReturnsNoSpace(t *testing.T) {
	a := newTestAllocator(t)
	for i := 0; i < 3; i++ {
		_, _, err := a.Allocate([]uint32{0}, DataUser)
		require.NoError(t, err)
	}
	_, _, err := a.Allocate([]uint32{0}, DataUser)
	assert.ErrorIs(t, err, ferr.ErrNoSpace)
}

func bucketRecord(t *testing.T, a *Allocator, dev uint32, bucket uint64) Bucket {
	path, err := a.Mgr.Trees[fskey.BTreeAlloc].IterInit(bucketPos(dev, bucket))
	require.NoError(t, err)
	k := path.IterPeek()
	require.NotNil(t, k)
	require.True(t, k.Pos.Equal(bucketPos(dev, bucket)))
	bk, err := unmarshalBucket(k.Value)
	require.NoError(t, err)
	return *bk
}

func TestCachedAllocationWritesLRUEntry(t *testing.T) {
	a := newTestAllocator(t)
	dev, bucket, err := a.Allocate([]uint32{0}, DataCached)
	require.NoError(t, err)

	bk := bucketRecord(t, a, dev, bucket)
	assert.Equal(t, StateCached, bk.State)

	path, err := a.Mgr.Trees[fskey.BTreeLRU].IterInit(lruPos(dev, bk.ReadTime))
	require.NoError(t, err)
	k := path.IterPeek()
	require.NotNil(t, k)
	assert.Equal(t, bucket, decodeUint64(k.Value))
}

// With every bucket holding cached data, a new allocation succeeds by
// invalidating the LRU-oldest cached bucket; the device has discard
// disabled, so the bucket returns straight to freespace.
func TestAllocateInvalidatesOldestCachedWhenFull(t *testing.T) {
	a := newTestAllocator(t)
	var first uint64
	for i := 0; i < 3; i++ {
		dev, bucket, err := a.Allocate([]uint32{0}, DataCached)
		require.NoError(t, err)
		if i == 0 {
			first = bucket
		}
		a.CloseBucket(dev, bucket)
	}

	dev, bucket, err := a.Allocate([]uint32{0}, DataUser)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), dev)
	assert.Equal(t, first, bucket)

	// The reclaimed bucket's generation was bumped, so stale extent
	// pointers into it no longer match.
	bk := bucketRecord(t, a, dev, bucket)
	assert.Equal(t, StateDirty, bk.State)
	assert.Equal(t, uint64(1), bk.Gen)
}

// An open cached bucket must be skipped by invalidation: the next
// oldest closed one goes instead.
func TestInvalidateSkipsOpenBuckets(t *testing.T) {
	a := newTestAllocator(t)
	var buckets []uint64
	for i := 0; i < 3; i++ {
		_, bucket, err := a.Allocate([]uint32{0}, DataCached)
		require.NoError(t, err)
		buckets = append(buckets, bucket)
	}
	// Close only the second-oldest; the oldest stays open.
	a.CloseBucket(0, buckets[1])

	_, got, err := a.Allocate([]uint32{0}, DataUser)
	require.NoError(t, err)
	assert.Equal(t, buckets[1], got)
}

func TestInvalidateWithDiscardQueuesBucket(t *testing.T) {
	a := newTestAllocator(t)
	a.SetDiscard(0, true)
	dev, bucket, err := a.Allocate([]uint32{0}, DataCached)
	require.NoError(t, err)
	readTime := bucketRecord(t, a, dev, bucket).ReadTime
	a.CloseBucket(dev, bucket)

	require.NoError(t, a.Invalidate(dev, bucket))

	bk := bucketRecord(t, a, dev, bucket)
	assert.Equal(t, StateNeedDiscard, bk.State)
	assert.True(t, bk.NeedDiscard)

	// LRU entry gone, need_discard entry present.
	path, err := a.Mgr.Trees[fskey.BTreeLRU].IterInit(lruPos(dev, readTime))
	require.NoError(t, err)
	k := path.IterPeek()
	assert.True(t, k == nil || !k.Pos.Equal(lruPos(dev, readTime)))
	path, err = a.Mgr.Trees[fskey.BTreeNeedDiscard].IterInit(bucketPos(dev, bucket))
	require.NoError(t, err)
	require.NotNil(t, path.IterPeek())
}

func TestDiscardWorkerFreesQueuedBuckets(t *testing.T) {
	a := newTestAllocator(t)
	a.SetDiscard(0, true)
	dev, bucket, err := a.Allocate([]uint32{0}, DataCached)
	require.NoError(t, err)
	a.CloseBucket(dev, bucket)
	require.NoError(t, a.Invalidate(dev, bucket))

	var discarded []uint64
	require.NoError(t, a.DiscardWorker(func(d uint32, b uint64) error {
		discarded = append(discarded, b)
		return nil
	}))
	assert.Equal(t, []uint64{bucket}, discarded)

	bk := bucketRecord(t, a, dev, bucket)
	assert.Equal(t, StateFree, bk.State)
	path, err := a.Mgr.Trees[fskey.BTreeFreespace].IterInit(bucketPos(dev, bucket))
	require.NoError(t, err)
	k := path.IterPeek()
	require.NotNil(t, k)
	assert.True(t, k.Pos.Equal(bucketPos(dev, bucket)))
}

func TestCopygcRewritesColdClosedBucketsOnly(t *testing.T) {
	a := newTestAllocator(t)
	_, open, err := a.Allocate([]uint32{0}, DataUser)
	require.NoError(t, err)
	dev, closed, err := a.Allocate([]uint32{0}, DataUser)
	require.NoError(t, err)
	a.CloseBucket(dev, closed)

	var rewritten []uint64
	require.NoError(t, a.Copygc(0.5,
		func(d uint32, b uint64) float64 { return 0 },
		func(d uint32, b uint64) error {
			rewritten = append(rewritten, b)
			return nil
		}))
	assert.Contains(t, rewritten, closed)
	assert.NotContains(t, rewritten, open)
}
