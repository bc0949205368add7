package extent

import (
	"bytes"
	"testing"

	"github.com/mstenber/cowfs/alloc"
	"github.com/mstenber/cowfs/btree"
	"github.com/mstenber/cowfs/checksum"
	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/journal"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/storage/backend/inmemory"
	"github.com/mstenber/cowfs/txn"
	"github.com/mstenber/cowfs/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPath(t *testing.T) *Path {
	trees := map[fskey.BTreeID]*btree.Tree{}
	for _, id := range fskey.AllBTreeIDs() {
		trees[id] = btree.Tree{BTreeID: id}.Init(btree.NewDummyBackend(), 16)
	}
	dev := inmemory.New(storage.Config{BlockSize: 4096, NumBlocks: 64})
	j := journal.New(dev, 0)
	mgr := &txn.Manager{Trees: trees, Journal: j, Hooks: []txn.PreCommitHook{ReplicasAccountingHook()}}
	alc := alloc.New(mgr)
	alc.SetCapacity(0, 64)
	require.NoError(t, alc.SeedBuckets(0, 1, 63))
	require.NoError(t, alc.InitFreespace())
	return &Path{Alloc: alc, Mgr: mgr, Devices: map[uint32]storage.Device{0: dev}}
}

func TestWriteReadRoundTrip(t *testing.T) {
	p := newTestPath(t)
	buf := bytes.Repeat([]byte("hello world "), 100)
	opts := Options{Checksum: checksum.CRC32C, Replicas: 1, NrRequired: 1, DataType: alloc.DataUser, CandidateDevices: []uint32{0}}
	require.NoError(t, p.Write(42, 0, buf, opts))

	got, err := p.Read(42, 0, uint64(len(buf)), opts)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, got))
}

func TestReadMissingExtentErrors(t *testing.T) {
	p := newTestPath(t)
	opts := Options{Checksum: checksum.CRC32C, Replicas: 1, NrRequired: 1, CandidateDevices: []uint32{0}}
	_, err := p.Read(7, 0, 10, opts)
	assert.Error(t, err)
}

func TestWriteReadRoundTripWithErasureCoding(t *testing.T) {
	p := newTestPath(t)
	buf := bytes.Repeat([]byte("erasure coded data "), 50)
	opts := Options{Checksum: checksum.CRC32C, ErasureDataShards: 3, DataType: alloc.DataUser, CandidateDevices: []uint32{0}}
	require.NoError(t, p.Write(99, 0, buf, opts))

	got, err := p.Read(99, 0, uint64(len(buf)), opts)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, got))
}

func TestReadReconstructsStripeAfterOneShardLoss(t *testing.T) {
	p := newTestPath(t)
	buf := bytes.Repeat([]byte("erasure coded data "), 50)
	opts := Options{Checksum: checksum.CRC32C, ErasureDataShards: 3, DataType: alloc.DataUser, CandidateDevices: []uint32{0}}
	require.NoError(t, p.Write(100, 0, buf, opts))

	tree := p.Mgr.Trees[fskey.BTreeExtents]
	path, err := tree.IterInit(fskey.Position{Inode: 100, Offset: 0})
	require.NoError(t, err)
	k := path.Advance()
	require.NotNil(t, k)
	val, err := unmarshalValue(k.Value)
	require.NoError(t, err)
	require.NotZero(t, val.StripeID)
	require.Len(t, val.Pointers, 4)

	dev := p.Devices[val.Pointers[0].Device]
	garbage := bytes.Repeat([]byte{0xff}, int(dev.BlockSize()))
	require.NoError(t, dev.WriteBlock(val.Pointers[0].Offset, garbage))

	got, err := p.Read(100, 0, uint64(len(buf)), opts)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, got))
}

func TestDegradedReportsBelowRequiredDurability(t *testing.T) {
	val := &Value{NrRequired: 2, Pointers: []Pointer{{Device: 0, Errored: true}, {Device: 1}}}
	assert.True(t, Degraded(val))

	val2 := &Value{NrRequired: 1, Pointers: []Pointer{{Device: 0}}}
	assert.False(t, Degraded(val2))
}

func TestReadPicksNewestSnapshotVisibleAtCursor(t *testing.T) {
	p := newTestPath(t)
	base := Options{Checksum: checksum.CRC32C, Replicas: 1, DataType: alloc.DataUser, CandidateDevices: []uint32{0}}

	v0 := bytes.Repeat([]byte{0x11}, 256)
	v5 := bytes.Repeat([]byte{0x22}, 256)
	opts0, opts5 := base, base
	opts0.Snapshot = 0
	opts5.Snapshot = 5
	require.NoError(t, p.Write(300, 0, v0, opts0))
	require.NoError(t, p.Write(300, 0, v5, opts5))

	got, err := p.Read(300, 0, 256, opts0)
	require.NoError(t, err)
	assert.Equal(t, v0, got)

	// A reader between the two ids falls back to the older version.
	mid := base
	mid.Snapshot = 3
	got, err = p.Read(300, 0, 256, mid)
	require.NoError(t, err)
	assert.Equal(t, v0, got)

	got, err = p.Read(300, 0, 256, opts5)
	require.NoError(t, err)
	assert.Equal(t, v5, got)

	later := base
	later.Snapshot = 9
	got, err = p.Read(300, 0, 256, later)
	require.NoError(t, err)
	assert.Equal(t, v5, got)
}


func TestReplicasAccountingTracksWritesAndOverwrites(t *testing.T) {
	p := newTestPath(t)
	buf := bytes.Repeat([]byte{0x42}, 1024)
	opts := Options{Checksum: checksum.CRC32C, Replicas: 1, NrRequired: 1, DataType: alloc.DataUser, CandidateDevices: []uint32{0}}
	require.NoError(t, p.Write(55, 0, buf, opts))

	usage, err := ReplicasUsage(p.Mgr, 0)
	require.NoError(t, err)
	assert.NotZero(t, usage.Bytes)
	before := usage.Bytes

	// Overwriting the same extent must not double-count: the old
	// pointers are debited in the same commit that credits the new.
	require.NoError(t, p.Write(55, 0, buf, opts))
	usage, err = ReplicasUsage(p.Mgr, 0)
	require.NoError(t, err)
	assert.Equal(t, before, usage.Bytes)
}


func TestReadPromotesCachedCopy(t *testing.T) {
	p := newTestPath(t)
	buf := bytes.Repeat([]byte{0x7e}, 700)
	opts := Options{Checksum: checksum.CRC32C, Replicas: 1, NrRequired: 1, DataType: alloc.DataUser, CandidateDevices: []uint32{0}}
	require.NoError(t, p.Write(400, 0, buf, opts))

	readOpts := opts
	readOpts.PromoteDevices = []uint32{0}
	got, err := p.Read(400, 0, uint64(len(buf)), readOpts)
	require.NoError(t, err)
	require.Equal(t, buf, got)

	tree := p.Mgr.Trees[fskey.BTreeExtents]
	path, err := tree.IterInit(fskey.Position{Inode: 400})
	require.NoError(t, err)
	k := path.IterPeek()
	require.NotNil(t, k)
	val, err := unmarshalValue(k.Value)
	require.NoError(t, err)
	require.Len(t, val.Pointers, 2)
	assert.True(t, val.Pointers[1].Cached)

	// The cached copy's bucket must be StateCached with an LRU entry.
	cached := val.Pointers[1]
	allocPath, err := p.Mgr.Trees[fskey.BTreeAlloc].IterInit(fskey.Position{Inode: uint64(cached.Device), Offset: cached.Offset})
	require.NoError(t, err)
	ak := allocPath.IterPeek()
	require.NotNil(t, ak)
	var bk alloc.Bucket
	require.NoError(t, wire.Unmarshal(ak.Value, &bk))
	assert.Equal(t, alloc.StateCached, bk.State)

	lruPath, err := p.Mgr.Trees[fskey.BTreeLRU].IterInit(fskey.Position{Inode: uint64(cached.Device), Offset: bk.ReadTime})
	require.NoError(t, err)
	lk := lruPath.IterPeek()
	require.NotNil(t, lk)
	assert.Equal(t, bk.ReadTime, lk.Pos.Offset)

	// A second read must not stack another cached copy.
	_, err = p.Read(400, 0, uint64(len(buf)), readOpts)
	require.NoError(t, err)
	path, err = tree.IterInit(fskey.Position{Inode: 400})
	require.NoError(t, err)
	k = path.IterPeek()
	require.NotNil(t, k)
	val, err = unmarshalValue(k.Value)
	require.NoError(t, err)
	assert.Len(t, val.Pointers, 2)
}

func TestWriteGenerationsAreUnique(t *testing.T) {
	p := newTestPath(t)
	buf := bytes.Repeat([]byte{0x01}, 64)
	opts := Options{Checksum: checksum.CRC32C, Replicas: 1, NrRequired: 1, DataType: alloc.DataUser, CandidateDevices: []uint32{0}}
	require.NoError(t, p.Write(500, 0, buf, opts))
	require.NoError(t, p.Write(500, 0, buf, opts))

	tree := p.Mgr.Trees[fskey.BTreeExtents]
	path, err := tree.IterInit(fskey.Position{Inode: 500})
	require.NoError(t, err)
	k := path.IterPeek()
	require.NotNil(t, k)
	val, err := unmarshalValue(k.Value)
	require.NoError(t, err)
	// The overwrite carries a newer generation than the first write,
	// so its encryption nonce can never collide with the original.
	assert.Greater(t, val.Pointers[0].Generation, uint64(1))
}
