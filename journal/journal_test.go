package journal

import (
	"testing"

	"github.com/mstenber/cowfs/fskey"
	"github.com/mstenber/cowfs/storage"
	"github.com/mstenber/cowfs/storage/backend/inmemory"
	"github.com/mstenber/cowfs/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJournal() *Journal {
	dev := inmemory.New(storage.Config{BlockSize: 4096, NumBlocks: 64})
	return New(dev, 0)
}

func TestAppendMonotonic(t *testing.T) {
	j := newTestJournal()
	u := []txn.Update{{BTreeID: fskey.BTreeExtents, NewKey: fskey.Key{Pos: fskey.Position{Inode: 1}}}}
	s1, err := j.Append(u)
	require.NoError(t, err)
	s2, err := j.Append(u)
	require.NoError(t, err)
	assert.Less(t, s1, s2)
}

func TestReplayOrderAndBlacklist(t *testing.T) {
	j := newTestJournal()
	var order []uint64
	for i := uint64(0); i < 3; i++ {
		u := []txn.Update{{BTreeID: fskey.BTreeExtents, NewKey: fskey.Key{Pos: fskey.Position{Inode: i}}}}
		_, err := j.Append(u)
		require.NoError(t, err)
	}
	j.Blacklist(2)

	require.NoError(t, j.Replay(func(rec EntryRecord) error {
		order = append(order, rec.Key.Pos.Inode)
		return nil
	}))
	assert.Equal(t, []uint64{0, 2}, order) // seq=2 (inode 1) blacklisted
}

func TestReservationBackpressureFlushesOldest(t *testing.T) {
	j := newTestJournal()
	j.Threshold = 10
	flushed := false
	j.SetFlushOldest(func() {
		flushed = true
		j.mu.Lock()
		j.reserved = 0
		j.mu.Unlock()
	})
	release, err := j.Reserve(5)
	require.NoError(t, err)
	_, err = j.Reserve(8) // would exceed threshold, triggers flush
	require.NoError(t, err)
	assert.True(t, flushed)
	release()
}

func TestReplayFloorSkipsAppliedSequences(t *testing.T) {
	j := newTestJournal()
	for i := uint64(0); i < 3; i++ {
		u := []txn.Update{{BTreeID: fskey.BTreeExtents, NewKey: fskey.Key{Pos: fskey.Position{Inode: i}}}}
		_, err := j.Append(u)
		require.NoError(t, err)
	}
	j.SetReplayFloor(2)

	var seen []uint64
	require.NoError(t, j.Replay(func(rec EntryRecord) error {
		seen = append(seen, rec.Key.Pos.Inode)
		return nil
	}))
	assert.Equal(t, []uint64{2}, seen) // only seq=3 is above the floor
}
