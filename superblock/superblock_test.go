package superblock

import (
	"testing"

	"github.com/google/uuid"
	"github.com/mstenber/cowfs/storage/backend/inmemory"
	"github.com/mstenber/cowfs/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T) storage.Device {
	return inmemory.New(storage.Config{BlockSize: 4096, NumBlocks: 2048})
}

func TestWriteReadRoundTrip(t *testing.T) {
	dev := newTestDevice(t)
	h := &Handle{Device: dev, Super: New(4096)}
	slot, err := h.AddMember(Member{UUID: uuid.New(), NBuckets: 100, BucketSize: 1 << 20, Durability: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
	require.NoError(t, h.WriteSuper())

	reopened, err := Open(dev)
	require.NoError(t, err)
	assert.Equal(t, h.Super.ExternalUUID, reopened.Super.ExternalUUID)
	assert.Len(t, reopened.Super.Members, 1)
}

func TestBadPrimaryFallsBackToBackup(t *testing.T) {
	dev := newTestDevice(t)
	h := &Handle{Device: dev, Super: New(4096)}
	require.NoError(t, h.WriteSuper())

	// Corrupt the primary copy only.
	require.NoError(t, dev.WriteBlock(primaryBlock(dev), make([]byte, dev.BlockSize())))

	reopened, err := Open(dev)
	require.NoError(t, err)
	assert.Equal(t, h.Super.ExternalUUID, reopened.Super.ExternalUUID)
}

func TestBothCopiesBadIsUnreadable(t *testing.T) {
	dev := newTestDevice(t)
	h := &Handle{Device: dev, Super: New(4096)}
	require.NoError(t, h.WriteSuper())
	require.NoError(t, dev.WriteBlock(primaryBlock(dev), make([]byte, dev.BlockSize())))
	require.NoError(t, dev.WriteBlock(backupBlock(dev), make([]byte, dev.BlockSize())))

	_, err := Open(dev)
	assert.Error(t, err)
}

func TestGroupHierarchyImpliesParents(t *testing.T) {
	h := &Handle{Device: newTestDevice(t), Super: New(4096)}
	h.DiskPathFindOrCreate("a.b.c")
	assert.Contains(t, h.Super.Groups, "a")
	assert.Contains(t, h.Super.Groups, "a.b")
	assert.Contains(t, h.Super.Groups, "a.b.c")
	assert.Contains(t, h.Super.Groups["a"].Children, "a.b")
}

func TestParseTargetDeviceAndGroup(t *testing.T) {
	h := &Handle{Device: newTestDevice(t), Super: New(4096)}
	id := uuid.New()
	_, err := h.AddMember(Member{UUID: id, Group: "fast.nvme"})
	require.NoError(t, err)

	tgt := h.ParseTarget(id.String())
	assert.Equal(t, TargetDevice, tgt.Kind)

	tgt = h.ParseTarget("fast")
	assert.Equal(t, TargetGroup, tgt.Kind)
	idxs := h.MembersMatchingTarget(tgt)
	assert.Equal(t, []int{0}, idxs)
}

func TestAddMemberDuplicateUUIDRejected(t *testing.T) {
	h := &Handle{Device: newTestDevice(t), Super: New(4096)}
	id := uuid.New()
	_, err := h.AddMember(Member{UUID: id})
	require.NoError(t, err)
	_, err = h.AddMember(Member{UUID: id})
	assert.Error(t, err)
}

func TestRemoveMemberLeavesReusableSlot(t *testing.T) {
	h := &Handle{Device: newTestDevice(t), Super: New(4096)}
	_, err := h.AddMember(Member{UUID: uuid.New()})
	require.NoError(t, err)
	second, err := h.AddMember(Member{UUID: uuid.New()})
	require.NoError(t, err)
	third, err := h.AddMember(Member{UUID: uuid.New()})
	require.NoError(t, err)

	require.NoError(t, h.RemoveMember(second))
	assert.Equal(t, StateSpare, h.Super.Members[second].State)
	// The third member keeps its index.
	assert.Equal(t, 2, third)

	reused, err := h.AddMember(Member{UUID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, second, reused)
}

func TestSetPassphraseUnlockRoundTrip(t *testing.T) {
	sb := New(4096)
	require.NoError(t, sb.SetPassphrase([]byte("correct horse")))
	require.NotNil(t, sb.KeyMat)

	key, err := sb.Unlock([]byte("correct horse"))
	require.NoError(t, err)
	assert.Len(t, key, masterKeySize)

	_, err = sb.Unlock([]byte("wrong passphrase"))
	assert.Error(t, err)
}

func TestChangePassphrasePreservesMasterKey(t *testing.T) {
	sb := New(4096)
	require.NoError(t, sb.SetPassphrase([]byte("first")))
	key1, err := sb.Unlock([]byte("first"))
	require.NoError(t, err)

	require.NoError(t, sb.ChangePassphrase([]byte("first"), []byte("second")))
	key2, err := sb.Unlock([]byte("second"))
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	_, err = sb.Unlock([]byte("first"))
	assert.Error(t, err)
}

func TestSetPassphraseRejectsWhenAlreadySet(t *testing.T) {
	sb := New(4096)
	require.NoError(t, sb.SetPassphrase([]byte("first")))
	assert.Error(t, sb.SetPassphrase([]byte("second")))
}

func TestChangePassphraseWrongOldPassphraseFails(t *testing.T) {
	sb := New(4096)
	require.NoError(t, sb.SetPassphrase([]byte("first")))
	assert.Error(t, sb.ChangePassphrase([]byte("nope"), []byte("second")))
}

func TestRemovePassphraseStoresKeyUnwrapped(t *testing.T) {
	sb := New(4096)
	require.NoError(t, sb.SetPassphrase([]byte("secret")))
	key, err := sb.Unlock([]byte("secret"))
	require.NoError(t, err)

	require.NoError(t, sb.RemovePassphrase([]byte("secret")))
	assert.Equal(t, key, sb.KeyMat.WrappedKey)
	assert.Empty(t, sb.KeyMat.Salt)
}
