package fskey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionOrdering(t *testing.T) {
	assert.True(t, PosMin.Less(PosMax))
	assert.True(t, Position{Inode: 1}.Less(Position{Inode: 2}))
	assert.True(t, Position{Inode: 1, Offset: 5}.Less(Position{Inode: 1, Offset: 6}))
	assert.True(t, Position{Inode: 1, Offset: 5, Snapshot: 1}.Less(Position{Inode: 1, Offset: 5, Snapshot: 2}))
	assert.True(t, PosMin.Equal(Position{}))
}

func TestKeyRoundTrip(t *testing.T) {
	keys := []Key{
		{Pos: Position{Inode: 1, Offset: 0}, Size: 4096, Type: KeyTypeExtent, Value: []byte("abc")},
		{Pos: Position{Inode: 1, Offset: 4096}, Size: 4096, Type: KeyTypeExtent, Value: []byte("defgh")},
		{Pos: Position{Inode: 5, Offset: 0, Snapshot: 3}, Size: 0, Type: KeyTypeInode, Value: nil},
	}
	format := ComputeFormat(keys)
	for _, k := range keys {
		enc := EncodeKey(k, format)
		dec, n, err := DecodeKey(enc, format)
		require.NoError(t, err)
		assert.Equal(t, len(enc), n)
		assert.Equal(t, k.Pos, dec.Pos)
		assert.Equal(t, k.Size, dec.Size)
		assert.Equal(t, k.Type, dec.Type)
		assert.Equal(t, k.Value, dec.Value)
	}
}

func TestKeyStreamConcatenation(t *testing.T) {
	keys := []Key{
		{Pos: Position{Inode: 1, Offset: 0}, Size: 10, Type: KeyTypeExtent, Value: []byte("x")},
		{Pos: Position{Inode: 1, Offset: 10}, Size: 20, Type: KeyTypeExtent, Value: []byte("yy")},
	}
	format := ComputeFormat(keys)
	var stream []byte
	for _, k := range keys {
		stream = append(stream, EncodeKey(k, format)...)
	}
	var got []Key
	for len(stream) > 0 {
		k, n, err := DecodeKey(stream, format)
		require.NoError(t, err)
		got = append(got, k)
		stream = stream[n:]
	}
	require.Len(t, got, 2)
	assert.True(t, got[0].Less(got[1]))
}

func TestFormatComputedFromEmptyKeySet(t *testing.T) {
	format := ComputeFormat(nil)
	assert.Equal(t, Format{}, format)
}

func TestKeyOrderingBytesPreserveOrder(t *testing.T) {
	a := Key{Pos: Position{Inode: 1, Offset: 1}, Type: KeyTypeExtent}
	b := Key{Pos: Position{Inode: 1, Offset: 2}, Type: KeyTypeExtent}
	assert.True(t, string(a.EncodeOrderingBytes()) < string(b.EncodeOrderingBytes()))
}
