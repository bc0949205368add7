package erasure

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeReconstructData(t *testing.T) {
	data := [][]byte{
		[]byte("aaaa"),
		[]byte("bbbb"),
		[]byte("cccc"),
	}
	stripe, err := Encode(1, data)
	assert.NoError(t, err)
	assert.Len(t, stripe.Parity, 4)

	for missing := 0; missing < len(data); missing++ {
		survivors := make([][]byte, len(data))
		copy(survivors, data)
		want := survivors[missing]
		survivors[missing] = nil
		got, err := Reconstruct(survivors, stripe.Parity, missing)
		assert.NoError(t, err)
		assert.True(t, bytes.Equal(got, want))
	}
}

func TestReconstructParity(t *testing.T) {
	data := [][]byte{[]byte("1234"), []byte("5678")}
	stripe, err := Encode(2, data)
	assert.NoError(t, err)
	got, err := Reconstruct(data, stripe.Parity, -1)
	assert.NoError(t, err)
	assert.True(t, bytes.Equal(got, stripe.Parity))
}

func TestEncodeRejectsMismatchedShardSizes(t *testing.T) {
	_, err := Encode(1, [][]byte{[]byte("aaaa"), []byte("bb")})
	assert.Error(t, err)
}

func TestEncodeRejectsEmptyInput(t *testing.T) {
	_, err := Encode(1, nil)
	assert.Error(t, err)
}

func TestReconstructRejectsOutOfRangeIndex(t *testing.T) {
	data := [][]byte{[]byte("aaaa")}
	stripe, err := Encode(1, data)
	assert.NoError(t, err)
	_, err = Reconstruct(data, stripe.Parity, 5)
	assert.Error(t, err)
}
