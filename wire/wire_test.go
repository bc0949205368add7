package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	A int
	B string
	C []byte
}

func TestMarshalRoundTrip(t *testing.T) {
	in := sample{A: 42, B: "hello", C: []byte{1, 2, 3}}
	b, err := Marshal(&in)
	require.NoError(t, err)

	var out sample
	require.NoError(t, Unmarshal(b, &out))
	assert.Equal(t, in, out)
}
