package checksum

import (
	"testing"

	"github.com/mstenber/cowfs/ferr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumAndVerifyAllAlgorithms(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	for _, algo := range []Algorithm{None, CRC32C, CRC64, XXH3, Poly1305} {
		t.Run(algo.String(), func(t *testing.T) {
			sum, err := Sum(algo, data)
			require.NoError(t, err)
			assert.NoError(t, Verify(algo, data, sum))
		})
	}
}

func TestVerifyDetectsSingleByteMutation(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	for _, algo := range []Algorithm{CRC32C, CRC64, XXH3, Poly1305} {
		t.Run(algo.String(), func(t *testing.T) {
			sum, err := Sum(algo, data)
			require.NoError(t, err)
			mutated := append([]byte(nil), data...)
			mutated[3] ^= 0x1
			assert.ErrorIs(t, Verify(algo, mutated, sum), ferr.ErrChecksumMismatch)
		})
	}
}

func TestParseAlgorithmRoundTrip(t *testing.T) {
	for _, algo := range []Algorithm{None, CRC32C, CRC64, XXH3, Poly1305} {
		parsed, err := ParseAlgorithm(algo.String())
		require.NoError(t, err)
		assert.Equal(t, algo, parsed)
	}
	_, err := ParseAlgorithm("bogus")
	assert.Error(t, err)
}
