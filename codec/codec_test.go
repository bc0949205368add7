package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressingCodecRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("hello world "), 200)
	for _, algo := range []CompressionType{CompressionNone, CompressionLZ4, CompressionGzip, CompressionZstd} {
		t.Run(string(rune('0'+algo)), func(t *testing.T) {
			c := &CompressingCodec{Algorithm: algo}
			enc, err := c.EncodeBytes(data, nil)
			require.NoError(t, err)
			dec, err := c.DecodeBytes(enc, nil)
			require.NoError(t, err)
			assert.Equal(t, data, dec)
		})
	}
}

func TestCompressingCodecFallsBackWhenIncompressible(t *testing.T) {
	data := []byte{1, 2, 3} // too short to shrink
	c := &CompressingCodec{Algorithm: CompressionZstd}
	enc, err := c.EncodeBytes(data, nil)
	require.NoError(t, err)
	dec, err := c.DecodeBytes(enc, nil)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestEncryptingCodecRoundTrip(t *testing.T) {
	c := EncryptingCodec{}.Init([]byte("hunter2"), []byte("salt"), 100)
	data := []byte("secret extent contents")
	additional := []byte("extent-key")
	enc, err := c.EncodeBytes(data, additional)
	require.NoError(t, err)
	dec, err := c.DecodeBytes(enc, additional)
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}

func TestEncryptingCodecRejectsWrongAdditionalData(t *testing.T) {
	c := EncryptingCodec{}.Init([]byte("hunter2"), []byte("salt"), 100)
	enc, err := c.EncodeBytes([]byte("data"), []byte("key-a"))
	require.NoError(t, err)
	_, err = c.DecodeBytes(enc, []byte("key-b"))
	assert.Error(t, err)
}

func TestCodecChainComposesInReverseOnEncode(t *testing.T) {
	encrypt := EncryptingCodec{}.Init([]byte("pw"), []byte("salt"), 10)
	compress := &CompressingCodec{Algorithm: CompressionLZ4}
	chain := CodecChain{}.Init(encrypt, compress)

	data := bytes.Repeat([]byte("payload"), 50)
	enc, err := chain.EncodeBytes(data, []byte("k"))
	require.NoError(t, err)
	dec, err := chain.DecodeBytes(enc, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, data, dec)
}
