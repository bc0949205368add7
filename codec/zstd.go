package codec

import "github.com/klauspost/compress/zstd"

// zstd encoders/decoders are expensive to build, so a single pair is
// shared process-wide; klauspost/compress documents both as safe for
// concurrent use.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

func zstdCompress(data []byte) ([]byte, error) {
	return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func zstdDecompress(data []byte, sizeHint int) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, make([]byte, 0, sizeHint))
}
