// Package codec implements the data-transformation stages of the
// extent write/read pipeline: compression
// and encryption. A Codec turns plaintext bytes plus additionalData
// (typically the extent or node's key, binding the transform to its
// position) into wire bytes and back; a CodecChain composes several
// Codecs, encoding in reverse of its decode order.
package codec

import (
	"crypto/rand"
	"fmt"
	"log"

	"github.com/mstenber/cowfs/ferr"
	"github.com/mstenber/cowfs/wire"
	"github.com/pierrec/lz4"
)

// Codec performs one reversible byte transformation.
type Codec interface {
	DecodeBytes(data, additionalData []byte) ([]byte, error)
	EncodeBytes(data, additionalData []byte) ([]byte, error)
}

// CodecChain runs several Codecs in sequence. codecs are given in
// decode order (outermost transform first), so an encrypting codec
// should be listed before a compressing one if data is compressed then
// encrypted; EncodeBytes runs them in the reverse order.
type CodecChain struct {
	codecs, reverseCodecs []Codec
}

func (CodecChain) Init(codecs ...Codec) *CodecChain {
	rc := make([]Codec, len(codecs))
	for i, c := range codecs {
		rc[len(codecs)-i-1] = c
	}
	return &CodecChain{codecs: codecs, reverseCodecs: rc}
}

func (self *CodecChain) DecodeBytes(data, additionalData []byte) ([]byte, error) {
	var err error
	for _, c := range self.codecs {
		data, err = c.DecodeBytes(data, additionalData)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func (self *CodecChain) EncodeBytes(data, additionalData []byte) ([]byte, error) {
	var err error
	for _, c := range self.reverseCodecs {
		data, err = c.EncodeBytes(data, additionalData)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// CompressionType tags which algorithm (if any) produced a
// CompressedData envelope: none, lz4, gzip or zstd.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionLZ4
	CompressionGzip
	CompressionZstd
)

func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "gzip":
		return CompressionGzip, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return CompressionNone, fmt.Errorf("%w: compression=%s", ferr.ErrUnknownRequiredFeature, s)
	}
}

// compressedData is the wire envelope for a compressed block: if
// compression does not shrink the data Type is CompressionNone and RawData
// holds the plaintext, at the cost of one envelope's worth of
// bookkeeping bytes instead of silently storing plaintext bare.
type compressedData struct {
	Type            CompressionType
	UncompressedLen int
	RawData         []byte
}

// CompressingCodec implements the compression stage. Algorithm selects
// which of lz4/gzip/zstd is attempted; DecodeBytes dispatches on the
// envelope's own Type field regardless of Algorithm, so data written
// under one algorithm remains readable after the option changes.
type CompressingCodec struct {
	Algorithm CompressionType
}

func (self *CompressingCodec) EncodeBytes(data, _ []byte) ([]byte, error) {
	cd := compressedData{Type: CompressionNone, RawData: data, UncompressedLen: len(data)}
	switch self.Algorithm {
	case CompressionLZ4:
		buf := make([]byte, len(data))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		if n > 0 && n < len(data) {
			cd = compressedData{Type: CompressionLZ4, RawData: buf[:n], UncompressedLen: len(data)}
		}
	case CompressionGzip:
		buf, err := gzipCompress(data)
		if err == nil && len(buf) < len(data) {
			cd = compressedData{Type: CompressionGzip, RawData: buf, UncompressedLen: len(data)}
		}
	case CompressionZstd:
		buf, err := zstdCompress(data)
		if err == nil && len(buf) < len(data) {
			cd = compressedData{Type: CompressionZstd, RawData: buf, UncompressedLen: len(data)}
		}
	case CompressionNone:
		// fall through with plaintext envelope
	default:
		return nil, ferr.ErrUnknownRequiredFeature
	}
	return wire.Marshal(&cd)
}

func (self *CompressingCodec) DecodeBytes(data, _ []byte) ([]byte, error) {
	var cd compressedData
	if err := wire.Unmarshal(data, &cd); err != nil {
		return nil, err
	}
	switch cd.Type {
	case CompressionNone:
		return cd.RawData, nil
	case CompressionLZ4:
		out := make([]byte, cd.UncompressedLen)
		n, err := lz4.UncompressBlock(cd.RawData, out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	case CompressionGzip:
		return gzipDecompress(cd.RawData, cd.UncompressedLen)
	case CompressionZstd:
		return zstdDecompress(cd.RawData, cd.UncompressedLen)
	default:
		return nil, ferr.ErrUnknownRequiredFeature
	}
}

// encryptedData is the wire envelope produced by EncryptingCodec.
type encryptedData struct {
	Nonce         []byte
	EncryptedData []byte
}

func randomNonce(size int) []byte {
	n := make([]byte, size)
	if _, err := rand.Read(n); err != nil {
		log.Panic(err)
	}
	return n
}
