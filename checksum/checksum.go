// Package checksum implements the four checksum algorithms the
// superblock may declare per field: crc32c, crc64, xxh3,
// and poly1305. Extent and node writes pick one of these per the
// data_checksum_type/metadata_checksum_type options; reads
// validate against it and classify mismatches as ferr.ErrChecksumMismatch.
package checksum

import (
	"crypto/subtle"
	"hash/crc32"
	"hash/crc64"

	"github.com/cespare/xxhash/v2"
	"github.com/mstenber/cowfs/ferr"
	"golang.org/x/crypto/poly1305"
)

// Algorithm names one of the superblock-selectable checksum functions.
type Algorithm uint8

const (
	None Algorithm = iota
	CRC32C
	CRC64
	XXH3
	Poly1305

	numAlgorithms
)

var names = [numAlgorithms]string{
	None:     "none",
	CRC32C:   "crc32c",
	CRC64:    "crc64",
	XXH3:     "xxh3",
	Poly1305: "poly1305",
}

func (self Algorithm) String() string {
	if int(self) < len(names) && names[self] != "" {
		return names[self]
	}
	return "unknown"
}

func ParseAlgorithm(s string) (Algorithm, error) {
	for i, n := range names {
		if n == s {
			return Algorithm(i), nil
		}
	}
	return None, ferr.ErrUnknownRequiredFeature
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)
var crc64Table = crc64.MakeTable(crc64.ISO)

// poly1305Key is used only when the superblock's checksum (not
// encryption) algorithm is poly1305; unlike the AEAD use in the codec
// package this is a plain, fixed, non-secret key because poly1305 here
// is being used purely as a fast keyed checksum, not as an
// authentication tag tied to a secret.
// The key must not be all zero: a zero poly1305 key yields the same
// zero tag for every input.
var poly1305ChecksumKey = func() (k [32]byte) {
	for i := range k {
		k[i] = byte(i + 1)
	}
	return
}()

// Sum computes data's checksum under algo.
func Sum(algo Algorithm, data []byte) (uint64, error) {
	switch algo {
	case None:
		return 0, nil
	case CRC32C:
		return uint64(crc32.Checksum(data, crc32cTable)), nil
	case CRC64:
		return crc64.Checksum(data, crc64Table), nil
	case XXH3:
		return xxhash.Sum64(data), nil
	case Poly1305:
		var tag [16]byte
		poly1305.Sum(&tag, data, &poly1305ChecksumKey)
		// Fold the 128-bit tag down to 64 bits for uniform storage
		// alongside the other algorithms' checksums.
		var v uint64
		for i := 0; i < 8; i++ {
			v = (v << 8) | uint64(tag[i]^tag[i+8])
		}
		return v, nil
	default:
		return 0, ferr.ErrUnknownRequiredFeature
	}
}

// Verify recomputes data's checksum under algo and compares it to want
// in constant time, returning ferr.ErrChecksumMismatch on failure.
func Verify(algo Algorithm, data []byte, want uint64) error {
	got, err := Sum(algo, data)
	if err != nil {
		return err
	}
	a := [8]byte{byte(got >> 56), byte(got >> 48), byte(got >> 40), byte(got >> 32), byte(got >> 24), byte(got >> 16), byte(got >> 8), byte(got)}
	b := [8]byte{byte(want >> 56), byte(want >> 48), byte(want >> 40), byte(want >> 32), byte(want >> 24), byte(want >> 16), byte(want >> 8), byte(want)}
	if subtle.ConstantTimeCompare(a[:], b[:]) != 1 {
		return ferr.ErrChecksumMismatch
	}
	return nil
}
