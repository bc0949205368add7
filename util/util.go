// Package util collects small generic helpers: locking conveniences,
// atomic counters, a parallelism limiter, and big-endian byte helpers
// that preserve numeric order under byte-wise comparison.
package util

import "encoding/binary"

// ConcatBytes concatenates byte slices without an intermediate
// bytes.Buffer.
func ConcatBytes(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

// Uint64Bytes renders v as 8 big-endian bytes, preserving numeric
// ordering under byte-wise lexicographic comparison.
func Uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Uint32Bytes renders v as 4 big-endian bytes.
func Uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// Uint16Bytes renders v as 2 big-endian bytes.
func Uint16Bytes(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
