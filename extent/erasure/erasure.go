// Package erasure implements erasure-coded stripes: N data shards
// plus one XOR parity shard spread across devices, so any single
// missing shard can be reconstructed. This is the classic software
// RAID5 construction; a multi-parity scheme would need GF(2^8)
// arithmetic this package does not attempt. A stripe's member
// extents are tied together by extent.Value's StripeID
// back-reference.
package erasure

import "fmt"

// Stripe is one erasure-coded group: Data holds N equally-sized
// shards, Parity holds the single XOR parity shard covering all of
// them.
type Stripe struct {
	StripeID uint64
	Data     [][]byte
	Parity   []byte
}

// Encode XOR-combines equally-sized data shards into one parity shard.
func Encode(stripeID uint64, data [][]byte) (*Stripe, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("erasure encode: no data shards given")
	}
	shardLen := len(data[0])
	for i, d := range data {
		if len(d) != shardLen {
			return nil, fmt.Errorf("erasure encode: shard %d is %d bytes, want %d", i, len(d), shardLen)
		}
	}
	parity := make([]byte, shardLen)
	for _, d := range data {
		xorInto(parity, d)
	}
	return &Stripe{StripeID: stripeID, Data: data, Parity: parity}, nil
}

// Reconstruct recovers one missing shard (identified by its index
// into data, or -1 for the parity shard itself) from the surviving
// shards and parity.
func Reconstruct(data [][]byte, parity []byte, missingIndex int) ([]byte, error) {
	if missingIndex < -1 || missingIndex >= len(data) {
		return nil, fmt.Errorf("erasure reconstruct: missing index %d out of range", missingIndex)
	}
	shardLen := len(parity)
	if missingIndex == -1 && len(data) > 0 {
		shardLen = len(data[0])
	}
	out := make([]byte, shardLen)
	if missingIndex != -1 {
		xorInto(out, parity)
	}
	for i, d := range data {
		if i == missingIndex {
			continue
		}
		if len(d) != shardLen {
			return nil, fmt.Errorf("erasure reconstruct: shard %d is %d bytes, want %d", i, len(d), shardLen)
		}
		xorInto(out, d)
	}
	return out, nil
}

func xorInto(dst, src []byte) {
	for i := range dst {
		if i < len(src) {
			dst[i] ^= src[i]
		}
	}
}

// MaxDegradation is how many shards (data or parity) a single-parity
// stripe tolerates losing simultaneously before data becomes
// unrecoverable.
const MaxDegradation = 1
