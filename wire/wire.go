// Package wire is the on-disk/on-wire record encoder shared by every
// package that needs to persist a Go struct: superblock sections,
// journal entry payloads, B-tree node bsets, and the codec package's
// compressed/encrypted envelopes.
//
// Every record is a plain Go struct encoded through a shared
// *codec.CborHandle, so adding a field to a record is a one-line
// change with forward-compatible decoding.
package wire

import "github.com/ugorji/go/codec"

var handle = &codec.CborHandle{}

func init() {
	handle.Canonical = true
}

// Marshal encodes v (typically a pointer to a struct) into CBOR bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf []byte
	enc := codec.NewEncoderBytes(&buf, handle)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

// Unmarshal decodes CBOR bytes produced by Marshal into v (a pointer).
func Unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, handle)
	return dec.Decode(v)
}
