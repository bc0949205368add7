package codec

import (
	"log"

	"github.com/minio/sha256-simd"
	"github.com/mstenber/cowfs/wire"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

// EncryptingCodec is an AEAD encrypting/decrypting Codec: a
// PBKDF2-derived key sealing and opening with ChaCha20-Poly1305.
type EncryptingCodec struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// Init derives a 32-byte key from password+salt via PBKDF2-SHA256
// (iter iterations) and builds the ChaCha20-Poly1305 AEAD around it.
// This is the superblock's encryption key material path.
func (EncryptingCodec) Init(password, salt []byte, iter int) *EncryptingCodec {
	key := pbkdf2.Key(password, salt, iter, chacha20poly1305.KeySize, sha256.New)
	return EncryptingCodec{}.InitWithKey(key)
}

// InitWithKey builds the ChaCha20-Poly1305 AEAD directly around an
// already-unwrapped key (e.g. the filesystem's master key returned by
// superblock.Super.Unlock), skipping a second PBKDF2 derivation -
// Init's own password+salt path already did that once when the key
// material was wrapped.
func (EncryptingCodec) InitWithKey(key []byte) *EncryptingCodec {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		log.Panic(err)
	}
	return &EncryptingCodec{aead: aead}
}

func (self *EncryptingCodec) DecodeBytes(data, additionalData []byte) ([]byte, error) {
	var ed encryptedData
	if err := wire.Unmarshal(data, &ed); err != nil {
		return nil, err
	}
	return self.aead.Open(nil, ed.Nonce, ed.EncryptedData, additionalData)
}

func (self *EncryptingCodec) EncodeBytes(data, additionalData []byte) ([]byte, error) {
	return self.EncodeBytesWithNonce(data, additionalData, randomNonce(self.aead.NonceSize()))
}

// EncodeBytesWithNonce seals with a caller-supplied nonce instead of a
// random one. The extent write path uses PerExtentNonce here; the
// nonce travels in the envelope either way, so DecodeBytes does not
// care which path produced it. The caller is responsible for never
// reusing a nonce under the same key with different plaintext.
func (self *EncryptingCodec) EncodeBytesWithNonce(data, additionalData, nonce []byte) ([]byte, error) {
	ciphertext := self.aead.Seal(nil, nonce, data, additionalData)
	return wire.Marshal(&encryptedData{Nonce: nonce, EncryptedData: ciphertext})
}

// NonceSize exposes the AEAD's nonce length for callers deriving their
// own nonce.
func (self *EncryptingCodec) NonceSize() int { return self.aead.NonceSize() }

// PerExtentNonce derives a deterministic per-extent nonce from
// (inode, offset, generation); generation must be unique per write so
// the nonce is never reused with different plaintext.
func PerExtentNonce(inode, offset, generation uint64, size int) []byte {
	nonce := make([]byte, size)
	// generation comes first so it is always present in full, even in a
	// 12-byte nonce; inode and offset are folded into the bytes after it.
	for i := 0; i < size && i < 8; i++ {
		nonce[i] = byte(generation >> (8 * uint(i)))
	}
	if rest := nonce[min(size, 8):]; len(rest) > 0 {
		for i := 0; i < 8; i++ {
			rest[i%len(rest)] ^= byte(inode >> (8 * uint(i)))
			rest[(8+i)%len(rest)] ^= byte(offset >> (8 * uint(i)))
		}
	}
	return nonce
}
