// Package zcrypto provides the cryptographic primitives shared by every
// ZHTP subsystem: BLAKE3 hashing, HKDF key derivation, ChaCha20-Poly1305
// AEAD, zeroizing secrets, and the post-quantum Dilithium/Kyber wrappers.
// Grounded on the teacher's qzmq (hybrid classical/PQ session crypto) and
// ringtail (key lifecycle) packages, generalized from their
// ZeroMQ-specific and threshold-signature-specific use cases into the
// primitives spec.md names directly.
package zcrypto

import (
	"crypto/rand"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

// FillRandom fills b with CSPRNG output, the primitive every nonce and
// challenge generator in ZHTP is built on.
func FillRandom(b []byte) error {
	_, err := io.ReadFull(rand.Reader, b)
	return err
}

// HashSize is the BLAKE3 digest size used throughout ZHTP.
const HashSize = 32

// Hash is a 32-byte BLAKE3 digest.
type Hash [HashSize]byte

// IsZero reports whether h is the all-zero hash (used by transaction
// structural validation per spec.md §4.7).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the digest.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// BLAKE3 hashes the concatenation of parts with a single BLAKE3 instance,
// the canonical hashing idiom used throughout the spec (DID derivation,
// NodeId binding, content addressing, MAC-key derivation).
func BLAKE3(parts ...[]byte) Hash {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p) //nolint:errcheck // hash.Hash.Write never errors
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HKDFExpand derives n bytes from ikm using BLAKE3 as the underlying hash
// and info as the domain-separation label, matching the
// `HKDF(seed, label, n)` notation in spec.md §3/§4.1.
func HKDFExpand(ikm []byte, info string, n int) ([]byte, error) {
	r := hkdf.New(blake3.New, ikm, nil, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
