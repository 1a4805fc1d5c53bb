package zcrypto

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrAuthFailed is returned when AEAD decryption fails authentication,
// mapped to CryptoError at the subsystem boundary (spec.md §7).
var ErrAuthFailed = errors.New("zcrypto: authentication failed")

// AEAD wraps a ChaCha20-Poly1305 cipher keyed on a 32-byte session key,
// the symmetric primitive spec.md names for UHP sessions and the
// identity vault.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD constructs an AEAD from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &AEAD{aead: a}, nil
}

// Seal encrypts plaintext, prepending a fresh random nonce to the output.
func (a *AEAD) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return a.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open decrypts a ciphertext produced by Seal.
func (a *AEAD) Open(ciphertext, additionalData []byte) ([]byte, error) {
	n := a.aead.NonceSize()
	if len(ciphertext) < n {
		return nil, ErrAuthFailed
	}
	nonce, ct := ciphertext[:n], ciphertext[n:]
	pt, err := a.aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}
