package identity

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Vault argon2id parameters. Chosen for interactive unlock latency, not
// high-security batch hashing; callers deriving long-lived keys from a
// low-entropy password should tune these upward.
const (
	vaultArgon2Time    = 1
	vaultArgon2Memory  = 64 * 1024 // KiB
	vaultArgon2Threads = 4
	vaultSaltSize      = 16
	vaultKeySize       = chacha20poly1305.KeySize
)

var (
	// ErrVaultTooShort is returned when a vault blob is truncated below
	// its fixed header size.
	ErrVaultTooShort = errors.New("identity: vault blob too short")
	// ErrVaultAuthFailed is returned when the seal fails to open, meaning
	// either the password is wrong or the blob was tampered with.
	ErrVaultAuthFailed = errors.New("identity: vault seal verification failed")
)

// vaultHeader is salt || nonce, prepended to the sealed ciphertext. Neither
// field is secret; both must be unique per save to keep the AEAD safe.
const vaultHeaderSize = vaultSaltSize + chacha20poly1305.NonceSize

// SealVault encrypts seed under a key derived from password via argon2id,
// returning a self-contained blob: salt || nonce || ciphertext. Grounded on
// qzmq.go's Session.Encrypt (nonce-prepended ChaCha20-Poly1305 sealing),
// adapted from a per-message session key to a one-shot password-derived key.
func SealVault(seed *MasterSeed, password []byte) ([]byte, error) {
	salt := make([]byte, vaultSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey(password, salt, vaultArgon2Time, vaultArgon2Memory, vaultArgon2Threads, vaultKeySize)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	plaintext := encodeVaultPlaintext(seed)
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, vaultHeaderSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// OpenVault reverses SealVault, recovering the MasterSeed it sealed.
func OpenVault(blob []byte, password []byte) (*MasterSeed, error) {
	if len(blob) < vaultHeaderSize {
		return nil, ErrVaultTooShort
	}
	salt := blob[:vaultSaltSize]
	nonce := blob[vaultSaltSize:vaultHeaderSize]
	ciphertext := blob[vaultHeaderSize:]

	key := argon2.IDKey(password, salt, vaultArgon2Time, vaultArgon2Memory, vaultArgon2Threads, vaultKeySize)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrVaultAuthFailed
	}
	return decodeVaultPlaintext(plaintext)
}

// encodeVaultPlaintext writes seed_len[u32] || seed, leaving room to grow
// the envelope with derived public material without breaking OpenVault on
// older blobs (none exist yet, but the length prefix makes that free).
func encodeVaultPlaintext(seed *MasterSeed) []byte {
	b := seed.Bytes()
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out[:4], uint32(len(b)))
	copy(out[4:], b)
	return out
}

func decodeVaultPlaintext(b []byte) (*MasterSeed, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("identity: vault plaintext truncated")
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint32(len(b)-4) != n {
		return nil, fmt.Errorf("identity: vault plaintext length mismatch")
	}
	return MasterSeedFromBytes(b[4 : 4+n])
}
