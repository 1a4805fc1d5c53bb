package zcrypto

import (
	"crypto/rand"
	"errors"

	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"github.com/cloudflare/circl/sign/dilithium/mode2"
)

// ErrSignatureInvalid names a bad Dilithium signature, mapped to
// CryptoError/SignatureInvalid (status 901) at the protocol boundary.
// Verify reports its outcome as a bool and does not return this error.
var ErrSignatureInvalid = errors.New("zcrypto: signature invalid")

// DilithiumPublicKey and DilithiumPrivateKey wrap circl's Dilithium2
// (ML-DSA-44-equivalent) key types, kept behind this package so the rest
// of ZHTP never imports circl directly.
type DilithiumPublicKey struct{ pk mode2.PublicKey }
type DilithiumPrivateKey struct{ sk mode2.PrivateKey }

// GenerateDilithiumKey generates a fresh Dilithium2 keypair. Per spec.md
// §9, PQC keypairs are never seed-deterministic — the underlying library
// exposes no deterministic keygen, so this always draws from the CSPRNG.
func GenerateDilithiumKey() (*DilithiumPublicKey, *DilithiumPrivateKey, error) {
	pk, sk, err := mode2.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return &DilithiumPublicKey{pk: *pk}, &DilithiumPrivateKey{sk: *sk}, nil
}

// Sign produces a Dilithium signature over message.
func (sk *DilithiumPrivateKey) Sign(message []byte) []byte {
	sig := make([]byte, mode2.SignatureSize)
	mode2.SignTo(&sk.sk, message, sig)
	return sig
}

// Verify checks a Dilithium signature.
func (pk *DilithiumPublicKey) Verify(message, sig []byte) bool {
	return mode2.Verify(&pk.pk, message, sig)
}

// Bytes marshals the public key.
func (pk *DilithiumPublicKey) Bytes() []byte {
	b, _ := pk.pk.MarshalBinary()
	return b
}

// DilithiumPublicKeyFromBytes unmarshals a public key.
func DilithiumPublicKeyFromBytes(b []byte) (*DilithiumPublicKey, error) {
	var pk mode2.PublicKey
	if err := pk.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &DilithiumPublicKey{pk: pk}, nil
}

// KyberPublicKey and KyberPrivateKey wrap circl's Kyber768 KEM, used for
// the UHP session-key agreement step of §4.3.
type KyberPublicKey struct{ pk kyber768.PublicKey }
type KyberPrivateKey struct{ sk kyber768.PrivateKey }

// GenerateKyberKey generates a fresh Kyber768 KEM keypair.
func GenerateKyberKey() (*KyberPublicKey, *KyberPrivateKey, error) {
	pk, sk, err := kyber768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return &KyberPublicKey{pk: *pk}, &KyberPrivateKey{sk: *sk}, nil
}

// Encapsulate performs Kyber encapsulation against pk, returning the
// ciphertext to send and the shared secret derived locally — the
// responder-side "Kyber-encapsulate" step of §4.3.
func (pk *KyberPublicKey) Encapsulate() (ciphertext, sharedSecret []byte, err error) {
	ct := make([]byte, kyber768.CiphertextSize)
	ss := make([]byte, kyber768.SharedKeySize)
	seed := make([]byte, kyber768.EncapsulationSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, err
	}
	pk.pk.EncapsulateTo(ct, ss, seed)
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a Kyber ciphertext — the
// initiator-side "Kyber-decapsulate" step of §4.3.
func (sk *KyberPrivateKey) Decapsulate(ciphertext []byte) ([]byte, error) {
	ss := make([]byte, kyber768.SharedKeySize)
	sk.sk.DecapsulateTo(ss, ciphertext)
	return ss, nil
}

// Bytes marshals the public key.
func (pk *KyberPublicKey) Bytes() []byte {
	b := make([]byte, kyber768.PublicKeySize)
	pk.pk.Pack(b)
	return b
}

// KyberPublicKeyFromBytes unmarshals a Kyber768 public key.
func KyberPublicKeyFromBytes(b []byte) (*KyberPublicKey, error) {
	var pk kyber768.PublicKey
	pk.Unpack(b)
	return &KyberPublicKey{pk: pk}, nil
}
