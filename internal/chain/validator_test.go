package chain

import (
	"testing"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

func witnessKeypair(t *testing.T) (*zcrypto.DilithiumPublicKey, *zcrypto.DilithiumPrivateKey) {
	t.Helper()
	pub, sk, err := zcrypto.GenerateDilithiumKey()
	if err != nil {
		t.Fatalf("GenerateDilithiumKey: %v", err)
	}
	return pub, sk
}

func TestValidatorCertificateVerifyAcceptsQuorateDistinctWitnesses(t *testing.T) {
	hash := zcrypto.BLAKE3([]byte("evidence"))
	w1 := identity.DID("did:zhtp:witness-1")
	w2 := identity.DID("did:zhtp:witness-2")
	pub1, sk1 := witnessKeypair(t)
	pub2, sk2 := witnessKeypair(t)

	cert := &ValidatorCertificate{
		EvidenceHash: hash,
		Threshold:    2,
		Attestations: []WitnessAttestation{
			{WitnessDID: w1, Signature: sk1.Sign(hash.Bytes())},
			{WitnessDID: w2, Signature: sk2.Sign(hash.Bytes())},
		},
	}
	lookup := func(d identity.DID) (*zcrypto.DilithiumPublicKey, bool) {
		switch d {
		case w1:
			return pub1, true
		case w2:
			return pub2, true
		default:
			return nil, false
		}
	}
	if err := cert.Verify(lookup); err != nil {
		t.Fatalf("expected quorate, correctly signed certificate to verify, got %v", err)
	}
}

func TestValidatorCertificateRejectsDuplicateWitness(t *testing.T) {
	hash := zcrypto.BLAKE3([]byte("evidence"))
	w1 := identity.DID("did:zhtp:witness-1")
	pub1, sk1 := witnessKeypair(t)
	sig := sk1.Sign(hash.Bytes())

	// Same witness DID submitted twice cannot satisfy a threshold of 2.
	cert := &ValidatorCertificate{
		EvidenceHash: hash,
		Threshold:    2,
		Attestations: []WitnessAttestation{
			{WitnessDID: w1, Signature: sig},
			{WitnessDID: w1, Signature: sig},
		},
	}
	if cert.Quorate() {
		t.Fatal("expected duplicate-witness certificate to not be quorate")
	}
	lookup := func(d identity.DID) (*zcrypto.DilithiumPublicKey, bool) {
		if d == w1 {
			return pub1, true
		}
		return nil, false
	}
	if err := cert.Verify(lookup); err != ErrCertificateBelowThreshold {
		t.Fatalf("expected ErrCertificateBelowThreshold, got %v", err)
	}
}

func TestValidatorCertificateRejectsInvalidSignature(t *testing.T) {
	hash := zcrypto.BLAKE3([]byte("evidence"))
	w1 := identity.DID("did:zhtp:witness-1")
	pub1, _ := witnessKeypair(t)

	cert := &ValidatorCertificate{
		EvidenceHash: hash,
		Threshold:    1,
		Attestations: []WitnessAttestation{
			{WitnessDID: w1, Signature: []byte("not-a-real-signature")},
		},
	}
	lookup := func(d identity.DID) (*zcrypto.DilithiumPublicKey, bool) {
		return pub1, d == w1
	}
	if err := cert.Verify(lookup); err == nil {
		t.Fatal("expected forged signature to be rejected")
	}
}

func TestSlashEvidenceRequiresCertificateOnlyForDoubleSign(t *testing.T) {
	double := SlashEvidence{Reason: SlashDoubleSign}
	if !double.RequiresCertificate() {
		t.Fatal("expected SlashDoubleSign to require a certificate")
	}
	liveness := SlashEvidence{Reason: SlashLiveness}
	if liveness.RequiresCertificate() {
		t.Fatal("expected SlashLiveness to not require a certificate")
	}
}
