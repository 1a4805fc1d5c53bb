package chain

import (
	"errors"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

// SlashReason classifies why a validator is being slashed (spec.md §4.9).
type SlashReason int

const (
	SlashDoubleSign SlashReason = iota
	SlashLiveness
	SlashUnavailability
)

func (r SlashReason) String() string {
	switch r {
	case SlashDoubleSign:
		return "double_sign"
	case SlashLiveness:
		return "liveness"
	case SlashUnavailability:
		return "unavailability"
	default:
		return "unknown"
	}
}

// WitnessAttestation is one validator's Dilithium-signed statement that it
// observed the evidence being aggregated.
type WitnessAttestation struct {
	WitnessDID identity.DID
	Signature  []byte
}

// ValidatorCertificate bundles witness attestations into a threshold-gated
// artifact, adapted from the teacher's ringtail certificate-bundle idiom
// (originally used for block finality) and repurposed here as the
// corroborating-evidence bundle spec.md §4.9 needs for DoubleSign
// slashing: a single accuser is not sufficient evidence, so slashing for
// DoubleSign requires a quorum of independent witnesses.
type ValidatorCertificate struct {
	EvidenceHash zcrypto.Hash
	Attestations []WitnessAttestation
	Threshold    int
}

var ErrCertificateBelowThreshold = errors.New("chain: certificate has fewer distinct witnesses than its threshold")

// distinctWitnesses counts c.Attestations by unique WitnessDID: a single
// witness resubmitting copies of its own attestation must not be able to
// reach quorum alone.
func (c *ValidatorCertificate) distinctWitnesses() int {
	seen := make(map[identity.DID]struct{}, len(c.Attestations))
	for _, att := range c.Attestations {
		seen[att.WitnessDID] = struct{}{}
	}
	return len(seen)
}

// Quorate reports whether the certificate has reached its threshold in
// distinct witnesses.
func (c *ValidatorCertificate) Quorate() bool {
	return c.distinctWitnesses() >= c.Threshold
}

// Verify checks every attestation's signature over EvidenceHash using the
// supplied lookup of witness DID to Dilithium public key, rejects duplicate
// witnesses, and checks that the certificate is quorate.
func (c *ValidatorCertificate) Verify(pubKeyForDID func(identity.DID) (*zcrypto.DilithiumPublicKey, bool)) error {
	if !c.Quorate() {
		return ErrCertificateBelowThreshold
	}
	seen := make(map[identity.DID]struct{}, len(c.Attestations))
	for _, att := range c.Attestations {
		if _, dup := seen[att.WitnessDID]; dup {
			return errors.New("chain: duplicate witness DID in certificate")
		}
		seen[att.WitnessDID] = struct{}{}
		pub, ok := pubKeyForDID(att.WitnessDID)
		if !ok {
			return errors.New("chain: unknown witness DID in certificate")
		}
		if !pub.Verify(c.EvidenceHash.Bytes(), att.Signature) {
			return errors.New("chain: witness attestation signature invalid")
		}
	}
	return nil
}

// SlashEvidence is the full record submitted on-chain (or into
// internal/dao) to justify slashing a validator.
type SlashEvidence struct {
	ValidatorDID identity.DID
	Reason       SlashReason
	Height       uint64
	Certificate  *ValidatorCertificate // required for DoubleSign, nil otherwise
}

// RequiresCertificate reports whether e.Reason mandates a quorate
// ValidatorCertificate before slashing may proceed.
func (e *SlashEvidence) RequiresCertificate() bool {
	return e.Reason == SlashDoubleSign
}
