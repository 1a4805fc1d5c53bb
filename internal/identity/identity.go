// Package identity implements seed-anchored sovereign identity: a 64-byte
// master seed deterministically derives a DID, per-device NodeIds, and a
// family of purpose-scoped secrets. Grounded on
// lib-crypto/src/keypair/derivation.rs (deterministic HKDF expansion, and
// the "PQC keys are not seed-deterministic" constraint) and spec.md §4.1.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

// SeedSize is the length of a MasterSeed in bytes (spec.md §3).
const SeedSize = 64

var (
	// ErrInvalidDevice is returned when a device name fails normalization.
	ErrInvalidDevice = errors.New("identity: invalid device name")
	// ErrNodeIDMismatch is returned when a claimed NodeId does not match
	// BLAKE3(did || device), the binding invariant of UnifiedPeerId.
	ErrNodeIDMismatch = errors.New("identity: node id does not bind to did/device")
)

var deviceNamePattern = regexp.MustCompile(`^[a-z0-9._-]{1,64}$`)

// NormalizeDevice lower-cases a device name and validates it is 1-64
// characters of [a-z0-9._-], per spec.md §3. Normalization is idempotent:
// NormalizeDevice(NormalizeDevice(x)) == NormalizeDevice(x).
func NormalizeDevice(device string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(device))
	if !deviceNamePattern.MatchString(n) {
		return "", fmt.Errorf("%w: %q", ErrInvalidDevice, device)
	}
	return n, nil
}

// MasterSeed is the 64-byte root of every long-term secret an identity
// holds. It is zeroized on Close and must never be copied into logs or
// network frames (spec.md §3 ownership invariant).
type MasterSeed struct {
	secret *zcrypto.Secret
}

// NewMasterSeed draws 64 random bytes from the CSPRNG.
func NewMasterSeed() (*MasterSeed, error) {
	b := make([]byte, SeedSize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return &MasterSeed{secret: zcrypto.NewSecret(b)}, nil
}

// MasterSeedFromBytes wraps an existing 64-byte seed, e.g. recovered from
// a 20-word phrase by the (externally specified) mnemonic decoder.
func MasterSeedFromBytes(b []byte) (*MasterSeed, error) {
	if len(b) != SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", SeedSize, len(b))
	}
	cp := make([]byte, SeedSize)
	copy(cp, b)
	return &MasterSeed{secret: zcrypto.NewSecret(cp)}, nil
}

// Bytes exposes the raw seed. Callers must not retain the slice past the
// MasterSeed's lifetime.
func (s *MasterSeed) Bytes() []byte { return s.secret.Bytes() }

// Close zeroizes the seed. Safe to call multiple times.
func (s *MasterSeed) Close() { s.secret.Zero() }

// IdentityType classifies the principal an Identity represents.
type IdentityType int

const (
	IdentityHuman IdentityType = iota
	IdentityAgent
	IdentityContract
	IdentityOrganization
	IdentityDevice
)

func (t IdentityType) String() string {
	switch t {
	case IdentityHuman:
		return "human"
	case IdentityAgent:
		return "agent"
	case IdentityContract:
		return "contract"
	case IdentityOrganization:
		return "organization"
	case IdentityDevice:
		return "device"
	default:
		return "unknown"
	}
}

// NodeID is the 32-byte derived routing identifier unique per (DID, device).
type NodeID [32]byte

// DID is a decentralized identifier of the form "did:zhtp:<hex>".
type DID string

const didMethodPrefix = "did:zhtp:"
const didLabel = "ZHTP_DID_V1"

// deriveDID computes did = "did:zhtp:" || hex(BLAKE3(seed || "ZHTP_DID_V1")).
func deriveDID(seed []byte) DID {
	h := zcrypto.BLAKE3(seed, []byte(didLabel))
	return DID(didMethodPrefix + hexEncode(h.Bytes()))
}

// NodeIDForDevice computes node_id = BLAKE3(did || normalized_device),
// the pure function spec.md §4.1 names for multi-device topology
// enumeration without needing a live Identity.
func NodeIDForDevice(did DID, device string) (NodeID, error) {
	norm, err := NormalizeDevice(device)
	if err != nil {
		return NodeID{}, err
	}
	h := zcrypto.BLAKE3([]byte(did), []byte(norm))
	return NodeID(h), nil
}

// Identity is the immutable, seed-derived identity of one device acting
// on behalf of one DID.
type Identity struct {
	Type       IdentityType
	DID        DID
	Device     string // normalized
	NodeID     NodeID
	Age        *int
	Jurisdiction *string

	zkSecret     *zcrypto.Secret
	walletMaster *zcrypto.Secret
	daoMemberID  *zcrypto.Secret

	DilithiumPub *zcrypto.DilithiumPublicKey
	dilithiumSK  *zcrypto.DilithiumPrivateKey
	KyberPub     *zcrypto.KyberPublicKey
	kyberSK      *zcrypto.KyberPrivateKey

	seed *MasterSeed
}

// New derives an Identity from seed (or a freshly drawn one if seed is
// nil) for the given device. PQC keypairs are generated at random per
// spec.md §9 — they are not and cannot be made seed-deterministic with
// the underlying libraries, so re-provisioning a device from its seed
// yields the same DID/NodeID but a fresh PQC keypair.
func New(identityType IdentityType, device string, seed *MasterSeed) (*Identity, error) {
	norm, err := NormalizeDevice(device)
	if err != nil {
		return nil, err
	}

	owned := seed
	if owned == nil {
		owned, err = NewMasterSeed()
		if err != nil {
			return nil, err
		}
	}

	did := deriveDID(owned.Bytes())
	nodeID, err := NodeIDForDevice(did, norm)
	if err != nil {
		return nil, err
	}

	zkSecret, err := zcrypto.HKDFExpand(owned.Bytes(), "zk-id", 32)
	if err != nil {
		return nil, err
	}
	walletMaster, err := zcrypto.HKDFExpand(owned.Bytes(), "wallet", 32)
	if err != nil {
		return nil, err
	}
	daoMemberID, err := zcrypto.HKDFExpand(owned.Bytes(), "dao", 32)
	if err != nil {
		return nil, err
	}

	dilPub, dilSK, err := zcrypto.GenerateDilithiumKey()
	if err != nil {
		return nil, err
	}
	kyberPub, kyberSK, err := zcrypto.GenerateKyberKey()
	if err != nil {
		return nil, err
	}

	return &Identity{
		Type:         identityType,
		DID:          did,
		Device:       norm,
		NodeID:       nodeID,
		zkSecret:     zcrypto.NewSecret(zkSecret),
		walletMaster: zcrypto.NewSecret(walletMaster),
		daoMemberID:  zcrypto.NewSecret(daoMemberID),
		DilithiumPub: dilPub,
		dilithiumSK:  dilSK,
		KyberPub:     kyberPub,
		kyberSK:      kyberSK,
		seed:         owned,
	}, nil
}

// ZKIdentitySecret returns the zk-identity secret bytes.
func (id *Identity) ZKIdentitySecret() []byte { return id.zkSecret.Bytes() }

// WalletMaster returns the wallet master secret bytes.
func (id *Identity) WalletMaster() []byte { return id.walletMaster.Bytes() }

// DAOMemberID returns the DAO pseudonym secret bytes.
func (id *Identity) DAOMemberID() []byte { return id.daoMemberID.Bytes() }

// Sign signs message with the identity's Dilithium secret key.
func (id *Identity) Sign(message []byte) []byte {
	return id.dilithiumSK.Sign(message)
}

// KyberPrivate exposes the Kyber private key for UHP decapsulation.
func (id *Identity) KyberPrivate() *zcrypto.KyberPrivateKey { return id.kyberSK }

// Close zeroizes every secret owned by this identity, including the
// MasterSeed it was derived from, whether New drew that seed itself or the
// caller supplied it.
func (id *Identity) Close() {
	id.zkSecret.Zero()
	id.walletMaster.Zero()
	id.daoMemberID.Zero()
	if id.seed != nil {
		id.seed.Close()
	}
}

// VerifyNodeIDBinding checks that nodeID == BLAKE3(did || normalize(device)),
// the UnifiedPeerId invariant every peer-visible structure must satisfy
// (spec.md §3).
func VerifyNodeIDBinding(nodeID NodeID, did DID, device string) error {
	expected, err := NodeIDForDevice(did, device)
	if err != nil {
		return err
	}
	if expected != nodeID {
		return ErrNodeIDMismatch
	}
	return nil
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
