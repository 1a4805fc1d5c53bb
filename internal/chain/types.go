// Package chain implements the application-layer blockchain of spec.md
// §4.7: blocks, tagged transactions, a fee-ordered mempool, block
// production/acceptance, cumulative-difficulty fork choice, and the
// recursive ZK proof chain built atop internal/zkoracle.
//
// Grounded on the teacher's chain package (Block/Chain/Consensus
// interface skeleton), generalized from its Avalanche-style sampling
// consensus to spec.md's deterministic proposer-selection and
// cumulative-difficulty fork choice; ValidatorCertificate/SlashEvidence
// adapt ringtail's certificate-bundle idiom from block finality to
// slashing-evidence aggregation.
package chain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
	"github.com/zhtp-network/zhtp/internal/zkoracle"
)

// MaxTxPerBlock bounds the number of transactions a proposer may include.
const MaxTxPerBlock = 2000

// MaxMemoBytes bounds Transaction.Memo, per spec.md §3.
const MaxMemoBytes = 256

// MaxSingleClaim bounds a single Reward transaction's amount, per
// spec.md §4.9.
const MaxSingleClaim = 1_000_000

// MaxClockSkew bounds how far into the future a block's timestamp may be,
// per spec.md §3 ("timestamp ∈ [prev.timestamp, now+60s]").
const MaxClockSkew = 60 * time.Second

var (
	ErrUnknownParent       = errors.New("chain: prev_hash not known")
	ErrBadHeight           = errors.New("chain: height != prev.height+1")
	ErrBadTimestamp        = errors.New("chain: timestamp out of bounds")
	ErrBadMerkleRoot       = errors.New("chain: merkle_root does not match transactions")
	ErrNonMonotonicDiff    = errors.New("chain: cumulative_difficulty must be non-decreasing")
	ErrTxSignatureInvalid  = errors.New("chain: transaction signature invalid")
	ErrTxRangeProofInvalid = errors.New("chain: transaction input range proof invalid")
	ErrTxInvariant         = errors.New("chain: transaction fails type-specific invariant")
	ErrRecursiveProof      = errors.New("chain: recursive proof does not verify against cumulative proof")
	ErrMemoTooLong         = errors.New("chain: memo exceeds 256 bytes")
)

// TxKind tags a Transaction's semantic type, per spec.md §3.
type TxKind int

const (
	TxTransfer TxKind = iota
	TxIdentityRegistration
	TxIdentityUpdate
	TxIdentityRevocation
	TxReward
	TxContractDeploy
	TxDaoProposal
	TxDaoVote
)

func (k TxKind) String() string {
	switch k {
	case TxTransfer:
		return "transfer"
	case TxIdentityRegistration:
		return "identity_registration"
	case TxIdentityUpdate:
		return "identity_update"
	case TxIdentityRevocation:
		return "identity_revocation"
	case TxReward:
		return "reward"
	case TxContractDeploy:
		return "contract_deploy"
	case TxDaoProposal:
		return "dao_proposal"
	case TxDaoVote:
		return "dao_vote"
	default:
		return "unknown"
	}
}

// TxInput references a prior output and carries the ZK range proof every
// input must have, per spec.md §3.
type TxInput struct {
	PrevTxHash zcrypto.Hash
	OutIndex   uint32
	RangeProof *zkoracle.Envelope
}

// TxOutput is a (node_id-or-address, amount) pair.
type TxOutput struct {
	NodeID identity.NodeID
	Amount uint64
}

// IdentityData carries the fields an identity transaction needs.
type IdentityData struct {
	DID      identity.DID
	NodeID   identity.NodeID
	PQPubKey []byte
	KyberPub []byte
}

// ContractData carries the fields a ContractDeploy transaction needs. Per
// SPEC_FULL's supplemented invariant, a token contract must declare
// exactly one of Mint/Burn.
type ContractData struct {
	Code []byte
	Mint bool
	Burn bool
}

// DaoProposalData and DaoVoteData carry minimal references into
// internal/dao; the chain only validates structural well-formedness, not
// DAO business rules (that validation happens in internal/dao before the
// transaction is accepted into a block by a DAO-aware mempool policy).
type DaoProposalData struct {
	ProposalID [32]byte
	Kind       int
}

type DaoVoteData struct {
	ProposalID [32]byte
	Approve    bool
}

// Transaction is spec.md §3's tagged transaction type.
type Transaction struct {
	Version      uint8
	Kind         TxKind
	Inputs       []TxInput
	Outputs      []TxOutput
	Fee          uint64
	Signature    []byte
	Memo         []byte
	IdentityData *IdentityData
	ContractData *ContractData
	DaoProposal  *DaoProposalData
	DaoVote      *DaoVoteData
	ZKProof      *zkoracle.Envelope
}

// Hash returns the content hash used for mempool dedup and as a TxInput
// reference, computed over every field except Signature (the signature
// covers this same byte-string).
func (tx *Transaction) Hash() zcrypto.Hash {
	return zcrypto.BLAKE3(tx.signingBytes())
}

// signingBytes is the canonical byte-string a transaction's signature
// covers: every field except Signature itself.
func (tx *Transaction) signingBytes() []byte {
	cp := *tx
	cp.Signature = nil
	b, _ := json.Marshal(cp)
	return b
}

// VerifySignature checks tx.Signature against signerPub over tx.signingBytes().
func (tx *Transaction) VerifySignature(signerPub *zcrypto.DilithiumPublicKey) bool {
	return signerPub.Verify(tx.signingBytes(), tx.Signature)
}

// CheckStructuralInvariants enforces the field-level rules of spec.md §3
// and SPEC_FULL's ContractData addition, independent of any chain state.
func (tx *Transaction) CheckStructuralInvariants() error {
	if len(tx.Memo) > MaxMemoBytes {
		return ErrMemoTooLong
	}
	switch tx.Kind {
	case TxReward:
		if len(tx.Inputs) != 0 {
			return errors.New("chain: reward transaction must have no inputs")
		}
	case TxIdentityRegistration, TxIdentityUpdate, TxIdentityRevocation:
		if len(tx.Outputs) != 0 {
			return errors.New("chain: identity transaction must have no outputs")
		}
		if tx.IdentityData == nil {
			return errors.New("chain: identity transaction missing identity_data")
		}
	}
	for _, in := range tx.Inputs {
		if in.RangeProof == nil {
			return ErrTxRangeProofInvalid
		}
	}
	if tx.Kind == TxContractDeploy {
		if tx.ContractData == nil {
			return ErrTxInvariant
		}
		if tx.ContractData.Mint == tx.ContractData.Burn {
			// requires exactly one of {mint, burn}
			return ErrTxInvariant
		}
	}
	return nil
}

// Header is spec.md §3's block header.
type Header struct {
	Version              uint8
	PrevHash             zcrypto.Hash
	MerkleRoot           zcrypto.Hash
	Timestamp            time.Time
	Difficulty           uint64
	Height               uint64
	TxCount              uint32
	Size                 uint32
	CumulativeDifficulty uint64
}

// Block is spec.md §3's (header, transactions, recursive_zk_proof?) type.
type Block struct {
	Header       Header
	Transactions []Transaction
	RecursiveZK  *zkoracle.Envelope
}

// Hash returns the block's identity hash, over the header only (the
// header commits to transactions via MerkleRoot).
func (b *Block) Hash() zcrypto.Hash {
	h, _ := json.Marshal(b.Header)
	return zcrypto.BLAKE3(h)
}

// merkleRootOf computes the Merkle root over the block's transaction
// hashes, matching the root a producer must place in Header.MerkleRoot.
func (b *Block) merkleRootOf() zcrypto.Hash {
	hashes := make([]zcrypto.Hash, len(b.Transactions))
	for i := range b.Transactions {
		hashes[i] = b.Transactions[i].Hash()
	}
	return merkleRootOfHashes(hashes)
}

func merkleRootOfHashes(hashes []zcrypto.Hash) zcrypto.Hash {
	if len(hashes) == 0 {
		return zcrypto.BLAKE3([]byte("empty-block"))
	}
	level := hashes
	for len(level) > 1 {
		var next []zcrypto.Hash
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, zcrypto.BLAKE3(level[i].Bytes(), level[i+1].Bytes()))
		}
		level = next
	}
	return level[0]
}
