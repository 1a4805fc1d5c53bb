package chain

import (
	"errors"
	"sync"
	"time"

	"github.com/zhtp-network/zhtp/internal/zcrypto"
	"github.com/zhtp-network/zhtp/internal/zkoracle"
)

var (
	ErrGenesisExists = errors.New("chain: genesis already set")
	ErrNoGenesis     = errors.New("chain: genesis not set")
)

// IdentityResolver looks up the Dilithium public key bound to a did, for
// transaction-signature verification against on-chain identity state.
type IdentityResolver interface {
	PublicKeyForDID(did string) (*zcrypto.DilithiumPublicKey, bool)
}

// Chain is the single-writer blockchain state machine of spec.md §4.7.
// All mutation goes through Chain's exported methods, which a caller is
// expected to serialize through a single goroutine (e.g. a channel-fed
// command loop) rather than by holding mu across I/O; mu here only
// protects the in-memory index against concurrent readers.
type Chain struct {
	mu sync.RWMutex

	blocksByHash   map[zcrypto.Hash]*Block
	blocksByHeight map[uint64]*Block
	spentOutputs   map[zcrypto.Hash]map[uint32]bool

	tip              *Block
	cumulativeProof  *zkoracle.Envelope
	oracle           zkoracle.Oracle
	mempool          *Mempool
	resolver         IdentityResolver
}

func NewChain(oracle zkoracle.Oracle, mempool *Mempool, resolver IdentityResolver) *Chain {
	return &Chain{
		blocksByHash:   make(map[zcrypto.Hash]*Block),
		blocksByHeight: make(map[uint64]*Block),
		spentOutputs:   make(map[zcrypto.Hash]map[uint32]bool),
		oracle:         oracle,
		mempool:        mempool,
		resolver:       resolver,
	}
}

// SetGenesis installs the chain's genesis block without running the
// normal parent/height checks.
func (c *Chain) SetGenesis(genesis *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tip != nil {
		return ErrGenesisExists
	}
	hash := genesis.Hash()
	c.blocksByHash[hash] = genesis
	c.blocksByHeight[genesis.Header.Height] = genesis
	c.tip = genesis
	c.markSpentLocked(genesis)
	return nil
}

// Tip returns the current chain tip.
func (c *Chain) Tip() *Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip
}

// CumulativeDifficulty returns the tip's cumulative difficulty.
func (c *Chain) CumulativeDifficulty() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tip == nil {
		return 0
	}
	return c.tip.Header.CumulativeDifficulty
}

func (c *Chain) IsSpent(txHash zcrypto.Hash, outIndex uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.spentOutputs[txHash]
	return ok && set[outIndex]
}

func (c *Chain) markSpentLocked(b *Block) {
	for _, tx := range b.Transactions {
		for _, in := range tx.Inputs {
			set, ok := c.spentOutputs[in.PrevTxHash]
			if !ok {
				set = make(map[uint32]bool)
				c.spentOutputs[in.PrevTxHash] = set
			}
			set[in.OutIndex] = true
		}
	}
}

// ProduceBlock implements spec.md §4.7's block production: collect up to
// MaxTxPerBlock transactions from the mempool, build the Merkle root,
// assemble the header atop the current tip, and attach a recursive proof
// that (prev_cumulative_proof, this_block_state_transition) is valid.
func (c *Chain) ProduceBlock(difficulty uint64, now time.Time) (*Block, error) {
	c.mu.RLock()
	tip := c.tip
	cumProof := c.cumulativeProof
	c.mu.RUnlock()
	if tip == nil {
		return nil, ErrNoGenesis
	}

	txs := c.mempool.CollectForBlock(MaxTxPerBlock)
	header := Header{
		Version:              1,
		PrevHash:             tip.Hash(),
		Timestamp:            now,
		Difficulty:           difficulty,
		Height:               tip.Header.Height + 1,
		TxCount:              uint32(len(txs)),
		CumulativeDifficulty: tip.Header.CumulativeDifficulty + difficulty,
	}
	block := &Block{Header: header, Transactions: txs}
	block.Header.MerkleRoot = block.merkleRootOf()

	var prevProofBytes []byte
	if cumProof != nil {
		prevProofBytes = cumProof.ProofBytes
	}
	transitionHash := zcrypto.BLAKE3(block.Header.MerkleRoot.Bytes(), block.Header.PrevHash.Bytes(), prevProofBytes)
	proof, err := c.oracle.ProveTransaction(transitionHash.Bytes(), []int64{int64(header.Height)})
	if err != nil {
		return nil, err
	}
	block.RecursiveZK = proof

	return block, nil
}

// AppendBlock implements spec.md §4.7's four-step block acceptance and
// appends on success, popping matching transactions from the mempool.
func (c *Chain) AppendBlock(b *Block, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tip == nil {
		return ErrNoGenesis
	}
	prev := c.tip

	// 1. Structural checks.
	if b.Header.PrevHash != prev.Hash() {
		return ErrUnknownParent
	}
	if b.Header.Height != prev.Header.Height+1 {
		return ErrBadHeight
	}
	if b.Header.Timestamp.Before(prev.Header.Timestamp) || b.Header.Timestamp.After(now.Add(MaxClockSkew)) {
		return ErrBadTimestamp
	}
	if b.merkleRootOf() != b.Header.MerkleRoot {
		return ErrBadMerkleRoot
	}
	if b.Header.CumulativeDifficulty < prev.Header.CumulativeDifficulty+b.Header.Difficulty {
		return ErrNonMonotonicDiff
	}

	// 2. Per-transaction validation.
	for i := range b.Transactions {
		if err := c.validateTransactionLocked(&b.Transactions[i]); err != nil {
			return err
		}
	}

	// 3. Recursive proof verification against the chain's current
	// cumulative proof, if the block carries one.
	if b.RecursiveZK != nil {
		var prevProofBytes []byte
		if c.cumulativeProof != nil {
			prevProofBytes = c.cumulativeProof.ProofBytes
		}
		transitionHash := zcrypto.BLAKE3(b.Header.MerkleRoot.Bytes(), b.Header.PrevHash.Bytes(), prevProofBytes)
		ok, err := c.oracle.VerifyTransaction(b.RecursiveZK, transitionHash.Bytes())
		if err != nil || !ok {
			return ErrRecursiveProof
		}
	}

	// 4. Append; advance state; pop mempool entries.
	hash := b.Hash()
	c.blocksByHash[hash] = b
	c.blocksByHeight[b.Header.Height] = b
	c.tip = b
	c.cumulativeProof = b.RecursiveZK
	c.markSpentLocked(b)
	for i := range b.Transactions {
		c.mempool.Remove(b.Transactions[i].Hash())
	}
	return nil
}

func (c *Chain) validateTransactionLocked(tx *Transaction) error {
	if err := tx.CheckStructuralInvariants(); err != nil {
		return err
	}
	switch tx.Kind {
	case TxReward:
		allZero := true
		for _, out := range tx.Outputs {
			if out.NodeID != ([32]byte{}) {
				allZero = false
			}
			if out.Amount > MaxSingleClaim {
				return errors.New("chain: reward amount exceeds MAX_SINGLE_CLAIM")
			}
		}
		if allZero {
			return errors.New("chain: reward transaction requires a non-zero node_id")
		}
	case TxIdentityRegistration:
		if tx.IdentityData == nil {
			return ErrTxInvariant
		}
		did := string(tx.IdentityData.DID)
		const prefix = "did:zhtp:"
		if len(did) < len(prefix) || did[:len(prefix)] != prefix {
			return errors.New("chain: identity registration requires method=zhtp")
		}
	}

	if tx.Signature != nil && c.resolver != nil && tx.IdentityData != nil {
		if pub, ok := c.resolver.PublicKeyForDID(string(tx.IdentityData.DID)); ok {
			if !tx.VerifySignature(pub) {
				return ErrTxSignatureInvalid
			}
		}
	}

	for _, in := range tx.Inputs {
		if set, ok := c.spentOutputs[in.PrevTxHash]; ok && set[in.OutIndex] {
			return ErrAlreadySpent
		}
	}
	return nil
}

// ReorgIfBetter implements spec.md §4.7's fork choice: if candidate's
// cumulative difficulty exceeds the current tip's, adopt it and return
// the transactions displaced from the old tip's branch so the caller can
// re-insert them into the mempool if still valid. This minimal
// implementation only supports a direct-competing single block at the
// same height as the current tip; full divergence-point re-application
// over multi-block alternative chains is driven by internal/sync, which
// walks the alternative chain block-by-block through AppendBlock after a
// reorg point is established here.
func (c *Chain) ReorgIfBetter(candidate *Block) (adopted bool, displaced []Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tip == nil || candidate.Header.Height != c.tip.Header.Height {
		return false, nil
	}
	if candidate.Header.CumulativeDifficulty <= c.tip.Header.CumulativeDifficulty {
		return false, nil
	}
	displaced = append(displaced, c.tip.Transactions...)
	hash := candidate.Hash()
	c.blocksByHash[hash] = candidate
	c.blocksByHeight[candidate.Header.Height] = candidate
	c.tip = candidate
	c.cumulativeProof = candidate.RecursiveZK
	return true, displaced
}

// BlockByHeight returns the block at height, if known.
func (c *Chain) BlockByHeight(height uint64) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocksByHeight[height]
	return b, ok
}

// BlockByHash returns the block with hash, if known.
func (c *Chain) BlockByHash(hash zcrypto.Hash) (*Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocksByHash[hash]
	return b, ok
}
