package chain

import (
	"container/heap"
	"errors"
	"sort"
	"sync"

	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

var (
	ErrDuplicateTx    = errors.New("chain: transaction already in mempool")
	ErrAlreadySpent   = errors.New("chain: input already spent")
	ErrMempoolClosed  = errors.New("chain: mempool not accepting transactions")
)

// SpentChecker reports whether an output (txHash, index) has already been
// consumed by an accepted block, the "nonce/output hashes already spent"
// check of spec.md §4.7's mempool rule.
type SpentChecker interface {
	IsSpent(txHash zcrypto.Hash, outIndex uint32) bool
}

type mempoolItem struct {
	tx    Transaction
	hash  zcrypto.Hash
	index int // heap bookkeeping
}

// feeHeap is a min-heap ordered by fee so Pop always returns the
// lowest-fee transaction first. Block production does not pop from it:
// CollectForBlock reads a fee-descending copy instead. Transactions with
// equal fees are not kept in arrival order.
type feeHeap []*mempoolItem

func (h feeHeap) Len() int { return len(h) }
func (h feeHeap) Less(i, j int) bool {
	if h[i].tx.Fee != h[j].tx.Fee {
		return h[i].tx.Fee < h[j].tx.Fee
	}
	return i < j // equal fees: current heap position, not arrival order
}
func (h feeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *feeHeap) Push(x interface{}) {
	item := x.(*mempoolItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *feeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Mempool holds pending transactions, deduplicated by hash, ordered by
// fee, per spec.md §4.7.
type Mempool struct {
	mu    sync.Mutex
	heap  feeHeap
	byTx  map[zcrypto.Hash]*mempoolItem
}

func NewMempool() *Mempool {
	return &Mempool{byTx: make(map[zcrypto.Hash]*mempoolItem)}
}

// Verifier is the minimal signature-check capability Submit needs;
// *zcrypto.DilithiumPublicKey satisfies it.
type Verifier interface {
	Verify(message, sig []byte) bool
}

// Submit validates structural invariants, signature, and double-spend
// status before admitting tx.
func (m *Mempool) Submit(tx Transaction, signerPub Verifier, spent SpentChecker) error {
	if err := tx.CheckStructuralInvariants(); err != nil {
		return err
	}
	if signerPub != nil && !signerPub.Verify(tx.signingBytes(), tx.Signature) {
		return ErrTxSignatureInvalid
	}
	for _, in := range tx.Inputs {
		if spent != nil && spent.IsSpent(in.PrevTxHash, in.OutIndex) {
			return ErrAlreadySpent
		}
	}

	hash := tx.Hash()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byTx[hash]; exists {
		return ErrDuplicateTx
	}
	item := &mempoolItem{tx: tx, hash: hash}
	m.byTx[hash] = item
	heap.Push(&m.heap, item)
	return nil
}

// Remove drops a transaction from the pool (used after it lands in an
// accepted block).
func (m *Mempool) Remove(hash zcrypto.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.byTx[hash]
	if !ok {
		return
	}
	delete(m.byTx, hash)
	heap.Remove(&m.heap, item.index)
}

// Has reports whether hash is currently pending.
func (m *Mempool) Has(hash zcrypto.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byTx[hash]
	return ok
}

// Len returns the number of pending transactions.
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byTx)
}

// CollectForBlock returns up to max highest-fee transactions for block
// production, without removing them (Remove is called explicitly once the
// block that includes them is accepted). Transactions with equal fees come
// back in no particular order.
func (m *Mempool) CollectForBlock(max int) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	sortedDesc := make([]*mempoolItem, len(m.heap))
	copy(sortedDesc, m.heap)
	sort.Slice(sortedDesc, func(i, j int) bool { return sortedDesc[i].tx.Fee > sortedDesc[j].tx.Fee })
	if max > len(sortedDesc) {
		max = len(sortedDesc)
	}
	if max > MaxTxPerBlock {
		max = MaxTxPerBlock
	}
	out := make([]Transaction, max)
	for i := 0; i < max; i++ {
		out[i] = sortedDesc[i].tx
	}
	return out
}
