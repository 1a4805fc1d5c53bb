// Package rewards implements the routing/storage reward processor loop of
// spec.md §4.9: periodically convert accumulated theoretical_tokens_earned
// into a Reward transaction, submitted to the mempool, with the
// counter-reset idempotence contract spec.md requires (reset is paired
// with submission; a failed submission preserves the counter for retry).
//
// Grounded on routing_rewards.rs's periodic-loop/threshold/cap structure,
// kept deliberately faithful to its partial-cap reset limitation (spec.md
// §9 records this as a known, preserved limitation rather than a bug to
// fix).
package rewards

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhtp-network/zhtp/internal/chain"
	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/obs"
)

const (
	// DefaultInterval is the reward processor's default cycle period.
	DefaultInterval = 10 * time.Minute
	// MinThreshold is the minimum accumulated amount a cycle will claim.
	MinThreshold uint64 = 100
	// MaxBatch caps the amount claimed in a single cycle.
	MaxBatch uint64 = 10_000
)

var (
	ErrChainUninitialized = errors.New("rewards: blockchain not initialized")
	ErrZeroTxHash         = errors.New("rewards: reward transaction hash is zero")
)

// Counter is the accumulated theoretical_tokens_earned source a
// processor drains each cycle: mesh routing metrics for the routing
// processor, DHT storage metrics for the storage processor.
type Counter interface {
	// Accumulated returns the current theoretical_tokens_earned value.
	Accumulated() uint64
	// ResetFully zeroes the counter. Per spec.md §9, a partial claim
	// (earned > MaxBatch) still resets the counter fully, losing the
	// excess above MaxBatch — this is the documented, preserved
	// limitation, not an oversight.
	ResetFully()
}

// ChainHeight reports whether the chain has been initialized (height > 0),
// per spec.md §4.9 step 5.
type ChainHeight interface {
	Height() uint64
}

// Mempool is the subset of chain.Mempool the processor needs.
type Mempool interface {
	Submit(tx chain.Transaction, signerPub chain.Verifier, spent chain.SpentChecker) error
}

// Processor runs one named reward loop (routing or storage).
type Processor struct {
	Name     string
	Interval time.Duration

	counter  Counter
	chain    ChainHeight
	mempool  Mempool
	identity *identity.Identity
	metrics  *obs.Metrics

	mu sync.Mutex
}

func NewProcessor(name string, counter Counter, ch ChainHeight, mempool Mempool, id *identity.Identity, metrics *obs.Metrics) *Processor {
	return &Processor{
		Name:     name,
		Interval: DefaultInterval,
		counter:  counter,
		chain:    ch,
		mempool:  mempool,
		identity: id,
		metrics:  metrics,
	}
}

// RunCycle executes one iteration of spec.md §4.9's seven-step loop.
// Returns the claimed amount (0 if skipped) and any error encountered.
func (p *Processor) RunCycle(spent chain.SpentChecker) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	earned := p.counter.Accumulated()
	if earned < MinThreshold {
		return 0, nil
	}

	amount := earned
	if amount > MaxBatch {
		amount = MaxBatch
	}

	if p.chain.Height() == 0 {
		return 0, ErrChainUninitialized
	}

	tx := chain.Transaction{
		Kind: chain.TxReward,
		Outputs: []chain.TxOutput{
			{NodeID: p.identity.NodeID, Amount: amount},
		},
	}
	tx.Signature = p.identity.Sign(tx.Hash().Bytes())

	hash := tx.Hash()
	if hash.IsZero() {
		return 0, ErrZeroTxHash
	}

	if err := p.mempool.Submit(tx, p.identity.DilithiumPub, spent); err != nil {
		// Idempotence: submission failed, so the counter is preserved
		// and the same earned amount is retried next cycle.
		return 0, err
	}

	// Reset is paired with submission. Per spec.md §9, this resets the
	// counter fully even when earned > MaxBatch, losing the excess — a
	// known, preserved limitation rather than something this package
	// should "fix" by only subtracting amount.
	p.counter.ResetFully()
	if p.metrics != nil {
		p.metrics.RewardsClaimed.Add(float64(amount))
	}
	return amount, nil
}

// Run loops RunCycle on Interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, spent chain.SpentChecker, onCycle func(claimed uint64, err error)) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			claimed, err := p.RunCycle(spent)
			if onCycle != nil {
				onCycle(claimed, err)
			}
		}
	}
}

// memCounter is a simple in-memory Counter implementation backing both
// the routing and storage processors until mesh/DHT metrics wiring
// supplies a real accumulator.
type memCounter struct {
	mu    sync.Mutex
	total uint64
}

func NewMemCounter() *memCounter { return &memCounter{} }

func (c *memCounter) Add(delta uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += delta
}

func (c *memCounter) Accumulated() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *memCounter) ResetFully() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = 0
}
