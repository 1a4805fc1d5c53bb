// Package sync implements the tip exchange, chunked block-range fetch,
// and genesis-mismatch merge logic of spec.md §4.8, plus the trustdb
// backing the Bootstrap/TOFU/Pinned trust modes sync endpoints require.
//
// Grounded on the teacher's chain package's notion of an external Chain
// source (generalized here into the PeerClient interface) and
// peer_management.rs's bounded-concurrency candidate-probing idiom,
// adapted from DHT peer discovery to sync-candidate fan-out.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zhtp-network/zhtp/internal/chain"
	"github.com/zhtp-network/zhtp/internal/kvstore"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

// FanOut bounds concurrent candidate probing, per spec.md §4.8.
const FanOut = 4

// ChunkSize bounds a single block-range fetch, per spec.md §4.8.
const ChunkSize = 1000

var (
	ErrNoCandidates   = errors.New("sync: no candidates available")
	ErrTrustMismatch  = errors.New("sync: peer certificate does not match trust policy")
	ErrInvalidBlock   = errors.New("sync: fetched block failed acceptance checks")
)

// Tip is the response to GET /tip, per spec.md §4.8.
type Tip struct {
	Height          uint64
	HeadHash        zcrypto.Hash
	GenesisHash     zcrypto.Hash
	IdentityCount   uint64
	ValidatorCount  uint64
}

// PeerClient is the subset of a sync peer connection this package needs;
// production wiring backs it with internal/protocol requests over
// internal/mesh.
type PeerClient interface {
	Addr() string
	FetchTip(ctx context.Context) (Tip, error)
	FetchFullChain(ctx context.Context) ([]*chain.Block, error)
	FetchBlockRange(ctx context.Context, fromHeight, toHeight uint64) ([]*chain.Block, error)
}

// TrustMode selects how a sync endpoint's identity is authenticated,
// per spec.md §4.8.
type TrustMode int

const (
	TrustBootstrap TrustMode = iota
	TrustTOFU
	TrustPinned
)

// TrustRecord is the trustdb entry TOFU/Pinned modes rely on.
type TrustRecord struct {
	Hostname      string
	PinnedSPKIHash zcrypto.Hash
	FirstSeen     int64 // unix seconds, caller-supplied (no time.Now() in this package)
}

// TrustStore persists TrustRecords in the embedded KV store, keyed by
// hostname.
type TrustStore struct {
	mu sync.Mutex
	kv kvstore.Store
}

func NewTrustStore(kv kvstore.Store) *TrustStore {
	return &TrustStore{kv: kv}
}

// Verify checks observedSPKI against mode's policy for hostname,
// persisting a TOFU pin on first contact.
func (t *TrustStore) Verify(mode TrustMode, hostname string, observedSPKI zcrypto.Hash, now int64) error {
	switch mode {
	case TrustBootstrap:
		return nil
	case TrustTOFU:
		t.mu.Lock()
		defer t.mu.Unlock()
		existing, err := t.get(hostname)
		if err != nil {
			if !errors.Is(err, kvstore.ErrNotFound) {
				return err
			}
			return t.put(&TrustRecord{Hostname: hostname, PinnedSPKIHash: observedSPKI, FirstSeen: now})
		}
		if existing.PinnedSPKIHash != observedSPKI {
			return ErrTrustMismatch
		}
		return nil
	case TrustPinned:
		t.mu.Lock()
		defer t.mu.Unlock()
		existing, err := t.get(hostname)
		if err != nil {
			return fmt.Errorf("%w: no pinned record for %s", ErrTrustMismatch, hostname)
		}
		if existing.PinnedSPKIHash != observedSPKI {
			return ErrTrustMismatch
		}
		return nil
	default:
		return fmt.Errorf("sync: unknown trust mode %d", mode)
	}
}

func (t *TrustStore) get(hostname string) (*TrustRecord, error) {
	b, err := t.kv.Get([]byte("trust:" + hostname))
	if err != nil {
		return nil, err
	}
	if len(b) != zcrypto.HashSize+8 {
		return nil, errors.New("sync: corrupt trust record")
	}
	var rec TrustRecord
	rec.Hostname = hostname
	copy(rec.PinnedSPKIHash[:], b[:zcrypto.HashSize])
	rec.FirstSeen = beInt64(b[zcrypto.HashSize:])
	return &rec, nil
}

func (t *TrustStore) put(rec *TrustRecord) error {
	b := make([]byte, zcrypto.HashSize+8)
	copy(b[:zcrypto.HashSize], rec.PinnedSPKIHash[:])
	putBeInt64(b[zcrypto.HashSize:], rec.FirstSeen)
	return t.kv.Put([]byte("trust:"+rec.Hostname), b)
}

func beInt64(b []byte) int64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return int64(v)
}

func putBeInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
}

// LocalState is the chain-derived information Reconcile compares against
// a peer's Tip.
type LocalState struct {
	Height         uint64
	GenesisHash    zcrypto.Hash
	IdentityCount  uint64
	ValidatorCount uint64
}

// Action describes what Reconcile decided to do for one peer, for
// observability and testing.
type Action int

const (
	ActionNone Action = iota
	ActionEvaluateAndMergeFullChain
	ActionFetchRange
	ActionRequestSubtree
)

// Reconcile implements the five-step decision tree of spec.md §4.8 for a
// single peer's Tip against local chain state. It does not itself mutate
// the chain; callers apply the returned blocks via chain.Chain's
// AppendBlock/ReorgIfBetter.
func Reconcile(ctx context.Context, local LocalState, peer PeerClient) (Action, []*chain.Block, error) {
	tip, err := peer.FetchTip(ctx)
	if err != nil {
		return ActionNone, nil, err
	}

	if tip.GenesisHash != local.GenesisHash {
		blocks, err := peer.FetchFullChain(ctx)
		if err != nil {
			return ActionNone, nil, err
		}
		return ActionEvaluateAndMergeFullChain, blocks, nil
	}

	if tip.Height > local.Height {
		var all []*chain.Block
		from := local.Height + 1
		for from <= tip.Height {
			to := from + ChunkSize - 1
			if to > tip.Height {
				to = tip.Height
			}
			chunk, err := peer.FetchBlockRange(ctx, from, to)
			if err != nil {
				return ActionNone, all, err
			}
			all = append(all, chunk...)
			from = to + 1
		}
		return ActionFetchRange, all, nil
	}

	if tip.Height == local.Height && (tip.IdentityCount > local.IdentityCount || tip.ValidatorCount > local.ValidatorCount) {
		return ActionRequestSubtree, nil, nil
	}

	return ActionNone, nil, nil
}

// EvaluateAndMerge selects the higher-cumulative-difficulty chain between
// the local tip and an alternative full chain fetched from a genesis-
// mismatched peer, per spec.md §4.8 step 2. It returns true if the
// alternative chain should be adopted.
func EvaluateAndMerge(localCumulativeDifficulty uint64, alternative []*chain.Block) (adopt bool) {
	if len(alternative) == 0 {
		return false
	}
	last := alternative[len(alternative)-1]
	return last.Header.CumulativeDifficulty > localCumulativeDifficulty
}

// ProbeCandidates runs Reconcile against up to FanOut candidates
// concurrently, returning the first successful result. This implements
// spec.md §4.8's "bounded fan-out 4" candidate probing.
func ProbeCandidates(ctx context.Context, local LocalState, candidates []PeerClient) (PeerClient, Action, []*chain.Block, error) {
	if len(candidates) == 0 {
		return nil, ActionNone, nil, ErrNoCandidates
	}

	type result struct {
		peer   PeerClient
		action Action
		blocks []*chain.Block
		err    error
	}

	results := make(chan result, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, FanOut)

	for _, c := range candidates {
		c := c
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			action, blocks, err := Reconcile(gctx, local, c)
			results <- result{peer: c, action: action, blocks: blocks, err: err}
			return nil
		})
	}
	_ = g.Wait()
	close(results)

	var lastErr error
	for r := range results {
		if r.err == nil {
			return r.peer, r.action, r.blocks, nil
		}
		lastErr = r.err
	}
	if lastErr == nil {
		lastErr = ErrNoCandidates
	}
	return nil, ActionNone, nil, lastErr
}
