// Package dht implements the Kademlia-style content store of spec.md §4.6:
// content-addressed PUT/GET against the K closest peers, α-parallel
// iterative lookups, and the proof-of-storage/retrieval/periodic-audit
// challenge protocol with Merkle-proof verification.
//
// Grounded on peer_management.rs's reputation/failure-count idiom for
// challenge outcomes, routing.rs's K-bucket closest-peer lookup
// (generalized here into the PUT/GET fan-out), and qzmq's explicit
// sentinel-error style for protocol failures.
package dht

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/kademlia"
	"github.com/zhtp-network/zhtp/internal/kvstore"
	"github.com/zhtp-network/zhtp/internal/obs"
	"github.com/zhtp-network/zhtp/internal/registry"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

// K is the replica-set size: PUT replicates to the K closest NodeIds.
const K = 20

// Alpha is the Kademlia lookup parallelism for GET.
const Alpha = 3

// MaxLookupDepth bounds the recursive GET fallback over closest-hints.
const MaxLookupDepth = 4

var (
	ErrInsufficientReplication = errors.New("dht: insufficient replication")
	ErrNotFound                = errors.New("dht: content not found")
	ErrProofTooOld             = errors.New("dht: proof response older than max_proof_age")
	ErrProofInvalid            = errors.New("dht: proof failed verification")
)

// StoreFn sends a Store(content_hash, value) RPC to peer and reports
// whether it acked. GetFn queries peer for content_hash, returning the
// value (if held) and a set of closer-peer hints. Both model the
// mesh-carried RPCs spec.md §4.6 describes; production wiring supplies
// implementations backed by internal/mesh and internal/protocol.
type StoreFn func(ctx context.Context, peer *registry.PeerEntry, contentHash zcrypto.Hash, value []byte) (acked bool, err error)
type GetFn func(ctx context.Context, peer *registry.PeerEntry, contentHash zcrypto.Hash) (value []byte, hints []*registry.PeerEntry, found bool, err error)

// Record is one stored content item, per spec.md §3's DHT record type.
type Record struct {
	ContentHash zcrypto.Hash
	Value       []byte
	Replicas    []identity.NodeID
	StorageTier int
	ExpiresAt   *time.Time
	ProofState  int
}

// ContentStore persists DHT records in the embedded KV store, keyed by
// content hash.
type ContentStore struct {
	kv kvstore.Store
}

func NewContentStore(kv kvstore.Store) *ContentStore {
	return &ContentStore{kv: kv}
}

func (c *ContentStore) Put(rec *Record) error {
	return c.kv.Put(rec.ContentHash.Bytes(), rec.Value)
}

func (c *ContentStore) Get(hash zcrypto.Hash) ([]byte, error) {
	return c.kv.Get(hash.Bytes())
}

func (c *ContentStore) Has(hash zcrypto.Hash) (bool, error) {
	return c.kv.Has(hash.Bytes())
}

// Node ties a ContentStore to the registry/router used to find replicas
// and replicate/retrieve content across the mesh.
type Node struct {
	local   identity.NodeID
	reg     *registry.Registry
	router  *kademlia.Router
	store   *ContentStore
	metrics *obs.Metrics

	storeRPC StoreFn
	getRPC   GetFn
}

func NewNode(local identity.NodeID, reg *registry.Registry, router *kademlia.Router, store *ContentStore, metrics *obs.Metrics, storeRPC StoreFn, getRPC GetFn) *Node {
	return &Node{
		local:    local,
		reg:      reg,
		router:   router,
		store:    store,
		metrics:  metrics,
		storeRPC: storeRPC,
		getRPC:   getRPC,
	}
}

// Put implements spec.md §4.6's PUT: hash value, find the K closest
// NodeIds, replicate to all of them, and require at least RF acks within
// deadline.
func (n *Node) Put(ctx context.Context, value []byte, rf int, deadline time.Duration) (*Record, error) {
	if rf > K {
		rf = K
	}
	contentHash := zcrypto.BLAKE3(value)
	targets := n.router.FindClosest(identity.NodeID(contentHash), K)

	rec := &Record{ContentHash: contentHash, Value: value, StorageTier: 0}
	if err := n.store.Put(rec); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	acked := make(chan identity.NodeID, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range targets {
		peer := peer
		g.Go(func() error {
			ok, err := n.storeRPC(gctx, peer, contentHash, value)
			if err != nil {
				n.reg.MarkFailed(peer.NodeID)
				return nil
			}
			if ok {
				n.reg.MarkResponsive(peer.NodeID)
				acked <- peer.NodeID
			} else {
				n.reg.MarkFailed(peer.NodeID)
			}
			return nil
		})
	}
	_ = g.Wait()
	close(acked)

	for id := range acked {
		rec.Replicas = append(rec.Replicas, id)
	}
	if n.metrics != nil {
		n.metrics.DHTPuts.WithLabelValues("attempted").Inc()
	}
	if len(rec.Replicas) < rf {
		if n.metrics != nil {
			n.metrics.DHTPuts.WithLabelValues("insufficient_replication").Inc()
		}
		return rec, ErrInsufficientReplication
	}
	if n.metrics != nil {
		n.metrics.DHTPuts.WithLabelValues("ok").Inc()
	}
	return rec, nil
}

// Get implements spec.md §4.6's GET: α-parallel iterative lookup over
// progressively closer peers, stopping on the first value whose hash
// matches, recursing on hint peers up to MaxLookupDepth.
func (n *Node) Get(ctx context.Context, contentHash zcrypto.Hash) ([]byte, error) {
	if local, err := n.store.Get(contentHash); err == nil {
		return local, nil
	}

	frontier := n.router.FindClosest(identity.NodeID(contentHash), K)
	seen := map[identity.NodeID]bool{n.local: true}

	for depth := 0; depth < MaxLookupDepth && len(frontier) > 0; depth++ {
		batch := frontier
		if len(batch) > Alpha {
			batch = batch[:Alpha]
		}
		remaining := frontier[len(batch):]

		g, gctx := errgroup.WithContext(ctx)
		type found struct {
			value []byte
			hints []*registry.PeerEntry
		}
		results := make(chan found, len(batch))
		for _, peer := range batch {
			peer := peer
			if seen[peer.NodeID] {
				continue
			}
			seen[peer.NodeID] = true
			g.Go(func() error {
				value, hints, ok, err := n.getRPC(gctx, peer, contentHash)
				if err != nil {
					n.reg.MarkFailed(peer.NodeID)
					return nil
				}
				n.reg.MarkResponsive(peer.NodeID)
				if ok && zcrypto.BLAKE3(value) == contentHash {
					results <- found{value: value}
					return nil
				}
				results <- found{hints: hints}
				return nil
			})
		}
		_ = g.Wait()
		close(results)

		var nextHints []*registry.PeerEntry
		for r := range results {
			if r.value != nil {
				if n.metrics != nil {
					n.metrics.DHTGets.WithLabelValues("hit").Inc()
				}
				return r.value, nil
			}
			nextHints = append(nextHints, r.hints...)
		}
		frontier = append(append([]*registry.PeerEntry{}, remaining...), nextHints...)
	}
	if n.metrics != nil {
		n.metrics.DHTGets.WithLabelValues("miss").Inc()
	}
	return nil, ErrNotFound
}

// ChallengeKind distinguishes the three audit modes of spec.md §4.6.
type ChallengeKind int

const (
	ProofOfStorage ChallengeKind = iota
	ProofOfRetrieval
	PeriodicAudit
)

func (k ChallengeKind) String() string {
	switch k {
	case ProofOfStorage:
		return "proof_of_storage"
	case ProofOfRetrieval:
		return "proof_of_retrieval"
	case PeriodicAudit:
		return "periodic_audit"
	default:
		return "unknown"
	}
}

// Challenge is sent by a challenger to a claimant holding ContentHash.
type Challenge struct {
	Kind        ChallengeKind
	ContentHash zcrypto.Hash
	BlockIndex  int
	IssuedAt    time.Time
}

// ChallengeResponse is the claimant's reply: the requested block plus a
// Merkle proof against the content's root.
type ChallengeResponse struct {
	Block []byte
	Proof MerkleProof
}

// NewChallenge picks a random block index in [0, total_blocks) of the
// claimant's stored content, per spec.md §4.6.
func NewChallenge(kind ChallengeKind, contentHash zcrypto.Hash, totalBlocks int) Challenge {
	idx := 0
	if totalBlocks > 0 {
		idx = rand.Intn(totalBlocks)
	}
	return Challenge{Kind: kind, ContentHash: contentHash, BlockIndex: idx, IssuedAt: time.Now()}
}

// RespondToChallenge builds the claimant's response from its locally
// stored value.
func (n *Node) RespondToChallenge(ch Challenge) (*ChallengeResponse, error) {
	value, err := n.store.Get(ch.ContentHash)
	if err != nil {
		return nil, err
	}
	block, proof, err := ProveBlock(value, ch.BlockIndex)
	if err != nil {
		return nil, err
	}
	return &ChallengeResponse{Block: block, Proof: proof}, nil
}

// VerifyChallenge checks resp against root within maxProofAge of when ch
// was issued. On failure the caller is expected to call
// registry.MarkFailed on the claimant and, if the claimant is also a
// validator, route into the slashing path (internal/dao).
func VerifyChallenge(ch Challenge, resp *ChallengeResponse, root zcrypto.Hash, maxProofAge time.Duration) error {
	if time.Since(ch.IssuedAt) > maxProofAge {
		return ErrProofTooOld
	}
	if !VerifyBlockProof(root, resp.Block, resp.Proof) {
		return ErrProofInvalid
	}
	return nil
}

// VerifyChallengeOnNode calls VerifyChallenge and records the outcome on
// n's metrics sink, if one was supplied to NewNode.
func (n *Node) VerifyChallengeOnNode(ch Challenge, resp *ChallengeResponse, root zcrypto.Hash, maxProofAge time.Duration) error {
	err := VerifyChallenge(ch, resp, root, maxProofAge)
	if n.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		n.metrics.DHTChallenges.WithLabelValues(ch.Kind.String(), outcome).Inc()
	}
	return err
}
