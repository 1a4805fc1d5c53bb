// Package registry implements the unified peer registry of spec.md §4.4: a
// map<NodeId, PeerEntry> with a secondary bucket-index derivative index,
// reputation-gated admission, reputation-weighted eviction/selection, and
// failure-threshold eviction. Grounded on peer_management.rs's
// DhtPeerManager (reputation gating on add_peer, reputation-ordered
// evict_worst_peer/get_best_peers, failure counting) generalized from a
// DHT-only peer map into the registry the Kademlia router and UHP
// handshake both populate.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/obs"
)

// FailureThreshold is the number of consecutive failed attempts beyond
// which a peer becomes eligible for eviction (FailedAttempts >
// FailureThreshold; spec.md §4.4 add_node rule).
const FailureThreshold = 8

var (
	ErrSelf          = errors.New("registry: cannot add self as peer")
	ErrEmptyPubKey   = errors.New("registry: peer has empty public key")
	ErrUnverified    = errors.New("registry: peer NodeId is not verified")
	ErrBucketFull    = errors.New("registry: bucket full and no evictable peer")
	ErrNotFound      = errors.New("registry: peer not found")
	ErrLowReputation = errors.New("registry: peer reputation below registry minimum")
)

// Endpoint is one reachable address for a peer: transport protocol,
// network address, and the most recently observed link-quality sample.
// PeerEntry.Endpoints is kept ordered most-preferred first (spec.md §3:
// "ordered endpoints (protocol+address+latency+reliability)").
type Endpoint struct {
	Protocol    string
	Address     string
	Latency     time.Duration
	Reliability float64
}

// PeerEntry is one routing-table row: everything the Kademlia router,
// mesh transports, and validator selection need about a peer.
type PeerEntry struct {
	NodeID         identity.NodeID
	DID            identity.DID
	PQPubKey       []byte
	KyberPub       []byte
	Endpoints      []Endpoint
	Reputation     float64 // spec.md §3: reputation ∈ [0, ∞)
	BucketIndex    int
	FailedAttempts int
	LastSeen       time.Time
	Verified       bool
}

// Registry is the map<NodeId, PeerEntry> plus bucket_index secondary index
// spec.md §4.4 names. Safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	local         identity.NodeID
	kBucket       int     // bucket capacity (k), e.g. 20
	minReputation float64 // peer_management.rs's min_reputation add_peer gate
	peers         map[identity.NodeID]*PeerEntry
	buckets       map[int][]identity.NodeID
	metrics       *obs.Metrics
}

// New constructs a Registry with bucket capacity k. minReputation is the
// admission floor AddNode enforces (peer_management.rs's add_peer
// "reputation below minimum" rejection); pass 0 to accept any reputation.
func New(local identity.NodeID, k int, minReputation float64) *Registry {
	return &Registry{
		local:         local,
		kBucket:       k,
		minReputation: minReputation,
		peers:         make(map[identity.NodeID]*PeerEntry),
		buckets:       make(map[int][]identity.NodeID),
	}
}

// SetMetrics attaches a metrics sink used by MarkFailed. Optional; a nil
// sink (the default) disables instrumentation.
func (r *Registry) SetMetrics(m *obs.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
}

// AddNode implements spec.md §4.4's add_node: reject self, reject empty
// pubkey, reject an unverified NodeId (the caller must have already run a
// NodeId-ownership challenge), reject a peer whose reputation is below the
// registry's minimum (peer_management.rs's add_peer gate), and on a full
// bucket try to evict the lowest-reputation failed peer before rejecting
// with ErrBucketFull.
func (r *Registry) AddNode(entry *PeerEntry) error {
	if entry.NodeID == r.local {
		return ErrSelf
	}
	if len(entry.PQPubKey) == 0 {
		return ErrEmptyPubKey
	}
	if !entry.Verified {
		return ErrUnverified
	}
	if entry.Reputation < r.minReputation {
		return ErrLowReputation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[entry.NodeID]; ok {
		existing.DID = entry.DID
		existing.PQPubKey = entry.PQPubKey
		existing.KyberPub = entry.KyberPub
		existing.Endpoints = entry.Endpoints
		existing.Reputation = entry.Reputation
		existing.LastSeen = time.Now()
		return nil
	}

	bucket := r.buckets[entry.BucketIndex]
	if len(bucket) >= r.kBucket {
		if evicted := r.evictFailedLocked(entry.BucketIndex); !evicted {
			return ErrBucketFull
		}
		bucket = r.buckets[entry.BucketIndex]
	}

	entry.LastSeen = time.Now()
	r.peers[entry.NodeID] = entry
	r.buckets[entry.BucketIndex] = append(bucket, entry.NodeID)
	return nil
}

// evictFailedLocked removes the peer in bucketIdx with the lowest
// reputation among those whose FailedAttempts exceeds FailureThreshold,
// mirroring peer_management.rs's reputation-ordered evict_worst_peer
// rather than evicting the first failed peer found. Caller must hold r.mu.
func (r *Registry) evictFailedLocked(bucketIdx int) bool {
	ids := r.buckets[bucketIdx]
	worstIdx := -1
	var worst *PeerEntry
	for i, id := range ids {
		p, ok := r.peers[id]
		if !ok || p.FailedAttempts <= FailureThreshold {
			continue
		}
		if worst == nil || p.Reputation < worst.Reputation {
			worst = p
			worstIdx = i
		}
	}
	if worstIdx == -1 {
		return false
	}
	delete(r.peers, ids[worstIdx])
	r.buckets[bucketIdx] = append(ids[:worstIdx], ids[worstIdx+1:]...)
	return true
}

// UpdateReputation adjusts a peer's reputation by delta, clamped to the
// spec.md §3 invariant reputation ∈ [0, ∞). This is the "update-reputation"
// writer op spec.md §5's shared-resource policy names alongside add/remove
// as the registry's brief, lock-holding mutations.
func (r *Registry) UpdateReputation(id identity.NodeID, delta float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return ErrNotFound
	}
	p.Reputation += delta
	if p.Reputation < 0 {
		p.Reputation = 0
	}
	return nil
}

// BestPeers ranks known peers by a combined latency+reputation score,
// highest first, and returns up to n of them. Grounded on
// peer_management.rs's get_best_peers (latency_score + reputation/1000).
func (r *Registry) BestPeers(n int) []*PeerEntry {
	r.mu.RLock()
	all := make([]*PeerEntry, 0, len(r.peers))
	for _, p := range r.peers {
		all = append(all, p)
	}
	r.mu.RUnlock()

	score := func(p *PeerEntry) float64 {
		latencyScore := 0.0
		if len(p.Endpoints) > 0 && p.Endpoints[0].Latency > 0 {
			latencyScore = 1.0 / (p.Endpoints[0].Latency.Seconds() + 1.0)
		}
		return latencyScore + p.Reputation/1000.0
	}
	sort.Slice(all, func(i, j int) bool { return score(all[i]) > score(all[j]) })
	if n < len(all) {
		all = all[:n]
	}
	return all
}

// MarkResponsive resets a peer's failure counter and refreshes last-seen.
func (r *Registry) MarkResponsive(id identity.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[id]; ok {
		p.FailedAttempts = 0
		p.LastSeen = time.Now()
	}
}

// MarkFailed increments a peer's failure counter, evicting it once it
// exceeds FailureThreshold.
func (r *Registry) MarkFailed(id identity.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return
	}
	p.FailedAttempts++
	if r.metrics != nil {
		r.metrics.PeerFailures.Inc()
	}
	if p.FailedAttempts > FailureThreshold {
		delete(r.peers, id)
		ids := r.buckets[p.BucketIndex]
		for i, other := range ids {
			if other == id {
				r.buckets[p.BucketIndex] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
}

// Get returns a copy-free pointer to the peer entry, or ErrNotFound.
func (r *Registry) Get(id identity.NodeID) (*PeerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

// All returns every peer entry currently known, in no particular order.
func (r *Registry) All() []*PeerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerEntry, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// BucketsNeedingRefresh returns the indices of buckets whose newest
// LastSeen entry exceeds interval, per spec.md §4.4.
func (r *Registry) BucketsNeedingRefresh(interval time.Duration) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := time.Now()
	var stale []int
	for idx, ids := range r.buckets {
		if len(ids) == 0 {
			continue
		}
		newest := time.Time{}
		for _, id := range ids {
			if p, ok := r.peers[id]; ok && p.LastSeen.After(newest) {
				newest = p.LastSeen
			}
		}
		if now.Sub(newest) > interval {
			stale = append(stale, idx)
		}
	}
	return stale
}

// Count returns the total number of registered peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
