// Package kademlia implements the XOR-metric routing logic of spec.md
// §4.4 on top of a registry.Registry: closest-node lookup, the
// single-bucket split rule, deterministic validator proposer selection,
// and bucket-target generation for refresh lookups.
//
// Grounded on routing.rs's K-bucket router (bucket capacity, split-only-
// the-local-bucket rule) and validator_manager.rs's select_proposer
// (mandatory sort before round-robin, since map/HashMap iteration order is
// not a contract in either language).
package kademlia

import (
	"crypto/rand"
	"sort"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/registry"
)

// NumBuckets is the number of k-buckets for the 256-bit (32-byte) NodeId
// space: one per possible shared-prefix length.
const NumBuckets = 256

// BucketIndex returns the k-bucket a peer belongs in relative to local:
// the index of the highest set bit in XOR(local, peer), i.e. 255 minus the
// shared prefix length. A distance of zero (self) has no valid bucket and
// returns -1.
func BucketIndex(local, peer identity.NodeID) int {
	for byteIdx := 0; byteIdx < len(local); byteIdx++ {
		x := local[byteIdx] ^ peer[byteIdx]
		if x == 0 {
			continue
		}
		bit := 7
		for x>>uint(bit) == 0 {
			bit--
		}
		return (len(local)-1-byteIdx)*8 + bit
	}
	return -1
}

// xorDistance computes the XOR distance as a big-endian byte array for
// ordering purposes; smaller byte-lexicographic order means closer.
func xorDistance(a, b identity.NodeID) [32]byte {
	var d [32]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

func less(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Router wraps a registry.Registry with the Kademlia lookup and
// maintenance operations spec.md §4.4 names.
type Router struct {
	local identity.NodeID
	reg   *registry.Registry
}

func NewRouter(local identity.NodeID, reg *registry.Registry) *Router {
	return &Router{local: local, reg: reg}
}

// FindClosest returns the k peers whose NodeIds are XOR-closest to
// target, sorted ascending by distance.
func (r *Router) FindClosest(target identity.NodeID, k int) []*registry.PeerEntry {
	all := r.reg.All()
	sort.Slice(all, func(i, j int) bool {
		di := xorDistance(target, all[i].NodeID)
		dj := xorDistance(target, all[j].NodeID)
		return less(di, dj)
	})
	if k > len(all) {
		k = len(all)
	}
	return all[:k]
}

// ShouldSplit implements the bucket-split rule of spec.md §4.4: split only
// the bucket containing the local NodeId, and only when that bucket is
// full. Every other full bucket simply stops admitting new peers (the
// registry's add_node rejection path), preventing unbounded growth.
func ShouldSplit(bucketIdx int, localBucketIdx int, bucketFull bool) bool {
	return bucketFull && bucketIdx == localBucketIdx
}

// BucketTarget generates a random NodeId that falls within bucket bucketIdx
// relative to local, via rejection sampling: spec.md §9 leaves the exact
// target-generation method as an Open Question (the original's
// timestamp-seeded approach is not specified precisely enough to port
// faithfully). Each attempt draws a uniformly random XOR distance below
// 2^(bucketIdx+1) and is rejected unless bit bucketIdx is set, so accepted
// targets are uniform over the bucket and each attempt succeeds with
// probability 1/2. bucketIdx must be in [0, NumBuckets).
func BucketTarget(local identity.NodeID, bucketIdx int) (identity.NodeID, error) {
	for {
		var dist [32]byte
		if _, err := rand.Read(dist[:]); err != nil {
			return identity.NodeID{}, err
		}
		topByte := len(dist) - 1 - bucketIdx/8
		for i := 0; i < topByte; i++ {
			dist[i] = 0
		}
		dist[topByte] &= byte(int(1)<<(uint(bucketIdx%8)+1) - 1)
		var candidate identity.NodeID
		for i := range candidate {
			candidate[i] = local[i] ^ dist[i]
		}
		if BucketIndex(local, candidate) == bucketIdx {
			return candidate, nil
		}
	}
}

// Validator is the minimal view select_proposer needs: an identifier to
// sort by and the capability to compare for determinism.
type Validator struct {
	ID identity.DID
}

// SelectProposer implements spec.md §4.4's select_proposer: sort the
// active validator set by DID bytes (map/slice iteration order is never a
// contract) and round-robin over (height + round).
func SelectProposer(active []Validator, height uint64, round uint32) *Validator {
	if len(active) == 0 {
		return nil
	}
	sorted := make([]Validator, len(active))
	copy(sorted, active)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	idx := (height + uint64(round)) % uint64(len(sorted))
	return &sorted[idx]
}
