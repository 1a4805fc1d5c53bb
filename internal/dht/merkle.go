package dht

import (
	"errors"

	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

// BlockSize is the fixed chunk size content is split into for Merkle-proof
// storage challenges (spec.md §4.6).
const BlockSize = 4096

// splitBlocks divides value into BlockSize chunks, the last one short.
func splitBlocks(value []byte) [][]byte {
	if len(value) == 0 {
		return [][]byte{{}}
	}
	var blocks [][]byte
	for i := 0; i < len(value); i += BlockSize {
		end := i + BlockSize
		if end > len(value) {
			end = len(value)
		}
		blocks = append(blocks, value[i:end])
	}
	return blocks
}

// MerkleProof is a leaf-to-root authentication path: one sibling hash per
// tree level, ordered leaf-to-root.
type MerkleProof struct {
	Siblings []zcrypto.Hash
	// LeftAtLevel[i] is true if the authenticated node was the left child
	// at level i (so Siblings[i] must be hashed on the right).
	LeftAtLevel []bool
}

// MerkleRoot builds a binary Merkle tree over value's fixed-size blocks
// and returns its root hash.
func MerkleRoot(value []byte) zcrypto.Hash {
	leaves := leafHashes(value)
	return reduceToRoot(leaves)
}

func leafHashes(value []byte) []zcrypto.Hash {
	blocks := splitBlocks(value)
	leaves := make([]zcrypto.Hash, len(blocks))
	for i, b := range blocks {
		leaves[i] = zcrypto.BLAKE3([]byte("leaf"), b)
	}
	return leaves
}

func reduceToRoot(level []zcrypto.Hash) zcrypto.Hash {
	if len(level) == 0 {
		return zcrypto.BLAKE3([]byte("empty"))
	}
	for len(level) > 1 {
		var next []zcrypto.Hash
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// Odd node out is promoted unchanged (duplicate-free
				// construction avoids second-preimage ambiguity from
				// self-pairing).
				next = append(next, level[i])
				continue
			}
			h := zcrypto.BLAKE3([]byte("node"), level[i].Bytes(), level[i+1].Bytes())
			next = append(next, h)
		}
		level = next
	}
	return level[0]
}

// ProveBlock builds a Merkle proof that blockIndex is a leaf of value's
// tree, for the proof-of-storage challenge response.
func ProveBlock(value []byte, blockIndex int) (block []byte, proof MerkleProof, err error) {
	blocks := splitBlocks(value)
	if blockIndex < 0 || blockIndex >= len(blocks) {
		return nil, MerkleProof{}, errBlockIndexOutOfRange
	}
	level := leafHashes(value)
	idx := blockIndex

	for len(level) > 1 {
		var next []zcrypto.Hash
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				if idx == i {
					idx = len(next)
				}
				next = append(next, level[i])
				continue
			}
			h := zcrypto.BLAKE3([]byte("node"), level[i].Bytes(), level[i+1].Bytes())
			if idx == i {
				proof.Siblings = append(proof.Siblings, level[i+1])
				proof.LeftAtLevel = append(proof.LeftAtLevel, true)
				idx = len(next)
			} else if idx == i+1 {
				proof.Siblings = append(proof.Siblings, level[i])
				proof.LeftAtLevel = append(proof.LeftAtLevel, false)
				idx = len(next)
			}
			next = append(next, h)
		}
		level = next
	}
	return blocks[blockIndex], proof, nil
}

// VerifyBlockProof checks that block, combined with proof, authenticates
// against root.
func VerifyBlockProof(root zcrypto.Hash, block []byte, proof MerkleProof) bool {
	h := zcrypto.BLAKE3([]byte("leaf"), block)
	for i, sib := range proof.Siblings {
		if proof.LeftAtLevel[i] {
			h = zcrypto.BLAKE3([]byte("node"), h.Bytes(), sib.Bytes())
		} else {
			h = zcrypto.BLAKE3([]byte("node"), sib.Bytes(), h.Bytes())
		}
	}
	return h == root
}

var errBlockIndexOutOfRange = errors.New("dht: block index out of range")
