package dht

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/zhtp-network/zhtp/internal/identity"
	"github.com/zhtp-network/zhtp/internal/kademlia"
	"github.com/zhtp-network/zhtp/internal/kvstore"
	"github.com/zhtp-network/zhtp/internal/obs"
	"github.com/zhtp-network/zhtp/internal/registry"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

func nid(b byte) identity.NodeID {
	var n identity.NodeID
	n[0] = b
	return n
}

func TestMerkleProveVerify(t *testing.T) {
	value := bytes.Repeat([]byte("a"), BlockSize*5+100)
	root := MerkleRoot(value)

	block, proof, err := ProveBlock(value, 3)
	if err != nil {
		t.Fatalf("ProveBlock: %v", err)
	}
	if !VerifyBlockProof(root, block, proof) {
		t.Fatal("valid proof rejected")
	}

	tampered := append([]byte{}, block...)
	tampered[0] ^= 0xff
	if VerifyBlockProof(root, tampered, proof) {
		t.Fatal("tampered block accepted")
	}
}

func TestMerkleProveOutOfRange(t *testing.T) {
	value := bytes.Repeat([]byte("a"), BlockSize*2)
	if _, _, err := ProveBlock(value, 99); err == nil {
		t.Fatal("expected out-of-range block index to error")
	}
}

func newTestNode(t *testing.T, self byte, storeRPC StoreFn, getRPC GetFn) *Node {
	t.Helper()
	local := nid(self)
	reg := registry.New(local, K, 0)
	router := kademlia.NewRouter(local, reg)
	kv, err := kvstore.Open("")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	store := NewContentStore(kv)
	metrics := obs.NewMetrics(nil)
	return NewNode(local, reg, router, store, metrics, storeRPC, getRPC)
}

func TestPutInsufficientReplicationWithNoPeers(t *testing.T) {
	node := newTestNode(t, 1,
		func(ctx context.Context, peer *registry.PeerEntry, hash zcrypto.Hash, value []byte) (bool, error) {
			return true, nil
		},
		func(ctx context.Context, peer *registry.PeerEntry, hash zcrypto.Hash) ([]byte, []*registry.PeerEntry, bool, error) {
			return nil, nil, false, nil
		},
	)

	_, err := node.Put(context.Background(), []byte("payload"), 3, time.Second)
	if err != ErrInsufficientReplication {
		t.Fatalf("expected ErrInsufficientReplication with zero known peers, got %v", err)
	}
}

func TestGetFindsLocalValueWithoutRPC(t *testing.T) {
	called := false
	node := newTestNode(t, 1,
		nil,
		func(ctx context.Context, peer *registry.PeerEntry, hash zcrypto.Hash) ([]byte, []*registry.PeerEntry, bool, error) {
			called = true
			return nil, nil, false, nil
		},
	)

	value := []byte("local-value")
	hash := zcrypto.BLAKE3(value)
	if err := node.store.Put(&Record{ContentHash: hash, Value: value}); err != nil {
		t.Fatalf("store.Put: %v", err)
	}

	got, err := node.Get(context.Background(), hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatal("returned value mismatch")
	}
	if called {
		t.Fatal("Get should not issue RPCs when the value is stored locally")
	}
}

func TestVerifyChallengeRejectsStaleProof(t *testing.T) {
	value := bytes.Repeat([]byte("a"), BlockSize*2)
	root := MerkleRoot(value)
	block, proof, err := ProveBlock(value, 0)
	if err != nil {
		t.Fatal(err)
	}
	ch := Challenge{Kind: ProofOfStorage, IssuedAt: time.Now().Add(-time.Hour)}
	resp := &ChallengeResponse{Block: block, Proof: proof}
	if err := VerifyChallenge(ch, resp, root, time.Minute); err != ErrProofTooOld {
		t.Fatalf("expected ErrProofTooOld, got %v", err)
	}
}

func TestVerifyChallengeOnNodeAcceptsValidProof(t *testing.T) {
	node := newTestNode(t, 1, nil, nil)

	value := bytes.Repeat([]byte("a"), BlockSize*2)
	root := MerkleRoot(value)
	block, proof, err := ProveBlock(value, 0)
	if err != nil {
		t.Fatal(err)
	}
	ch := Challenge{Kind: ProofOfStorage, IssuedAt: time.Now()}
	resp := &ChallengeResponse{Block: block, Proof: proof}

	if err := node.VerifyChallengeOnNode(ch, resp, root, time.Minute); err != nil {
		t.Fatalf("expected valid proof to verify, got %v", err)
	}
}
