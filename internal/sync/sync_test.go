package sync

import (
	"context"
	"testing"

	"github.com/zhtp-network/zhtp/internal/chain"
	"github.com/zhtp-network/zhtp/internal/kvstore"
	"github.com/zhtp-network/zhtp/internal/zcrypto"
)

type fakePeer struct {
	addr        string
	tip         Tip
	fullChain   []*chain.Block
	rangeBlocks map[uint64]*chain.Block
	err         error
}

func (p *fakePeer) Addr() string { return p.addr }

func (p *fakePeer) FetchTip(ctx context.Context) (Tip, error) {
	if p.err != nil {
		return Tip{}, p.err
	}
	return p.tip, nil
}

func (p *fakePeer) FetchFullChain(ctx context.Context) ([]*chain.Block, error) {
	return p.fullChain, p.err
}

func (p *fakePeer) FetchBlockRange(ctx context.Context, from, to uint64) ([]*chain.Block, error) {
	var out []*chain.Block
	for h := from; h <= to; h++ {
		if b, ok := p.rangeBlocks[h]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func TestReconcileGenesisMismatchFetchesFullChain(t *testing.T) {
	local := LocalState{Height: 10, GenesisHash: zcrypto.Hash{1}}
	peer := &fakePeer{tip: Tip{Height: 20, GenesisHash: zcrypto.Hash{2}}, fullChain: []*chain.Block{{}}}

	action, blocks, err := Reconcile(context.Background(), local, peer)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if action != ActionEvaluateAndMergeFullChain {
		t.Fatalf("expected ActionEvaluateAndMergeFullChain, got %v", action)
	}
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block from full chain, got %d", len(blocks))
	}
}

func TestReconcileFetchesRangeInChunks(t *testing.T) {
	local := LocalState{Height: 0, GenesisHash: zcrypto.Hash{9}}
	rangeBlocks := make(map[uint64]*chain.Block)
	for h := uint64(1); h <= 1500; h++ {
		rangeBlocks[h] = &chain.Block{Header: chain.Header{Height: h}}
	}
	peer := &fakePeer{tip: Tip{Height: 1500, GenesisHash: zcrypto.Hash{9}}, rangeBlocks: rangeBlocks}

	action, blocks, err := Reconcile(context.Background(), local, peer)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if action != ActionFetchRange {
		t.Fatalf("expected ActionFetchRange, got %v", action)
	}
	if len(blocks) != 1500 {
		t.Fatalf("expected 1500 blocks across chunks, got %d", len(blocks))
	}
}

func TestReconcileNoneWhenInSync(t *testing.T) {
	local := LocalState{Height: 5, GenesisHash: zcrypto.Hash{1}, IdentityCount: 3, ValidatorCount: 4}
	peer := &fakePeer{tip: Tip{Height: 5, GenesisHash: zcrypto.Hash{1}, IdentityCount: 3, ValidatorCount: 4}}

	action, _, err := Reconcile(context.Background(), local, peer)
	if err != nil {
		t.Fatal(err)
	}
	if action != ActionNone {
		t.Fatalf("expected ActionNone, got %v", action)
	}
}

func TestEvaluateAndMergeAdoptsHigherDifficulty(t *testing.T) {
	alt := []*chain.Block{{Header: chain.Header{CumulativeDifficulty: 100}}}
	if !EvaluateAndMerge(50, alt) {
		t.Fatal("expected adoption of higher-difficulty alternative")
	}
	if EvaluateAndMerge(500, alt) {
		t.Fatal("expected rejection of lower-difficulty alternative")
	}
}

func TestTrustStoreTOFUPinsOnFirstContact(t *testing.T) {
	kv, err := kvstore.Open("")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	defer kv.Close()
	ts := NewTrustStore(kv)

	spki := zcrypto.Hash{7}
	if err := ts.Verify(TrustTOFU, "peer.example", spki, 1000); err != nil {
		t.Fatalf("first contact should pin: %v", err)
	}
	if err := ts.Verify(TrustTOFU, "peer.example", spki, 2000); err != nil {
		t.Fatalf("matching SPKI should verify: %v", err)
	}
	other := zcrypto.Hash{8}
	if err := ts.Verify(TrustTOFU, "peer.example", other, 3000); err != ErrTrustMismatch {
		t.Fatalf("expected ErrTrustMismatch, got %v", err)
	}
}

func TestTrustStorePinnedRequiresExistingRecord(t *testing.T) {
	kv, err := kvstore.Open("")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	defer kv.Close()
	ts := NewTrustStore(kv)

	if err := ts.Verify(TrustPinned, "unknown.example", zcrypto.Hash{1}, 0); err == nil {
		t.Fatal("expected Pinned mode to reject an unknown hostname")
	}
}

func TestTrustStoreBootstrapAlwaysPasses(t *testing.T) {
	kv, err := kvstore.Open("")
	if err != nil {
		t.Fatalf("kvstore.Open: %v", err)
	}
	defer kv.Close()
	ts := NewTrustStore(kv)
	if err := ts.Verify(TrustBootstrap, "anything", zcrypto.Hash{}, 0); err != nil {
		t.Fatalf("bootstrap mode should never reject: %v", err)
	}
}
