package chain

import (
	"testing"
	"time"

	"github.com/zhtp-network/zhtp/internal/zkoracle"
)

func genesisBlock() *Block {
	b := &Block{Header: Header{Version: 1, Height: 0, Timestamp: time.Unix(0, 0)}}
	b.Header.MerkleRoot = b.merkleRootOf()
	return b
}

func newTestChain() (*Chain, *Mempool) {
	mp := NewMempool()
	c := NewChain(zkoracle.NewMockOracle(), mp, nil)
	return c, mp
}

func TestAppendBlockHeightAndParentChecks(t *testing.T) {
	c, _ := newTestChain()
	genesis := genesisBlock()
	if err := c.SetGenesis(genesis); err != nil {
		t.Fatalf("SetGenesis: %v", err)
	}

	now := time.Unix(100, 0)
	block, err := c.ProduceBlock(10, now)
	if err != nil {
		t.Fatalf("ProduceBlock: %v", err)
	}
	if err := c.AppendBlock(block, now); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if c.Tip().Header.Height != 1 {
		t.Fatalf("expected tip height 1, got %d", c.Tip().Header.Height)
	}
	if c.CumulativeDifficulty() != 10 {
		t.Fatalf("expected cumulative difficulty 10, got %d", c.CumulativeDifficulty())
	}
}

func TestAppendBlockRejectsWrongParent(t *testing.T) {
	c, _ := newTestChain()
	if err := c.SetGenesis(genesisBlock()); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100, 0)
	block, err := c.ProduceBlock(5, now)
	if err != nil {
		t.Fatal(err)
	}
	block.Header.PrevHash[0] ^= 0xff
	if err := c.AppendBlock(block, now); err != ErrUnknownParent {
		t.Fatalf("expected ErrUnknownParent, got %v", err)
	}
}

func TestAppendBlockRejectsBadTimestamp(t *testing.T) {
	c, _ := newTestChain()
	if err := c.SetGenesis(genesisBlock()); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100, 0)
	block, err := c.ProduceBlock(5, now)
	if err != nil {
		t.Fatal(err)
	}
	block.Header.Timestamp = now.Add(10 * time.Hour)
	if err := c.AppendBlock(block, now); err != ErrBadTimestamp {
		t.Fatalf("expected ErrBadTimestamp, got %v", err)
	}
}

func TestAppendBlockRejectsBadMerkleRoot(t *testing.T) {
	c, _ := newTestChain()
	if err := c.SetGenesis(genesisBlock()); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100, 0)
	block, err := c.ProduceBlock(5, now)
	if err != nil {
		t.Fatal(err)
	}
	block.Header.MerkleRoot[0] ^= 0xff
	if err := c.AppendBlock(block, now); err != ErrBadMerkleRoot {
		t.Fatalf("expected ErrBadMerkleRoot, got %v", err)
	}
}

func TestChainMonotonicity(t *testing.T) {
	c, _ := newTestChain()
	if err := c.SetGenesis(genesisBlock()); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100, 0)

	var prevCum uint64
	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		block, err := c.ProduceBlock(uint64(i+1), now)
		if err != nil {
			t.Fatalf("ProduceBlock: %v", err)
		}
		if err := c.AppendBlock(block, now); err != nil {
			t.Fatalf("AppendBlock: %v", err)
		}
		if block.Header.CumulativeDifficulty < prevCum {
			t.Fatal("cumulative difficulty decreased")
		}
		prevCum = block.Header.CumulativeDifficulty
	}
	if c.Tip().Header.Height != 5 {
		t.Fatalf("expected height 5, got %d", c.Tip().Header.Height)
	}
}

func TestReorgAdoptsHigherDifficulty(t *testing.T) {
	c, _ := newTestChain()
	if err := c.SetGenesis(genesisBlock()); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100, 0)
	block, err := c.ProduceBlock(5, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.AppendBlock(block, now); err != nil {
		t.Fatal(err)
	}

	competitor := &Block{Header: Header{
		Version: 1, PrevHash: genesisBlock().Hash(), Height: 1,
		Timestamp: now, Difficulty: 50, CumulativeDifficulty: 50,
	}}
	competitor.Header.MerkleRoot = competitor.merkleRootOf()

	adopted, _ := c.ReorgIfBetter(competitor)
	if !adopted {
		t.Fatal("expected higher-difficulty competitor to be adopted")
	}
	if c.Tip().Header.CumulativeDifficulty != 50 {
		t.Fatalf("expected tip cumulative difficulty 50, got %d", c.Tip().Header.CumulativeDifficulty)
	}
}

func TestRewardTransactionInvariants(t *testing.T) {
	tx := Transaction{Kind: TxReward, Outputs: []TxOutput{{Amount: MaxSingleClaim + 1}}}
	tx.Outputs[0].NodeID[0] = 1
	if err := (&Chain{}).validateTransactionLocked(&tx); err == nil {
		t.Fatal("expected amount above MaxSingleClaim to be rejected")
	}
}

func TestMempoolDedupAndFeeOrdering(t *testing.T) {
	mp := NewMempool()
	low := Transaction{Kind: TxTransfer, Fee: 1}
	high := Transaction{Kind: TxTransfer, Fee: 100, Memo: []byte("high")}

	if err := mp.Submit(low, nil, nil); err != nil {
		t.Fatalf("Submit low: %v", err)
	}
	if err := mp.Submit(high, nil, nil); err != nil {
		t.Fatalf("Submit high: %v", err)
	}
	if err := mp.Submit(low, nil, nil); err != ErrDuplicateTx {
		t.Fatalf("expected ErrDuplicateTx, got %v", err)
	}

	collected := mp.CollectForBlock(10)
	if len(collected) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(collected))
	}
	if collected[0].Fee != 100 {
		t.Fatalf("expected highest-fee transaction first, got fee=%d", collected[0].Fee)
	}
}

func TestMempoolRejectsOversizedMemo(t *testing.T) {
	mp := NewMempool()
	tx := Transaction{Kind: TxTransfer, Memo: make([]byte, MaxMemoBytes+1)}
	if err := mp.Submit(tx, nil, nil); err != ErrMemoTooLong {
		t.Fatalf("expected ErrMemoTooLong, got %v", err)
	}
}
