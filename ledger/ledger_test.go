package ledger

import (
	"testing"
	"time"

	"github.com/tolelom/upbft-dag/crypto"
	"github.com/tolelom/upbft-dag/events"
	"github.com/tolelom/upbft-dag/trust"
)

func newTestLedger(t *testing.T, validators []string) (*Ledger, crypto.PrivateKey) {
	t.Helper()
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	tm := trust.New(validators, nil)
	l := New(pub, priv, tm, events.NewEmitter(), 3, 5*time.Second, 0.95)
	return l, priv
}

func TestGenesisBlockInvariants(t *testing.T) {
	l, _ := newTestLedger(t, []string{"A"})
	blocks := l.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 genesis block, got %d", len(blocks))
	}
	g := blocks[0]
	if g.Index != 0 || len(g.ParentHashes) != 0 || g.Proposer != "System" || g.TrustScoreSnapshot != 1.0 {
		t.Errorf("genesis block does not match spec invariants: %+v", g)
	}
}

func TestAddBlockAppendsOnAcceptance(t *testing.T) {
	l, priv := newTestLedger(t, []string{"A"})
	// The only parent is genesis (weight 1.0); with one stored block the
	// adjusted threshold is max(0.5*1.0, 0.7*1.0) * 0.75 = 0.525.
	block, outcome, err := l.AddBlock([]string{"tx1"}, "A", priv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("expected Accepted, got %v", outcome)
	}
	if block == nil || block.Index != 1 {
		t.Fatalf("expected block at index 1, got %+v", block)
	}
	if l.Height() != 2 {
		t.Errorf("expected ledger height 2, got %d", l.Height())
	}
}

func TestAddBlockRejectsBlacklistedProposer(t *testing.T) {
	l, priv := newTestLedger(t, []string{"A"})
	// PenalizeFailure multiplies the score by 0.7 every third call; 15 calls
	// (5 rounds) drives even a worst-case starting score of 1.0 below the
	// blacklist threshold (1.0 * 0.7^5 ≈ 0.168), regardless of the random
	// initial draw from [0.5, 1.0].
	for i := 0; i < 15; i++ {
		l.trust.PenalizeFailure("A")
	}
	if !l.trust.IsBlacklisted("A") {
		t.Fatalf("expected validator A to be blacklisted after repeated failures")
	}

	_, outcome, err := l.AddBlock([]string{"tx1"}, "A", priv)
	if err == nil {
		t.Fatalf("expected error for blacklisted proposer")
	}
	if outcome != Rejected {
		t.Errorf("expected Rejected, got %v", outcome)
	}
}

func TestCheckConflictsDetectsDuplicateTransaction(t *testing.T) {
	l, priv := newTestLedger(t, []string{"A"})
	if _, outcome, err := l.AddBlock([]string{"tx1"}, "A", priv); err != nil || outcome != Accepted {
		t.Fatalf("setup block failed: outcome=%v err=%v", outcome, err)
	}

	outcome := l.CheckConflicts([]string{"tx1"})
	if outcome != Retry {
		t.Errorf("expected Retry for a recent duplicate, got %v", outcome)
	}
}

func TestValidateDAGDetectsTamperedHash(t *testing.T) {
	l, priv := newTestLedger(t, []string{"A"})
	if _, outcome, err := l.AddBlock([]string{"tx1"}, "A", priv); err != nil || outcome != Accepted {
		t.Fatalf("setup block failed: outcome=%v err=%v", outcome, err)
	}
	if err := l.ValidateDAG(); err != nil {
		t.Fatalf("expected valid DAG, got %v", err)
	}

	l.blocks[1].Transactions = append(l.blocks[1].Transactions, "tx-injected")
	if err := l.ValidateDAG(); err == nil {
		t.Errorf("expected ValidateDAG to detect the tampered block")
	}
}

func TestSelectParentsReturnsGenesisWhenOnlyBlock(t *testing.T) {
	l, _ := newTestLedger(t, []string{"A"})
	l.mu.Lock()
	parents := l.selectParents()
	l.mu.Unlock()
	if len(parents) != 1 || parents[0] != l.blocks[0].Hash {
		t.Errorf("expected single genesis parent, got %v", parents)
	}
}
