package consensus

import (
	"testing"

	"github.com/tolelom/upbft-dag/config"
	"github.com/tolelom/upbft-dag/trust"
)

func testConfig(validators []string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Validators = validators
	cfg.FaultTolerance = 1
	cfg.LeaderTenureRounds = 3
	cfg.LeaderTopK = 2
	return cfg
}

func TestElectLeaderPicksFromValidCandidates(t *testing.T) {
	validators := []string{"A", "B", "C", "D"}
	tm := trust.New(validators, nil)
	e := New(testConfig(validators), validators, tm, nil)

	leader, err := e.ElectLeader(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, v := range validators {
		if v == leader {
			found = true
		}
	}
	if !found {
		t.Errorf("elected leader %q not among validators", leader)
	}
}

func TestElectLeaderNoValidCandidates(t *testing.T) {
	validators := []string{"A"}
	tm := trust.New(validators, nil)
	// Force below the candidate floor: every third PenalizeFailure multiplies
	// the score by 0.7, so 15 calls take even a starting score of 1.0 to
	// 1.0 * 0.7^5 ≈ 0.168, which is also below the blacklist threshold.
	for i := 0; i < 15; i++ {
		tm.PenalizeFailure("A")
	}

	e := New(testConfig(validators), validators, tm, nil)
	if _, err := e.ElectLeader(0); err != ErrNoValidLeader {
		t.Errorf("expected ErrNoValidLeader, got %v", err)
	}
}

func TestLeaderTenureKeepsSittingLeaderWhileTrusted(t *testing.T) {
	validators := []string{"A", "B", "C"}
	tm := trust.New(validators, nil)
	e := New(testConfig(validators), validators, tm, nil)

	first, err := e.ElectLeader(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tm.IncrementSuccessfulProposals(first)

	second, err := e.ElectLeader(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tm.TrustScore(first) > leaderTenureTrustFloor && second != first {
		t.Errorf("expected sitting leader %q to be kept, got %q", first, second)
	}
}

func TestThreePhaseCommit(t *testing.T) {
	validators := []string{"A"}
	tm := trust.New(validators, nil)
	e := New(testConfig(validators), validators, tm, nil)

	pp := e.PrePrepare("tx1")
	if pp.Phase != phasePrePrepared || pp.TransactionID != "tx1" {
		t.Fatalf("unexpected pre-prepare message: %+v", pp)
	}
	p := e.Prepare(pp)
	if p.Phase != phasePrepared || p.TransactionID != "tx1" {
		t.Fatalf("unexpected prepare message: %+v", p)
	}
	if !e.Commit(p) {
		t.Fatalf("expected commit to succeed")
	}

	perf := e.Performance()
	if perf.TotalTransactions != 1 {
		t.Errorf("expected 1 committed transaction, got %d", perf.TotalTransactions)
	}
}

func TestDetectMaliciousRemovesLowEfficiencyNodes(t *testing.T) {
	validators := []string{"A", "B"}
	tm := trust.New(validators, nil)
	e := New(testConfig(validators), validators, tm, nil)
	e.efficiencyScore["A"] = 0.1
	e.efficiencyScore["B"] = 0.9

	flagged := e.DetectMalicious()
	if len(flagged) != 1 || flagged[0] != "A" {
		t.Fatalf("expected only A flagged, got %v", flagged)
	}
	if len(e.nodes) != 1 || e.nodes[0] != "B" {
		t.Errorf("expected only B to remain active, got %v", e.nodes)
	}
}

func TestSimulateByzantineFailuresAlwaysFlags(t *testing.T) {
	validators := []string{"A", "B", "C"}
	tm := trust.New(validators, nil)
	e := New(testConfig(validators), validators, tm, nil)

	flagged := e.SimulateByzantineFailures(1.0)
	if len(flagged) != 3 {
		t.Fatalf("expected all 3 nodes flagged at failure_rate=1.0, got %v", flagged)
	}
	if len(e.nodes) != 0 {
		t.Errorf("expected no active nodes left, got %v", e.nodes)
	}
}

func TestDetectByzantineBehaviorReportsMaliciousSet(t *testing.T) {
	validators := []string{"A", "B"}
	tm := trust.New(validators, nil)
	e := New(testConfig(validators), validators, tm, nil)
	e.efficiencyScore["A"] = 0.0
	e.efficiencyScore["B"] = 0.9
	e.DetectMalicious()

	got := e.DetectByzantineBehavior()
	if len(got) != 1 || got[0] != "A" {
		t.Errorf("expected [A], got %v", got)
	}
}
