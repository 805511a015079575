// Package consensus implements the U-PBFT three-phase protocol: leader
// election over a trust-weighted validator set, followed by pre-prepare,
// prepare and commit over each transaction in a batch (spec §4.3).
package consensus

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tolelom/upbft-dag/config"
	"github.com/tolelom/upbft-dag/events"
	"github.com/tolelom/upbft-dag/trust"
)

const (
	// maliciousEfficiencyFloor is the one-time, construction-side
	// efficiency score below which a validator is flagged malicious by
	// DetectMalicious. This is distinct from trust.Model's ongoing
	// trust_score, which governs every later decision (spec §9).
	maliciousEfficiencyFloor = 0.3

	leaderCandidateTrustFloor = 0.3
	leaderTenureTrustFloor    = 0.6
)

// ErrNoValidLeader is returned by ElectLeader when no validator satisfies
// the trust, blacklist and proposal-history requirements for leadership.
var ErrNoValidLeader = errors.New("consensus: no valid leader available")

// Message is a protocol message carried through the pre-prepare, prepare
// and commit phases.
type Message struct {
	Phase         string
	TransactionID string
}

const (
	phasePrePrepared = "pre-prepared"
	phasePrepared    = "prepared"
)

type performanceMetrics struct {
	totalTransactions int
	totalTime         float64 // seconds
}

// Engine is the U-PBFT consensus engine for one validator process. It owns
// the live (non-malicious) node set, the construction-time efficiency
// scores used once by DetectMalicious, leader tenure bookkeeping and
// running performance metrics. Trust scoring itself lives in trust.Model.
type Engine struct {
	mu sync.Mutex

	cfg     *config.Config
	trust   *trust.Model
	emitter *events.Emitter

	nodes           []string
	maliciousNodes  map[string]struct{}
	efficiencyScore map[string]float64

	leader       string
	leaderRounds int

	metrics performanceMetrics
}

// New creates an Engine over validators, backed by trust for scoring
// decisions. emitter may be nil.
func New(cfg *config.Config, validators []string, trustModel *trust.Model, emitter *events.Emitter) *Engine {
	nodes := make([]string, len(validators))
	copy(nodes, validators)

	eff := make(map[string]float64, len(validators))
	for _, v := range validators {
		eff[v] = rand.Float64()
	}

	return &Engine{
		cfg:             cfg,
		trust:           trustModel,
		emitter:         emitter,
		nodes:           nodes,
		maliciousNodes:  make(map[string]struct{}),
		efficiencyScore: eff,
		metrics:         performanceMetrics{totalTime: 0.00001},
	}
}

// DetectMalicious flags validators whose one-time construction efficiency
// score is below 0.3 and removes them from the active node set (spec
// §4.3). It is a coarse, construction-time screen, separate from the
// ongoing trust.Model blacklist.
func (e *Engine) DetectMalicious() []string {
	e.mu.Lock()
	var flagged []string
	for _, node := range e.nodes {
		if e.efficiencyScore[node] < maliciousEfficiencyFloor {
			if _, already := e.maliciousNodes[node]; !already {
				e.maliciousNodes[node] = struct{}{}
				flagged = append(flagged, node)
			}
		}
	}
	if len(flagged) > 0 {
		e.nodes = filterOut(e.nodes, e.maliciousNodes)
	}
	e.mu.Unlock()

	for _, node := range flagged {
		e.emit(events.EventValidatorBlacklisted, map[string]any{
			"validator": node,
			"reason":    "low_efficiency_score",
		})
	}
	return flagged
}

func filterOut(nodes []string, excluded map[string]struct{}) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if _, skip := excluded[n]; !skip {
			out = append(out, n)
		}
	}
	return out
}

// ElectLeader selects the next leader. It applies election-time trust
// decay, retries after restoring any validator whose trust has recovered
// above the blacklist-recovery threshold, filters to validators above the
// trust floor with enough prior successful proposals (spec §4.3's
// blockCount-gated requirement), and finally either keeps the sitting
// leader (while tenure and trust hold) or draws a new one uniformly from
// the top leaderTopK trusted candidates.
func (e *Engine) ElectLeader(blockCount int) (string, error) {
	for {
		e.trust.DecayForElection()
		if recovered := e.trust.ScanBlacklist(); len(recovered) > 0 {
			continue
		}
		break
	}

	e.mu.Lock()

	minProposals := 0
	if blockCount >= 5 {
		minProposals = 2
	}

	var valid []string
	for _, node := range e.nodes {
		if e.trust.IsBlacklisted(node) {
			continue
		}
		if e.trust.TrustScore(node) <= leaderCandidateTrustFloor {
			continue
		}
		if e.trust.SuccessfulProposals(node) < minProposals {
			continue
		}
		valid = append(valid, node)
	}
	sort.Slice(valid, func(i, j int) bool {
		return e.trust.TrustScore(valid[i]) > e.trust.TrustScore(valid[j])
	})

	if len(valid) == 0 {
		e.mu.Unlock()
		e.emit(events.EventNoValidLeader, nil)
		return "", ErrNoValidLeader
	}

	if e.leader != "" && e.leaderRounds < e.cfg.LeaderTenureRounds && e.trust.TrustScore(e.leader) > leaderTenureTrustFloor {
		e.leaderRounds++
		leader := e.leader
		e.mu.Unlock()
		return leader, nil
	}

	e.leaderRounds = 1
	topK := e.cfg.LeaderTopK
	if topK <= 0 || topK > len(valid) {
		topK = len(valid)
	}
	candidates := valid[:topK]
	e.leader = candidates[rand.Intn(len(candidates))]
	leader := e.leader
	e.mu.Unlock()

	e.emit(events.EventLeaderElected, map[string]any{
		"leader":      leader,
		"trust_score": e.trust.TrustScore(leader),
		"round_id":    uuid.NewString(),
	})
	return leader, nil
}

// PrePrepare begins the three-phase protocol for a single transaction.
func (e *Engine) PrePrepare(transactionID string) Message {
	return Message{Phase: phasePrePrepared, TransactionID: transactionID}
}

// Prepare advances a pre-prepared message to the prepared phase.
func (e *Engine) Prepare(msg Message) Message {
	return Message{Phase: phasePrepared, TransactionID: msg.TransactionID}
}

// Commit finalizes a prepared message, recording it in the running
// performance metrics, and reports whether the transaction committed.
// Commit never fails on its own; the ledger decides whether the resulting
// block is actually accepted.
func (e *Engine) Commit(msg Message) bool {
	e.mu.Lock()
	e.metrics.totalTransactions++
	e.mu.Unlock()

	e.emit(events.EventTransactionCommitted, map[string]any{
		"transaction_id": msg.TransactionID,
	})
	return true
}

// RecordElapsed folds batch wall-clock time into the running performance
// metrics; callers (the driver) own the timing around a batch.
func (e *Engine) RecordElapsed(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.totalTime += d.Seconds()
}

// Performance reports cumulative throughput and latency metrics (spec
// §4.5 / §6's performance export).
type Performance struct {
	TotalTransactions int     `json:"total_transactions"`
	TotalTimeSeconds  float64 `json:"total_time_seconds"`
	TPS               float64 `json:"tps"`
	AvgLatencySeconds float64 `json:"avg_latency_seconds"`
}

// Performance computes the current throughput/latency snapshot.
func (e *Engine) Performance() Performance {
	e.mu.Lock()
	defer e.mu.Unlock()
	totalTime := e.metrics.totalTime
	if totalTime < 0.0001 {
		totalTime = 0.0001
	}
	txs := e.metrics.totalTransactions
	avgLatency := e.metrics.totalTime / float64(max(1, txs))
	return Performance{
		TotalTransactions: txs,
		TotalTimeSeconds:  e.metrics.totalTime,
		TPS:               float64(txs) / totalTime,
		AvgLatencySeconds: avgLatency,
	}
}

// OptimizeSelection delegates to trust.Model's trust-ranked, eligible
// validator listing (the reference implementation duplicates this
// helper on both the consensus engine and the trust model; canonicalized
// here onto trust.Model per spec §9's "duplicated class definitions"
// design note).
func (e *Engine) OptimizeSelection() []string {
	return e.trust.OptimizeSelection()
}

// SimulateByzantineFailures is a test/chaos hook: each active node is
// independently flagged malicious with probability failureRate and
// removed from the node set (spec §4.3, reference implementation's
// chaos-testing utility).
func (e *Engine) SimulateByzantineFailures(failureRate float64) []string {
	e.mu.Lock()
	var newlyMalicious []string
	for _, node := range e.nodes {
		if rand.Float64() < failureRate {
			if _, already := e.maliciousNodes[node]; !already {
				e.maliciousNodes[node] = struct{}{}
				newlyMalicious = append(newlyMalicious, node)
			}
		}
	}
	if len(newlyMalicious) > 0 {
		e.nodes = filterOut(e.nodes, e.maliciousNodes)
	}
	e.mu.Unlock()

	for _, node := range newlyMalicious {
		e.emit(events.EventValidatorBlacklisted, map[string]any{
			"validator": node,
			"reason":    "simulated_byzantine_failure",
		})
	}
	return newlyMalicious
}

// DetectByzantineBehavior reports the validators currently flagged
// malicious, supplementing the construction-time DetectMalicious screen
// with a point-in-time view callers can poll or log.
func (e *Engine) DetectByzantineBehavior() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.maliciousNodes))
	for n := range e.maliciousNodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func (e *Engine) emit(typ events.EventType, data map[string]any) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(events.Event{Type: typ, Data: data})
}
