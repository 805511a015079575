// Package trust implements the adaptive trust/reputation model that scores
// validators over time, drives leader election, and governs blacklisting and
// probationary recovery (spec §4.2).
package trust

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/tolelom/upbft-dag/events"
)

const (
	minTrust           = 0.1
	maxTrust           = 1.0
	blacklistThreshold = 0.2
	recoveryThreshold  = 0.35
	probationThreshold = 0.35
	misbehaviorLimit   = 3
	selectionFloor     = 0.3
	updateDecayRate    = 0.02
	electionDecayRate  = 0.005
	penaltyMultiplier  = 0.7
)

// Model owns per-validator trust state: the running trust score, the
// misbehavior count, the last-activity timestamp, the successful-proposal
// count, and blacklist membership.
type Model struct {
	mu sync.Mutex

	trustScore          map[string]float64
	lastActivity        map[string]time.Time
	misbehaviorCount    map[string]int
	successfulProposals map[string]int
	blacklist           map[string]struct{}

	emitter *events.Emitter
	now     func() time.Time
}

// New creates a Model for validators, each initialized with a trust score
// drawn uniformly from [0.5, 1.0] (spec §3) and the current time as its
// last-activity mark. emitter may be nil.
func New(validators []string, emitter *events.Emitter) *Model {
	m := &Model{
		trustScore:          make(map[string]float64, len(validators)),
		lastActivity:        make(map[string]time.Time, len(validators)),
		misbehaviorCount:    make(map[string]int, len(validators)),
		successfulProposals: make(map[string]int, len(validators)),
		blacklist:           make(map[string]struct{}),
		emitter:             emitter,
		now:                 time.Now,
	}
	for _, v := range validators {
		m.trustScore[v] = 0.5 + rand.Float64()*0.5
		m.lastActivity[v] = m.now()
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TrustScore returns the current trust score of validator, defaulting to 0.5
// for a validator this Model has never seen (spec §4.4.2 default).
func (m *Model) TrustScore(validator string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.trustScore[validator]; ok {
		return s
	}
	return 0.5
}

// LastActivity returns the last time Update touched validator.
func (m *Model) LastActivity(validator string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.lastActivity[validator]; ok {
		return t
	}
	return m.now()
}

// SuccessfulProposals returns how many blocks validator has had appended.
func (m *Model) SuccessfulProposals(validator string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.successfulProposals[validator]
}

// IncrementSuccessfulProposals records a successfully appended block for
// validator (spec §4.4.2 step 6).
func (m *Model) IncrementSuccessfulProposals(validator string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successfulProposals[validator]++
}

// IsBlacklisted reports whether validator is currently barred from proposing.
func (m *Model) IsBlacklisted(validator string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.blacklist[validator]
	return ok
}

// Blacklist returns a snapshot of the current blacklist membership.
func (m *Model) Blacklist() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.blacklist))
	for v := range m.blacklist {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Update dynamically adjusts validator's trust score based on recent
// participation, implementing spec §4.2's two-stage EMA exactly. A no-op
// when totalAttempts is zero, to avoid dividing by it.
func (m *Model) Update(validator string, successfulBlocks, totalAttempts float64) {
	if totalAttempts == 0 {
		return
	}
	m.mu.Lock()

	now := m.now()
	prev, ok := m.trustScore[validator]
	if !ok {
		prev = 0.5
	}
	last, ok := m.lastActivity[validator]
	if !ok {
		last = now
	}

	r := successfulBlocks / totalAttempts
	deltaT := now.Sub(last).Seconds()
	// decay is computed for fidelity with the reference model but, per
	// spec §4.2 and §9, is not folded into the update formula below.
	_ = math.Exp(-updateDecayRate * deltaT)

	var gain float64
	if r > 0.5 {
		gain = 0.1*r + 0.05
	} else {
		mb := m.misbehaviorCount[validator]
		if mb < 1 {
			mb = 1
		}
		gain = -0.02 * float64(mb)
	}
	if prev < probationThreshold {
		gain += 0.05
	}

	newScore := clamp(0.8*prev+0.2*(prev+gain), minTrust, maxTrust)
	m.trustScore[validator] = newScore
	m.lastActivity[validator] = now
	m.mu.Unlock()

	m.emit(events.EventTrustUpdated, map[string]any{
		"validator":  validator,
		"prev_score": prev,
		"new_score":  newScore,
	})
}

// PenalizeFailure records a validation failure for validator (spec §4.2).
// Every third failure multiplies the trust score by 0.7 and resets the
// misbehavior counter; if that leaves the score below 0.2 the validator is
// blacklisted.
func (m *Model) PenalizeFailure(validator string) {
	m.mu.Lock()

	m.misbehaviorCount[validator]++
	if m.misbehaviorCount[validator] < misbehaviorLimit {
		m.mu.Unlock()
		return
	}

	score, ok := m.trustScore[validator]
	if !ok {
		score = 0.5
	}
	score = clamp(score*penaltyMultiplier, minTrust, maxTrust)
	m.trustScore[validator] = score
	m.misbehaviorCount[validator] = 0
	blacklisted := score < blacklistThreshold
	if blacklisted {
		m.blacklist[validator] = struct{}{}
	}
	m.mu.Unlock()

	if blacklisted {
		m.emit(events.EventValidatorBlacklisted, map[string]any{
			"validator": validator,
			"score":     score,
		})
	}
}

// ScanBlacklist restores any blacklisted validator whose trust score has
// recovered above 0.35 (spec §4.2's scan_blacklist, called implicitly at the
// start of leader election) and returns the validators it restored.
func (m *Model) ScanBlacklist() []string {
	m.mu.Lock()
	var recovered []string
	for v := range m.blacklist {
		if m.trustScore[v] > recoveryThreshold {
			recovered = append(recovered, v)
		}
	}
	scores := make(map[string]float64, len(recovered))
	for _, v := range recovered {
		delete(m.blacklist, v)
		scores[v] = m.trustScore[v]
	}
	m.mu.Unlock()

	for _, v := range recovered {
		m.emit(events.EventValidatorRecovered, map[string]any{
			"validator": v,
			"score":     scores[v],
		})
	}
	return recovered
}

// DecayForElection applies the slower, election-time trust decay (spec
// §4.2): score *= exp(-0.005 * max(1, Δt)), floored at 0.1.
func (m *Model) DecayForElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for v, score := range m.trustScore {
		last, ok := m.lastActivity[v]
		if !ok {
			last = now
		}
		deltaT := now.Sub(last).Seconds()
		if deltaT < 1 {
			deltaT = 1
		}
		decay := math.Exp(-electionDecayRate * deltaT)
		m.trustScore[v] = math.Max(minTrust, score*decay)
	}
}

// OptimizeSelection returns validators sorted by trust score descending,
// filtered to those with score >= 0.3 and not blacklisted (spec §4.2).
func (m *Model) OptimizeSelection() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for v, score := range m.trustScore {
		if score < selectionFloor {
			continue
		}
		if _, blacklisted := m.blacklist[v]; blacklisted {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return m.trustScore[out[i]] > m.trustScore[out[j]]
	})
	return out
}

func (m *Model) emit(typ events.EventType, data map[string]any) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(events.Event{Type: typ, Data: data})
}
