package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tolelom/upbft-dag/crypto"
	"github.com/tolelom/upbft-dag/events"
	"github.com/tolelom/upbft-dag/trust"
)

// Error kinds from spec §7. BlacklistedProposer and NoParents are fatal
// for the call; HashMismatch/SignatureInvalid are fatal for the block and
// penalize the proposer; InsufficientTrustWeight and ConflictDoubleSpend
// may be transient (surfaced as Outcome Retry) or terminal (Outcome
// Rejected) depending on retry state.
var (
	ErrBlacklistedProposer     = errors.New("ledger: proposer is blacklisted")
	ErrNoParents               = errors.New("ledger: no valid parent blocks found")
	ErrHashMismatch            = errors.New("ledger: recomputed hash does not match stored hash")
	ErrSignatureInvalid        = errors.New("ledger: block signature verification failed")
	ErrInsufficientTrustWeight = errors.New("ledger: parent trust weight below threshold")
	ErrConflictDoubleSpend     = errors.New("ledger: transaction already present in an earlier block")
)

// Outcome is the tri-state result of block/conflict validation: accepted,
// rejected, or worth retrying later (spec §4.4.3, §4.4.4).
type Outcome int

const (
	// Rejected means the block or transaction must not be appended.
	Rejected Outcome = iota
	// Accepted means the block may be appended (possibly via forced
	// acceptance after exhausting retries).
	Accepted
	// Retry means the caller should re-attempt later; no block is appended,
	// though a validation retry advances that block index's retry counter.
	Retry
)

const (
	parentCandidateWindow = 5
	parentFallbackWindow  = 3
	maxParentHashes       = 3
	parentTrustFilterFrac = 0.5

	auditRecentWindow = 10

	baseThresholdWeightFrac = 0.50
	baseThresholdAvgFrac    = 0.70
	sizeScaleMin            = 0.75
	sizeScaleMax            = 1.2
	sizeScaleDivisor        = 50.0
	retryThresholdBase      = 0.92
	retryThresholdStep      = 0.02

	epsilon = 1e-9
)

// Ledger owns the append-only block sequence, the parent→children
// adjacency map, and the per-block retry counters (spec §3, §4.4).
// It is a single-writer append log: a block's index is the ledger length
// at creation, so concurrent writers building separate branches are not
// supported.
type Ledger struct {
	mu sync.Mutex

	blocks     []*Block
	adjacency  map[string][]string
	retryCount map[int]int

	pub     crypto.PublicKey
	trust   *trust.Model
	emitter *events.Emitter

	maxValidationRetries   int
	conflictRetryWindow    time.Duration
	forcedAcceptanceMargin float64
}

// New creates a Ledger seeded with a genesis block (index 0, no parents,
// proposer "System", trust_score_snapshot 1.0 — spec §3 invariant 1).
// pub verifies every block's signature; priv signs the genesis block and
// is expected to sign every subsequent block the caller constructs (spec
// §9: one process-wide key pair). conflictRetryWindow and
// forcedAcceptanceMargin are the operator-configurable values of spec §6
// (config.Config's ConflictRetryWindowSeconds/ForcedAcceptanceMargin).
func New(pub crypto.PublicKey, priv crypto.PrivateKey, trustModel *trust.Model, emitter *events.Emitter, maxValidationRetries int, conflictRetryWindow time.Duration, forcedAcceptanceMargin float64) *Ledger {
	genesis := NewBlock(0, nil, []string{"genesis"}, "System", 1.0, priv)
	l := &Ledger{
		blocks:                 []*Block{genesis},
		adjacency:              map[string][]string{genesis.Hash: {}},
		retryCount:             make(map[int]int),
		pub:                    pub,
		trust:                  trustModel,
		emitter:                emitter,
		maxValidationRetries:   maxValidationRetries,
		conflictRetryWindow:    conflictRetryWindow,
		forcedAcceptanceMargin: forcedAcceptanceMargin,
	}
	return l
}

// Height returns the number of blocks stored, including genesis.
func (l *Ledger) Height() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}

// Blocks returns a snapshot copy of the stored block sequence.
func (l *Ledger) Blocks() []*Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// Snapshot returns a copy of the parent→children adjacency map.
func (l *Ledger) Snapshot() map[string][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]string, len(l.adjacency))
	for k, v := range l.adjacency {
		children := make([]string, len(v))
		copy(children, v)
		out[k] = children
	}
	return out
}

// selectParents implements §4.4.1: candidates are the last 5 blocks;
// filter to trust_score_snapshot > 0.5·avg_trust; sort descending by
// trust; if fewer than 2 survive, fall back to the last 3 blocks; return
// the top 3 hashes. Caller must hold l.mu.
func (l *Ledger) selectParents() []string {
	if len(l.blocks) < 2 {
		return []string{l.blocks[len(l.blocks)-1].Hash}
	}

	start := len(l.blocks) - parentCandidateWindow
	if start < 0 {
		start = 0
	}
	candidates := l.blocks[start:]

	var avgTrust float64
	for _, b := range candidates {
		avgTrust += b.TrustScoreSnapshot
	}
	avgTrust /= float64(max(1, len(candidates)))

	var filtered []*Block
	for _, b := range candidates {
		if b.TrustScoreSnapshot > avgTrust*parentTrustFilterFrac {
			filtered = append(filtered, b)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].TrustScoreSnapshot > filtered[j].TrustScoreSnapshot
	})

	if len(filtered) < 2 {
		fallbackStart := len(l.blocks) - parentFallbackWindow
		if fallbackStart < 0 {
			fallbackStart = 0
		}
		filtered = append([]*Block(nil), l.blocks[fallbackStart:]...)
	}

	if len(filtered) > maxParentHashes {
		filtered = filtered[:maxParentHashes]
	}
	hashes := make([]string, len(filtered))
	for i, b := range filtered {
		hashes[i] = b.Hash
	}
	return hashes
}

// CheckConflicts implements §4.4.4: scans every stored block for a
// transaction also present in txs. A duplicate in a block younger than the
// configured conflict retry window (5 seconds by default) yields Retry
// (transient ordering collision); an older duplicate
// yields Rejected (hard double-spend). No duplicate yields Accepted.
func (l *Ledger) CheckConflicts(txs []string) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkConflictsLocked(txs)
}

func (l *Ledger) checkConflictsLocked(txs []string) Outcome {
	now := time.Now()
	for _, blk := range l.blocks {
		for _, tx := range txs {
			if !blk.containsTransaction(tx) {
				continue
			}
			if now.Sub(time.Unix(blk.Timestamp, 0)) < l.conflictRetryWindow {
				return Retry
			}
			return Rejected
		}
	}
	return Accepted
}

// thresholds computes the adaptive validation thresholds of §4.4.3 over
// the current ledger state. Caller must hold l.mu.
func (l *Ledger) thresholds() (totalWeight, avgTrust, base, adjusted float64) {
	for _, b := range l.blocks {
		totalWeight += b.TrustScoreSnapshot
	}
	totalWeight += epsilon

	recentStart := len(l.blocks) - auditRecentWindow
	if recentStart < 0 {
		recentStart = 0
	}
	recent := l.blocks[recentStart:]
	for _, b := range recent {
		avgTrust += b.TrustScoreSnapshot
	}
	avgTrust /= float64(max(1, len(recent)))

	base = math.Max(totalWeight*baseThresholdWeightFrac, avgTrust*baseThresholdAvgFrac)
	scale := clampFloat(float64(len(l.blocks))/sizeScaleDivisor, sizeScaleMin, sizeScaleMax)
	adjusted = base * scale
	return
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// validateBlockLocked implements §4.4.3's decision table. Caller must
// hold l.mu.
func (l *Ledger) validateBlockLocked(b *Block) (Outcome, error) {
	if b.ComputeHash() != b.Hash {
		return Rejected, ErrHashMismatch
	}
	if !b.VerifySignature(l.pub) {
		return Rejected, ErrSignatureInvalid
	}

	_, _, _, adjusted := l.thresholds()

	retryAttempts := l.retryCount[b.Index]
	retryThreshold := adjusted * (retryThresholdBase - retryThresholdStep*float64(retryAttempts))

	var parentWeight float64
	parentSet := make(map[string]struct{}, len(b.ParentHashes))
	for _, h := range b.ParentHashes {
		parentSet[h] = struct{}{}
	}
	for _, stored := range l.blocks {
		if _, ok := parentSet[stored.Hash]; ok {
			parentWeight += stored.TrustScoreSnapshot
		}
	}

	if parentWeight >= adjusted {
		return Accepted, nil
	}
	if retryAttempts < l.maxValidationRetries {
		if parentWeight >= retryThreshold {
			l.retryCount[b.Index] = retryAttempts + 1
			return Retry, ErrInsufficientTrustWeight
		}
		return Rejected, ErrInsufficientTrustWeight
	}
	if parentWeight >= retryThreshold*l.forcedAcceptanceMargin {
		return Accepted, nil
	}
	return Rejected, ErrInsufficientTrustWeight
}

// AddBlock runs the full block-addition pipeline of §4.4.2: blacklist
// check, conflict detection, parent selection, construction, validation,
// trust update. When validation rejects the block it penalizes the
// proposer via trust.Model (blacklist and conflict rejections do not);
// on Accepted it appends the block, extends the adjacency map, and
// credits the proposer's trust and successful-proposal count.
func (l *Ledger) AddBlock(transactions []string, proposer string, priv crypto.PrivateKey) (*Block, Outcome, error) {
	if l.trust.IsBlacklisted(proposer) {
		return nil, Rejected, fmt.Errorf("%w: %s", ErrBlacklistedProposer, proposer)
	}

	l.mu.Lock()

	if outcome := l.checkConflictsLocked(transactions); outcome != Accepted {
		l.mu.Unlock()
		l.emit(events.EventConflictDetected, map[string]any{"proposer": proposer, "retry": outcome == Retry})
		if outcome == Retry {
			l.emit(events.EventBlockRetried, map[string]any{"proposer": proposer, "reason": "conflict"})
			return nil, outcome, nil
		}
		l.emit(events.EventBlockRejected, map[string]any{"proposer": proposer, "reason": "conflict"})
		return nil, outcome, ErrConflictDoubleSpend
	}

	parentHashes := l.selectParents()
	if len(parentHashes) == 0 {
		l.mu.Unlock()
		return nil, Rejected, ErrNoParents
	}

	trustSnapshot := l.trust.TrustScore(proposer)
	block := NewBlock(len(l.blocks), parentHashes, transactions, proposer, trustSnapshot, priv)

	outcome, validateErr := l.validateBlockLocked(block)

	switch outcome {
	case Accepted:
		l.blocks = append(l.blocks, block)
		for _, parent := range parentHashes {
			l.adjacency[parent] = append(l.adjacency[parent], block.Hash)
		}
		l.adjacency[block.Hash] = []string{}
		delete(l.retryCount, block.Index)
		l.mu.Unlock()

		l.trust.Update(proposer, 0.75, 5)
		l.trust.IncrementSuccessfulProposals(proposer)
		l.emit(events.EventBlockAppended, map[string]any{
			"index":        block.Index,
			"hash":         block.Hash,
			"proposer":     proposer,
			"transactions": append([]string(nil), block.Transactions...),
		})
		return block, Accepted, nil

	case Retry:
		l.mu.Unlock()
		l.emit(events.EventBlockRetried, map[string]any{"index": block.Index, "proposer": proposer})
		return nil, Retry, validateErr

	default:
		l.mu.Unlock()
		l.trust.PenalizeFailure(proposer)
		l.emit(events.EventBlockRejected, map[string]any{"index": block.Index, "proposer": proposer})
		return nil, Rejected, validateErr
	}
}

// ValidateDAG recomputes every stored block's hash and checks every
// parent reference against the adjacency map (spec §4.4.5). It is an
// O(|blocks| + |edges|) offline audit pass; callers may run it
// concurrently with other read-only operations since it takes no lock
// across mutation.
func (l *Ledger) ValidateDAG() error {
	l.mu.Lock()
	blocks := make([]*Block, len(l.blocks))
	copy(blocks, l.blocks)
	adjacency := make(map[string][]string, len(l.adjacency))
	for k, v := range l.adjacency {
		adjacency[k] = v
	}
	l.mu.Unlock()

	for _, b := range blocks {
		if b.Hash != b.ComputeHash() {
			return fmt.Errorf("block %d: %w", b.Index, ErrHashMismatch)
		}
		for _, parent := range b.ParentHashes {
			if _, ok := adjacency[parent]; !ok {
				return fmt.Errorf("block %d references missing parent %s: %w", b.Index, parent, ErrNoParents)
			}
		}
	}
	return nil
}

func (l *Ledger) emit(typ events.EventType, data map[string]any) {
	if l.emitter == nil {
		return
	}
	l.emitter.Emit(events.Event{Type: typ, Data: data})
}
