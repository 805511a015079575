// Package driver batches submitted transactions, invokes leader election
// per batch, runs the three-phase protocol per transaction, appends
// blocks and exposes the submission/query contracts of spec §6 (C5).
package driver

import (
	"fmt"
	"time"

	"github.com/tolelom/upbft-dag/config"
	"github.com/tolelom/upbft-dag/consensus"
	"github.com/tolelom/upbft-dag/crypto"
	"github.com/tolelom/upbft-dag/indexer"
	"github.com/tolelom/upbft-dag/ledger"
)

// SubmissionStatus is the outcome of submitting one transaction.
type SubmissionStatus string

const (
	StatusCommitted SubmissionStatus = "committed"
	StatusRejected  SubmissionStatus = "rejected"
)

// SubmissionResult is the submission contract's response shape:
// submit(transaction_id) -> {status, block_hash?, error?}.
type SubmissionResult struct {
	TransactionID string           `json:"transaction_id"`
	Status        SubmissionStatus `json:"status"`
	BlockHash     string           `json:"block_hash,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// BlockView is the list_blocks() contract's per-block shape.
type BlockView struct {
	Index        int      `json:"index"`
	Hash         string   `json:"hash"`
	Parents      []string `json:"parents"`
	Transactions []string `json:"transactions"`
	Proposer     string   `json:"proposer"`
}

// TransactionView is the get_transaction(tx_hash) contract's shape.
type TransactionView struct {
	Transaction        string `json:"transaction"`
	ContainingBlockHash string `json:"containing_block_hash"`
}

// Driver wires consensus, the ledger and the transaction index together
// and is the single entry point any adapter (httpapi, CLI, benchmark
// tooling) submits transactions through and queries state from.
type Driver struct {
	cfg     *config.Config
	engine  *consensus.Engine
	ledger  *ledger.Ledger
	indexer *indexer.Indexer
	priv    crypto.PrivateKey
}

// New creates a Driver over an already-constructed Engine and Ledger. idx
// may be nil if the caller does not need get_transaction lookups. priv
// signs every block this Driver appends (spec §9: one process-wide key
// pair, passed explicitly rather than read off a global).
func New(cfg *config.Config, engine *consensus.Engine, l *ledger.Ledger, idx *indexer.Indexer, priv crypto.PrivateKey) *Driver {
	return &Driver{cfg: cfg, engine: engine, ledger: l, indexer: idx, priv: priv}
}

// Submit runs a single transaction through the full pipeline: it is a
// one-element convenience wrapper around SubmitBatch for callers (the
// HTTP adapter) that submit one transaction per request.
func (d *Driver) Submit(transactionID string) SubmissionResult {
	results := d.SubmitBatch([]string{transactionID})
	if len(results) == 0 {
		return SubmissionResult{TransactionID: transactionID, Status: StatusRejected, Error: "no result produced"}
	}
	return results[0]
}

// SubmitBatch chunks transactionIDs into cfg.BatchSize-sized pieces and
// processes each chunk as one consensus batch: elect a leader, then run
// pre-prepare/prepare/commit and append one block per transaction (spec
// §4.3 control flow: Driver -> Consensus.pre_prepare -> Consensus.prepare
// -> Consensus.commit -> Ledger.add_block).
func (d *Driver) SubmitBatch(transactionIDs []string) []SubmissionResult {
	batchSize := d.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(transactionIDs)
	}

	results := make([]SubmissionResult, 0, len(transactionIDs))
	for start := 0; start < len(transactionIDs); start += batchSize {
		end := start + batchSize
		if end > len(transactionIDs) {
			end = len(transactionIDs)
		}
		results = append(results, d.processBatch(transactionIDs[start:end])...)
	}
	return results
}

func (d *Driver) processBatch(batch []string) []SubmissionResult {
	started := time.Now()
	defer func() { d.engine.RecordElapsed(time.Since(started)) }()

	out := make([]SubmissionResult, 0, len(batch))

	leader, err := d.engine.ElectLeader(d.ledger.Height())
	if err != nil {
		for _, txID := range batch {
			out = append(out, SubmissionResult{TransactionID: txID, Status: StatusRejected, Error: err.Error()})
		}
		return out
	}

	for _, txID := range batch {
		out = append(out, d.processTransaction(txID, leader))
	}
	return out
}

func (d *Driver) processTransaction(transactionID, leader string) SubmissionResult {
	prePrepared := d.engine.PrePrepare(transactionID)
	prepared := d.engine.Prepare(prePrepared)
	d.engine.Commit(prepared)

	block, outcome, err := d.ledger.AddBlock([]string{transactionID}, leader, d.priv)
	switch outcome {
	case ledger.Accepted:
		return SubmissionResult{TransactionID: transactionID, Status: StatusCommitted, BlockHash: block.Hash}
	case ledger.Retry:
		msg := "retry: conflicting transaction within retry window"
		if err != nil {
			msg = fmt.Sprintf("retry: %v", err)
		}
		return SubmissionResult{TransactionID: transactionID, Status: StatusRejected, Error: msg}
	default:
		msg := "rejected"
		if err != nil {
			msg = err.Error()
		}
		return SubmissionResult{TransactionID: transactionID, Status: StatusRejected, Error: msg}
	}
}

// ListBlocks implements the list_blocks() query contract.
func (d *Driver) ListBlocks() []BlockView {
	blocks := d.ledger.Blocks()
	out := make([]BlockView, len(blocks))
	for i, b := range blocks {
		out[i] = BlockView{
			Index:        b.Index,
			Hash:         b.Hash,
			Parents:      b.ParentHashes,
			Transactions: b.Transactions,
			Proposer:     b.Proposer,
		}
	}
	return out
}

// GetTransaction implements the get_transaction(tx_hash) query contract
// via the transaction index. It returns indexer.IsNotFound-compatible
// errors when the transaction has not been committed to any block.
func (d *Driver) GetTransaction(txID string) (TransactionView, error) {
	blockHash, err := d.indexer.GetBlockHashForTransaction(txID)
	if err != nil {
		return TransactionView{}, err
	}
	return TransactionView{Transaction: txID, ContainingBlockHash: blockHash}, nil
}

// GetDAG implements the get_dag() query contract: the parent->children
// adjacency map over every appended block.
func (d *Driver) GetDAG() map[string][]string {
	return d.ledger.Snapshot()
}

// Performance implements the performance() query contract.
func (d *Driver) Performance() consensus.Performance {
	return d.engine.Performance()
}
