// Package ledger implements the DAG block store: multi-parent blocks,
// trust-weighted parent selection, adaptive-threshold validation with
// bounded retries and forced acceptance, double-spend detection, and an
// offline structural audit (spec §3, §4.4).
package ledger

import (
	"time"

	"github.com/tolelom/upbft-dag/crypto"
)

// header is the deterministic, hashed portion of a Block: index, parent
// hashes, transaction IDs and timestamp, in that order (spec §3:
// "SHA-256 over index‖parent_hashes‖transactions‖timestamp").
type header struct {
	Index        int      `json:"index"`
	ParentHashes []string `json:"parent_hashes"`
	Transactions []string `json:"transactions"`
	Timestamp    int64    `json:"timestamp"`
}

// Block is an immutable DAG block. Once constructed by NewBlock its
// fields, including Hash and Signature, never change.
type Block struct {
	Index              int      `json:"index"`
	ParentHashes       []string `json:"parent_hashes"`
	Transactions       []string `json:"transactions"`
	Proposer           string   `json:"proposer"`
	TrustScoreSnapshot float64  `json:"trust_score_snapshot"`
	Timestamp          int64    `json:"timestamp"`
	Hash               string   `json:"hash"`
	Signature          string   `json:"signature"`
}

func computeHash(index int, parentHashes, transactions []string, timestamp int64) string {
	hash, err := crypto.HashJSON(header{
		Index:        index,
		ParentHashes: parentHashes,
		Transactions: transactions,
		Timestamp:    timestamp,
	})
	if err != nil {
		return ""
	}
	return hash
}

// NewBlock constructs, hashes and signs a block deterministically (spec
// §4.4.2 step 4). parentHashes is nil/empty only for the genesis block.
func NewBlock(index int, parentHashes, transactions []string, proposer string, trustScoreSnapshot float64, priv crypto.PrivateKey) *Block {
	timestamp := time.Now().Unix()
	hash := computeHash(index, parentHashes, transactions, timestamp)
	return &Block{
		Index:              index,
		ParentHashes:       parentHashes,
		Transactions:       transactions,
		Proposer:           proposer,
		TrustScoreSnapshot: trustScoreSnapshot,
		Timestamp:          timestamp,
		Hash:               hash,
		Signature:          crypto.Sign(priv, []byte(hash)),
	}
}

// ComputeHash recomputes the block's hash from its current fields,
// independent of the stored Hash value (used to detect tampering).
func (b *Block) ComputeHash() string {
	return computeHash(b.Index, b.ParentHashes, b.Transactions, b.Timestamp)
}

// VerifySignature checks b.Hash against the recomputed hash and verifies
// the signature against the proposer's public key (spec §3 invariant 3).
func (b *Block) VerifySignature(pub crypto.PublicKey) bool {
	if b.ComputeHash() != b.Hash {
		return false
	}
	return crypto.Verify(pub, []byte(b.Hash), b.Signature) == nil
}

// containsTransaction reports whether txID appears in b.Transactions.
func (b *Block) containsTransaction(txID string) bool {
	for _, id := range b.Transactions {
		if id == txID {
			return true
		}
	}
	return false
}
