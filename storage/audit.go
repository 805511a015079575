package storage

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/upbft-dag/ledger"
)

const auditKeyPrefix = "audit:block:"

// AuditRecord is the optional persisted-audit-dump record shape of spec
// §6: one record per block, independent of the in-memory ledger.
type AuditRecord struct {
	Index              int      `json:"index"`
	HashHex            string   `json:"hash_hex"`
	ParentHashesHex    []string `json:"parent_hashes_hex"`
	Transactions       []string `json:"transactions"`
	Proposer           string   `json:"proposer"`
	TrustScoreSnapshot float64  `json:"trust_score_snapshot"`
	Timestamp          int64    `json:"timestamp"`
	SignatureHex       string   `json:"signature_hex"`
}

func recordFromBlock(b *ledger.Block) AuditRecord {
	return AuditRecord{
		Index:              b.Index,
		HashHex:            b.Hash,
		ParentHashesHex:    b.ParentHashes,
		Transactions:       b.Transactions,
		Proposer:           b.Proposer,
		TrustScoreSnapshot: b.TrustScoreSnapshot,
		Timestamp:          b.Timestamp,
		SignatureHex:       b.Signature,
	}
}

// AuditStore persists one AuditRecord per appended block. It has no role
// in consensus itself (spec §6: "Persisted state layout: None required
// by the core") — it is an optional sink a caller wires to the ledger's
// block-appended event for later offline inspection.
type AuditStore struct {
	db DB
}

// NewAuditStore wraps db (typically a *LevelDB) as an audit sink.
func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Record writes b's audit record, keyed by block index.
func (s *AuditStore) Record(b *ledger.Block) error {
	data, err := json.Marshal(recordFromBlock(b))
	if err != nil {
		return fmt.Errorf("audit: marshal block %d: %w", b.Index, err)
	}
	return s.db.Set(auditKey(b.Index), data)
}

// Get reads back the audit record for a block index.
func (s *AuditStore) Get(index int) (AuditRecord, error) {
	data, err := s.db.Get(auditKey(index))
	if err != nil {
		return AuditRecord{}, err
	}
	var rec AuditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return AuditRecord{}, fmt.Errorf("audit: unmarshal block %d: %w", index, err)
	}
	return rec, nil
}

// All walks the audit store via the key prefix, returning every persisted
// record. Records come back in index order when the DB iterates keys in
// sorted order (as LevelDB does); other DBs may return them in any order.
// Used by the offline `audit` CLI subcommand.
func (s *AuditStore) All() ([]AuditRecord, error) {
	it := s.db.NewIterator([]byte(auditKeyPrefix))
	defer it.Release()

	var records []AuditRecord
	for it.Next() {
		var rec AuditRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("audit: unmarshal entry: %w", err)
		}
		records = append(records, rec)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

func auditKey(index int) []byte {
	return []byte(fmt.Sprintf("%s%012d", auditKeyPrefix, index))
}
