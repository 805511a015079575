// Package indexer maintains a secondary index from transaction ID to the
// hash of the block that committed it, so callers can answer
// get_transaction(tx_hash) queries without scanning the whole DAG.
package indexer

import (
	"errors"
	"log"

	"github.com/tolelom/upbft-dag/events"
	"github.com/tolelom/upbft-dag/storage"
)

const prefixTxBlock = "idx:tx:block:"

// Indexer subscribes to ledger events and updates the tx -> block index.
type Indexer struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes it to block-appended
// events on emitter.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventBlockAppended, idx.onBlockAppended)
	return idx
}

// GetBlockHashForTransaction returns the hash of the block that committed
// txID, or storage.ErrNotFound if no committed block contains it.
func (idx *Indexer) GetBlockHashForTransaction(txID string) (string, error) {
	data, err := idx.db.Get([]byte(prefixTxBlock + txID))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (idx *Indexer) onBlockAppended(ev events.Event) {
	hash, _ := ev.Data["hash"].(string)
	txs, _ := ev.Data["transactions"].([]string)
	if hash == "" {
		return
	}
	for _, tx := range txs {
		if tx == "" {
			continue
		}
		if err := idx.db.Set([]byte(prefixTxBlock+tx), []byte(hash)); err != nil {
			log.Printf("[indexer] tx index write failed (tx=%s block=%s): %v", tx, hash, err)
		}
	}
}

// IsNotFound reports whether err indicates the transaction has not been
// committed to any block.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
