package storage_test

import (
	"sort"
	"testing"
	"time"

	"github.com/tolelom/upbft-dag/crypto"
	"github.com/tolelom/upbft-dag/events"
	"github.com/tolelom/upbft-dag/internal/testutil"
	"github.com/tolelom/upbft-dag/ledger"
	"github.com/tolelom/upbft-dag/storage"
	"github.com/tolelom/upbft-dag/trust"
)

func TestAuditStoreRecordAndGet(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	tm := trust.New([]string{"A"}, nil)
	l := ledger.New(pub, priv, tm, events.NewEmitter(), 3, 5*time.Second, 0.95)

	block, outcome, err := l.AddBlock([]string{"tx1"}, "A", priv)
	if err != nil || outcome != ledger.Accepted {
		t.Fatalf("setup block failed: outcome=%v err=%v", outcome, err)
	}

	store := storage.NewAuditStore(testutil.NewMemDB())
	if err := store.Record(block); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := store.Get(block.Index)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.HashHex != block.Hash || got.Proposer != "A" {
		t.Errorf("unexpected audit record: %+v", got)
	}
}

func TestAuditStoreAllReturnsEveryRecord(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	tm := trust.New([]string{"A"}, nil)
	l := ledger.New(pub, priv, tm, events.NewEmitter(), 3, 5*time.Second, 0.95)
	store := storage.NewAuditStore(testutil.NewMemDB())

	for _, tx := range []string{"tx1", "tx2", "tx3"} {
		block, outcome, err := l.AddBlock([]string{tx}, "A", priv)
		if err != nil || outcome != ledger.Accepted {
			t.Fatalf("setup block for %s failed: outcome=%v err=%v", tx, outcome, err)
		}
		if err := store.Record(block); err != nil {
			t.Fatalf("record %s: %v", tx, err)
		}
	}

	records, err := store.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Index < records[j].Index })
	for i, rec := range records {
		if rec.Index != i+1 {
			t.Errorf("record %d: expected index %d, got %d", i, i+1, rec.Index)
		}
	}
}
