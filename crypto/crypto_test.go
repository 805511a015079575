package crypto_test

import (
	"encoding/json"
	"testing"

	"github.com/tolelom/upbft-dag/crypto"
)

func TestHashIsDeterministic(t *testing.T) {
	a := crypto.Hash([]byte("hello"))
	b := crypto.Hash([]byte("hello"))
	if a != b {
		t.Errorf("hash not deterministic: %s != %s", a, b)
	}
	if crypto.Hash([]byte("hello")) == crypto.Hash([]byte("world")) {
		t.Error("different inputs hashed to the same digest")
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	priv, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	data := []byte("block payload")
	sig := crypto.Sign(priv, data)

	if err := crypto.Verify(pub, data, sig); err != nil {
		t.Errorf("verify failed for valid signature: %v", err)
	}
	if err := crypto.Verify(pub, []byte("tampered"), sig); err == nil {
		t.Error("expected verify to fail for tampered data")
	}
}

func TestHashJSONMatchesHashOfMarshaledValue(t *testing.T) {
	type header struct {
		Index int    `json:"index"`
		Name  string `json:"name"`
	}
	h := header{Index: 1, Name: "A"}

	got, err := crypto.HashJSON(h)
	if err != nil {
		t.Fatalf("hash json: %v", err)
	}

	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := crypto.Hash(data)

	if got != want {
		t.Errorf("HashJSON(%+v) = %s, want %s", h, got, want)
	}
}

func TestPubKeyFromHexRoundTrip(t *testing.T) {
	_, pub, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key pair: %v", err)
	}
	parsed, err := crypto.PubKeyFromHex(pub.Hex())
	if err != nil {
		t.Fatalf("pubkey from hex: %v", err)
	}
	if parsed.Hex() != pub.Hex() {
		t.Errorf("round-trip mismatch: got %s, want %s", parsed.Hex(), pub.Hex())
	}
}
