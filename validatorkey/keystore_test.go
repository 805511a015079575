package validatorkey_test

import (
	"path/filepath"
	"testing"

	"github.com/tolelom/upbft-dag/validatorkey"
)

func TestGenerateSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "validator.key")

	priv, pub, err := validatorkey.Generate(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	loadedPriv, loadedPub, err := validatorkey.Load(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loadedPub.Hex() != pub.Hex() {
		t.Errorf("pubkey mismatch: got %s, want %s", loadedPub.Hex(), pub.Hex())
	}
	if loadedPriv.Hex() != priv.Hex() {
		t.Errorf("privkey mismatch")
	}
}

func TestLoadWithWrongPasswordFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "validator.key")

	if _, _, err := validatorkey.Generate(path, "correct-password"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, _, err := validatorkey.Load(path, "wrong-password"); err != validatorkey.ErrWrongPassword {
		t.Errorf("expected ErrWrongPassword, got %v", err)
	}
}
