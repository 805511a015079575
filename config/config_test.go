package config_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/tolelom/upbft-dag/config"
)

func validHexPubkeys(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = strings.Repeat("ab", 32)
	}
	return out
}

func TestDefaultConfigFailsValidateWithoutValidators(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty validators list")
	}
}

func TestValidateAcceptsQuorumSatisfyingConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Validators = validHexPubkeys(4)
	cfg.FaultTolerance = 1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidateRejectsInsufficientValidatorsForFaultTolerance(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Validators = validHexPubkeys(3)
	cfg.FaultTolerance = 1 // needs 3f+1 = 4
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected quorum-bound validation error")
	}
}

func TestValidateRejectsMalformedValidatorHex(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Validators = []string{"not-hex"}
	cfg.FaultTolerance = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for malformed validator hex")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := config.DefaultConfig()
	cfg.Validators = validHexPubkeys(4)
	cfg.FaultTolerance = 1

	if err := config.Save(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.BatchSize != cfg.BatchSize || len(loaded.Validators) != len(cfg.Validators) {
		t.Errorf("loaded config does not match saved config: %+v", loaded)
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}
