package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sockguard.yaml")
	policyPath := filepath.Join(dir, "policy.yaml")

	if err := os.WriteFile(policyPath, []byte("enabled: true\n"), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	yaml := "policy:\n  path: " + policyPath + "\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "127.0.0.1:1080" {
		t.Fatalf("expected default listen address, got %q", cfg.Listen)
	}
	if cfg.MaxConnections != 500 {
		t.Fatalf("expected default max connections 500, got %d", cfg.MaxConnections)
	}
	if cfg.Policy.ReloadSeconds != 10 {
		t.Fatalf("expected default policy reload interval, got %d", cfg.Policy.ReloadSeconds)
	}
}

func TestLoad_RequiresPolicyPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sockguard.yaml")
	if err := os.WriteFile(path, []byte("listen: 127.0.0.1:9999\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing policy.path")
	}
}

func TestPolicyStore_ReloadPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write policy file: %v", err)
		}
	}

	write("enabled: false\nthresholds: {}\n")
	store, err := NewPolicyStore(path, nil)
	if err != nil {
		t.Fatalf("NewPolicyStore: %v", err)
	}
	if store.Enabled() {
		t.Fatalf("expected disabled store initially")
	}

	write("enabled: true\nthresholds:\n  example.com: 1000\n")
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !store.Enabled() {
		t.Fatalf("expected store to be enabled after reload")
	}
	if store.Thresholds()["example.com"] != 1000 {
		t.Fatalf("expected threshold to be picked up, got %v", store.Thresholds())
	}
}
