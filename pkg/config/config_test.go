package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MaxCascadeDepth != 10 {
		t.Errorf("max_cascade_depth default: %d", cfg.MaxCascadeDepth)
	}
	if cfg.MaxDependencyDepth != 10 {
		t.Errorf("max_dependency_depth default: %d", cfg.MaxDependencyDepth)
	}
	if cfg.LockTimeout() != 5*time.Second {
		t.Errorf("lock timeout default: %s", cfg.LockTimeout())
	}
	if cfg.PreparedTTL() != 24*time.Hour {
		t.Errorf("prepared ttl default: %s", cfg.PreparedTTL())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte(`
database_url: postgres://app@db:5432/app
max_cascade_depth: 3
lock_timeout_ms: 250
log_level: debug
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DatabaseURL != "postgres://app@db:5432/app" {
		t.Errorf("database_url: %q", cfg.DatabaseURL)
	}
	if cfg.MaxCascadeDepth != 3 {
		t.Errorf("max_cascade_depth: %d", cfg.MaxCascadeDepth)
	}
	if cfg.LockTimeout() != 250*time.Millisecond {
		t.Errorf("lock timeout: %s", cfg.LockTimeout())
	}
	// untouched keys keep their defaults
	if cfg.MaxDependencyDepth != 10 {
		t.Errorf("max_dependency_depth: %d", cfg.MaxDependencyDepth)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Default() {
		t.Error("empty path should return defaults")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("max_cascade_depth: 0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected validation error for zero cascade depth")
	}
}
