package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSubstitutesEnv(t *testing.T) {
	t.Setenv("ORCH_TEST_KEY", "sk-live")

	cfg, err := Parse([]byte(`{
		"providers": [{"id": "anthropic", "type": "anthropic", "api_key": "${ORCH_TEST_KEY}"}],
		"database": {"redis": {"url": "${ORCH_TEST_MISSING:redis://localhost:6379}"}}
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.Providers[0].APIKey; got != "sk-live" {
		t.Errorf("api key = %q, want sk-live", got)
	}
	if got := cfg.Database.Redis.URL; got != "redis://localhost:6379" {
		t.Errorf("redis url = %q, want default", got)
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Orchestrator.DefaultTimeout.Std() != 2*time.Minute {
		t.Errorf("default timeout = %v", cfg.Orchestrator.DefaultTimeout.Std())
	}
}

func TestDurationForms(t *testing.T) {
	cfg, err := Parse([]byte(`{"orchestrator": {"default_timeout": "45s"}}`))
	if err != nil {
		t.Fatalf("parse string: %v", err)
	}
	if cfg.Orchestrator.DefaultTimeout.Std() != 45*time.Second {
		t.Errorf("got %v, want 45s", cfg.Orchestrator.DefaultTimeout.Std())
	}

	cfg, err = Parse([]byte(`{"orchestrator": {"default_timeout": 1500}}`))
	if err != nil {
		t.Fatalf("parse millis: %v", err)
	}
	if cfg.Orchestrator.DefaultTimeout.Std() != 1500*time.Millisecond {
		t.Errorf("got %v, want 1.5s", cfg.Orchestrator.DefaultTimeout.Std())
	}

	if _, err := Parse([]byte(`{"orchestrator": {"default_timeout": "soon"}}`)); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.json")
	if err := os.WriteFile(path, []byte(`{"server": {"port": 3311}, "catalog_path": "configs/catalog.yaml"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 3311 || cfg.CatalogPath != "configs/catalog.yaml" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}
