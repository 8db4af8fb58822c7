package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROSTER_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StaleAfter != 3*time.Minute {
		t.Fatalf("expected 3m stale threshold, got %s", cfg.StaleAfter)
	}
	if cfg.StoreDriver != "postgres" || cfg.BlobDriver != "local" {
		t.Fatalf("unexpected drivers: %s %s", cfg.StoreDriver, cfg.BlobDriver)
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roster.toml")
	body := `
env = "staging"

[store]
driver = "sqlite"
sqlite_path = "/tmp/roster.db"

[ai_assist]
timeout = "30s"

[pipeline]
stage_timeout = "5s"
stale_after = "10m"

[worker]
concurrency = 8
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STALE_AFTER", "1m")
	t.Setenv("LOCK_DRIVER", "local")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Env != "staging" || cfg.StoreDriver != "sqlite" || cfg.SQLitePath != "/tmp/roster.db" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.StageTimeout != 5*time.Second {
		t.Fatalf("stage timeout: got %s", cfg.StageTimeout)
	}
	if cfg.StaleAfter != time.Minute {
		t.Fatalf("env must override file, got %s", cfg.StaleAfter)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Fatalf("worker concurrency: got %d", cfg.WorkerConcurrency)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[store]\nengine = \"mysql\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.StoreDriver = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown store driver error")
	}

	cfg = Default()
	cfg.StageTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected non-positive timeout error")
	}

	cfg = Default()
	cfg.StoreDriver = "sqlite"
	cfg.LockDriver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected postgres lock to require postgres store")
	}

	cfg = Default()
	cfg.BlobDriver = "s3"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing bucket error")
	}
}

func TestValidateTimeoutOrdering(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	cfg := Default()
	cfg.VisibilityTimeout = cfg.RunTimeout
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected visibility timeout to be required above the run budget")
	}

	cfg = Default()
	cfg.StaleAfter = cfg.AIAssistTimeout
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected stale threshold to be required above the ai_assist timeout")
	}

	cfg = Default()
	cfg.AIAssistTimeout = 10 * time.Second
	cfg.StaleAfter = cfg.StageTimeout
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected stale threshold to be required above the stage timeout")
	}
}
