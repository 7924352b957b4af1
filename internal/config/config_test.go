package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/ctxstore/internal/config"
)

func TestLoad_DefaultsWithoutConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CTXSTORE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HomeDir != home {
		t.Fatalf("home dir not honored: %q", cfg.HomeDir)
	}
	if cfg.DBPath != filepath.Join(home, "context.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if cfg.MirrorDir != filepath.Join(home, "context") {
		t.Fatalf("unexpected mirror dir %q", cfg.MirrorDir)
	}
	if cfg.ProjectID != "default" || cfg.LogLevel != "info" {
		t.Fatalf("unexpected defaults %q/%q", cfg.ProjectID, cfg.LogLevel)
	}
	if cfg.Cache.MaxCostBytes != 64<<20 || cfg.Cache.MaxEntries != 4096 {
		t.Fatalf("unexpected cache defaults %+v", cfg.Cache)
	}
	if cfg.StaleTimeout() != 10*time.Minute {
		t.Fatalf("unexpected stale timeout %v", cfg.StaleTimeout())
	}
	if cfg.SweepInterval() != 5*time.Minute {
		t.Fatalf("unexpected sweep interval %v", cfg.SweepInterval())
	}
	if cfg.GraphRebuildInterval() != 30*time.Second {
		t.Fatalf("unexpected rebuild interval %v", cfg.GraphRebuildInterval())
	}
	if cfg.Otel.Enabled || cfg.Otel.Exporter != "none" {
		t.Fatalf("otel should default off: %+v", cfg.Otel)
	}
}

func TestLoad_ReadsYAMLAndNormalizes(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CTXSTORE_HOME", home)

	yaml := `
project_id: orion
log_level: debug
cache:
  ttl_seconds: 120
recovery:
  stale_timeout_minutes: 3
scheduler:
  auto_checkpoint_spec: "0 * * * *"
otel:
  enabled: true
  exporter: stdout
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProjectID != "orion" || cfg.LogLevel != "debug" {
		t.Fatalf("yaml not applied: project %q level %q", cfg.ProjectID, cfg.LogLevel)
	}
	if cfg.CacheTTL() != 2*time.Minute {
		t.Fatalf("ttl not applied: %v", cfg.CacheTTL())
	}
	if cfg.StaleTimeout() != 3*time.Minute {
		t.Fatalf("stale timeout not applied: %v", cfg.StaleTimeout())
	}
	if cfg.Scheduler.AutoCheckpointSpec != "0 * * * *" {
		t.Fatalf("cron spec not applied: %q", cfg.Scheduler.AutoCheckpointSpec)
	}
	if !cfg.Otel.Enabled || cfg.Otel.Exporter != "stdout" {
		t.Fatalf("otel not applied: %+v", cfg.Otel)
	}
	// Unset fields still receive defaults.
	if cfg.Cache.MaxEntries != 4096 || cfg.Recovery.SweepIntervalMinutes != 5 {
		t.Fatalf("defaults clobbered: %+v", cfg.Cache)
	}
}

func TestLoad_EnvOverridesWinOverYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CTXSTORE_HOME", home)
	if err := os.WriteFile(config.ConfigPath(home), []byte("project_id: from-yaml\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CTXSTORE_PROJECT_ID", "from-env")
	t.Setenv("CTXSTORE_DB", filepath.Join(home, "elsewhere.db"))
	t.Setenv("CTXSTORE_STALE_TIMEOUT_MINUTES", "42")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ProjectID != "from-env" {
		t.Fatalf("env did not win: %q", cfg.ProjectID)
	}
	if cfg.DBPath != filepath.Join(home, "elsewhere.db") {
		t.Fatalf("db override ignored: %q", cfg.DBPath)
	}
	if cfg.Recovery.StaleTimeoutMinutes != 42 {
		t.Fatalf("stale timeout override ignored: %d", cfg.Recovery.StaleTimeoutMinutes)
	}
}

func TestLoad_MalformedYAMLFails(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CTXSTORE_HOME", home)
	if err := os.WriteFile(config.ConfigPath(home), []byte("cache: [not a map\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := config.Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFingerprint_TracksRestartRelevantFields(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CTXSTORE_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	base := cfg.Fingerprint()
	if base == "" {
		t.Fatalf("empty fingerprint")
	}
	if cfg.Fingerprint() != base {
		t.Fatalf("fingerprint unstable")
	}

	changed := cfg
	changed.DBPath = "/somewhere/else.db"
	if changed.Fingerprint() == base {
		t.Fatalf("db path change not reflected in fingerprint")
	}
}
