package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// CacheConfig sizes the in-memory hot cache.
type CacheConfig struct {
	// MaxCostBytes bounds total cached payload size. Default 64 MiB.
	MaxCostBytes int64 `yaml:"max_cost_bytes"`
	// MaxEntries is the expected working-set size used to dimension
	// admission counters. Default 4096.
	MaxEntries int64 `yaml:"max_entries"`
	// TTLSeconds is the per-entry lifetime. 0 disables expiry.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// SyncConfig carries defaults for context synchronization.
type SyncConfig struct {
	// MaxActiveTasks caps how many tasks a default sync fans out to.
	MaxActiveTasks int `yaml:"max_active_tasks"`
	// HotKeyFileLimit truncates the active task's key files in the hot
	// context file.
	HotKeyFileLimit int `yaml:"hot_key_file_limit"`
}

// RecoveryConfig controls stale-session detection.
type RecoveryConfig struct {
	// StaleTimeoutMinutes is how long a session may miss heartbeats
	// before it is flagged crashed. Default 10.
	StaleTimeoutMinutes int `yaml:"stale_timeout_minutes"`
	// SweepIntervalMinutes is how often the background sweep runs.
	// Default 5.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// SchedulerConfig controls background jobs.
type SchedulerConfig struct {
	// AutoCheckpointSpec is a cron expression for automatic global
	// checkpoints. Empty disables them.
	AutoCheckpointSpec string `yaml:"auto_checkpoint_spec"`
	// GraphRebuildSeconds is the relationship index refresh interval.
	// Default 30.
	GraphRebuildSeconds int `yaml:"graph_rebuild_seconds"`
}

// OtelConfig mirrors the exporter wiring: "none", "stdout" or
// "otlp-http".
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// DBPath is the SQLite database file. Defaults to
	// <home>/context.db.
	DBPath string `yaml:"db_path"`
	// MirrorDir is the human-inspectable JSON mirror. Defaults to
	// <home>/context.
	MirrorDir string `yaml:"mirror_dir"`

	ProjectID string `yaml:"project_id"`
	LogLevel  string `yaml:"log_level"`
	LogFile   string `yaml:"log_file"`

	Cache     CacheConfig     `yaml:"cache"`
	Sync      SyncConfig      `yaml:"sync"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Otel      OtelConfig      `yaml:"otel"`
}

func (c Config) StaleTimeout() time.Duration {
	return time.Duration(c.Recovery.StaleTimeoutMinutes) * time.Minute
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Recovery.SweepIntervalMinutes) * time.Minute
}

func (c Config) GraphRebuildInterval() time.Duration {
	return time.Duration(c.Scheduler.GraphRebuildSeconds) * time.Second
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// Fingerprint returns a stable hash of the settings that require a
// restart when changed, used to detect config drift across reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|mirror=%s|project=%s|log=%s|cache=%d/%d|otel=%v/%s",
		c.DBPath, c.MirrorDir, c.ProjectID, c.LogLevel,
		c.Cache.MaxCostBytes, c.Cache.MaxEntries, c.Otel.Enabled, c.Otel.Exporter)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home
// directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		ProjectID: "default",
		LogLevel:  "info",
		Cache: CacheConfig{
			MaxCostBytes: 64 << 20,
			MaxEntries:   4096,
			TTLSeconds:   int((30 * time.Minute).Seconds()),
		},
		Sync: SyncConfig{
			MaxActiveTasks:  50,
			HotKeyFileLimit: 5,
		},
		Recovery: RecoveryConfig{
			StaleTimeoutMinutes:  10,
			SweepIntervalMinutes: 5,
		},
		Scheduler: SchedulerConfig{
			GraphRebuildSeconds: 30,
		},
		Otel: OtelConfig{
			Exporter:    "none",
			ServiceName: "ctxstore",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CTXSTORE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ctxstore")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ctxstore home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "context.db")
	}
	if cfg.MirrorDir == "" {
		cfg.MirrorDir = filepath.Join(cfg.HomeDir, "context")
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = "default"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Cache.MaxCostBytes <= 0 {
		cfg.Cache.MaxCostBytes = 64 << 20
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 4096
	}
	if cfg.Sync.MaxActiveTasks <= 0 {
		cfg.Sync.MaxActiveTasks = 50
	}
	if cfg.Sync.HotKeyFileLimit <= 0 {
		cfg.Sync.HotKeyFileLimit = 5
	}
	if cfg.Recovery.StaleTimeoutMinutes <= 0 {
		cfg.Recovery.StaleTimeoutMinutes = 10
	}
	if cfg.Recovery.SweepIntervalMinutes <= 0 {
		cfg.Recovery.SweepIntervalMinutes = 5
	}
	if cfg.Scheduler.GraphRebuildSeconds <= 0 {
		cfg.Scheduler.GraphRebuildSeconds = 30
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "ctxstore"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CTXSTORE_DB"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CTXSTORE_MIRROR_DIR"); raw != "" {
		cfg.MirrorDir = raw
	}
	if raw := os.Getenv("CTXSTORE_PROJECT_ID"); raw != "" {
		cfg.ProjectID = raw
	}
	if raw := os.Getenv("CTXSTORE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CTXSTORE_LOG_FILE"); raw != "" {
		cfg.LogFile = raw
	}
	if raw := os.Getenv("CTXSTORE_STALE_TIMEOUT_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Recovery.StaleTimeoutMinutes = v
		}
	}
	if raw := os.Getenv("CTXSTORE_AUTO_CHECKPOINT_SPEC"); raw != "" {
		cfg.Scheduler.AutoCheckpointSpec = raw
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}
