// Package config loads kernel configuration from <dataDir>/kernel.yaml
// with environment overrides. The kernel reads it once at startup; the
// Watcher reports file changes so budget and prune schedule can be
// hot-reloaded without a restart.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/agentos/internal/otel"
	"github.com/basket/agentos/internal/retention"
)

type Config struct {
	DataDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// ContextBudgetTokens caps each thread's Expanded-tier working set.
	// Zero disables budget enforcement.
	ContextBudgetTokens int `yaml:"context_budget_tokens"`

	// PruneSchedule is a 5-field cron expression for the journal pruner.
	PruneSchedule string `yaml:"prune_schedule"`

	// DefaultRetention applies to root threads created without an
	// explicit retention class.
	DefaultRetention string `yaml:"default_retention"`

	// CheckpointEveryRecords triggers an automatic checkpoint once the
	// WAL grows by this many records. Zero disables automatic checkpoints.
	CheckpointEveryRecords int `yaml:"checkpoint_every_records"`

	OTel otel.Config `yaml:"otel"`
}

// DefaultRetentionClass parses the configured default retention.
func (c Config) DefaultRetentionClass() (retention.Class, error) {
	return retention.Parse(c.DefaultRetention)
}

// Fingerprint identifies a loaded configuration for change detection.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "budget=%d|prune=%s|retention=%s|log=%s|ckpt=%d",
		c.ContextBudgetTokens, c.PruneSchedule, c.DefaultRetention, c.LogLevel, c.CheckpointEveryRecords)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:               "info",
		ContextBudgetTokens:    32768,
		PruneSchedule:          "0 * * * *",
		DefaultRetention:       "retain_forever",
		CheckpointEveryRecords: 4096,
	}
}

// DataDir resolves the kernel data directory, AGENTOS_DATA overriding
// the default ~/.agentos.
func DataDir() string {
	if override := os.Getenv("AGENTOS_DATA"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentos")
}

// Load reads kernel.yaml from the default data directory.
func Load() (Config, error) {
	return LoadFrom(DataDir())
}

// LoadFrom reads kernel.yaml from dir, creating the directory if needed.
// A missing file yields the defaults.
func LoadFrom(dir string) (Config, error) {
	cfg := defaultConfig()
	cfg.DataDir = dir

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cfg, fmt.Errorf("create data directory: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read kernel.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse kernel.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if _, err := cfg.DefaultRetentionClass(); err != nil {
		return cfg, fmt.Errorf("default_retention: %w", err)
	}
	return cfg, nil
}

// ConfigPath returns the kernel.yaml location under dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, "kernel.yaml")
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ContextBudgetTokens < 0 {
		cfg.ContextBudgetTokens = 0
	}
	if strings.TrimSpace(cfg.PruneSchedule) == "" {
		cfg.PruneSchedule = "0 * * * *"
	}
	if strings.TrimSpace(cfg.DefaultRetention) == "" {
		cfg.DefaultRetention = "retain_forever"
	}
	if cfg.CheckpointEveryRecords < 0 {
		cfg.CheckpointEveryRecords = 0
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTOS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTOS_CONTEXT_BUDGET"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ContextBudgetTokens = v
		}
	}
	if raw := os.Getenv("AGENTOS_PRUNE_SCHEDULE"); raw != "" {
		cfg.PruneSchedule = raw
	}
	if raw := os.Getenv("AGENTOS_DEFAULT_RETENTION"); raw != "" {
		cfg.DefaultRetention = raw
	}
	if raw := os.Getenv("AGENTOS_CHECKPOINT_EVERY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CheckpointEveryRecords = v
		}
	}
}
