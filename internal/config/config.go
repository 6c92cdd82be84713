// Package config loads the orchestrator's own tuning knobs from
// .wiggum/config.yaml (scheduler scoring weights, worker capacity): a
// small YAML struct with defaults filled in at load time, further
// overridable by WIGGUM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the scheduler's tunable constants plus the on-disk
// locations of the board and pipeline files.
type Config struct {
	BoardPath    string `yaml:"board-path"`
	PipelinePath string `yaml:"pipeline-path"`
	BaseBranch   string `yaml:"base-branch"` // PR base branch for a successful worker's push/open-PR finalize step
	AutoMerge    bool   `yaml:"auto-merge"`  // squash-merge conflict-free PRs at reap instead of leaving them open

	MaxWorkers         int `yaml:"max-workers"`
	MaxFollowupWorkers int `yaml:"max-followup-workers"` // 0 (the default) lets the scheduler use max-workers
	MaxFixRetries      int `yaml:"max-fix-retries"`
	AgingFactor        int `yaml:"aging-factor"`
	PlanBonus          int `yaml:"plan-bonus"`
	DepBonusPerTask    int `yaml:"dep-bonus-per-task"`
	SiblingWIPPenalty  int `yaml:"sibling-wip-penalty"`
	TickIntervalMillis int `yaml:"tick-interval-ms"`
}

// defaults mirror internal/scheduler's own DefaultXxx constants; kept
// independent so config can be loaded and validated without importing
// the scheduler package.
func defaults() Config {
	return Config{
		BoardPath:          "kanban.md",
		PipelinePath:       "pipeline.json",
		BaseBranch:         "main",
		MaxWorkers:         4,
		MaxFixRetries:      3,
		AgingFactor:        7,
		PlanBonus:          15000,
		DepBonusPerTask:    7000,
		SiblingWIPPenalty:  20000,
		TickIntervalMillis: 1500,
	}
}

// Load reads path if present, layering its fields over the built-in
// defaults, then applies WIGGUM_* environment overrides. A missing config
// file is not an error — every project gets the defaults until it
// writes its own .wiggum/config.yaml via `wiggum init`.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	intEnv("WIGGUM_MAX_WORKERS", &cfg.MaxWorkers)
	intEnv("WIGGUM_AGING_FACTOR", &cfg.AgingFactor)
	intEnv("WIGGUM_SIBLING_WIP_PENALTY", &cfg.SiblingWIPPenalty)
	intEnv("WIGGUM_PLAN_BONUS", &cfg.PlanBonus)
	intEnv("WIGGUM_DEP_BONUS_PER_TASK", &cfg.DepBonusPerTask)
}

func intEnv(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	if n, err := strconv.Atoi(raw); err == nil {
		*dst = n
	}
}

// Validate checks the loaded config is internally consistent.
func Validate(cfg *Config) error {
	if cfg.MaxWorkers <= 0 {
		return fmt.Errorf("config: max-workers must be positive, got %d", cfg.MaxWorkers)
	}
	if cfg.BoardPath == "" {
		return fmt.Errorf("config: board-path must not be empty")
	}
	if cfg.PipelinePath == "" {
		return fmt.Errorf("config: pipeline-path must not be empty")
	}
	if cfg.TickIntervalMillis <= 0 {
		return fmt.Errorf("config: tick-interval-ms must be positive, got %d", cfg.TickIntervalMillis)
	}
	return nil
}
