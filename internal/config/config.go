// Package config loads the engine configuration from an optional YAML
// file with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/propsure/decision-engine/internal/critic"
	"gopkg.in/yaml.v3"
)

// #region types

// Config is the full engine configuration.
type Config struct {
	DBPath          string  `yaml:"db_path"`
	ExperimentID    string  `yaml:"experiment_id"`
	ModelID         string  `yaml:"model_id"`
	SafetyThreshold float64 `yaml:"safety_threshold"`
	RewardThreshold float64 `yaml:"reward_threshold"`
	Beta            float64 `yaml:"beta"`
	Gamma           float64 `yaml:"gamma"`
	Lambda          float64 `yaml:"lambda"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
	CoverageTarget  float64 `yaml:"coverage_target"`
}

// Default returns the baseline configuration.
func Default() Config {
	cc := critic.DefaultConfig()
	return Config{
		DBPath:          "decision_engine.db",
		ExperimentID:    "production",
		ModelID:         cc.ModelID,
		SafetyThreshold: cc.SafetyThreshold,
		RewardThreshold: cc.RewardThreshold,
		Beta:            cc.Beta,
		Gamma:           cc.Gamma,
		Lambda:          cc.Lambda,
		CacheTTLSeconds: int(cc.CacheTTL / time.Second),
		CoverageTarget:  0.90,
	}
}

// #endregion types

// #region load

// Load reads the YAML file at path (skipped when path is empty or the
// file is absent), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.DBPath = envOr("DECISION_DB", cfg.DBPath)
	cfg.ExperimentID = envOr("DECISION_EXPERIMENT", cfg.ExperimentID)
	cfg.ModelID = envOr("DECISION_MODEL_ID", cfg.ModelID)
	cfg.SafetyThreshold = envFloatOr("DECISION_SAFETY_THRESHOLD", cfg.SafetyThreshold)

	if cfg.Gamma <= cfg.Beta {
		return Config{}, fmt.Errorf("gamma (%g) must exceed beta (%g)", cfg.Gamma, cfg.Beta)
	}
	if cfg.SafetyThreshold <= 0 {
		return Config{}, fmt.Errorf("safety threshold must be positive, got %g", cfg.SafetyThreshold)
	}
	return cfg, nil
}

// Critic maps the configuration onto the critic's tunables.
func (c Config) Critic() critic.Config {
	cc := critic.DefaultConfig()
	cc.ModelID = c.ModelID
	cc.Beta = c.Beta
	cc.Gamma = c.Gamma
	cc.Lambda = c.Lambda
	cc.SafetyThreshold = c.SafetyThreshold
	cc.RewardThreshold = c.RewardThreshold
	cc.CacheTTL = time.Duration(c.CacheTTLSeconds) * time.Second
	return cc
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// #endregion load
