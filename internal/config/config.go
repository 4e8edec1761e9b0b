// Package config provides configuration management for mnemex.
// It loads settings from environment variables with the MNEMEX_ prefix and
// provides sensible defaults for every option. An optional YAML file can be
// layered underneath the environment: file values override defaults,
// environment variables override the file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the mnemex engine.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Decay       DecayConfig       `yaml:"decay"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Review      ReviewConfig      `yaml:"review"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Embed       EmbedConfig       `yaml:"embed"`
	Log         LogConfig         `yaml:"log"`
}

// StorageConfig locates the JSONL store and the long-term vault.
type StorageConfig struct {
	// Root is the directory holding memories.jsonl, relations.jsonl,
	// ltm_index.jsonl and the pid lockfile. Created 0700 on first use.
	Root string `yaml:"root"`

	// VaultPath is the root of the markdown vault. Empty disables the
	// long-term side entirely (promotion and LTM search fail gracefully).
	VaultPath string `yaml:"vault_path"`

	// PromotionSubdir is the vault subdirectory promoted notes land in.
	PromotionSubdir string `yaml:"promotion_subdir"`
}

// DecayConfig selects and parameterizes the decay model.
type DecayConfig struct {
	// Model is one of "exponential", "power_law", "two_component".
	Model string `yaml:"model"`

	// HalfLifeDays derives the exponential lambda or the power-law t0.
	HalfLifeDays float64 `yaml:"half_life_days"`

	// Alpha is the power-law shape parameter.
	Alpha float64 `yaml:"alpha"`

	// Two-component model parameters (per-second lambdas).
	TCLambdaFast float64 `yaml:"tc_lambda_fast"`
	TCLambdaSlow float64 `yaml:"tc_lambda_slow"`
	TCWeightFast float64 `yaml:"tc_weight_fast"`

	// Beta is the sub-linear use-count exponent.
	Beta float64 `yaml:"beta"`
}

// LifecycleConfig holds the forget/promote decision thresholds.
type LifecycleConfig struct {
	ForgetThreshold       float64 `yaml:"forget_threshold"`
	PromoteThreshold      float64 `yaml:"promote_threshold"`
	PromoteUseCount       int     `yaml:"promote_use_count"`
	PromoteTimeWindowDays float64 `yaml:"promote_time_window_days"`
	PinnedStrengthFloor   float64 `yaml:"pinned_strength_floor"`
	StrengthBoostDelta    float64 `yaml:"strength_boost_delta"`
	CrossDomainBoostDelta float64 `yaml:"cross_domain_boost_delta"`
	CrossDomainThreshold  float64 `yaml:"cross_domain_threshold"`
}

// ReviewConfig tunes review-priority surfacing and search blending.
type ReviewConfig struct {
	BlendRatio     float64 `yaml:"blend_ratio"`
	DangerZoneLow  float64 `yaml:"danger_zone_low"`
	DangerZoneHigh float64 `yaml:"danger_zone_high"`
}

// ClusterConfig tunes near-duplicate clustering.
type ClusterConfig struct {
	// Strategy is one of "similarity", "tag_overlap", "temporal", "hybrid".
	Strategy           string  `yaml:"strategy"`
	LinkThreshold      float64 `yaml:"link_threshold"`
	MaxClusterSize     int     `yaml:"max_cluster_size"`
	TemporalWindowSecs int64   `yaml:"temporal_window_secs"`
}

// MaintenanceConfig schedules background work.
type MaintenanceConfig struct {
	// Interval is the background sweep cadence, e.g. "1h". Empty disables
	// scheduled maintenance.
	Interval string `yaml:"interval"`

	// CompactionTombstoneRatio is the tombstone/total ratio above which
	// stats recommend compaction.
	CompactionTombstoneRatio float64 `yaml:"compaction_tombstone_ratio"`
}

// EmbedConfig tunes the guard around the opaque external embedder.
type EmbedConfig struct {
	// TimeoutSecs bounds a single embed call.
	TimeoutSecs int `yaml:"timeout_secs"`

	// RatePerSec throttles embed calls; 0 disables the limiter.
	RatePerSec float64 `yaml:"rate_per_sec"`

	// CacheSize is the LRU capacity (content hash -> vector).
	CacheSize int `yaml:"cache_size"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the MNEMEX_ prefix.
func LoadConfig() (*Config, error) {
	cfg := buildBaseConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFromFile loads a YAML config file, then applies environment
// overrides on top. Missing file keys keep their defaults.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects parameter combinations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Decay.Model {
	case "exponential", "power_law", "two_component":
	default:
		return fmt.Errorf("config: unknown decay model %q", c.Decay.Model)
	}
	if c.Decay.HalfLifeDays <= 0 {
		return fmt.Errorf("config: half_life_days must be > 0, got %v", c.Decay.HalfLifeDays)
	}
	if c.Decay.Alpha <= 0 {
		return fmt.Errorf("config: alpha must be > 0, got %v", c.Decay.Alpha)
	}
	if c.Decay.Beta < 0 || c.Decay.Beta > 2 {
		return fmt.Errorf("config: beta must be in [0, 2], got %v", c.Decay.Beta)
	}
	if c.Decay.TCWeightFast < 0 || c.Decay.TCWeightFast > 1 {
		return fmt.Errorf("config: tc_weight_fast must be in [0, 1], got %v", c.Decay.TCWeightFast)
	}
	if c.Lifecycle.ForgetThreshold >= c.Lifecycle.PromoteThreshold {
		return fmt.Errorf("config: forget_threshold %v must be below promote_threshold %v",
			c.Lifecycle.ForgetThreshold, c.Lifecycle.PromoteThreshold)
	}
	if c.Review.DangerZoneLow >= c.Review.DangerZoneHigh {
		return fmt.Errorf("config: danger zone [%v, %v] is empty",
			c.Review.DangerZoneLow, c.Review.DangerZoneHigh)
	}
	if c.Cluster.LinkThreshold <= 0 || c.Cluster.LinkThreshold > 1 {
		return fmt.Errorf("config: cluster link_threshold must be in (0, 1], got %v", c.Cluster.LinkThreshold)
	}
	if c.Cluster.MaxClusterSize < 2 {
		return fmt.Errorf("config: max_cluster_size must be >= 2, got %d", c.Cluster.MaxClusterSize)
	}
	return nil
}

// defaultConfig returns the documented defaults with no environment applied.
func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Root:            "./data",
			VaultPath:       "",
			PromotionSubdir: "memories",
		},
		Decay: DecayConfig{
			Model:        "power_law",
			HalfLifeDays: 3.0,
			Alpha:        1.1,
			TCLambdaFast: 1.603e-5,
			TCLambdaSlow: 1.147e-6,
			TCWeightFast: 0.7,
			Beta:         0.6,
		},
		Lifecycle: LifecycleConfig{
			ForgetThreshold:       0.05,
			PromoteThreshold:      0.65,
			PromoteUseCount:       5,
			PromoteTimeWindowDays: 14,
			PinnedStrengthFloor:   1.8,
			StrengthBoostDelta:    0.1,
			CrossDomainBoostDelta: 0.15,
			CrossDomainThreshold:  0.3,
		},
		Review: ReviewConfig{
			BlendRatio:     0.3,
			DangerZoneLow:  0.15,
			DangerZoneHigh: 0.35,
		},
		Cluster: ClusterConfig{
			Strategy:           "hybrid",
			LinkThreshold:      0.83,
			MaxClusterSize:     12,
			TemporalWindowSecs: 3600,
		},
		Maintenance: MaintenanceConfig{
			Interval:                 "1h",
			CompactionTombstoneRatio: 0.3,
		},
		Embed: EmbedConfig{
			TimeoutSecs: 30,
			RatePerSec:  5,
			CacheSize:   1024,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// buildBaseConfig constructs a Config from environment variables layered
// over the defaults.
func buildBaseConfig() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// applyEnvOverrides overwrites cfg fields for every MNEMEX_ variable set in
// the environment.
func applyEnvOverrides(cfg *Config) {
	cfg.Storage.Root = getEnv("MNEMEX_STORAGE_ROOT", cfg.Storage.Root)
	cfg.Storage.VaultPath = getEnv("MNEMEX_VAULT_PATH", cfg.Storage.VaultPath)
	cfg.Storage.PromotionSubdir = getEnv("MNEMEX_PROMOTION_SUBDIR", cfg.Storage.PromotionSubdir)

	cfg.Decay.Model = getEnv("MNEMEX_DECAY_MODEL", cfg.Decay.Model)
	cfg.Decay.HalfLifeDays = getEnvFloat("MNEMEX_HALF_LIFE_DAYS", cfg.Decay.HalfLifeDays)
	cfg.Decay.Alpha = getEnvFloat("MNEMEX_ALPHA", cfg.Decay.Alpha)
	cfg.Decay.TCLambdaFast = getEnvFloat("MNEMEX_TC_LAMBDA_FAST", cfg.Decay.TCLambdaFast)
	cfg.Decay.TCLambdaSlow = getEnvFloat("MNEMEX_TC_LAMBDA_SLOW", cfg.Decay.TCLambdaSlow)
	cfg.Decay.TCWeightFast = getEnvFloat("MNEMEX_TC_WEIGHT_FAST", cfg.Decay.TCWeightFast)
	cfg.Decay.Beta = getEnvFloat("MNEMEX_BETA", cfg.Decay.Beta)

	cfg.Lifecycle.ForgetThreshold = getEnvFloat("MNEMEX_FORGET_THRESHOLD", cfg.Lifecycle.ForgetThreshold)
	cfg.Lifecycle.PromoteThreshold = getEnvFloat("MNEMEX_PROMOTE_THRESHOLD", cfg.Lifecycle.PromoteThreshold)
	cfg.Lifecycle.PromoteUseCount = getEnvInt("MNEMEX_PROMOTE_USE_COUNT", cfg.Lifecycle.PromoteUseCount)
	cfg.Lifecycle.PromoteTimeWindowDays = getEnvFloat("MNEMEX_PROMOTE_TIME_WINDOW_DAYS", cfg.Lifecycle.PromoteTimeWindowDays)
	cfg.Lifecycle.PinnedStrengthFloor = getEnvFloat("MNEMEX_PINNED_STRENGTH_FLOOR", cfg.Lifecycle.PinnedStrengthFloor)
	cfg.Lifecycle.StrengthBoostDelta = getEnvFloat("MNEMEX_STRENGTH_BOOST_DELTA", cfg.Lifecycle.StrengthBoostDelta)
	cfg.Lifecycle.CrossDomainBoostDelta = getEnvFloat("MNEMEX_CROSS_DOMAIN_BOOST_DELTA", cfg.Lifecycle.CrossDomainBoostDelta)
	cfg.Lifecycle.CrossDomainThreshold = getEnvFloat("MNEMEX_CROSS_DOMAIN_THRESHOLD", cfg.Lifecycle.CrossDomainThreshold)

	cfg.Review.BlendRatio = getEnvFloat("MNEMEX_REVIEW_BLEND_RATIO", cfg.Review.BlendRatio)
	cfg.Review.DangerZoneLow = getEnvFloat("MNEMEX_REVIEW_DANGER_ZONE_LOW", cfg.Review.DangerZoneLow)
	cfg.Review.DangerZoneHigh = getEnvFloat("MNEMEX_REVIEW_DANGER_ZONE_HIGH", cfg.Review.DangerZoneHigh)

	cfg.Cluster.Strategy = getEnv("MNEMEX_CLUSTER_STRATEGY", cfg.Cluster.Strategy)
	cfg.Cluster.LinkThreshold = getEnvFloat("MNEMEX_CLUSTER_LINK_THRESHOLD", cfg.Cluster.LinkThreshold)
	cfg.Cluster.MaxClusterSize = getEnvInt("MNEMEX_CLUSTER_MAX_SIZE", cfg.Cluster.MaxClusterSize)
	cfg.Cluster.TemporalWindowSecs = int64(getEnvInt("MNEMEX_CLUSTER_TEMPORAL_WINDOW_SECS", int(cfg.Cluster.TemporalWindowSecs)))

	cfg.Maintenance.Interval = getEnv("MNEMEX_MAINTENANCE_INTERVAL", cfg.Maintenance.Interval)
	cfg.Maintenance.CompactionTombstoneRatio = getEnvFloat("MNEMEX_COMPACTION_TOMBSTONE_RATIO", cfg.Maintenance.CompactionTombstoneRatio)

	cfg.Embed.TimeoutSecs = getEnvInt("MNEMEX_EMBED_TIMEOUT_SECS", cfg.Embed.TimeoutSecs)
	cfg.Embed.RatePerSec = getEnvFloat("MNEMEX_EMBED_RATE_PER_SEC", cfg.Embed.RatePerSec)
	cfg.Embed.CacheSize = getEnvInt("MNEMEX_EMBED_CACHE_SIZE", cfg.Embed.CacheSize)

	cfg.Log.Level = getEnv("MNEMEX_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.JSON = getEnvBool("MNEMEX_LOG_JSON", cfg.Log.JSON)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" and "false", "0", "no".
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
