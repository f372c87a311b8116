// Package config holds all shelfaudit configuration. Config is loaded from a
// yaml file, falls back to defaults, and is finally overridden from the
// environment so deployments never need credentials on disk.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all shelfaudit configuration.
type Config struct {
	Vision   VisionConfig   `yaml:"vision"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Matching MatchingConfig `yaml:"matching"`
	Batch    BatchConfig    `yaml:"batch"`
	Store    StoreConfig    `yaml:"store"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// VisionConfig configures the vision-language model adapter.
type VisionConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"` // per-call timeout, Go duration string
}

// CatalogConfig configures the external product catalog client.
type CatalogConfig struct {
	BaseURL      string `yaml:"base_url"`
	Token        string `yaml:"token"`
	Timeout      string `yaml:"timeout"`
	MaxResults   int    `yaml:"max_results"`   // cap on candidates per search
	ImageTimeout string `yaml:"image_timeout"` // candidate image fetch timeout
}

// MatchingConfig holds the funnel's tunable thresholds. The defaults are
// empirical; they are configuration precisely because nobody has derived them.
type MatchingConfig struct {
	// PreFilterThreshold is the minimum similarity score for a candidate to
	// be promoted to visual comparison. High on purpose: every promotion
	// costs a pairwise model call.
	PreFilterThreshold float64 `yaml:"pre_filter_threshold"`

	// ArbitrationConfidence is the minimum confidence for a multi-candidate
	// arbitration verdict to be accepted. At or above passes.
	ArbitrationConfidence float64 `yaml:"arbitration_confidence"`

	// CorrectionConfidence is the attribute confidence below which a
	// detection qualifies for contextual correction.
	CorrectionConfidence float64 `yaml:"correction_confidence"`
}

// BatchConfig configures the batch driver.
type BatchConfig struct {
	Concurrency     int    `yaml:"concurrency"`       // detections per group
	InterGroupDelay string `yaml:"inter_group_delay"` // pause between groups
}

// StoreConfig configures the sqlite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures zap output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Vision: VisionConfig{
			Model:   "gemini-2.5-flash",
			Timeout: "60s",
		},
		Catalog: CatalogConfig{
			Timeout:      "30s",
			MaxResults:   100,
			ImageTimeout: "20s",
		},
		Matching: MatchingConfig{
			PreFilterThreshold:    0.85,
			ArbitrationConfidence: 0.6,
			CorrectionConfidence:  0.91,
		},
		Batch: BatchConfig{
			Concurrency:     5,
			InterGroupDelay: "5s",
		},
		Store: StoreConfig{
			DatabasePath: "shelfaudit.db",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from path, merging file values over defaults and
// environment overrides over both. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults + env only.
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SHELFAUDIT_GEMINI_API_KEY"); v != "" {
		c.Vision.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Vision.APIKey == "" {
		c.Vision.APIKey = v
	}
	if v := os.Getenv("SHELFAUDIT_CATALOG_TOKEN"); v != "" {
		c.Catalog.Token = v
	}
	if v := os.Getenv("SHELFAUDIT_CATALOG_URL"); v != "" {
		c.Catalog.BaseURL = v
	}
	if v := os.Getenv("SHELFAUDIT_DB"); v != "" {
		c.Store.DatabasePath = v
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Matching.PreFilterThreshold < 0 || c.Matching.PreFilterThreshold > 1 {
		return fmt.Errorf("pre_filter_threshold %v outside [0,1]", c.Matching.PreFilterThreshold)
	}
	if c.Matching.ArbitrationConfidence < 0 || c.Matching.ArbitrationConfidence > 1 {
		return fmt.Errorf("arbitration_confidence %v outside [0,1]", c.Matching.ArbitrationConfidence)
	}
	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch concurrency must be >= 1, got %d", c.Batch.Concurrency)
	}
	if c.Catalog.MaxResults < 1 {
		return fmt.Errorf("catalog max_results must be >= 1, got %d", c.Catalog.MaxResults)
	}
	for name, s := range map[string]string{
		"vision.timeout":          c.Vision.Timeout,
		"catalog.timeout":         c.Catalog.Timeout,
		"catalog.image_timeout":   c.Catalog.ImageTimeout,
		"batch.inter_group_delay": c.Batch.InterGroupDelay,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, s)
		}
	}
	return nil
}

// Duration parses a duration field that Validate has already vetted.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
