// Package config handles loading and validating the grantflow.yaml
// configuration plus the environment-variable tuning knobs for the
// extraction and analysis stages. The daemon runs with zero config —
// every value has a documented default.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the top-level grantflow.yaml configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	LLM        LLM    `yaml:"llm"`
	S3         S3     `yaml:"s3"`

	Extraction Extraction `yaml:"extraction"`
	Analysis   Analysis   `yaml:"analysis"`

	// SchedulerInterval controls how often due source schedules are evaluated.
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`

	// RunTimeout is the default per-run watchdog duration. Sources can
	// override it in their configuration row.
	RunTimeout time.Duration `yaml:"run_timeout"`
}

// LLM holds the model client settings.
type LLM struct {
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"` // ANTHROPIC_API_KEY takes precedence
	ModelCapacity int `yaml:"model_capacity"` // context window tokens
}

// S3 configures the optional raw-payload archive.
type S3 struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Extraction holds the tuning knobs for the extraction engine.
// Each field maps to an EXTRACTION_* environment variable; env overrides yaml.
type Extraction struct {
	ChunkSize         int           `yaml:"chunk_size"`
	MemoryThresholdMB int           `yaml:"memory_threshold_mb"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxRetries        int           `yaml:"max_retries"`
	MaxAnomalousRatio float64       `yaml:"max_anomalous_ratio"`
	MaxFailedRatio    float64       `yaml:"max_failed_ratio"`
	Concurrency       int           `yaml:"concurrency"`
	MaxTokens         int           `yaml:"max_tokens"`
	Temperature       float64       `yaml:"temperature"`
	ChunkTimeout      time.Duration `yaml:"chunk_timeout"`
}

// Analysis holds the tuning knobs for the analysis engine.
type Analysis struct {
	BatchDelay           time.Duration `yaml:"batch_delay"`
	HighScoreThreshold   float64       `yaml:"high_score_threshold"`
	MediumScoreThreshold float64       `yaml:"medium_score_threshold"`
}

// DefaultConfig returns the zero-config defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":8080",
		LLM: LLM{
			Model:         "claude-3-5-haiku-20241022",
			ModelCapacity: 200_000,
		},
		Extraction: Extraction{
			ChunkSize:         8000,
			MemoryThresholdMB: 512,
			RetryDelay:        1 * time.Second,
			MaxRetries:        2,
			MaxAnomalousRatio: 0.3,
			MaxFailedRatio:    0.5,
			Concurrency:       3,
			MaxTokens:         4096,
			Temperature:       0.1,
			ChunkTimeout:      30 * time.Second,
		},
		Analysis: Analysis{
			BatchDelay:           500 * time.Millisecond,
			HighScoreThreshold:   7.0,
			MediumScoreThreshold: 4.0,
		},
		SchedulerInterval: 30 * time.Second,
		RunTimeout:        30 * time.Minute,
	}
}

// Load parses a grantflow.yaml file, applies env overrides, and validates.
// If path is empty, returns defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath finds the config file path.
// Priority: GRANTFLOW_CONFIG env var > ./grantflow.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("GRANTFLOW_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("grantflow.yaml"); err == nil {
		return "grantflow.yaml"
	}
	return ""
}

// applyEnv layers the recognized environment variables over the loaded values.
// Unknown or malformed values fall back to the current (default) value.
func (c *Config) applyEnv() {
	e := &c.Extraction
	e.ChunkSize = EnvInt("EXTRACTION_CHUNK_SIZE", e.ChunkSize)
	e.MemoryThresholdMB = EnvInt("EXTRACTION_MEMORY_THRESHOLD_MB", e.MemoryThresholdMB)
	e.RetryDelay = envMillis("EXTRACTION_RETRY_DELAY_MS", e.RetryDelay)
	e.MaxRetries = EnvInt("EXTRACTION_MAX_RETRIES", e.MaxRetries)
	e.MaxAnomalousRatio = EnvFloat("EXTRACTION_MAX_ANOMALOUS_RATIO", e.MaxAnomalousRatio)
	e.MaxFailedRatio = EnvFloat("EXTRACTION_MAX_FAILED_RATIO", e.MaxFailedRatio)
	e.Concurrency = EnvInt("EXTRACTION_CONCURRENCY", e.Concurrency)
	e.MaxTokens = EnvInt("EXTRACTION_MAX_TOKENS", e.MaxTokens)
	e.Temperature = EnvFloat("EXTRACTION_TEMPERATURE", e.Temperature)

	a := &c.Analysis
	a.BatchDelay = envMillis("ANALYSIS_BATCH_DELAY_MS", a.BatchDelay)
	a.HighScoreThreshold = EnvFloat("ANALYSIS_HIGH_SCORE_THRESHOLD", a.HighScoreThreshold)
	a.MediumScoreThreshold = EnvFloat("ANALYSIS_MEDIUM_SCORE_THRESHOLD", a.MediumScoreThreshold)

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if addr := os.Getenv("GRANTFLOW_LISTEN_ADDR"); addr != "" {
		c.ListenAddr = addr
	}
}

// validate checks ranges on the ratio and threshold knobs.
func (c *Config) validate() error {
	e := c.Extraction
	if e.ChunkSize <= 0 {
		return fmt.Errorf("extraction chunk_size must be positive, got %d", e.ChunkSize)
	}
	if e.MaxFailedRatio < 0 || e.MaxFailedRatio > 1 {
		return fmt.Errorf("extraction max_failed_ratio must be in [0,1], got %g", e.MaxFailedRatio)
	}
	if e.MaxAnomalousRatio < 0 || e.MaxAnomalousRatio > 1 {
		return fmt.Errorf("extraction max_anomalous_ratio must be in [0,1], got %g", e.MaxAnomalousRatio)
	}
	if c.Analysis.HighScoreThreshold < c.Analysis.MediumScoreThreshold {
		return fmt.Errorf("analysis high_score_threshold (%g) below medium_score_threshold (%g)",
			c.Analysis.HighScoreThreshold, c.Analysis.MediumScoreThreshold)
	}
	return nil
}
