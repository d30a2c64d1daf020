package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// EnvInt reads an integer from an environment variable, returning defaultVal
// if unset or invalid.
func EnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid integer env var, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return n
}

// EnvFloat reads a float from an environment variable, returning defaultVal
// if unset or invalid.
func EnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid float env var, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return f
}

// EnvDuration reads a Go duration from an environment variable, returning
// defaultVal if unset or invalid.
func EnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env var, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return d
}

// envMillis reads a millisecond count (bare integer) from an environment
// variable. The EXTRACTION_*/ANALYSIS_* delay knobs are specified in ms.
func envMillis(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		slog.Warn("invalid millisecond env var, using default", "key", key, "value", v, "default", defaultVal)
		return defaultVal
	}
	return time.Duration(n) * time.Millisecond
}
