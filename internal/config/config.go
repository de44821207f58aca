// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	Cache   CacheConfig
	Archive ArchiveConfig

	// CachePruneSpec is the cron spec for the nightly cache prune job.
	CachePruneSpec string

	// SweepWorkers bounds concurrent backtests in a parameter sweep.
	SweepWorkers int
}

// CacheConfig configures the statistics cache.
type CacheConfig struct {
	Enabled    bool
	MaxEntries int
	MaxAge     time.Duration
	Persist    bool // mirror entries into the cache database
}

// ArchiveConfig configures the optional S3 results archive. Endpoint and
// static credentials support S3-compatible services; leave them empty to use
// the default AWS credential chain.
type ArchiveConfig struct {
	Enabled   bool
	Bucket    string
	Region    string
	Prefix    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("HINDSIGHT_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Cache: CacheConfig{
			Enabled:    getEnvAsBool("CACHE_ENABLED", true),
			MaxEntries: getEnvAsInt("CACHE_MAX_ENTRIES", 4096),
			MaxAge:     time.Duration(getEnvAsInt("CACHE_MAX_AGE_MINUTES", 240)) * time.Minute,
			Persist:    getEnvAsBool("CACHE_PERSIST", false),
		},
		Archive: ArchiveConfig{
			Enabled:   getEnvAsBool("ARCHIVE_ENABLED", false),
			Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
			Region:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Prefix:    getEnv("ARCHIVE_S3_PREFIX", "hindsight"),
			Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
			AccessKey: getEnv("ARCHIVE_S3_ACCESS_KEY", ""),
			SecretKey: getEnv("ARCHIVE_S3_SECRET_KEY", ""),
		},
		CachePruneSpec: getEnv("CACHE_PRUNE_SPEC", "0 30 3 * * *"),
		SweepWorkers:   getEnvAsInt("SWEEP_WORKERS", 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache max entries must not be negative: %d", c.Cache.MaxEntries)
	}
	if c.SweepWorkers < 1 {
		return fmt.Errorf("sweep workers must be at least 1: %d", c.SweepWorkers)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive enabled but no S3 bucket configured")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
