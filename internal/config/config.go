// Package config loads server settings from .env, an optional YAML file and
// the environment, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/DoyleJ11/table-sync/internal/compcache"
	"github.com/DoyleJ11/table-sync/internal/snapshot"
	"github.com/DoyleJ11/table-sync/internal/syncpolicy"
)

// Sync holds the knobs of the sync core.
type Sync struct {
	MaxHistorySize         int   `yaml:"max_history_size"`
	VersionDiffThreshold   int64 `yaml:"version_diff_threshold"`
	MaxDeltaSize           int   `yaml:"max_delta_size"`
	EnableComparisonCache  bool  `yaml:"enable_comparison_cache"`
	MaxComparisonCacheSize int   `yaml:"max_comparison_cache_size"`
	CompressedSizing       bool  `yaml:"compressed_sizing"`
	ArchiveQueue           int   `yaml:"archive_queue"`
	ArchiveRetention       int   `yaml:"archive_retention"`
}

type Config struct {
	Addr        string `yaml:"addr"`
	DatabaseURL string `yaml:"database_url"`
	AppEnv      string `yaml:"app_env"`
	LogLevel    string `yaml:"log_level"`
	Sync        Sync   `yaml:"sync"`
}

func Defaults() Config {
	return Config{
		Addr:     ":8080",
		AppEnv:   "production",
		LogLevel: "info",
		Sync: Sync{
			MaxHistorySize:         snapshot.DefaultMaxHistorySize,
			VersionDiffThreshold:   syncpolicy.DefaultVersionDiffThreshold,
			MaxDeltaSize:           syncpolicy.DefaultMaxDeltaSize,
			EnableComparisonCache:  true,
			MaxComparisonCacheSize: compcache.DefaultSize,
			ArchiveQueue:           256,
			ArchiveRetention:       1000,
		},
	}
}

// Load reads .env (if present), then the YAML file at path (or SYNC_CONFIG
// when path is empty), then environment overrides, and validates the
// result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf(".env: %w", err)
	}

	cfg := Defaults()
	if path == "" {
		path = os.Getenv("SYNC_CONFIG")
	}
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	str("SERVER_ADDR", &c.Addr)
	str("DATABASE_URL", &c.DatabaseURL)
	str("APP_ENV", &c.AppEnv)
	str("LOG_LEVEL", &c.LogLevel)

	var errs error
	num := func(key string, dst *int) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s=%q: %w", key, v, err))
			return
		}
		*dst = n
	}
	flag := func(key string, dst *bool) {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s=%q: %w", key, v, err))
			return
		}
		*dst = b
	}

	threshold := int(c.Sync.VersionDiffThreshold)
	num("SYNC_MAX_HISTORY_SIZE", &c.Sync.MaxHistorySize)
	num("SYNC_VERSION_DIFF_THRESHOLD", &threshold)
	num("SYNC_MAX_DELTA_SIZE", &c.Sync.MaxDeltaSize)
	num("SYNC_MAX_COMPARISON_CACHE_SIZE", &c.Sync.MaxComparisonCacheSize)
	num("SYNC_ARCHIVE_QUEUE", &c.Sync.ArchiveQueue)
	num("SYNC_ARCHIVE_RETENTION", &c.Sync.ArchiveRetention)
	flag("SYNC_ENABLE_COMPARISON_CACHE", &c.Sync.EnableComparisonCache)
	flag("SYNC_COMPRESSED_SIZING", &c.Sync.CompressedSizing)
	c.Sync.VersionDiffThreshold = int64(threshold)
	return errs
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs error
	positive := func(name string, n int64) {
		if n <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}
	if c.Addr == "" {
		errs = multierr.Append(errs, errors.New("addr must not be empty"))
	}
	positive("max_history_size", int64(c.Sync.MaxHistorySize))
	positive("version_diff_threshold", c.Sync.VersionDiffThreshold)
	positive("max_delta_size", int64(c.Sync.MaxDeltaSize))
	positive("archive_queue", int64(c.Sync.ArchiveQueue))
	if c.Sync.EnableComparisonCache {
		positive("max_comparison_cache_size", int64(c.Sync.MaxComparisonCacheSize))
	}
	if c.Sync.ArchiveRetention < 0 {
		errs = multierr.Append(errs, fmt.Errorf("archive_retention must not be negative, got %d", c.Sync.ArchiveRetention))
	}
	return errs
}

// CacheSize is the comparison cache size to build, 0 when disabled.
func (s Sync) CacheSize() int {
	if !s.EnableComparisonCache {
		return 0
	}
	return s.MaxComparisonCacheSize
}

// Policy returns the process-wide sync defaults.
func (s Sync) Policy() syncpolicy.Options {
	return syncpolicy.Options{
		VersionDiffThreshold: s.VersionDiffThreshold,
		MaxDeltaSize:         s.MaxDeltaSize,
		CompressedSizing:     s.CompressedSizing,
	}
}

func (c Config) IsDevelopment() bool {
	return strings.EqualFold(c.AppEnv, "development")
}
