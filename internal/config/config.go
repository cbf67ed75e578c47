// Package config provides configuration for odbscope.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"odbscope/internal/oid"
)

// DefaultFile is read from the working directory when no file is given.
const DefaultFile = "odbscope.yaml"

// Config holds inspector configuration.
type Config struct {
	// Database is the path of the RelStorage SQLite file.
	Database string `yaml:"database"`
	// Blobs is the blob directory.
	Blobs string `yaml:"blobs"`
	// Roots are extra traversal roots besides the database root.
	Roots []string `yaml:"roots"`
	// CacheDir holds reference index caches.
	CacheDir string `yaml:"cache_dir"`
	// NoCache disables the reference index cache.
	NoCache bool `yaml:"no_cache"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// Layout overrides blob layout detection (bushy or lawn).
	Layout string `yaml:"layout"`
	// Exclude lists glob patterns of blob dir entries to ignore.
	Exclude []string `yaml:"exclude"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		CacheDir: defaultCacheDir(),
		LogLevel: "info",
	}
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "odbscope")
	}
	return filepath.Join(home, ".cache", "odbscope")
}

// Load builds a Config from defaults, the YAML file at path, then the
// environment. An empty path reads DefaultFile if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database = getEnv("ODBSCOPE_DB", c.Database)
	c.Blobs = getEnv("ODBSCOPE_BLOBS", c.Blobs)
	c.CacheDir = getEnv("ODBSCOPE_CACHE_DIR", c.CacheDir)
	c.NoCache = getEnvBool("ODBSCOPE_NO_CACHE", c.NoCache)
	c.LogLevel = getEnv("ODBSCOPE_LOG_LEVEL", c.LogLevel)
	c.Layout = getEnv("ODBSCOPE_LAYOUT", c.Layout)
	if roots := os.Getenv("ODBSCOPE_ROOTS"); roots != "" {
		c.Roots = splitList(roots)
	}
}

// RootIDs parses the extra roots.
func (c *Config) RootIDs() ([]oid.ID, error) {
	ids := make([]oid.ID, 0, len(c.Roots))
	for _, r := range c.Roots {
		id, err := oid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("root: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
