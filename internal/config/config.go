// Package config provides configuration loading and structs for the Kensaku server and CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug   bool          `yaml:"debug"`
	Server  ServerConfig  `yaml:"server"`
	Index   IndexConfig   `yaml:"index"`
	Storage StorageConfig `yaml:"storage"`
	Search  SearchConfig  `yaml:"search"`
	Keyword KeywordConfig `yaml:"keyword"`
	Cache   CacheConfig   `yaml:"cache"`
	Import  ImportConfig  `yaml:"import"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// IndexConfig locates the index and cache files.
type IndexConfig struct {
	Directory   string `yaml:"directory"`
	DefaultName string `yaml:"default_name"`
}

// StorageConfig selects the document backend and its paths.
type StorageConfig struct {
	Backend       string `yaml:"backend"`
	DocumentsPath string `yaml:"documents_path"`
	DatabasePath  string `yaml:"database_path"`
}

// SearchConfig holds paging and resolution settings.
type SearchConfig struct {
	DefaultTake        int   `yaml:"default_take"`
	MaxTake            int   `yaml:"max_take"`
	DefaultStrict      *bool `yaml:"default_strict"`
	ResolveConcurrency int   `yaml:"resolve_concurrency"`
}

// StrictOrDefault returns whether finds are strict when the caller does not
// say; defaults to true when unset.
func (s *SearchConfig) StrictOrDefault() bool {
	if s.DefaultStrict != nil {
		return *s.DefaultStrict
	}
	return true
}

// KeywordConfig bounds keyword extraction.
type KeywordConfig struct {
	MaxCount  int `yaml:"max_count"`
	MaxLength int `yaml:"max_length"`
	MinLength int `yaml:"min_length"`
}

// CacheConfig holds query cache settings.
type CacheConfig struct {
	MemoryEntries     int   `yaml:"memory_entries"`
	InvalidateOnWrite bool  `yaml:"invalidate_on_write"`
	Watch             *bool `yaml:"watch"`
}

// WatchOrDefault returns whether cache files are watched; defaults to true when unset.
func (c *CacheConfig) WatchOrDefault() bool {
	if c.Watch != nil {
		return *c.Watch
	}
	return true
}

// ImportConfig holds directory import settings.
type ImportConfig struct {
	Extensions []string `yaml:"extensions"`
	MaxBytes   int64    `yaml:"max_bytes"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Index.Directory = expandPath(cfg.Index.Directory, configDir)
	cfg.Storage.DocumentsPath = expandPath(cfg.Storage.DocumentsPath, configDir)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "disk", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Search.DefaultTake > c.Search.MaxTake {
		return fmt.Errorf("search.default_take (%d) exceeds search.max_take (%d)", c.Search.DefaultTake, c.Search.MaxTake)
	}
	if c.Keyword.MinLength > c.Keyword.MaxLength {
		return fmt.Errorf("keyword.min_length (%d) exceeds keyword.max_length (%d)", c.Keyword.MinLength, c.Keyword.MaxLength)
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
