package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProjectConfigName is the per-directory configuration file.
const ProjectConfigName = "vulnsearch.yaml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VULNSEARCH_"

// Config represents the complete vulnsearch configuration.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Index       IndexConfig       `yaml:"index" json:"index"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Sync        SyncConfig        `yaml:"sync" json:"sync"`
	Catalog     CatalogConfig     `yaml:"catalog" json:"catalog"`
	Feed        FeedConfig        `yaml:"feed" json:"feed"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
}

// IndexConfig configures the per-kind index store.
type IndexConfig struct {
	// Dir holds one subdirectory per entity kind.
	Dir string `yaml:"dir" json:"dir"`

	// Backend is "bleve" or "sqlite".
	Backend string `yaml:"backend" json:"backend"`

	// BatchSize bounds the documents written per batch during rebuild.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// SearchConfig configures query pagination and the federated result cache.
type SearchConfig struct {
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`
	MaxLimit     int `yaml:"max_limit" json:"max_limit"`

	// CacheSize is the number of cached per-kind results; 0 disables caching.
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// SyncConfig configures retry and circuit breaking for index synchronization.
type SyncConfig struct {
	MaxRetries      int    `yaml:"max_retries" json:"max_retries"`
	RetryDelay      string `yaml:"retry_delay" json:"retry_delay"`
	BreakerFailures int    `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerReset    string `yaml:"breaker_reset" json:"breaker_reset"`
}

// CatalogConfig configures the reference record catalog.
type CatalogConfig struct {
	Path string `yaml:"path" json:"path"`
}

// FeedConfig configures the watched record feed directory.
type FeedConfig struct {
	Dir      string `yaml:"dir" json:"dir"`
	Debounce string `yaml:"debounce" json:"debounce"`
}

// ServerConfig configures the HTTP surface and logging.
type ServerConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// MaintenanceConfig configures startup rebuilds and the dirty-kind loop.
type MaintenanceConfig struct {
	// RebuildOnStartup is "stale", "always" or "never".
	RebuildOnStartup string `yaml:"rebuild_on_startup" json:"rebuild_on_startup"`
	Workers          int    `yaml:"workers" json:"workers"`

	// DirtyInterval is how often dirty kinds are rebuilt while serving.
	DirtyInterval string `yaml:"dirty_interval" json:"dirty_interval"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	data := DefaultDataDir()
	return &Config{
		Version: 1,
		Index: IndexConfig{
			Dir:       filepath.Join(data, "index"),
			Backend:   "bleve",
			BatchSize: 500,
		},
		Search: SearchConfig{
			DefaultLimit: 10,
			MaxLimit:     100,
			CacheSize:    1024,
		},
		Sync: SyncConfig{
			MaxRetries:      3,
			RetryDelay:      "100ms",
			BreakerFailures: 5,
			BreakerReset:    "30s",
		},
		Catalog: CatalogConfig{
			Path: filepath.Join(data, "catalog.db"),
		},
		Feed: FeedConfig{
			Dir:      filepath.Join(data, "feed"),
			Debounce: "200ms",
		},
		Server: ServerConfig{
			Addr:     "127.0.0.1:8484",
			LogLevel: "info",
		},
		Maintenance: MaintenanceConfig{
			RebuildOnStartup: "stale",
			Workers:          2,
			DirtyInterval:    "1m",
		},
	}
}

// DefaultDataDir returns ~/.vulnsearch, falling back to the temp directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".vulnsearch")
	}
	return filepath.Join(home, ".vulnsearch")
}

// GetUserConfigPath returns the path to the user configuration file:
//   - $XDG_CONFIG_HOME/vulnsearch/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/vulnsearch/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "vulnsearch", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "vulnsearch", "config.yaml")
	}
	return filepath.Join(home, ".config", "vulnsearch", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// loadUserConfig returns nil config and nil error when no user file exists.
func loadUserConfig() (*Config, error) {
	configPath := GetUserConfigPath()
	if !fileExists(configPath) {
		return nil, nil
	}

	var parsed Config
	if err := parsed.loadYAML(configPath); err != nil {
		return nil, fmt.Errorf("failed to load user config from %s: %w", configPath, err)
	}
	return &parsed, nil
}

// Load loads configuration for the given working directory.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User config (~/.config/vulnsearch/config.yaml)
//  3. Project config (vulnsearch.yaml in dir)
//  4. Environment variables (VULNSEARCH_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userCfg, err := loadUserConfig(); err != nil {
		return nil, err
	} else if userCfg != nil {
		cfg.mergeWith(userCfg)
	}

	if err := cfg.loadFromFile(dir); err != nil {
		return nil, err
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFile loads defaults, then the given file, then env overrides.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	var parsed Config
	if err := parsed.loadYAML(path); err != nil {
		return nil, err
	}
	cfg.mergeWith(&parsed)
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadFromFile loads vulnsearch.yaml, or vulnsearch.yml as a fallback.
func (c *Config) loadFromFile(dir string) error {
	yamlPath := filepath.Join(dir, ProjectConfigName)
	if fileExists(yamlPath) {
		return c.mergeFile(yamlPath)
	}

	ymlPath := filepath.Join(dir, "vulnsearch.yml")
	if fileExists(ymlPath) {
		return c.mergeFile(ymlPath)
	}

	return nil
}

func (c *Config) mergeFile(path string) error {
	var parsed Config
	if err := parsed.loadYAML(path); err != nil {
		return err
	}
	c.mergeWith(&parsed)
	return nil
}

// loadYAML decodes path into c without applying defaults.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// mergeWith merges non-zero values from other into c.
func (c *Config) mergeWith(other *Config) {
	if other.Version != 0 {
		c.Version = other.Version
	}

	if other.Index.Dir != "" {
		c.Index.Dir = expandHome(other.Index.Dir)
	}
	if other.Index.Backend != "" {
		c.Index.Backend = other.Index.Backend
	}
	if other.Index.BatchSize != 0 {
		c.Index.BatchSize = other.Index.BatchSize
	}

	if other.Search.DefaultLimit != 0 {
		c.Search.DefaultLimit = other.Search.DefaultLimit
	}
	if other.Search.MaxLimit != 0 {
		c.Search.MaxLimit = other.Search.MaxLimit
	}
	if other.Search.CacheSize != 0 {
		c.Search.CacheSize = other.Search.CacheSize
	}

	if other.Sync.MaxRetries != 0 {
		c.Sync.MaxRetries = other.Sync.MaxRetries
	}
	if other.Sync.RetryDelay != "" {
		c.Sync.RetryDelay = other.Sync.RetryDelay
	}
	if other.Sync.BreakerFailures != 0 {
		c.Sync.BreakerFailures = other.Sync.BreakerFailures
	}
	if other.Sync.BreakerReset != "" {
		c.Sync.BreakerReset = other.Sync.BreakerReset
	}

	if other.Catalog.Path != "" {
		c.Catalog.Path = expandHome(other.Catalog.Path)
	}

	if other.Feed.Dir != "" {
		c.Feed.Dir = expandHome(other.Feed.Dir)
	}
	if other.Feed.Debounce != "" {
		c.Feed.Debounce = other.Feed.Debounce
	}

	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.Server.LogLevel != "" {
		c.Server.LogLevel = other.Server.LogLevel
	}

	if other.Maintenance.RebuildOnStartup != "" {
		c.Maintenance.RebuildOnStartup = other.Maintenance.RebuildOnStartup
	}
	if other.Maintenance.Workers != 0 {
		c.Maintenance.Workers = other.Maintenance.Workers
	}
	if other.Maintenance.DirtyInterval != "" {
		c.Maintenance.DirtyInterval = other.Maintenance.DirtyInterval
	}
}

// applyEnvOverrides applies VULNSEARCH_* environment variable overrides.
// Unlike file values, env values may set zero (for example a cache size of 0).
func (c *Config) applyEnvOverrides() error {
	strs := map[string]*string{
		"INDEX_DIR":          &c.Index.Dir,
		"INDEX_BACKEND":      &c.Index.Backend,
		"SYNC_RETRY_DELAY":   &c.Sync.RetryDelay,
		"SYNC_BREAKER_RESET": &c.Sync.BreakerReset,
		"CATALOG_PATH":       &c.Catalog.Path,
		"FEED_DIR":           &c.Feed.Dir,
		"FEED_DEBOUNCE":      &c.Feed.Debounce,
		"ADDR":               &c.Server.Addr,
		"LOG_LEVEL":          &c.Server.LogLevel,
		"REBUILD_ON_STARTUP": &c.Maintenance.RebuildOnStartup,
		"DIRTY_INTERVAL":     &c.Maintenance.DirtyInterval,
	}
	for name, dst := range strs {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"INDEX_BATCH_SIZE":      &c.Index.BatchSize,
		"SEARCH_DEFAULT_LIMIT":  &c.Search.DefaultLimit,
		"SEARCH_MAX_LIMIT":      &c.Search.MaxLimit,
		"SEARCH_CACHE_SIZE":     &c.Search.CacheSize,
		"SYNC_MAX_RETRIES":      &c.Sync.MaxRetries,
		"SYNC_BREAKER_FAILURES": &c.Sync.BreakerFailures,
		"MAINTENANCE_WORKERS":   &c.Maintenance.Workers,
	}
	for name, dst := range ints {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s must be an integer, got %q", EnvPrefix, name, v)
		}
		*dst = n
	}
	return nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Index.Dir == "" {
		return fmt.Errorf("index.dir must not be empty")
	}
	switch strings.ToLower(c.Index.Backend) {
	case "bleve", "sqlite":
	default:
		return fmt.Errorf("index.backend must be 'bleve' or 'sqlite', got %s", c.Index.Backend)
	}
	if c.Index.BatchSize <= 0 {
		return fmt.Errorf("index.batch_size must be positive, got %d", c.Index.BatchSize)
	}

	if c.Search.DefaultLimit <= 0 {
		return fmt.Errorf("search.default_limit must be positive, got %d", c.Search.DefaultLimit)
	}
	if c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("search.max_limit (%d) must be >= search.default_limit (%d)",
			c.Search.MaxLimit, c.Search.DefaultLimit)
	}
	if c.Search.CacheSize < 0 {
		return fmt.Errorf("search.cache_size must be non-negative, got %d", c.Search.CacheSize)
	}

	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must be non-negative, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.BreakerFailures <= 0 {
		return fmt.Errorf("sync.breaker_failures must be positive, got %d", c.Sync.BreakerFailures)
	}

	durations := []struct{ name, value string }{
		{"sync.retry_delay", c.Sync.RetryDelay},
		{"sync.breaker_reset", c.Sync.BreakerReset},
		{"feed.debounce", c.Feed.Debounce},
		{"maintenance.dirty_interval", c.Maintenance.DirtyInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s must be a duration, got %q", d.name, d.value)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, d.value)
		}
	}

	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog.path must not be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Server.LogLevel)] {
		return fmt.Errorf("server.log_level must be 'debug', 'info', 'warn', or 'error', got %s", c.Server.LogLevel)
	}

	switch strings.ToLower(c.Maintenance.RebuildOnStartup) {
	case "stale", "always", "never":
	default:
		return fmt.Errorf("maintenance.rebuild_on_startup must be 'stale', 'always', or 'never', got %s",
			c.Maintenance.RebuildOnStartup)
	}
	if c.Maintenance.Workers <= 0 {
		return fmt.Errorf("maintenance.workers must be positive, got %d", c.Maintenance.Workers)
	}

	return nil
}

// RetryDelay returns the parsed sync.retry_delay.
func (c *Config) RetryDelay() time.Duration { return mustDuration(c.Sync.RetryDelay) }

// BreakerReset returns the parsed sync.breaker_reset.
func (c *Config) BreakerReset() time.Duration { return mustDuration(c.Sync.BreakerReset) }

// FeedDebounce returns the parsed feed.debounce.
func (c *Config) FeedDebounce() time.Duration { return mustDuration(c.Feed.Debounce) }

// DirtyInterval returns the parsed maintenance.dirty_interval.
func (c *Config) DirtyInterval() time.Duration { return mustDuration(c.Maintenance.DirtyInterval) }

// mustDuration is only called on validated values; bad input yields zero.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// LoadUserConfig loads the user configuration file.
// Returns nil config and nil error if the file doesn't exist.
func LoadUserConfig() (*Config, error) {
	return loadUserConfig()
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
