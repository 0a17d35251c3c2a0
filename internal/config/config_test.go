package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points the user config at an empty temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)
	for _, name := range []string{
		"INDEX_DIR", "INDEX_BACKEND", "INDEX_BATCH_SIZE", "SEARCH_DEFAULT_LIMIT",
		"SEARCH_MAX_LIMIT", "SEARCH_CACHE_SIZE", "LOG_LEVEL", "REBUILD_ON_STARTUP",
	} {
		t.Setenv(EnvPrefix+name, "")
	}
	return xdg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: all defaults are applied and valid
	require.NotNil(t, cfg)
	assert.Equal(t, "bleve", cfg.Index.Backend)
	assert.Equal(t, 500, cfg.Index.BatchSize)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, 100, cfg.Search.MaxLimit)
	assert.Equal(t, 1024, cfg.Search.CacheSize)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryDelay())
	assert.Equal(t, 30*time.Second, cfg.BreakerReset())
	assert.Equal(t, 200*time.Millisecond, cfg.FeedDebounce())
	assert.Equal(t, time.Minute, cfg.DirtyInterval())
	assert.Equal(t, "stale", cfg.Maintenance.RebuildOnStartup)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFiles_UsesDefaults(t *testing.T) {
	// Given: no user or project config
	isolate(t)

	// When: loading from an empty directory
	cfg, err := Load(t.TempDir())

	// Then: defaults are returned
	require.NoError(t, err)
	assert.Equal(t, NewConfig(), cfg)
}

func TestLoad_Precedence(t *testing.T) {
	// Given: user config, project config and env each set something
	xdg := isolate(t)
	writeFile(t, filepath.Join(xdg, "vulnsearch", "config.yaml"), `
index:
  backend: sqlite
  batch_size: 50
search:
  default_limit: 20
`)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectConfigName), `
search:
  default_limit: 25
  max_limit: 200
`)
	t.Setenv("VULNSEARCH_SEARCH_MAX_LIMIT", "300")

	// When: loading
	cfg, err := Load(dir)
	require.NoError(t, err)

	// Then: later layers win, untouched values carry through
	assert.Equal(t, "sqlite", cfg.Index.Backend)
	assert.Equal(t, 50, cfg.Index.BatchSize)
	assert.Equal(t, 25, cfg.Search.DefaultLimit)
	assert.Equal(t, 300, cfg.Search.MaxLimit)
	assert.Equal(t, 1024, cfg.Search.CacheSize)
}

func TestLoad_YmlFallback(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "vulnsearch.yml"), "server:\n  log_level: debug\n")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
}

func TestLoad_EnvCanSetZeroCache(t *testing.T) {
	// Given: an env override disabling the cache
	isolate(t)
	t.Setenv("VULNSEARCH_SEARCH_CACHE_SIZE", "0")

	// When: loading
	cfg, err := Load(t.TempDir())

	// Then: zero survives
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Search.CacheSize)
}

func TestLoad_BadEnvInteger(t *testing.T) {
	isolate(t)
	t.Setenv("VULNSEARCH_INDEX_BATCH_SIZE", "many")

	_, err := Load(t.TempDir())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "VULNSEARCH_INDEX_BATCH_SIZE")
}

func TestLoad_MalformedYAML(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectConfigName), "index: [unclosed\n")

	_, err := Load(dir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestLoad_InvalidValueRejected(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ProjectConfigName), "index:\n  backend: lucene\n")

	_, err := Load(dir)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "index.backend")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"sqlite backend", func(c *Config) { c.Index.Backend = "SQLite" }, ""},
		{"unknown backend", func(c *Config) { c.Index.Backend = "lucene" }, "index.backend"},
		{"empty index dir", func(c *Config) { c.Index.Dir = "" }, "index.dir"},
		{"zero batch", func(c *Config) { c.Index.BatchSize = 0 }, "index.batch_size"},
		{"zero default limit", func(c *Config) { c.Search.DefaultLimit = 0 }, "search.default_limit"},
		{"max below default", func(c *Config) { c.Search.MaxLimit = 5 }, "search.max_limit"},
		{"negative cache", func(c *Config) { c.Search.CacheSize = -1 }, "search.cache_size"},
		{"negative retries", func(c *Config) { c.Sync.MaxRetries = -1 }, "sync.max_retries"},
		{"zero breaker failures", func(c *Config) { c.Sync.BreakerFailures = 0 }, "sync.breaker_failures"},
		{"bad retry delay", func(c *Config) { c.Sync.RetryDelay = "soon" }, "sync.retry_delay"},
		{"negative debounce", func(c *Config) { c.Feed.Debounce = "-1s" }, "feed.debounce"},
		{"empty catalog", func(c *Config) { c.Catalog.Path = "" }, "catalog.path"},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }, "server.log_level"},
		{"bad policy", func(c *Config) { c.Maintenance.RebuildOnStartup = "sometimes" }, "rebuild_on_startup"},
		{"zero workers", func(c *Config) { c.Maintenance.Workers = 0 }, "maintenance.workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteYAML_RoundTripsThroughLoadFile(t *testing.T) {
	// Given: a customized config written to disk
	isolate(t)
	cfg := NewConfig()
	cfg.Index.Backend = "sqlite"
	cfg.Search.MaxLimit = 250
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	// When: writing and loading it back
	require.NoError(t, cfg.WriteYAML(path))
	loaded, err := LoadFile(path)

	// Then: values survive
	require.NoError(t, err)
	assert.Equal(t, "sqlite", loaded.Index.Backend)
	assert.Equal(t, 250, loaded.Search.MaxLimit)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "data"), expandHome("~/data"))
	assert.Equal(t, "/abs/data", expandHome("/abs/data"))
	assert.Equal(t, "rel", expandHome("rel"))
}

func TestGetUserConfigPath_XDG(t *testing.T) {
	xdg := isolate(t)
	assert.Equal(t, filepath.Join(xdg, "vulnsearch", "config.yaml"), GetUserConfigPath())
	assert.False(t, UserConfigExists())

	cfg, err := LoadUserConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}
