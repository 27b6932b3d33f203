package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	c, err := Load(Sources{Lookup: env(nil)})
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "bolt://localhost:7687", c.GraphURI)
	assert.Equal(t, 50, c.BatchSize)
	assert.Equal(t, 70.0, c.MaxMemoryPercent)
	assert.True(t, c.EnableCache)
	assert.True(t, c.EnableIncremental)
	assert.False(t, c.EnableParallel)
	assert.Equal(t, 4, c.MaxWorkers)
	assert.Equal(t, "INFO", c.LogLevel)
	assert.Equal(t, 3, c.ConnectRetries)
	assert.Equal(t, time.Second, c.ConnectRetryDelay)
	assert.Equal(t, filepath.Join(".cache", "ledger.db"), c.LedgerPath())
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "odoo-graph.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
graph_uri: memory://
batch_size: 10
max_workers: 2
connect_retry_delay: 250ms
addons_paths: [/srv/odoo/addons]
`), 0o600))
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("BATCH_SIZE=20\nMAX_WORKERS=6\nLOG_LEVEL=debug\n"), 0o600))

	c, err := Load(Sources{File: yamlPath, EnvFile: envPath, Lookup: env(map[string]string{"MAX_WORKERS": "8"})})
	require.NoError(t, err)

	assert.Equal(t, "memory://", c.GraphURI, "yaml over default")
	assert.Equal(t, 20, c.BatchSize, ".env over yaml")
	assert.Equal(t, 8, c.MaxWorkers, "environment over .env")
	assert.Equal(t, 250*time.Millisecond, c.ConnectRetryDelay)
	assert.Equal(t, []string{"/srv/odoo/addons"}, c.AddonsPaths)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Bind(fs, &c)
	require.NoError(t, fs.Parse([]string{"--max-workers=3", "--enable-cache=false", "--addons-paths", "/a, /b"}))
	require.NoError(t, Apply(fs, &c))
	assert.Equal(t, 3, c.MaxWorkers, "flag over environment")
	assert.False(t, c.EnableCache)
	assert.Equal(t, []string{"/a", "/b"}, c.AddonsPaths)
	assert.Equal(t, 20, c.BatchSize, "unset flags leave values alone")

	require.NoError(t, c.Validate())
	assert.Equal(t, "DEBUG", c.LogLevel)
}

func TestURIAlias(t *testing.T) {
	c, err := Load(Sources{Lookup: env(map[string]string{"NEO4J_URI": "neo4j://db:7687"})})
	require.NoError(t, err)
	assert.Equal(t, "neo4j://db:7687", c.GraphURI)

	c, err = Load(Sources{Lookup: env(map[string]string{"NEO4J_URI": "neo4j://db:7687", "GRAPH_URI": "memory://"})})
	require.NoError(t, err)
	assert.Equal(t, "memory://", c.GraphURI)
}

func TestMissingEnvFileIgnored(t *testing.T) {
	_, err := Load(Sources{EnvFile: filepath.Join(t.TempDir(), ".env"), Lookup: env(nil)})
	require.NoError(t, err)
}

func TestBadValue(t *testing.T) {
	_, err := Load(Sources{Lookup: env(map[string]string{"BATCH_SIZE": "fifty"})})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_SIZE")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, "BatchSize"},
		{"memory zero", func(c *Config) { c.MaxMemoryPercent = 0 }, "MaxMemoryPercent"},
		{"memory over", func(c *Config) { c.MaxMemoryPercent = 100.5 }, "MaxMemoryPercent"},
		{"workers", func(c *Config) { c.MaxWorkers = 0 }, "MaxWorkers"},
		{"level", func(c *Config) { c.LogLevel = "TRACE" }, "LogLevel"},
		{"retries", func(c *Config) { c.ConnectRetries = 0 }, "ConnectRetries"},
		{"cache dir", func(c *Config) { c.CacheDir = "" }, "CacheDir"},
		{"metrics addr", func(c *Config) { c.MetricsAddr = "not an address" }, "MetricsAddr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	c := Default()
	c.MaxMemoryPercent = 100
	c.LogLevel = "warn"
	c.MetricsAddr = "localhost:9108"
	require.NoError(t, c.Validate())
	assert.Equal(t, "WARNING", c.LogLevel)
}

func TestRedacted(t *testing.T) {
	c := Default()
	r := c.Redacted()
	assert.Equal(t, "********", r["NEO4J_PASSWORD"])
	assert.Equal(t, "50", r["BATCH_SIZE"])
}
