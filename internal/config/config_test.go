package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "staged", cfg.Apply.Strategy)
	assert.Equal(t, 100, cfg.Apply.BatchSize)
	assert.Equal(t, cfg.Apply.PublicGraph, cfg.ReleaseGraph())
	wm, err := cfg.InitialWatermark()
	require.NoError(t, err)
	assert.Equal(t, time.Unix(0, 0).UTC(), wm)
}

func TestLoadLayersFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
sync:
  interval: 2m
apply:
  strategy: direct
  batch_size: 250
notify:
  email:
    to: ops@example.org
`), 0o644))
	t.Setenv("DELTASYNC_STORE_ENDPOINT", "http://triplestore:8890/sparql")
	t.Setenv("DELTASYNC_APPLY_BATCH_SIZE", "50")

	v := viper.New()
	v.Set("server.addr", "127.0.0.1:9000")
	cfg, err := Load(v, path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "direct", cfg.Apply.Strategy)
	assert.Equal(t, 50, cfg.Apply.BatchSize, "environment overrides the file")
	assert.Equal(t, "http://triplestore:8890/sparql", cfg.Store.Endpoint)
	assert.Equal(t, "ops@example.org", cfg.Notify.Email.To)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Apply.SettleDelay, "unset keys keep defaults")
	assert.Equal(t, "/files/:id/download", cfg.Publication.DownloadPath)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}

func TestFromYAML(t *testing.T) {
	cfg, err := FromYAML([]byte("apply:\n  settle_delay: 250ms\nrelease:\n  graph: http://example.org/release\n"))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Apply.SettleDelay)
	assert.Equal(t, "http://example.org/release", cfg.ReleaseGraph())

	_, err = FromYAML([]byte("apply: [nope"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"batch size":      func(c *Config) { c.Apply.BatchSize = 0 },
		"strategy":        func(c *Config) { c.Apply.Strategy = "merge" },
		"store endpoint":  func(c *Config) { c.Store.Endpoint = "database:8890" },
		"base url":        func(c *Config) { c.Publication.BaseURL = "" },
		"download path":   func(c *Config) { c.Publication.DownloadPath = "/files/download" },
		"document path":   func(c *Config) { c.Publication.DocumentPath = "/documents" },
		"initial since":   func(c *Config) { c.Sync.InitialSince = "yesterday" },
		"public graph":    func(c *Config) { c.Apply.PublicGraph = "" },
		"webhook url":     func(c *Config) { c.Notify.Webhook.URL = "not a url" },
		"log format":      func(c *Config) { c.Log.Format = "xml" },
		"negative settle": func(c *Config) { c.Apply.SettleDelay = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	data, err := Default().YAML()
	require.NoError(t, err)
	assert.Contains(t, string(data), "strategy: staged")
	cfg, err := FromYAML(data)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
