package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p2p-rate-monitor/internal/market"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Poll.MaxAttempts)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 1, cfg.Pricing.ReferenceDepth)
	assert.Equal(t, 100, cfg.Upstream.PageDelayMs)
	assert.Equal(t, market.DefaultMarkets(), cfg.Markets)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
poll:
  max_attempts: 8
pricing:
  reference_depth: 5
markets:
  - country: Venezuela
    fiat: ves
    amount: 50000
    pay_type: SpecificBank
  - fiat: BRL
    skip_trust_filter: true
    sell_only: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Poll.MaxAttempts)
	assert.Equal(t, 1000, cfg.Poll.DelayMs)
	assert.Equal(t, 5, cfg.Pricing.ReferenceDepth)
	require.Len(t, cfg.Markets, 2)
	require.NotNil(t, cfg.Markets[0].Amount)
	assert.Equal(t, 50000.0, *cfg.Markets[0].Amount)
	assert.True(t, cfg.Markets[1].SellOnly)
	assert.True(t, cfg.Markets[1].SkipTrustFilter)
	assert.Nil(t, cfg.Markets[1].Amount)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("P2P_ENDPOINT", "http://127.0.0.1:1/search")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(writeConfig(t, "server:\n  port: 9000\n"))
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "http://127.0.0.1:1/search", cfg.Upstream.Endpoint)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "http")
	_, err := Load(writeConfig(t, ""))
	assert.ErrorContains(t, err, "invalid PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"attempts too high", func(c *Config) { c.Poll.MaxAttempts = 101 }, "poll.max_attempts"},
		{"attempts zero", func(c *Config) { c.Poll.MaxAttempts = 0 }, "poll.max_attempts"},
		{"page ceiling", func(c *Config) { c.Upstream.MaxPages = 500 }, "upstream.max_pages"},
		{"result cap", func(c *Config) { c.Upstream.MaxResults = 50 }, "upstream.max_results"},
		{"depth", func(c *Config) { c.Pricing.ReferenceDepth = 0 }, "reference_depth"},
		{"backend", func(c *Config) { c.Store.Backend = "postgres" }, "store.backend"},
		{"duplicate market", func(c *Config) {
			c.Markets = []market.Config{{Fiat: "VES"}, {Fiat: "ves"}}
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Markets = market.DefaultMarkets()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	cfg := Default()
	cfg.Markets = market.DefaultMarkets()
	assert.NoError(t, cfg.Validate())
}

func TestLoad_BadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [1, 2"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoad_ShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "app.yaml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.Upstream, cfg.Upstream)
	assert.Equal(t, def.Poll, cfg.Poll)
	assert.Equal(t, def.Retry, cfg.Retry)
	assert.Equal(t, def.Watch, cfg.Watch)
	assert.Equal(t, market.DefaultMarkets(), cfg.Markets)
}
