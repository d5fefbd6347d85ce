package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
coingecko:
  coins: [bitcoin]
lake:
  engine: deltalog
state:
  min_interval: 30m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"bitcoin"}, cfg.CoinGecko.Coins)
	assert.Equal(t, "usd", cfg.CoinGecko.VsCurrency)
	assert.Equal(t, "deltalog", cfg.Lake.Engine)
	assert.Equal(t, 30*time.Minute, cfg.State.MinInterval)
	assert.Equal(t, 2*time.Hour, cfg.State.OverdueAfter)
	assert.Equal(t, "datalake/bronze/coingecko/markets", cfg.Lake.BronzeMarketsPath)
	assert.Equal(t, 4, cfg.CoinGecko.Retry.MaxAttempts)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"bitcoin", "ethereum", "mochicat", "dogecoin"}, cfg.CoinGecko.Coins)
	assert.Equal(t, "state/last_extraction.json", cfg.State.File)
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("COINGECKO_API_KEY", "secret")
	path := writeConfig(t, "coingecko:\n  api_key: fromfile\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", cfg.CoinGecko.APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown engine", func(c *Config) { c.Lake.Engine = "sqlite" }},
		{"shared table path", func(c *Config) { c.Lake.SilverMarketsPath = c.Lake.BronzeMarketsPath }},
		{"no coins", func(c *Config) { c.CoinGecko.Coins = nil }},
		{"overdue before min", func(c *Config) { c.State.OverdueAfter = time.Minute }},
		{"drift too large", func(c *Config) { c.State.DriftTolerance = 2 * time.Hour }},
		{"bad retry", func(c *Config) { c.CoinGecko.Retry.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
