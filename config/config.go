package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withobsrvr/coingecko-lake/resilience"
)

// Config holds all configuration for the CoinGecko bronze/silver pipeline
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	CoinGecko CoinGeckoConfig `yaml:"coingecko"`
	Lake      LakeConfig      `yaml:"lake"`
	State     StateConfig     `yaml:"state"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServiceConfig contains service-level settings
type ServiceConfig struct {
	Name       string `yaml:"name"`
	HealthPort string `yaml:"health_port"`
	// Schedule is a cron spec used in serve mode
	Schedule string `yaml:"schedule"`
}

// CoinGeckoConfig contains the market data API settings
type CoinGeckoConfig struct {
	BaseURL    string                 `yaml:"base_url"`
	APIKey     string                 `yaml:"api_key"`
	VsCurrency string                 `yaml:"vs_currency"`
	Coins      []string               `yaml:"coins"`
	Timeout    time.Duration          `yaml:"timeout"`
	Retry      resilience.RetryPolicy `yaml:"retry"`
}

// LakeConfig contains the table store settings
type LakeConfig struct {
	// Engine is "ducklake" or "deltalog"
	Engine string `yaml:"engine"`

	BronzeMarketsPath  string `yaml:"bronze_markets_path"`
	SilverMarketsPath  string `yaml:"silver_markets_path"`
	BronzeCoinListPath string `yaml:"bronze_coinlist_path"`
	SilverCoinListPath string `yaml:"silver_coinlist_path"`

	DuckLake DuckLakeConfig `yaml:"ducklake"`
	DeltaLog DeltaLogConfig `yaml:"deltalog"`
}

// DuckLakeConfig contains DuckLake catalog settings
type DuckLakeConfig struct {
	// MetadataDir holds catalogs for tables whose path is an object store URL
	MetadataDir string `yaml:"metadata_dir"`

	// S3/B2 credentials
	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	AWSRegion          string `yaml:"aws_region"`
	AWSEndpoint        string `yaml:"aws_endpoint"`
}

// DeltaLogConfig contains settings of the local parquet engine
type DeltaLogConfig struct {
	Compression string `yaml:"compression"`
}

// StateConfig contains run-state settings
type StateConfig struct {
	File           string        `yaml:"file"`
	MinInterval    time.Duration `yaml:"min_interval"`
	OverdueAfter   time.Duration `yaml:"overdue_after"`
	DriftTolerance time.Duration `yaml:"drift_tolerance"`
}

// MetricsConfig contains metrics export settings
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

// Default returns the built-in configuration.
func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load loads configuration from a YAML file. A missing file at DefaultPath is not
// an error: the built-in defaults are used.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			c := Default()
			c.applyEnv()
			return c, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	config.applyEnv()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Service.Name == "" {
		c.Service.Name = "coingecko-lake"
	}
	if c.Service.HealthPort == "" {
		c.Service.HealthPort = "8093"
	}
	if c.Service.Schedule == "" {
		c.Service.Schedule = "@hourly"
	}

	if c.CoinGecko.BaseURL == "" {
		c.CoinGecko.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if c.CoinGecko.VsCurrency == "" {
		c.CoinGecko.VsCurrency = "usd"
	}
	if len(c.CoinGecko.Coins) == 0 {
		c.CoinGecko.Coins = []string{"bitcoin", "ethereum", "mochicat", "dogecoin"}
	}
	if c.CoinGecko.Timeout == 0 {
		c.CoinGecko.Timeout = 30 * time.Second
	}
	if c.CoinGecko.Retry.MaxAttempts == 0 {
		c.CoinGecko.Retry = resilience.DefaultRetryPolicy()
	}

	if c.Lake.Engine == "" {
		c.Lake.Engine = "ducklake"
	}
	if c.Lake.BronzeMarketsPath == "" {
		c.Lake.BronzeMarketsPath = "datalake/bronze/coingecko/markets"
	}
	if c.Lake.SilverMarketsPath == "" {
		c.Lake.SilverMarketsPath = "datalake/silver/coingecko/markets"
	}
	if c.Lake.BronzeCoinListPath == "" {
		c.Lake.BronzeCoinListPath = "datalake/bronze/coingecko/coins"
	}
	if c.Lake.SilverCoinListPath == "" {
		c.Lake.SilverCoinListPath = "datalake/silver/coingecko/coins"
	}
	if c.Lake.DuckLake.MetadataDir == "" {
		c.Lake.DuckLake.MetadataDir = "datalake/_catalogs"
	}
	if c.Lake.DeltaLog.Compression == "" {
		c.Lake.DeltaLog.Compression = "snappy"
	}

	if c.State.File == "" {
		c.State.File = "state/last_extraction.json"
	}
	if c.State.MinInterval == 0 {
		c.State.MinInterval = time.Hour
	}
	if c.State.OverdueAfter == 0 {
		c.State.OverdueAfter = 2 * time.Hour
	}

	if c.Metrics.Job == "" {
		c.Metrics.Job = c.Service.Name
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		c.CoinGecko.APIKey = v
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		c.Lake.DuckLake.AWSAccessKeyID = v
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		c.Lake.DuckLake.AWSSecretAccessKey = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Lake.Engine {
	case "ducklake", "deltalog":
	default:
		return fmt.Errorf("lake.engine must be ducklake or deltalog, got %q", c.Lake.Engine)
	}
	paths := map[string]string{
		"lake.bronze_markets_path":  c.Lake.BronzeMarketsPath,
		"lake.silver_markets_path":  c.Lake.SilverMarketsPath,
		"lake.bronze_coinlist_path": c.Lake.BronzeCoinListPath,
		"lake.silver_coinlist_path": c.Lake.SilverCoinListPath,
	}
	seen := make(map[string]string, len(paths))
	for key, p := range paths {
		if p == "" {
			return fmt.Errorf("%s is required", key)
		}
		if other, dup := seen[p]; dup {
			return fmt.Errorf("%s and %s point at the same table %q", key, other, p)
		}
		seen[p] = key
	}
	if len(c.CoinGecko.Coins) == 0 {
		return fmt.Errorf("coingecko.coins must not be empty")
	}
	if c.CoinGecko.VsCurrency == "" {
		return fmt.Errorf("coingecko.vs_currency is required")
	}
	if err := c.CoinGecko.Retry.Validate(); err != nil {
		return fmt.Errorf("coingecko.retry: %w", err)
	}
	if c.State.File == "" {
		return fmt.Errorf("state.file is required")
	}
	if c.State.MinInterval <= 0 {
		return fmt.Errorf("state.min_interval must be positive")
	}
	if c.State.OverdueAfter < c.State.MinInterval {
		return fmt.Errorf("state.overdue_after must be >= state.min_interval")
	}
	if c.State.DriftTolerance < 0 || c.State.DriftTolerance >= c.State.MinInterval {
		return fmt.Errorf("state.drift_tolerance must be within [0, min_interval)")
	}
	return nil
}
