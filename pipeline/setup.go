package pipeline

import (
	"context"
	"fmt"

	"github.com/withobsrvr/coingecko-lake/coingecko"
	"github.com/withobsrvr/coingecko-lake/config"
	"github.com/withobsrvr/coingecko-lake/flows"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/lake/deltalog"
	"github.com/withobsrvr/coingecko-lake/lake/ducklake"
	"github.com/withobsrvr/coingecko-lake/logging"
	"github.com/withobsrvr/coingecko-lake/metrics"
	"github.com/withobsrvr/coingecko-lake/runstate"
)

// OpenEngine creates the table store engine selected by cfg.Engine.
func OpenEngine(ctx context.Context, cfg config.LakeConfig, logger *logging.ComponentLogger) (lake.Engine, error) {
	switch cfg.Engine {
	case "ducklake":
		engine, err := ducklake.New(ctx, ducklake.Config{
			MetadataDir:        cfg.DuckLake.MetadataDir,
			AWSAccessKeyID:     cfg.DuckLake.AWSAccessKeyID,
			AWSSecretAccessKey: cfg.DuckLake.AWSSecretAccessKey,
			AWSRegion:          cfg.DuckLake.AWSRegion,
			AWSEndpoint:        cfg.DuckLake.AWSEndpoint,
		}, logger.With("engine", "ducklake"))
		if err != nil {
			return nil, err
		}
		return engine, nil
	case "deltalog":
		engine, err := deltalog.New(deltalog.Config{Compression: cfg.DeltaLog.Compression}, logger.With("engine", "deltalog"))
		if err != nil {
			return nil, err
		}
		return engine, nil
	}
	return nil, fmt.Errorf("unknown lake engine %q", cfg.Engine)
}

// Build wires a runner from the configuration. The caller owns the returned
// engine and must close it. m may be nil.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *logging.ComponentLogger) (*Runner, lake.Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	engine, err := OpenEngine(ctx, cfg.Lake, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open lake engine: %w", err)
	}

	var onRetry func(string)
	if m != nil {
		onRetry = m.RecordRetry
	}
	client := coingecko.NewClient(coingecko.Options{
		BaseURL: cfg.CoinGecko.BaseURL,
		APIKey:  cfg.CoinGecko.APIKey,
		Timeout: cfg.CoinGecko.Timeout,
		Retry:   cfg.CoinGecko.Retry,
		OnRetry: onRetry,
	}, logger.With("subsystem", "coingecko"))

	store := lake.NewStore(engine, logger.With("subsystem", "lake"))
	f := flows.New(store, client, flows.Config{
		Coins:      cfg.CoinGecko.Coins,
		VsCurrency: cfg.CoinGecko.VsCurrency,
		Paths: flows.Paths{
			BronzeMarkets:  cfg.Lake.BronzeMarketsPath,
			SilverMarkets:  cfg.Lake.SilverMarketsPath,
			BronzeCoinList: cfg.Lake.BronzeCoinListPath,
			SilverCoinList: cfg.Lake.SilverCoinListPath,
		},
	}, logger)

	gate := runstate.NewGate(cfg.State.MinInterval, cfg.State.OverdueAfter, cfg.State.DriftTolerance, logger.With("subsystem", "runstate"))
	runner := NewRunner(f, runstate.NewFileStore(cfg.State.File), gate, m, logger)
	return runner, engine, nil
}
