package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/withobsrvr/coingecko-lake/config"
	"github.com/withobsrvr/coingecko-lake/health"
	"github.com/withobsrvr/coingecko-lake/logging"
	"github.com/withobsrvr/coingecko-lake/metrics"
	"github.com/withobsrvr/coingecko-lake/pipeline"
)

var version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	serve := flag.Bool("serve", false, "Schedule runs in-process and serve health endpoints")
	flag.Parse()

	logger := logging.NewComponentLogger("coinlake", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error().Err(err).Str("path", *configPath).Msg("Failed to load config")
		os.Exit(1)
	}
	logger.LogStartup(logging.StartupConfig{
		Engine:     cfg.Lake.Engine,
		Coins:      cfg.CoinGecko.Coins,
		VsCurrency: cfg.CoinGecko.VsCurrency,
		Schedule:   cfg.Service.Schedule,
		StateFile:  cfg.State.File,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	runner, engine, err := pipeline.Build(ctx, cfg, m, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to set up pipeline")
		os.Exit(1)
	}
	defer engine.Close()

	if *serve {
		if err := runServer(ctx, cfg, runner, m, logger); err != nil {
			logger.Error().Err(err).Msg("Scheduler error")
			engine.Close()
			os.Exit(1)
		}
		return
	}

	_, runErr := runner.Run(ctx, time.Now())
	if cfg.Metrics.PushgatewayURL != "" {
		if err := m.Push(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
			logger.Warn().Err(err).Msg("Failed to push metrics")
		}
	}
	if runErr != nil {
		engine.Close()
		os.Exit(1)
	}
}

func runServer(ctx context.Context, cfg *config.Config, runner *pipeline.Runner, m *metrics.Metrics, logger *logging.ComponentLogger) error {
	details := map[string]any{
		"engine":   cfg.Lake.Engine,
		"schedule": cfg.Service.Schedule,
		"coins":    cfg.CoinGecko.Coins,
	}
	healthServer := health.NewServer(cfg.Service.Name, cfg.Service.HealthPort, runner, m.Handler(), details, logger)
	go func() {
		if err := healthServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Health server error")
		}
	}()

	scheduler, err := pipeline.NewScheduler(runner, cfg.Service.Schedule, 0, logger)
	if err != nil {
		return err
	}
	if err := scheduler.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Health server shutdown error")
	}
	logger.Info().Msg("Graceful shutdown complete")
	return nil
}
