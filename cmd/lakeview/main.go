// Command lakeview prints the rows of a pipeline table, optionally restricted to
// one date/hour partition.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/withobsrvr/coingecko-lake/config"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/logging"
	"github.com/withobsrvr/coingecko-lake/pipeline"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	table := flag.String("table", "silver-markets", "Table to show: bronze-markets, silver-markets, bronze-coins or silver-coins")
	path := flag.String("path", "", "Table path, overrides -table")
	date := flag.String("date", "", "Only rows of this date (YYYY-MM-DD)")
	hour := flag.Int("hour", -1, "Only rows of this hour")
	coin := flag.String("coin", "", "Only rows of this coin")
	limit := flag.Int("limit", 20, "Maximum rows to print, 0 for all")
	flag.Parse()

	if err := run(*configPath, *table, *path, filter{Date: *date, Hour: *hour, Coin: *coin}, *limit); err != nil {
		fmt.Fprintln(os.Stderr, "lakeview:", err)
		os.Exit(1)
	}
}

func run(configPath, table, path string, f filter, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if path == "" {
		if path, err = tablePath(cfg, table); err != nil {
			return err
		}
	}

	ctx := context.Background()
	engine, err := pipeline.OpenEngine(ctx, cfg.Lake, logging.Nop())
	if err != nil {
		return err
	}
	defer engine.Close()

	data, info, err := lake.NewStore(engine, logging.Nop()).Read(ctx, path)
	if err != nil {
		return err
	}
	return render(os.Stdout, path, info, f.apply(data), limit)
}

func tablePath(cfg *config.Config, name string) (string, error) {
	switch name {
	case "bronze-markets":
		return cfg.Lake.BronzeMarketsPath, nil
	case "silver-markets":
		return cfg.Lake.SilverMarketsPath, nil
	case "bronze-coins":
		return cfg.Lake.BronzeCoinListPath, nil
	case "silver-coins":
		return cfg.Lake.SilverCoinListPath, nil
	}
	return "", fmt.Errorf("unknown table %q", name)
}
