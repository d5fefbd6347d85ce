package flows

import (
	"context"
	"fmt"

	"github.com/withobsrvr/coingecko-lake/coingecko"
	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/schema"
)

// IngestMarkets fetches market data for the configured coins and upserts it into
// the bronze markets table. A failed or empty extraction aborts without writing.
// When the upsert fails the batch is written with an overwrite save instead; only
// a failure of that save is returned as an error.
func (f *Flows) IngestMarkets(ctx context.Context, rc RunContext) (Result, error) {
	log := f.runLogger(rc, FlowBronzeMarkets)
	result := Result{Flow: FlowBronzeMarkets}
	path := f.config.Paths.BronzeMarkets

	log.Info().Strs("coins", f.config.Coins).Msg("Extracting market data")
	markets, err := f.source.Markets(ctx, coingecko.MarketsQuery{IDs: f.config.Coins, VsCurrency: f.config.VsCurrency})
	if err != nil {
		log.Error().Err(err).Msg("Market extraction failed, aborting market ingestion")
		result.Outcome = OutcomeAborted
		result.Cause = err
		return result, nil
	}
	if len(markets) == 0 {
		log.Error().Msg("No market data returned, aborting market ingestion")
		result.Outcome = OutcomeAborted
		result.Cause = fmt.Errorf("empty market response")
		return result, nil
	}

	raw, err := coingecko.MarketsFrame(markets)
	if err != nil {
		return result, fmt.Errorf("failed to build market frame: %w", err)
	}
	data := stampMarkets(raw, rc)

	predicate := lake.MustParsePredicate(schema.MarketPredicate)
	write, err := f.store.MergeUpsert(ctx, data, path, predicate, schema.MarketPartitions)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Upsert failed, writing batch with overwrite")
		write, err = f.store.Save(ctx, data, path, lake.ModeOverwrite, schema.MarketPartitions)
		if err != nil {
			return result, fmt.Errorf("bronze markets overwrite: %w", err)
		}
		result.Fallback = true
	}

	log.Info().
		Str("path", path).
		Str("outcome", string(write.Outcome)).
		Int("rows", data.Len()).
		Msg("Bronze market data written")
	result.Outcome = OutcomeWritten
	result.Rows = data.Len()
	result.Write = write
	return result, nil
}

// stampMarkets adds the coin partition and the run's date, day and hour.
func stampMarkets(data *frame.Frame, rc RunContext) *frame.Frame {
	data = data.WithColumn(frame.Field{Name: schema.ColCoin, Type: frame.String}, func(r frame.RowView) any {
		return r.Get(schema.ColID)
	})
	return stampRun(data, rc, schema.ColDate, schema.ColDay, schema.ColHour)
}

// stampRun adds constant run columns. Supported columns are timestamp, date, day
// and hour.
func stampRun(data *frame.Frame, rc RunContext, cols ...string) *frame.Frame {
	values := map[string]string{
		schema.ColTimestamp: rc.Now.Format(schema.TimestampLayout),
		schema.ColDate:      rc.Date,
		schema.ColDay:       rc.Day,
		schema.ColHour:      rc.Hour,
	}
	for _, col := range cols {
		v := values[col]
		data = data.WithColumn(frame.Field{Name: col, Type: frame.String}, func(frame.RowView) any { return v })
	}
	return data
}

// IngestCoinList fetches the full coin list and overwrites the bronze coin list
// table with it. The list is a snapshot with no merge key.
func (f *Flows) IngestCoinList(ctx context.Context, rc RunContext) (Result, error) {
	log := f.runLogger(rc, FlowBronzeCoinList)
	result := Result{Flow: FlowBronzeCoinList}
	path := f.config.Paths.BronzeCoinList

	log.Info().Msg("Extracting full coin list")
	coins, err := f.source.CoinsList(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Coin list extraction failed")
		result.Outcome = OutcomeAborted
		result.Cause = err
		return result, nil
	}
	if len(coins) == 0 {
		log.Error().Msg("Coin list is empty")
		result.Outcome = OutcomeAborted
		result.Cause = fmt.Errorf("empty coin list response")
		return result, nil
	}

	data := stampRun(coingecko.CoinsFrame(coins), rc, schema.ColTimestamp, schema.ColDate, schema.ColHour)
	write, err := f.store.Save(ctx, data, path, lake.ModeOverwrite, schema.CoinListPartitions)
	if err != nil {
		return result, fmt.Errorf("bronze coin list save: %w", err)
	}

	log.Info().Str("path", path).Int("coins", data.Len()).Msg("Bronze coin list written")
	result.Outcome = OutcomeWritten
	result.Rows = data.Len()
	result.Write = write
	return result, nil
}
