package flows

import (
	"context"
	"fmt"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/schema"
)

// TransformMarkets cleans the bronze market rows of the run hour and upserts
// them into the silver markets table.
//
// If the upsert fails, the silver table is rewritten from this batch alone. That
// overwrite drops every partition previously stored at the silver path; it is
// logged as a warning with the version being replaced.
func (f *Flows) TransformMarkets(ctx context.Context, rc RunContext) (Result, error) {
	log := f.runLogger(rc, FlowSilverMarkets)
	result := Result{Flow: FlowSilverMarkets}
	bronze, silver := f.config.Paths.BronzeMarkets, f.config.Paths.SilverMarkets

	data, ok := f.loadRunPartition(ctx, log, bronze, rc, &result)
	if !ok {
		return result, nil
	}
	if !requireColumns(log, data, schema.MarketsRequired, &result) {
		return result, nil
	}
	if data.Len() == 0 {
		log.Warn().Msg("No new market rows for this run, nothing to transform")
		result.Outcome = OutcomeSkipped
		return result, nil
	}

	data, err := CleanMarkets(data, func(col string, err error) {
		log.Warn().Err(err).Str("column", col).Msg("Could not convert column")
	})
	if err != nil {
		return result, fmt.Errorf("silver markets transform: %w", err)
	}
	log.Info().Int("rows", data.Len()).Msg("Market transformations applied")

	predicate := lake.MustParsePredicate(schema.MarketPredicate)
	write, err := f.store.MergeUpsert(ctx, data, silver, predicate, schema.MarketPartitions)
	if err != nil {
		event := log.Warn().Err(err).Str("path", silver)
		if open := f.store.Engine().Open(ctx, silver); open.Status == lake.TableOpened {
			event = event.Int64("discarded_version", open.Table.Version)
		}
		event.Msg("Silver upsert failed, overwriting the whole silver table; its previous partitions are discarded")

		write, err = f.store.Save(ctx, data, silver, lake.ModeOverwrite, schema.MarketPartitions)
		if err != nil {
			return result, fmt.Errorf("silver markets overwrite: %w", err)
		}
		result.Fallback = true
	}

	result.Outcome = OutcomeWritten
	result.Rows = data.Len()
	result.Write = write

	report := f.store.VerifyWrite(ctx, silver, rc.Date, rc.HourNum())
	result.Verify = &report
	return result, nil
}

// CleanMarkets applies the silver market transformations to the rows of one run:
// deduplication on (id, last_updated) keeping the first row, sentinel imputation,
// type coercion, the per-coin average price and the high value flag. Partition
// columns come out as text. onCastError is called for every column left
// unconverted.
func CleanMarkets(data *frame.Frame, onCastError func(col string, err error)) (*frame.Frame, error) {
	data, err := data.DropDuplicates(schema.MarketKey...)
	if err != nil {
		return nil, fmt.Errorf("deduplicate: %w", err)
	}

	data = data.FillNull(schema.MarketImputation)

	for _, field := range schema.MarketTypes {
		if !data.Has(field.Name) {
			continue
		}
		if err := data.Cast(field.Name, field.Type); err != nil && onCastError != nil {
			onCastError(field.Name, err)
		}
	}

	means, err := data.MeanBy(schema.ColCoin, schema.ColCurrentPrice)
	if err != nil {
		return nil, fmt.Errorf("average price: %w", err)
	}
	data = data.WithColumn(frame.Field{Name: schema.ColAvgPrice, Type: frame.Float64}, func(r frame.RowView) any {
		if avg, ok := means[r.Get(schema.ColCoin)]; ok {
			return avg
		}
		return nil
	})

	data = data.WithColumn(frame.Field{Name: schema.ColIsHighValue, Type: frame.Bool}, func(r frame.RowView) any {
		price, err := frame.Convert(r.Get(schema.ColCurrentPrice), frame.Float64)
		if err != nil || price == nil {
			return false
		}
		return price.(float64) > schema.HighValueThreshold
	})

	if err := data.StringifyColumns(schema.MarketPartitions...); err != nil {
		return nil, fmt.Errorf("stringify partitions: %w", err)
	}
	return data, nil
}
