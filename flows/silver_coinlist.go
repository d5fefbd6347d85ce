package flows

import (
	"context"
	"fmt"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/schema"
)

// TransformCoinList cleans the bronze coin list of the run hour and overwrites
// the silver coin list table with it.
func (f *Flows) TransformCoinList(ctx context.Context, rc RunContext) (Result, error) {
	log := f.runLogger(rc, FlowSilverCoinList)
	result := Result{Flow: FlowSilverCoinList}
	bronze, silver := f.config.Paths.BronzeCoinList, f.config.Paths.SilverCoinList

	data, ok := f.loadRunPartition(ctx, log, bronze, rc, &result)
	if !ok {
		return result, nil
	}
	if !requireColumns(log, data, schema.CoinListRequired, &result) {
		return result, nil
	}
	if data.Len() == 0 {
		log.Warn().Msg("No coin list rows for this run, nothing to transform")
		result.Outcome = OutcomeSkipped
		return result, nil
	}

	data, err := data.DropDuplicates(schema.ColID)
	if err != nil {
		return result, fmt.Errorf("silver coin list deduplicate: %w", err)
	}
	before := data.Len()
	data = data.Filter(func(r frame.RowView) bool {
		for _, col := range schema.CoinListRequired {
			if r.Get(col) == nil {
				return false
			}
		}
		return true
	})
	if dropped := before - data.Len(); dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("Dropped coin list rows with null required values")
	}

	applyTypes(log, data, schema.CoinListTypes)

	for _, col := range schema.CoinListPartitions {
		if !data.Has(col) {
			log.Error().Str("column", col).Msg("Partition column is missing")
			result.Outcome = OutcomeAborted
			result.Cause = fmt.Errorf("%w: %s", ErrMissingColumns, col)
			return result, nil
		}
		nulls := data.Filter(func(r frame.RowView) bool { return r.Get(col) == nil }).Len()
		if nulls > 0 {
			log.Error().Str("column", col).Int("nulls", nulls).Msg("Partition column contains nulls")
			result.Outcome = OutcomeAborted
			result.Cause = fmt.Errorf("partition column %s has %d null values", col, nulls)
			return result, nil
		}
	}
	if err := data.StringifyColumns(schema.CoinListPartitions...); err != nil {
		return result, fmt.Errorf("silver coin list partitions: %w", err)
	}

	write, err := f.store.Save(ctx, data, silver, lake.ModeOverwrite, schema.CoinListPartitions)
	if err != nil {
		return result, fmt.Errorf("silver coin list save: %w", err)
	}
	log.Info().Str("path", silver).Int("coins", data.Len()).Msg("Silver coin list written")

	result.Outcome = OutcomeWritten
	result.Rows = data.Len()
	result.Write = write
	return result, nil
}
