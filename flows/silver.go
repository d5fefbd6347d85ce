package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/logging"
)

// loadRunPartition reads a bronze table in full and keeps the rows of the run's
// date and hour. ok is false when the flow must stop; result then holds the
// outcome.
func (f *Flows) loadRunPartition(ctx context.Context, log *logging.ComponentLogger, path string, rc RunContext, result *Result) (*frame.Frame, bool) {
	data, _, err := f.store.Read(ctx, path)
	if err != nil {
		if errors.Is(err, lake.ErrTableNotFound) {
			log.Warn().Str("path", path).Msg("Bronze table not found, nothing to transform")
			result.Outcome = OutcomeSkipped
		} else {
			log.Error().Err(err).Str("path", path).Msg("Failed to read bronze table")
			result.Outcome = OutcomeAborted
			result.Cause = err
		}
		return nil, false
	}

	hour := rc.HourNum()
	filtered := data.Filter(func(r frame.RowView) bool {
		return fmt.Sprint(r.Get("date")) == rc.Date && lake.HourEquals(r.Get("hour"), hour)
	})
	log.Info().
		Str("path", path).
		Int("bronze_rows", data.Len()).
		Int("run_rows", filtered.Len()).
		Str("date", rc.Date).
		Str("hour", rc.Hour).
		Msg("Loaded bronze rows for run partition")
	return filtered, true
}

// requireColumns aborts the flow when data lacks any of required.
func requireColumns(log *logging.ComponentLogger, data *frame.Frame, required []string, result *Result) bool {
	missing := data.Missing(required)
	if len(missing) == 0 {
		return true
	}
	log.Error().Strs("missing", missing).Msg("Required columns missing, aborting without write")
	result.Outcome = OutcomeAborted
	result.Cause = fmt.Errorf("%w: %v", ErrMissingColumns, missing)
	return false
}

// applyTypes casts every present column to its declared type. A column that does
// not convert is logged and left as is.
func applyTypes(log *logging.ComponentLogger, data *frame.Frame, types []frame.Field) {
	for _, field := range types {
		if !data.Has(field.Name) {
			continue
		}
		if err := data.Cast(field.Name, field.Type); err != nil {
			log.Warn().Err(err).Str("column", field.Name).Str("type", field.Type.String()).Msg("Could not convert column")
		}
	}
}
