package lake

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/logging"
)

// Mode selects how Save treats an existing table.
type Mode string

const (
	// ModeOverwrite replaces all data.
	ModeOverwrite Mode = "overwrite"
	// ModeAppend adds rows to the existing data.
	ModeAppend Mode = "append"
	// ModeErrorIfExists fails when the table exists.
	ModeErrorIfExists Mode = "error"
	// ModeIgnore leaves an existing table untouched.
	ModeIgnore Mode = "ignore"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeOverwrite, ModeAppend, ModeErrorIfExists, ModeIgnore:
		return m, nil
	}
	return "", fmt.Errorf("unknown save mode %q", s)
}

// Outcome describes what a write did to the table.
type Outcome string

const (
	OutcomeCreated     Outcome = "created"
	OutcomeOverwritten Outcome = "overwritten"
	OutcomeAppended    Outcome = "appended"
	OutcomeMerged      Outcome = "merged"
	OutcomeIgnored     Outcome = "ignored"
)

// WriteResult reports a completed write.
type WriteResult struct {
	Outcome Outcome
	Version int64
	Rows    int
	Stats   MergeStats
}

// Store wraps an Engine with the save/merge contract used by the flows: a merge
// into a table that does not exist yet degrades to an overwrite save.
type Store struct {
	engine Engine
	logger *logging.ComponentLogger
}

// NewStore creates a table store adapter over engine.
func NewStore(engine Engine, logger *logging.ComponentLogger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{engine: engine, logger: logger}
}

// Engine returns the underlying engine.
func (s *Store) Engine() Engine {
	return s.engine
}

// Save writes a full table snapshot. I/O and schema errors are returned as is.
func (s *Store) Save(ctx context.Context, data *frame.Frame, path string, mode Mode, partitionCols []string) (WriteResult, error) {
	start := time.Now()
	if err := CheckPartitions(data, partitionCols); err != nil {
		return WriteResult{}, fmt.Errorf("save %s: %w", path, err)
	}

	res := s.engine.Open(ctx, path)
	var (
		table   Table
		outcome Outcome
		err     error
	)
	switch res.Status {
	case TableMissing:
		table, err = s.engine.Overwrite(ctx, path, data, partitionCols)
		outcome = OutcomeCreated
	case TableOpened:
		switch mode {
		case ModeOverwrite:
			table, err = s.engine.Overwrite(ctx, path, data, partitionCols)
			outcome = OutcomeOverwritten
		case ModeAppend:
			table, err = s.engine.Append(ctx, res.Table, data)
			outcome = OutcomeAppended
		case ModeErrorIfExists:
			return WriteResult{}, fmt.Errorf("save %s: %w", path, ErrTableExists)
		case ModeIgnore:
			s.logger.Info().Str("path", path).Msg("Table exists, save ignored")
			return WriteResult{Outcome: OutcomeIgnored, Version: res.Table.Version}, nil
		default:
			return WriteResult{}, fmt.Errorf("save %s: unknown mode %q", path, mode)
		}
	default:
		return WriteResult{}, fmt.Errorf("save %s: open table: %w", path, res.Err)
	}
	if err != nil {
		return WriteResult{}, fmt.Errorf("save %s (%s): %w", path, mode, err)
	}

	result := WriteResult{Outcome: outcome, Version: table.Version, Rows: data.Len()}
	s.logger.LogTableWrite(s.engine.Name(), path, string(outcome), data.Len(), time.Since(start))
	return result, nil
}

// MergeInsertOnly inserts the source rows that match no existing row. Existing
// rows are never modified. A missing table is created from newRecords.
func (s *Store) MergeInsertOnly(ctx context.Context, newRecords *frame.Frame, path string, predicate Predicate, partitionCols []string) (WriteResult, error) {
	return s.merge(ctx, newRecords, path, MergeSpec{Predicate: predicate, Kind: MergeInsertOnly}, partitionCols)
}

// MergeUpsert overwrites matched rows with source values and inserts the rest. A
// missing table is created from records.
func (s *Store) MergeUpsert(ctx context.Context, records *frame.Frame, path string, predicate Predicate, partitionCols []string) (WriteResult, error) {
	return s.merge(ctx, records, path, MergeSpec{Predicate: predicate, Kind: MergeUpsert}, partitionCols)
}

func (s *Store) merge(ctx context.Context, data *frame.Frame, path string, spec MergeSpec, partitionCols []string) (WriteResult, error) {
	start := time.Now()

	res := s.engine.Open(ctx, path)
	switch res.Status {
	case TableMissing:
		s.logger.Info().
			Str("path", path).
			Str("merge", spec.Kind.String()).
			Msg("Table not found, creating it with an overwrite save")
		result, err := s.Save(ctx, data, path, ModeOverwrite, partitionCols)
		if err != nil {
			return WriteResult{}, err
		}
		result.Outcome = OutcomeCreated
		result.Stats = MergeStats{Inserted: data.Len()}
		return result, nil
	case TableOpened:
	default:
		return WriteResult{}, fmt.Errorf("merge %s: open table: %w", path, res.Err)
	}

	if err := CheckPartitions(data, res.Table.PartitionBy); err != nil {
		return WriteResult{}, fmt.Errorf("merge %s: %w", path, err)
	}
	table, stats, err := s.engine.Merge(ctx, res.Table, data, spec)
	if err != nil {
		return WriteResult{}, fmt.Errorf("merge %s (%s on %s): %w", path, spec.Kind, spec.Predicate, err)
	}

	s.logger.Info().
		Str("path", path).
		Str("merge", spec.Kind.String()).
		Int("matched", stats.Matched).
		Int("updated", stats.Updated).
		Int("inserted", stats.Inserted).
		Int64("version", table.Version).
		Dur("duration", time.Since(start)).
		Msg("Merge completed")

	return WriteResult{Outcome: OutcomeMerged, Version: table.Version, Rows: data.Len(), Stats: stats}, nil
}

// Read loads the latest version of a table. A missing table yields
// ErrTableNotFound.
func (s *Store) Read(ctx context.Context, path string) (*frame.Frame, Table, error) {
	res := s.engine.Open(ctx, path)
	switch res.Status {
	case TableMissing:
		return nil, Table{}, fmt.Errorf("read %s: %w", path, ErrTableNotFound)
	case TableOpened:
	default:
		return nil, Table{}, fmt.Errorf("read %s: %w", path, res.Err)
	}
	data, err := s.engine.Read(ctx, res.Table)
	if err != nil {
		return nil, Table{}, fmt.Errorf("read %s: %w", path, err)
	}
	return data, res.Table, nil
}

// VerifyReport is the diagnostic produced by VerifyWrite.
type VerifyReport struct {
	OK      bool
	Rows    int
	Version int64
	Dates   []string
	Hours   []string
	Problem string
}

// VerifyWrite reads the table back and checks that the (date, hour) partition has
// rows. It only logs: failures never reach the caller.
func (s *Store) VerifyWrite(ctx context.Context, path, dateStr string, hour int) (report VerifyReport) {
	defer func() {
		if r := recover(); r != nil {
			report = VerifyReport{Problem: fmt.Sprintf("panic: %v", r)}
			s.logger.Warn().Str("path", path).Interface("panic", r).Msg("Write verification failed")
		}
	}()

	data, table, err := s.Read(ctx, path)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Could not read table for verification")
		return VerifyReport{Problem: err.Error()}
	}
	report.Version = table.Version
	report.Dates = distinctStrings(data, "date")
	report.Hours = distinctStrings(data, "hour")

	s.logger.Info().
		Str("path", path).
		Strs("dates", report.Dates).
		Strs("hours", report.Hours).
		Msg("Partitions available")

	matching := data.Filter(func(r frame.RowView) bool {
		return fmt.Sprint(r.Get("date")) == dateStr && HourEquals(r.Get("hour"), hour)
	})
	report.Rows = matching.Len()
	report.OK = report.Rows > 0

	event := s.logger.Info()
	msg := "Write verified"
	if !report.OK {
		report.Problem = "no rows in partition"
		event = s.logger.Warn()
		msg = "Write verification found no rows for partition"
	}
	event.
		Str("path", path).
		Str("date", dateStr).
		Int("hour", hour).
		Int("rows", report.Rows).
		Int64("version", report.Version).
		Msg(msg)
	return report
}

// HourEquals reports whether a partition hour value, stored as text or number,
// equals hour.
func HourEquals(v any, hour int) bool {
	switch h := v.(type) {
	case string:
		n, err := strconv.Atoi(h)
		return err == nil && n == hour
	case int64:
		return h == int64(hour)
	case int16:
		return int(h) == hour
	case float64:
		return h == float64(hour)
	}
	return false
}

func distinctStrings(data *frame.Frame, col string) []string {
	values := data.Distinct(col)
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, fmt.Sprint(v))
	}
	sort.Strings(out)
	return out
}
