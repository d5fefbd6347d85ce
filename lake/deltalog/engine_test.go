package deltalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/logging"
)

var partitionBy = []string{"coin", "date", "hour"}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{Compression: "snappy"}, logging.Nop())
	require.NoError(t, err)
	return e
}

func marketRows(t *testing.T, values ...[]any) *frame.Frame {
	t.Helper()
	f := frame.New(
		frame.Field{Name: "id", Type: frame.String},
		frame.Field{Name: "last_updated", Type: frame.Timestamp},
		frame.Field{Name: "current_price", Type: frame.Float64},
		frame.Field{Name: "market_cap_rank", Type: frame.Int16},
		frame.Field{Name: "is_high_value", Type: frame.Bool},
		frame.Field{Name: "coin", Type: frame.String},
		frame.Field{Name: "date", Type: frame.String},
		frame.Field{Name: "hour", Type: frame.String},
	)
	for _, v := range values {
		require.NoError(t, f.Append(v...))
	}
	return f
}

var (
	t1 = time.Date(2025, 6, 18, 21, 59, 12, 0, time.UTC)
	t2 = time.Date(2025, 6, 18, 22, 59, 40, 0, time.UTC)
)

func TestOpenMissingTable(t *testing.T) {
	res := newEngine(t).Open(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, lake.TableMissing, res.Status)
}

func TestOverwriteWritesHivePartitions(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	path := t.TempDir()

	table, err := e.Overwrite(ctx, path, marketRows(t,
		[]any{"bitcoin", t1, 104000.5, int16(1), true, "bitcoin", "2025-06-18", "22"},
		[]any{"ethereum", t1, 2500.0, int16(2), false, "ethereum", "2025-06-18", "22"},
		[]any{"dogecoin", t1, nil, nil, nil, "dogecoin", "2025-06-18", "22"},
	), partitionBy)
	require.NoError(t, err)
	assert.Equal(t, int64(0), table.Version)

	matches, err := filepath.Glob(filepath.Join(path, "coin=bitcoin", "date=2025-06-18", "hour=22", "part-*.parquet"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	res := e.Open(ctx, path)
	require.Equal(t, lake.TableOpened, res.Status)
	assert.Equal(t, partitionBy, res.Table.PartitionBy)

	data, err := e.Read(ctx, res.Table)
	require.NoError(t, err)
	require.Equal(t, 3, data.Len())

	byID := make(map[any]map[string]any)
	for i := 0; i < data.Len(); i++ {
		byID[data.Value(i, "id")] = data.Record(i)
	}
	btc := byID["bitcoin"]
	assert.Equal(t, 104000.5, btc["current_price"])
	assert.Equal(t, int16(1), btc["market_cap_rank"])
	assert.Equal(t, true, btc["is_high_value"])
	assert.True(t, t1.Equal(btc["last_updated"].(time.Time)))
	assert.Equal(t, "22", btc["hour"])
	assert.Nil(t, byID["dogecoin"]["current_price"])
}

func TestMergeUpsertAcrossVersions(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	path := t.TempDir()
	pred := lake.On("id", "last_updated")

	_, err := e.Overwrite(ctx, path, marketRows(t,
		[]any{"bitcoin", t1, 100.0, int16(1), false, "bitcoin", "2025-06-18", "21"},
		[]any{"ethereum", t1, 10.0, int16(2), false, "ethereum", "2025-06-18", "21"},
	), partitionBy)
	require.NoError(t, err)

	open := e.Open(ctx, path)
	require.Equal(t, lake.TableOpened, open.Status)
	table, stats, err := e.Merge(ctx, open.Table, marketRows(t,
		[]any{"bitcoin", t1, 101.0, int16(1), false, "bitcoin", "2025-06-18", "21"},
		[]any{"bitcoin", t2, 110.0, int16(1), false, "bitcoin", "2025-06-18", "22"},
	), lake.MergeSpec{Predicate: pred, Kind: lake.MergeUpsert})
	require.NoError(t, err)
	assert.Equal(t, lake.MergeStats{Matched: 1, Updated: 1, Inserted: 1}, stats)
	assert.Equal(t, int64(1), table.Version)

	data, err := e.Read(ctx, table)
	require.NoError(t, err)
	require.Equal(t, 3, data.Len())
	prices := make(map[string]float64)
	for i := 0; i < data.Len(); i++ {
		key := data.Value(i, "id").(string) + "@" + data.Value(i, "hour").(string)
		prices[key] = data.Value(i, "current_price").(float64)
	}
	assert.Equal(t, map[string]float64{
		"bitcoin@21":  101.0,
		"bitcoin@22":  110.0,
		"ethereum@21": 10.0,
	}, prices)

	// The original version is still readable.
	old, err := e.ReadVersion(ctx, path, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, old.Len())

	history, err := e.History(path)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "MERGE", history[1].Operation)
	assert.Len(t, history[1].Remove, 1, "only the file holding the updated row is rewritten")
}

func TestMergeNothingToDoKeepsVersion(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	path := t.TempDir()
	rows := marketRows(t, []any{"bitcoin", t1, 100.0, int16(1), false, "bitcoin", "2025-06-18", "21"})

	table, err := e.Overwrite(ctx, path, rows, partitionBy)
	require.NoError(t, err)
	out, stats, err := e.Merge(ctx, table, rows, lake.MergeSpec{Predicate: lake.On("id"), Kind: lake.MergeInsertOnly})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Matched)
	assert.Equal(t, table.Version, out.Version)
}

func TestStaleWriterGetsConflict(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	path := t.TempDir()

	base, err := e.Overwrite(ctx, path, marketRows(t,
		[]any{"bitcoin", t1, 100.0, int16(1), false, "bitcoin", "2025-06-18", "21"},
	), partitionBy)
	require.NoError(t, err)

	_, err = e.Append(ctx, base, marketRows(t, []any{"ethereum", t1, 10.0, int16(2), false, "ethereum", "2025-06-18", "21"}))
	require.NoError(t, err)

	_, err = e.Append(ctx, base, marketRows(t, []any{"dogecoin", t1, 0.1, int16(9), false, "dogecoin", "2025-06-18", "21"}))
	assert.ErrorIs(t, err, lake.ErrConflict)

	matches, err := filepath.Glob(filepath.Join(path, "coin=dogecoin", "*", "*", "*.parquet"))
	require.NoError(t, err)
	assert.Empty(t, matches, "data files of the losing commit are removed")
}

func TestOverwriteReplacesLiveFiles(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	path := t.TempDir()

	_, err := e.Overwrite(ctx, path, marketRows(t,
		[]any{"bitcoin", t1, 100.0, int16(1), false, "bitcoin", "2025-06-18", "21"},
		[]any{"ethereum", t1, 10.0, int16(2), false, "ethereum", "2025-06-18", "21"},
	), partitionBy)
	require.NoError(t, err)
	table, err := e.Overwrite(ctx, path, marketRows(t,
		[]any{"dogecoin", t2, 0.2, int16(9), false, "dogecoin", "2025-06-18", "22"},
	), partitionBy)
	require.NoError(t, err)

	data, err := e.Read(ctx, table)
	require.NoError(t, err)
	require.Equal(t, 1, data.Len())
	assert.Equal(t, "dogecoin", data.Value(0, "id"))
}

func TestMergeRejectsSchemaDrift(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	path := t.TempDir()

	table, err := e.Overwrite(ctx, path, marketRows(t,
		[]any{"bitcoin", t1, 100.0, int16(1), false, "bitcoin", "2025-06-18", "21"},
	), partitionBy)
	require.NoError(t, err)

	drift := frame.New(
		frame.Field{Name: "id", Type: frame.String},
		frame.Field{Name: "last_updated", Type: frame.Timestamp},
		frame.Field{Name: "current_price", Type: frame.String},
	)
	require.NoError(t, drift.Append("bitcoin", t2, "101"))

	_, _, err = e.Merge(ctx, table, drift, lake.MergeSpec{Predicate: lake.On("id"), Kind: lake.MergeUpsert})
	assert.ErrorIs(t, err, lake.ErrSchemaMismatch)
}

func TestCorruptLogIsReadError(t *testing.T) {
	path := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(path, LogDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, LogDir, commitName(0)), []byte("{"), 0o644))

	res := newEngine(t).Open(context.Background(), path)
	assert.Equal(t, lake.ReadError, res.Status)
	assert.Error(t, res.Err)
}

func TestUnknownCompression(t *testing.T) {
	_, err := New(Config{Compression: "brotli9000"}, nil)
	assert.Error(t, err)
}

func TestStoreOverDeltaLog(t *testing.T) {
	ctx := context.Background()
	store := lake.NewStore(newEngine(t), logging.Nop())
	path := filepath.Join(t.TempDir(), "silver", "markets")
	rows := marketRows(t, []any{"bitcoin", t1, 100.0, int16(1), false, "bitcoin", "2025-06-18", "21"})
	pred := lake.On("id", "last_updated")

	res, err := store.MergeUpsert(ctx, rows, path, pred, partitionBy)
	require.NoError(t, err)
	assert.Equal(t, lake.OutcomeCreated, res.Outcome)

	res, err = store.MergeUpsert(ctx, rows, path, pred, partitionBy)
	require.NoError(t, err)
	assert.Equal(t, lake.OutcomeMerged, res.Outcome)

	report := store.VerifyWrite(ctx, path, "2025-06-18", 21)
	assert.True(t, report.OK)
	assert.Equal(t, 1, report.Rows)
}
