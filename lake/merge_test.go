package lake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/coingecko-lake/frame"
)

var marketFields = []frame.Field{
	{Name: "id", Type: frame.String},
	{Name: "last_updated", Type: frame.String},
	{Name: "current_price", Type: frame.Float64},
}

func rows(t *testing.T, values ...[]any) *frame.Frame {
	t.Helper()
	f := frame.New(marketFields...)
	for _, v := range values {
		require.NoError(t, f.Append(v...))
	}
	return f
}

var byVersion = MustParsePredicate("target.id = source.id AND target.last_updated = source.last_updated")

func TestUpsertIsIdempotent(t *testing.T) {
	batch := rows(t,
		[]any{"bitcoin", "T1", 100.0},
		[]any{"ethereum", "T1", 10.0},
	)

	once, stats, err := Merge(frame.New(marketFields...), batch, MergeSpec{Predicate: byVersion, Kind: MergeUpsert})
	require.NoError(t, err)
	assert.Equal(t, MergeStats{Inserted: 2}, stats)

	twice, stats, err := Merge(once, batch, MergeSpec{Predicate: byVersion, Kind: MergeUpsert})
	require.NoError(t, err)
	assert.Equal(t, MergeStats{Matched: 2, Updated: 2}, stats)
	assert.Equal(t, 2, twice.Len())
}

func TestUpsertInsertsNewVersion(t *testing.T) {
	target := rows(t, []any{"bitcoin", "T1", 100.0})
	source := rows(t, []any{"bitcoin", "T2", 110.0})

	out, stats, err := Merge(target, source, MergeSpec{Predicate: byVersion, Kind: MergeUpsert})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Inserted)
	require.Equal(t, 2, out.Len())
	assert.Equal(t, "T1", out.Value(0, "last_updated"))
	assert.Equal(t, "T2", out.Value(1, "last_updated"))
}

func TestUpsertOverwritesMatchedRows(t *testing.T) {
	target := rows(t,
		[]any{"bitcoin", "T1", 100.0},
		[]any{"dogecoin", "T1", 0.1},
	)
	source := rows(t, []any{"bitcoin", "T1", 105.0})

	out, _, err := Merge(target, source, MergeSpec{Predicate: byVersion, Kind: MergeUpsert})
	require.NoError(t, err)

	require.Equal(t, 2, out.Len())
	assert.Equal(t, 105.0, out.Value(0, "current_price"))
	assert.Equal(t, 0.1, out.Value(1, "current_price"))
}

func TestInsertOnlyLeavesMatchesUntouched(t *testing.T) {
	target := rows(t, []any{"bitcoin", "T1", 100.0})
	source := rows(t,
		[]any{"bitcoin", "T1", 999.0},
		[]any{"ethereum", "T1", 10.0},
	)

	out, stats, err := Merge(target, source, MergeSpec{Predicate: On("id"), Kind: MergeInsertOnly})
	require.NoError(t, err)

	assert.Equal(t, MergeStats{Matched: 1, Inserted: 1}, stats)
	require.Equal(t, 2, out.Len())
	assert.Equal(t, 100.0, out.Value(0, "current_price"))
	assert.Equal(t, "ethereum", out.Value(1, "id"))
}

func TestNullKeysNeverMatch(t *testing.T) {
	target := rows(t, []any{"bitcoin", nil, 100.0})
	source := rows(t, []any{"bitcoin", nil, 101.0})

	out, stats, err := Merge(target, source, MergeSpec{Predicate: byVersion, Kind: MergeUpsert})
	require.NoError(t, err)

	assert.Equal(t, 0, stats.Matched)
	assert.Equal(t, 2, out.Len())
}

func TestUpsertRejectsAmbiguousSource(t *testing.T) {
	target := rows(t, []any{"bitcoin", "T1", 100.0})
	source := rows(t,
		[]any{"bitcoin", "T1", 101.0},
		[]any{"bitcoin", "T1", 102.0},
	)

	_, _, err := Merge(target, source, MergeSpec{Predicate: byVersion, Kind: MergeUpsert})
	assert.ErrorIs(t, err, ErrAmbiguousMatch)

	// Insert-only never updates, so duplicates in the source are not ambiguous.
	_, _, err = Merge(target, source, MergeSpec{Predicate: byVersion, Kind: MergeInsertOnly})
	assert.NoError(t, err)
}

func TestMergeSchemaMismatch(t *testing.T) {
	target := rows(t, []any{"bitcoin", "T1", 100.0})

	extra := frame.New(append(marketFields, frame.Field{Name: "surprise", Type: frame.String})...)
	require.NoError(t, extra.Append("bitcoin", "T2", 1.0, "x"))
	_, _, err := Merge(target, extra, MergeSpec{Predicate: byVersion, Kind: MergeUpsert})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	retyped := frame.New(
		frame.Field{Name: "id", Type: frame.String},
		frame.Field{Name: "last_updated", Type: frame.String},
		frame.Field{Name: "current_price", Type: frame.String},
	)
	require.NoError(t, retyped.Append("bitcoin", "T2", "1"))
	_, _, err = Merge(target, retyped, MergeSpec{Predicate: byVersion, Kind: MergeUpsert})
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	_, _, err = Merge(target, rows(t), MergeSpec{Predicate: On("missing"), Kind: MergeUpsert})
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestMergeSubsetOfColumnsFillsNulls(t *testing.T) {
	target := rows(t, []any{"bitcoin", "T1", 100.0})
	source := frame.New(marketFields[0], marketFields[1])
	require.NoError(t, source.Append("ethereum", "T1"))

	out, _, err := Merge(target, source, MergeSpec{Predicate: byVersion, Kind: MergeUpsert})
	require.NoError(t, err)
	require.Equal(t, 2, out.Len())
	assert.Nil(t, out.Value(1, "current_price"))
}

func TestPlanRequiresPredicate(t *testing.T) {
	_, err := Plan(rows(t), rows(t), MergeSpec{Kind: MergeUpsert})
	assert.ErrorIs(t, err, ErrInvalidPredicate)
}

func TestConcat(t *testing.T) {
	out, err := Concat(rows(t, []any{"bitcoin", "T1", 1.0}), rows(t, []any{"bitcoin", "T1", 1.0}))
	require.NoError(t, err)
	assert.Equal(t, 2, out.Len())
}
