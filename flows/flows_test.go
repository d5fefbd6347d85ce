package flows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/coingecko-lake/coingecko"
	"github.com/withobsrvr/coingecko-lake/frame"
	"github.com/withobsrvr/coingecko-lake/lake"
	"github.com/withobsrvr/coingecko-lake/lake/laketest"
	"github.com/withobsrvr/coingecko-lake/logging"
	"github.com/withobsrvr/coingecko-lake/schema"
)

var testPaths = Paths{
	BronzeMarkets:  "datalake/bronze/coingecko/markets",
	SilverMarkets:  "datalake/silver/coingecko/markets",
	BronzeCoinList: "datalake/bronze/coingecko/coins",
	SilverCoinList: "datalake/silver/coingecko/coins",
}

type fakeSource struct {
	markets  []coingecko.Market
	coins    []coingecko.Coin
	err      error
	requests []coingecko.MarketsQuery
}

func (s *fakeSource) Markets(_ context.Context, q coingecko.MarketsQuery) ([]coingecko.Market, error) {
	s.requests = append(s.requests, q)
	return s.markets, s.err
}

func (s *fakeSource) CoinsList(context.Context) ([]coingecko.Coin, error) {
	return s.coins, s.err
}

func market(id string, price float64, updated string) coingecko.Market {
	return coingecko.Market{
		ID:           id,
		Symbol:       id[:3],
		Name:         id,
		CurrentPrice: &price,
		MarketCap:    ptr(price * 1000),
		TotalVolume:  ptr(price * 10),
		LastUpdated:  &updated,
	}
}

func ptr[T any](v T) *T { return &v }

func setup(source *fakeSource) (*Flows, *lake.Store, *laketest.Engine) {
	engine := laketest.New()
	store := lake.NewStore(engine, logging.Nop())
	f := New(store, source, Config{
		Coins:      []string{"bitcoin", "ethereum"},
		VsCurrency: "usd",
		Paths:      testPaths,
	}, logging.Nop())
	return f, store, engine
}

var runTime = time.Date(2025, 6, 18, 22, 5, 0, 0, time.Local)

func TestNewRunContext(t *testing.T) {
	rc := NewRunContext(time.Date(2025, 6, 8, 7, 30, 0, 0, time.Local))
	assert.Equal(t, "2025-06-08", rc.Date)
	assert.Equal(t, "08", rc.Day)
	assert.Equal(t, "07", rc.Hour)
	assert.Equal(t, 7, rc.HourNum())
	assert.NotEmpty(t, rc.RunID)
}

func TestIngestMarketsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{markets: []coingecko.Market{
		market("bitcoin", 104000, "2025-06-18T21:59:40.123Z"),
		market("ethereum", 2500, "2025-06-18T21:59:41.000Z"),
	}}
	f, _, engine := setup(source)
	rc := NewRunContext(runTime)

	first, err := f.IngestMarkets(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, first.Outcome)
	assert.Equal(t, lake.OutcomeCreated, first.Write.Outcome)

	second, err := f.IngestMarkets(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, lake.OutcomeMerged, second.Write.Outcome)
	assert.Equal(t, 2, second.Write.Stats.Matched)
	assert.Zero(t, second.Write.Stats.Inserted)

	bronze := engine.Snapshot(testPaths.BronzeMarkets)
	assert.Equal(t, 2, bronze.Len())
	assert.Equal(t, "bitcoin", bronze.Value(0, "coin"))
	assert.Equal(t, "2025-06-18", bronze.Value(0, "date"))
	assert.Equal(t, "18", bronze.Value(0, "day"))
	assert.Equal(t, "22", bronze.Value(0, "hour"))

	require.Len(t, source.requests, 2)
	assert.Equal(t, []string{"bitcoin", "ethereum"}, source.requests[0].IDs)
}

func TestIngestMarketsKeepsNewVersions(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{markets: []coingecko.Market{market("bitcoin", 104000, "2025-06-18T21:59:40.000Z")}}
	f, _, engine := setup(source)

	_, err := f.IngestMarkets(ctx, NewRunContext(runTime))
	require.NoError(t, err)

	source.markets = []coingecko.Market{market("bitcoin", 105000, "2025-06-18T22:59:40.000Z")}
	res, err := f.IngestMarkets(ctx, NewRunContext(runTime.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Write.Stats.Inserted)

	bronze := engine.Snapshot(testPaths.BronzeMarkets)
	require.Equal(t, 2, bronze.Len())
	assert.Equal(t, "2025-06-18T21:59:40.000Z", bronze.Value(0, "last_updated"))
	assert.Equal(t, "2025-06-18T22:59:40.000Z", bronze.Value(1, "last_updated"))
}

func TestIngestMarketsAbortsWithoutWrite(t *testing.T) {
	tests := []struct {
		name   string
		source *fakeSource
	}{
		{"request failed", &fakeSource{err: errors.New("connection refused")}},
		{"empty response", &fakeSource{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _, engine := setup(tt.source)
			res, err := f.IngestMarkets(context.Background(), NewRunContext(runTime))
			require.NoError(t, err)
			assert.Equal(t, OutcomeAborted, res.Outcome)
			assert.Error(t, res.Cause)
			assert.Zero(t, engine.Versions(testPaths.BronzeMarkets))
		})
	}
}

func TestIngestMarketsFallsBackToOverwrite(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{markets: []coingecko.Market{market("bitcoin", 104000, "T1")}}
	f, _, engine := setup(source)

	_, err := f.IngestMarkets(ctx, NewRunContext(runTime))
	require.NoError(t, err)

	engine.MergeErr = errors.New("schema conflict")
	source.markets = []coingecko.Market{market("ethereum", 2500, "T2")}
	res, err := f.IngestMarkets(ctx, NewRunContext(runTime))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, lake.OutcomeOverwritten, res.Write.Outcome)

	bronze := engine.Snapshot(testPaths.BronzeMarkets)
	require.Equal(t, 1, bronze.Len())
	assert.Equal(t, "ethereum", bronze.Value(0, "id"))
}

func TestIngestMarketsOverwriteFailurePropagates(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{markets: []coingecko.Market{market("bitcoin", 104000, "T1")}}
	f, _, engine := setup(source)
	_, err := f.IngestMarkets(ctx, NewRunContext(runTime))
	require.NoError(t, err)

	engine.MergeErr = errors.New("schema conflict")
	engine.OverwriteErr = errors.New("disk full")
	_, err = f.IngestMarkets(ctx, NewRunContext(runTime))
	assert.ErrorContains(t, err, "disk full")
}

func TestIngestCoinListAlwaysOverwrites(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{coins: []coingecko.Coin{
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin"},
		{ID: "ethereum", Symbol: "eth", Name: "Ethereum"},
	}}
	f, _, engine := setup(source)

	_, err := f.IngestCoinList(ctx, NewRunContext(runTime))
	require.NoError(t, err)
	res, err := f.IngestCoinList(ctx, NewRunContext(runTime))
	require.NoError(t, err)
	assert.Equal(t, lake.OutcomeOverwritten, res.Write.Outcome)

	bronze := engine.Snapshot(testPaths.BronzeCoinList)
	require.Equal(t, 2, bronze.Len())
	assert.Equal(t, "2025-06-18 22:05:00", bronze.Value(0, "timestamp"))
	assert.Equal(t, "2025-06-18", bronze.Value(0, "date"))
	assert.Equal(t, "22", bronze.Value(0, "hour"))
	assert.False(t, bronze.Has("day"))
	assert.NotContains(t, engine.Calls, "merge:"+testPaths.BronzeCoinList)
}

// bronzeMarkets writes rows straight into the bronze markets table.
func bronzeMarkets(t *testing.T, store *lake.Store, fields []frame.Field, rows ...[]any) {
	t.Helper()
	f := frame.New(fields...)
	for _, r := range rows {
		require.NoError(t, f.Append(r...))
	}
	_, err := store.Save(context.Background(), f, testPaths.BronzeMarkets, lake.ModeOverwrite, schema.MarketPartitions)
	require.NoError(t, err)
}

var bronzeFields = []frame.Field{
	{Name: "id", Type: frame.String},
	{Name: "symbol", Type: frame.String},
	{Name: "name", Type: frame.String},
	{Name: "current_price", Type: frame.Float64},
	{Name: "market_cap", Type: frame.Float64},
	{Name: "total_volume", Type: frame.Float64},
	{Name: "last_updated", Type: frame.String},
	{Name: "coin", Type: frame.String},
	{Name: "date", Type: frame.String},
	{Name: "day", Type: frame.String},
	{Name: "hour", Type: frame.String},
}

func TestTransformMarkets(t *testing.T) {
	ctx := context.Background()
	f, store, engine := setup(&fakeSource{})
	rc := NewRunContext(runTime)

	bronzeMarkets(t, store, bronzeFields,
		[]any{"bitcoin", "btc", "Bitcoin", 75000.0, nil, 1e10, "2025-06-18T21:59:40Z", "bitcoin", "2025-06-18", "18", "22"},
		[]any{"bitcoin", "btc", "Bitcoin", 75000.0, nil, 1e10, "2025-06-18T21:59:40Z", "bitcoin", "2025-06-18", "18", "22"},
		[]any{"ethereum", "eth", "Ethereum", 2500.0, 3e11, 1e9, "2025-06-18T21:59:41Z", "ethereum", "2025-06-18", "18", "22"},
		[]any{"ethereum", "eth", "Ethereum", 2400.0, 3e11, 1e9, "2025-06-18T20:59:41Z", "ethereum", "2025-06-18", "18", "21"},
	)

	res, err := f.TransformMarkets(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, res.Outcome)
	assert.Equal(t, 2, res.Rows)
	require.NotNil(t, res.Verify)
	assert.True(t, res.Verify.OK)

	silver := engine.Snapshot(testPaths.SilverMarkets)
	require.Equal(t, 2, silver.Len())
	assert.Equal(t, -1.0, silver.Value(0, "market_cap"))
	assert.Equal(t, true, silver.Value(0, "is_high_value"))
	assert.Equal(t, false, silver.Value(1, "is_high_value"))
	assert.Equal(t, time.Date(2025, 6, 18, 21, 59, 40, 0, time.UTC), silver.Value(0, "last_updated"))
	assert.Equal(t, "22", silver.Value(0, "hour"))

	again, err := f.TransformMarkets(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, lake.OutcomeMerged, again.Write.Outcome)
	assert.Equal(t, 2, engine.Snapshot(testPaths.SilverMarkets).Len())
}

func TestTransformMarketsMissingColumnLeavesSilverUnchanged(t *testing.T) {
	ctx := context.Background()
	f, store, engine := setup(&fakeSource{})
	rc := NewRunContext(runTime)

	bronzeMarkets(t, store, bronzeFields,
		[]any{"bitcoin", "btc", "Bitcoin", 75000.0, 2e12, 1e10, "2025-06-18T21:59:40Z", "bitcoin", "2025-06-18", "18", "22"},
	)
	_, err := f.TransformMarkets(ctx, rc)
	require.NoError(t, err)
	before := engine.Snapshot(testPaths.SilverMarkets)
	versions := engine.Versions(testPaths.SilverMarkets)

	var withoutPrice []frame.Field
	for _, field := range bronzeFields {
		if field.Name != "current_price" {
			withoutPrice = append(withoutPrice, field)
		}
	}
	bronzeMarkets(t, store, withoutPrice,
		[]any{"bitcoin", "btc", "Bitcoin", 2e12, 1e10, "2025-06-18T21:59:50Z", "bitcoin", "2025-06-18", "18", "22"},
	)

	res, err := f.TransformMarkets(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.ErrorIs(t, res.Cause, ErrMissingColumns)
	assert.Equal(t, versions, engine.Versions(testPaths.SilverMarkets))
	assert.Equal(t, before, engine.Snapshot(testPaths.SilverMarkets))
}

func TestTransformMarketsSkipsEmptyHour(t *testing.T) {
	f, store, engine := setup(&fakeSource{})
	bronzeMarkets(t, store, bronzeFields,
		[]any{"bitcoin", "btc", "Bitcoin", 75000.0, 2e12, 1e10, "2025-06-18T20:59:40Z", "bitcoin", "2025-06-18", "18", "21"},
	)

	res, err := f.TransformMarkets(context.Background(), NewRunContext(runTime))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Zero(t, engine.Versions(testPaths.SilverMarkets))
}

func TestTransformMarketsWithoutBronze(t *testing.T) {
	f, _, _ := setup(&fakeSource{})
	res, err := f.TransformMarkets(context.Background(), NewRunContext(runTime))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
}

func TestTransformMarketsReadErrorAborts(t *testing.T) {
	f, _, engine := setup(&fakeSource{})
	engine.OpenErr[testPaths.BronzeMarkets] = errors.New("corrupt log")

	res, err := f.TransformMarkets(context.Background(), NewRunContext(runTime))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.ErrorContains(t, res.Cause, "corrupt log")
}

func TestTransformMarketsMergeFailureOverwritesSilver(t *testing.T) {
	ctx := context.Background()
	f, store, engine := setup(&fakeSource{})

	bronzeMarkets(t, store, bronzeFields,
		[]any{"bitcoin", "btc", "Bitcoin", 75000.0, 2e12, 1e10, "2025-06-18T20:59:40Z", "bitcoin", "2025-06-18", "18", "21"},
	)
	_, err := f.TransformMarkets(ctx, NewRunContext(runTime.Add(-time.Hour)))
	require.NoError(t, err)

	bronzeMarkets(t, store, bronzeFields,
		[]any{"bitcoin", "btc", "Bitcoin", 76000.0, 2e12, 1e10, "2025-06-18T21:59:40Z", "bitcoin", "2025-06-18", "18", "22"},
	)
	engine.MergeErr = errors.New("schema conflict")
	res, err := f.TransformMarkets(ctx, NewRunContext(runTime))
	require.NoError(t, err)
	assert.True(t, res.Fallback)
	assert.Equal(t, OutcomeWritten, res.Outcome)

	silver := engine.Snapshot(testPaths.SilverMarkets)
	require.Equal(t, 1, silver.Len(), "the earlier hour is discarded by the overwrite")
	assert.Equal(t, "22", silver.Value(0, "hour"))
}

func cleanInput(t *testing.T, rows ...[]any) *frame.Frame {
	t.Helper()
	f := frame.New(bronzeFields...)
	for _, r := range rows {
		require.NoError(t, f.Append(r...))
	}
	return f
}

func TestCleanMarketsDeduplicatesFirstWins(t *testing.T) {
	data := cleanInput(t,
		[]any{"bitcoin", "btc", "Bitcoin", 100.0, 1.0, 1.0, "2025-06-18T21:59:40Z", "bitcoin", "2025-06-18", "18", "22"},
		[]any{"bitcoin", "btc", "Bitcoin", 999.0, 1.0, 1.0, "2025-06-18T21:59:40Z", "bitcoin", "2025-06-18", "18", "22"},
	)
	out, err := CleanMarkets(data, nil)
	require.NoError(t, err)
	require.Equal(t, 1, out.Len())
	assert.Equal(t, 100.0, out.Value(0, "current_price"))
}

func TestCleanMarketsImputationAndHighValue(t *testing.T) {
	data := cleanInput(t,
		[]any{"bitcoin", "btc", "Bitcoin", 75000.0, nil, nil, "2025-06-18T21:59:40Z", "bitcoin", "2025-06-18", "18", "22"},
		[]any{"solana", "sol", "Solana", 10000.0, 5e10, 2e9, "2025-06-18T21:59:41Z", "solana", "2025-06-18", "18", "22"},
		[]any{"mochicat", "moc", "MochiCat", nil, 1e3, 1.0, "2025-06-18T21:59:42Z", "mochicat", "2025-06-18", "18", "22"},
	)
	out, err := CleanMarkets(data, nil)
	require.NoError(t, err)

	assert.Equal(t, -1.0, out.Value(0, "market_cap"))
	assert.Equal(t, -1.0, out.Value(0, "total_volume"))
	assert.Equal(t, true, out.Value(0, "is_high_value"))
	assert.Equal(t, false, out.Value(1, "is_high_value"))
	assert.Equal(t, -1.0, out.Value(2, "current_price"))
	assert.Equal(t, false, out.Value(2, "is_high_value"))
}

func TestCleanMarketsAveragePrice(t *testing.T) {
	data := cleanInput(t,
		[]any{"bitcoin", "btc", "Bitcoin", 100.0, 1.0, 1.0, "2025-06-18T21:00:00Z", "bitcoin", "2025-06-18", "18", "22"},
		[]any{"ethereum", "eth", "Ethereum", 50.0, 1.0, 1.0, "2025-06-18T21:00:00Z", "ethereum", "2025-06-18", "18", "22"},
		[]any{"bitcoin", "btc", "Bitcoin", 300.0, 1.0, 1.0, "2025-06-18T21:30:00Z", "bitcoin", "2025-06-18", "18", "22"},
	)
	out, err := CleanMarkets(data, nil)
	require.NoError(t, err)

	assert.Equal(t, 200.0, out.Value(0, "avg_price"))
	assert.Equal(t, 50.0, out.Value(1, "avg_price"))
	assert.Equal(t, 200.0, out.Value(2, "avg_price"))
}

func TestCleanMarketsLogsFailedCasts(t *testing.T) {
	data := cleanInput(t,
		[]any{"bitcoin", "btc", "Bitcoin", 100.0, 1.0, 1.0, "not a time", "bitcoin", "2025-06-18", "18", "22"},
	)
	var failed []string
	out, err := CleanMarkets(data, func(col string, err error) { failed = append(failed, col) })
	require.NoError(t, err)
	assert.Equal(t, []string{"last_updated"}, failed)
	assert.Equal(t, "not a time", out.Value(0, "last_updated"))
}

func TestTransformCoinList(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{coins: []coingecko.Coin{
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin"},
		{ID: "bitcoin", Symbol: "btc", Name: "Bitcoin (dup)"},
		{ID: "ethereum", Symbol: "eth", Name: "Ethereum"},
	}}
	f, _, engine := setup(source)
	rc := NewRunContext(runTime)

	_, err := f.IngestCoinList(ctx, rc)
	require.NoError(t, err)

	res, err := f.TransformCoinList(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWritten, res.Outcome)
	assert.Equal(t, lake.OutcomeCreated, res.Write.Outcome)

	silver := engine.Snapshot(testPaths.SilverCoinList)
	require.Equal(t, 2, silver.Len())
	assert.Equal(t, "Bitcoin", silver.Value(0, "name"))

	_, err = f.TransformCoinList(ctx, rc)
	require.NoError(t, err)
	assert.NotContains(t, engine.Calls, "merge:"+testPaths.SilverCoinList)
	assert.Equal(t, 2, engine.Versions(testPaths.SilverCoinList))
}

func TestTransformCoinListDropsNullRequired(t *testing.T) {
	ctx := context.Background()
	f, store, engine := setup(&fakeSource{})
	rc := NewRunContext(runTime)

	data := frame.New(
		frame.Field{Name: "id", Type: frame.String},
		frame.Field{Name: "symbol", Type: frame.String},
		frame.Field{Name: "name", Type: frame.String},
		frame.Field{Name: "date", Type: frame.String},
		frame.Field{Name: "hour", Type: frame.String},
	)
	require.NoError(t, data.Append("bitcoin", "btc", "Bitcoin", rc.Date, rc.Hour))
	require.NoError(t, data.Append("nameless", "nl", nil, rc.Date, rc.Hour))
	_, err := store.Save(ctx, data, testPaths.BronzeCoinList, lake.ModeOverwrite, schema.CoinListPartitions)
	require.NoError(t, err)

	res, err := f.TransformCoinList(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rows)
	assert.Equal(t, 1, engine.Snapshot(testPaths.SilverCoinList).Len())
}

func TestTransformCoinListMissingColumn(t *testing.T) {
	ctx := context.Background()
	f, store, engine := setup(&fakeSource{})
	rc := NewRunContext(runTime)

	data := frame.New(
		frame.Field{Name: "id", Type: frame.String},
		frame.Field{Name: "date", Type: frame.String},
		frame.Field{Name: "hour", Type: frame.String},
	)
	require.NoError(t, data.Append("bitcoin", rc.Date, rc.Hour))
	_, err := store.Save(ctx, data, testPaths.BronzeCoinList, lake.ModeOverwrite, schema.CoinListPartitions)
	require.NoError(t, err)

	res, err := f.TransformCoinList(ctx, rc)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	assert.ErrorIs(t, res.Cause, ErrMissingColumns)
	assert.Zero(t, engine.Versions(testPaths.SilverCoinList))
}
