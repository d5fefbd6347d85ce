// Package schema is the central declaration of the datasets handled by the
// pipeline: required columns, target column types and null imputation.
package schema

import "github.com/withobsrvr/coingecko-lake/frame"

// Partition columns.
const (
	ColCoin = "coin"
	ColDate = "date"
	ColDay  = "day"
	ColHour = "hour"
)

// Market columns used by the transforms.
const (
	ColID           = "id"
	ColSymbol       = "symbol"
	ColName         = "name"
	ColCurrentPrice = "current_price"
	ColMarketCap    = "market_cap"
	ColTotalVolume  = "total_volume"
	ColLastUpdated  = "last_updated"
	ColAvgPrice     = "avg_price"
	ColIsHighValue  = "is_high_value"
	ColTimestamp    = "timestamp"
)

// HighValueThreshold is the current_price above which a market row is flagged.
const HighValueThreshold = 50000.0

// Date/hour layouts used to derive partition values from the run timestamp.
const (
	DateLayout = "2006-01-02"
	DayLayout  = "02"
	HourLayout = "15"
	// TimestampLayout stamps coin list rows.
	TimestampLayout = "2006-01-02 15:04:05"
)

// MarketPartitions partitions both market tables.
var MarketPartitions = []string{ColCoin, ColDate, ColDay, ColHour}

// CoinListPartitions partitions both coin list tables.
var CoinListPartitions = []string{ColDate, ColHour}

// MarketKey is the natural key of a market observation.
var MarketKey = []string{ColID, ColLastUpdated}

// MarketsRequired must be present for a market batch to be processed.
var MarketsRequired = []string{
	ColID,
	ColCoin,
	ColSymbol,
	ColName,
	ColCurrentPrice,
	ColMarketCap,
	ColTotalVolume,
	ColLastUpdated,
}

// MarketTypes maps every known market column to its silver type. The declaration
// order is the order in which casts are applied.
var MarketTypes = []frame.Field{
	{Name: ColID, Type: frame.String},
	{Name: ColSymbol, Type: frame.String},
	{Name: ColName, Type: frame.String},
	{Name: "image", Type: frame.String},
	{Name: ColCurrentPrice, Type: frame.Float64},
	{Name: ColMarketCap, Type: frame.Float64},
	{Name: "market_cap_rank", Type: frame.Int16},
	{Name: "fully_diluted_valuation", Type: frame.Float64},
	{Name: ColTotalVolume, Type: frame.Float64},
	{Name: "high_24h", Type: frame.Float64},
	{Name: "low_24h", Type: frame.Float64},
	{Name: "price_change_24h", Type: frame.Float64},
	{Name: "price_change_percentage_24h", Type: frame.Float32},
	{Name: "market_cap_change_24h", Type: frame.Float64},
	{Name: "market_cap_change_percentage_24h", Type: frame.Float32},
	{Name: "circulating_supply", Type: frame.Float64},
	{Name: "total_supply", Type: frame.Float64},
	{Name: "max_supply", Type: frame.Float64},
	{Name: "ath", Type: frame.Float64},
	{Name: "ath_change_percentage", Type: frame.Float32},
	{Name: "ath_date", Type: frame.Timestamp},
	{Name: "atl", Type: frame.Float64},
	{Name: "atl_change_percentage", Type: frame.Float32},
	{Name: "atl_date", Type: frame.Timestamp},
	{Name: "roi", Type: frame.JSON},
	{Name: ColLastUpdated, Type: frame.Timestamp},
	{Name: ColCoin, Type: frame.String},
	{Name: ColDate, Type: frame.String},
	{Name: ColDay, Type: frame.String},
	{Name: ColHour, Type: frame.String},
}

// MarketImputation holds the sentinel written in place of a null.
var MarketImputation = map[string]any{
	ColMarketCap:    -1.0,
	ColTotalVolume:  -1.0,
	ColCurrentPrice: -1.0,
}

// CoinListRequired must be present for a coin list batch to be processed.
var CoinListRequired = []string{ColID, ColSymbol, ColName}

// CoinListTypes maps coin list columns to their silver type.
var CoinListTypes = []frame.Field{
	{Name: ColID, Type: frame.String},
	{Name: ColSymbol, Type: frame.String},
	{Name: ColName, Type: frame.String},
}

// MarketPredicate is the merge condition shared by bronze and silver markets.
const MarketPredicate = "target.id = source.id AND target.last_updated = source.last_updated"
