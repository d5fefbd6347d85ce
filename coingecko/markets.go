package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/withobsrvr/coingecko-lake/frame"
)

// ROI is the nested return-on-investment object of a market entry.
type ROI struct {
	Times      float64 `json:"times"`
	Currency   string  `json:"currency"`
	Percentage float64 `json:"percentage"`
}

// Market is one entry of /coins/markets. Numeric fields are nil when the API
// returns null.
type Market struct {
	ID                           string   `json:"id"`
	Symbol                       string   `json:"symbol"`
	Name                         string   `json:"name"`
	Image                        string   `json:"image"`
	CurrentPrice                 *float64 `json:"current_price"`
	MarketCap                    *float64 `json:"market_cap"`
	MarketCapRank                *int64   `json:"market_cap_rank"`
	FullyDilutedValuation        *float64 `json:"fully_diluted_valuation"`
	TotalVolume                  *float64 `json:"total_volume"`
	High24h                      *float64 `json:"high_24h"`
	Low24h                       *float64 `json:"low_24h"`
	PriceChange24h               *float64 `json:"price_change_24h"`
	PriceChangePercentage24h     *float64 `json:"price_change_percentage_24h"`
	MarketCapChange24h           *float64 `json:"market_cap_change_24h"`
	MarketCapChangePercentage24h *float64 `json:"market_cap_change_percentage_24h"`
	CirculatingSupply            *float64 `json:"circulating_supply"`
	TotalSupply                  *float64 `json:"total_supply"`
	MaxSupply                    *float64 `json:"max_supply"`
	ATH                          *float64 `json:"ath"`
	ATHChangePercentage          *float64 `json:"ath_change_percentage"`
	ATHDate                      *string  `json:"ath_date"`
	ATL                          *float64 `json:"atl"`
	ATLChangePercentage          *float64 `json:"atl_change_percentage"`
	ATLDate                      *string  `json:"atl_date"`
	ROI                          *ROI     `json:"roi"`
	LastUpdated                  *string  `json:"last_updated"`

	PriceChangePercentage24hInCurrency *float64 `json:"price_change_percentage_24h_in_currency"`
}

// MarketsQuery selects the coins of a /coins/markets request.
type MarketsQuery struct {
	IDs        []string
	VsCurrency string
}

// Markets fetches market data for all requested coins in one call. An empty id
// list returns an empty result without calling the API.
func (c *Client) Markets(ctx context.Context, q MarketsQuery) ([]Market, error) {
	if len(q.IDs) == 0 {
		c.logger.Warn().Msg("Empty coin list, skipping market request")
		return nil, nil
	}
	vs := q.VsCurrency
	if vs == "" {
		vs = "usd"
	}
	params := url.Values{
		"vs_currency":             {vs},
		"ids":                     {strings.Join(q.IDs, ",")},
		"order":                   {"market_cap_desc"},
		"sparkline":               {"false"},
		"price_change_percentage": {"24h"},
	}

	var markets []Market
	if err := c.get(ctx, "coins/markets", params, &markets); err != nil {
		return nil, err
	}
	c.logger.Info().Int("coins", len(markets)).Str("vs_currency", vs).Msg("Fetched market data")
	return markets, nil
}

// MarketFields is the column layout of MarketsFrame.
var MarketFields = []frame.Field{
	{Name: "id", Type: frame.String},
	{Name: "symbol", Type: frame.String},
	{Name: "name", Type: frame.String},
	{Name: "image", Type: frame.String},
	{Name: "current_price", Type: frame.Float64},
	{Name: "market_cap", Type: frame.Float64},
	{Name: "market_cap_rank", Type: frame.Int64},
	{Name: "fully_diluted_valuation", Type: frame.Float64},
	{Name: "total_volume", Type: frame.Float64},
	{Name: "high_24h", Type: frame.Float64},
	{Name: "low_24h", Type: frame.Float64},
	{Name: "price_change_24h", Type: frame.Float64},
	{Name: "price_change_percentage_24h", Type: frame.Float64},
	{Name: "market_cap_change_24h", Type: frame.Float64},
	{Name: "market_cap_change_percentage_24h", Type: frame.Float64},
	{Name: "circulating_supply", Type: frame.Float64},
	{Name: "total_supply", Type: frame.Float64},
	{Name: "max_supply", Type: frame.Float64},
	{Name: "ath", Type: frame.Float64},
	{Name: "ath_change_percentage", Type: frame.Float64},
	{Name: "ath_date", Type: frame.String},
	{Name: "atl", Type: frame.Float64},
	{Name: "atl_change_percentage", Type: frame.Float64},
	{Name: "atl_date", Type: frame.String},
	{Name: "roi", Type: frame.JSON},
	{Name: "last_updated", Type: frame.String},
	{Name: "price_change_percentage_24h_in_currency", Type: frame.Float64},
}

// MarketsFrame lays the raw market entries out as a table. Timestamps stay as
// the API text and roi is kept as JSON text.
func MarketsFrame(markets []Market) (*frame.Frame, error) {
	f := frame.New(MarketFields...)
	for _, m := range markets {
		var roi any
		if m.ROI != nil {
			b, err := json.Marshal(m.ROI)
			if err != nil {
				return nil, fmt.Errorf("encode roi of %s: %w", m.ID, err)
			}
			roi = string(b)
		}
		err := f.Append(
			m.ID, m.Symbol, m.Name, m.Image,
			num(m.CurrentPrice), num(m.MarketCap), int64Val(m.MarketCapRank),
			num(m.FullyDilutedValuation), num(m.TotalVolume),
			num(m.High24h), num(m.Low24h),
			num(m.PriceChange24h), num(m.PriceChangePercentage24h),
			num(m.MarketCapChange24h), num(m.MarketCapChangePercentage24h),
			num(m.CirculatingSupply), num(m.TotalSupply), num(m.MaxSupply),
			num(m.ATH), num(m.ATHChangePercentage), str(m.ATHDate),
			num(m.ATL), num(m.ATLChangePercentage), str(m.ATLDate),
			roi, str(m.LastUpdated),
			num(m.PriceChangePercentage24hInCurrency),
		)
		if err != nil {
			return nil, err
		}
	}
	return f, nil
}

func num(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func int64Val(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func str(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
