package coingecko

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/withobsrvr/coingecko-lake/frame"
)

// Coin is one entry of /coins/list.
type Coin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// CoinsList fetches every coin identity known to the API.
func (c *Client) CoinsList(ctx context.Context) ([]Coin, error) {
	var coins []Coin
	if err := c.get(ctx, "coins/list", nil, &coins); err != nil {
		return nil, err
	}
	c.logger.Info().Int("coins", len(coins)).Msg("Fetched coin list")
	return coins, nil
}

// CoinsFrame lays coin identities out as an id/symbol/name table.
func CoinsFrame(coins []Coin) *frame.Frame {
	f := frame.New(
		frame.Field{Name: "id", Type: frame.String},
		frame.Field{Name: "symbol", Type: frame.String},
		frame.Field{Name: "name", Type: frame.String},
	)
	for _, c := range coins {
		f.AppendRecord(map[string]any{"id": c.ID, "symbol": c.Symbol, "name": c.Name})
	}
	return f
}

// Prices maps coin id to quote currency to price.
type Prices map[string]map[string]float64

// SimplePrice fetches the current price of each coin in every vs currency.
func (c *Client) SimplePrice(ctx context.Context, ids, vsCurrencies []string) (Prices, error) {
	if len(ids) == 0 || len(vsCurrencies) == 0 {
		return Prices{}, nil
	}
	params := url.Values{
		"ids":           {strings.Join(ids, ",")},
		"vs_currencies": {strings.Join(vsCurrencies, ",")},
	}
	var prices Prices
	if err := c.get(ctx, "simple/price", params, &prices); err != nil {
		return nil, err
	}
	if prices == nil {
		return nil, fmt.Errorf("simple/price: empty response")
	}
	return prices, nil
}
