// Package quote turns router trades into slippage-bounded trade info and
// pending transactions.
package quote

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"swapdesk/pkg/types"
)

var (
	ErrNoRoute      = errors.New("no route between assets")
	ErrInvalidTrade = errors.New("router returned an invalid trade")
)

// Router is the routing engine that prices trades
type Router interface {
	Assets(ctx context.Context) ([]types.Asset, error)
	AssetPairs(ctx context.Context, assetID string) ([]types.Asset, error)
	BestSell(ctx context.Context, in, out types.Asset, amountIn decimal.Decimal) (*Trade, error)
	BestBuy(ctx context.Context, in, out types.Asset, amountOut decimal.Decimal) (*Trade, error)
	BestSpotPrice(ctx context.Context, in, out types.Asset) (decimal.Decimal, error)
}

// Trade is a router result in human-readable units
type Trade struct {
	Direction      types.Direction `json:"direction"`
	AssetIn        types.Asset     `json:"asset_in"`
	AssetOut       types.Asset     `json:"asset_out"`
	AmountIn       decimal.Decimal `json:"amount_in"`
	AmountOut      decimal.Decimal `json:"amount_out"`
	SpotPrice      decimal.Decimal `json:"spot_price"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
	TradeFee       decimal.Decimal `json:"trade_fee"`
	TradeFeePct    decimal.Decimal `json:"trade_fee_pct"`
	Swaps          []types.Hop     `json:"swaps"`

	// To is where the router expects the input to be sent.
	To   string `json:"to,omitempty"`
	Memo string `json:"memo,omitempty"`
}

// HasErrors reports whether any hop carries an error code
func (t *Trade) HasErrors() bool {
	for _, hop := range t.Swaps {
		if len(hop.Errors) > 0 {
			return true
		}
	}
	return false
}
