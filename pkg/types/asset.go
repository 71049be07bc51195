package types

import (
	"github.com/shopspring/decimal"
)

// Asset is immutable reference data for a tradeable token
type Asset struct {
	ID                 string          `json:"id"`
	Symbol             string          `json:"symbol"`
	Decimals           int32           `json:"decimals"`
	Chain              string          `json:"chain"`
	Address            string          `json:"address,omitempty"` // contract or mint, empty for the native coin
	ExistentialDeposit decimal.Decimal `json:"existential_deposit"`
	Icon               string          `json:"icon,omitempty"`
}

// IsNative reports whether the asset is the chain's fee coin
func (a Asset) IsNative() bool {
	return a.Address == ""
}

// Direction is the side the user is trading on
type Direction string

const (
	Sell Direction = "sell"
	Buy  Direction = "buy"
)

// Opposite returns the other direction
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// HopError is a failure code reported by a single route hop
type HopError string

const (
	InsufficientTradingAmount HopError = "InsufficientTradingAmount"
	MaxOutRatioExceeded       HopError = "MaxOutRatioExceeded"
	MaxInRatioExceeded        HopError = "MaxInRatioExceeded"
)

// Hop is one pool a trade is routed through
type Hop struct {
	Pool      string     `json:"pool"`
	AssetIn   string     `json:"asset_in"`
	AssetOut  string     `json:"asset_out"`
	AmountIn  string     `json:"amount_in,omitempty"`
	AmountOut string     `json:"amount_out,omitempty"`
	Errors    []HopError `json:"errors,omitempty"`
}
