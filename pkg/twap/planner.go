// Package twap splits a large trade into repeated sub-orders and tracks the
// resulting plan alongside the single trade.
package twap

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/quote"
	"swapdesk/pkg/types"
)

// TradeError flags a plan that cannot be executed
type TradeError string

const (
	NoError     TradeError = ""
	OrderTooBig TradeError = "OrderTooBig"
)

var ErrOrderTooSmall = errors.New("order too small to split")

// Config bounds the split
type Config struct {
	MaxReps int
	// ImpactPerOrder is the target price impact of one sub-order in percent.
	ImpactPerOrder decimal.Decimal
	BlockTime      time.Duration
	// BlocksPerOrder is the schedule period between sub-orders.
	BlocksPerOrder int
}

// DefaultConfig mirrors the on-chain scheduler limits
func DefaultConfig() Config {
	return Config{
		MaxReps:        24,
		ImpactPerOrder: decimal.RequireFromString("0.1"),
		BlockTime:      6 * time.Second,
		BlocksPerOrder: 5,
	}
}

// Input is the single trade the plan is derived from
type Input struct {
	Direction      types.Direction
	AssetIn        types.Asset
	AssetOut       types.Asset
	AmountIn       decimal.Decimal
	AmountOut      decimal.Decimal
	PriceImpactPct decimal.Decimal
	// TxFee is the native transaction fee priced in AssetIn.
	TxFee decimal.Decimal
	// SingleBound is the single trade's slippage bound.
	SingleBound decimal.Decimal
}

// Order is one sub-order as the scheduler executes it
type Order struct {
	Direction types.Direction `json:"direction"`
	AssetIn   string          `json:"asset_in"`
	AssetOut  string          `json:"asset_out"`
	Amount    *big.Int        `json:"amount"`
	Limit     *big.Int        `json:"limit"`
	Route     []types.Hop     `json:"route,omitempty"`
}

// Plan is a computed split
type Plan struct {
	Direction        types.Direction
	Reps             int
	PerOrderIn       decimal.Decimal
	PerOrderOut      decimal.Decimal
	AmountIn         decimal.Decimal
	AmountOut        decimal.Decimal
	OrderSlippage    decimal.Decimal
	PriceImpactPct   decimal.Decimal
	TxFee            decimal.Decimal
	Budget           decimal.Decimal
	SlippageDeltaPct decimal.Decimal
	PriceDelta       decimal.Decimal
	Duration         time.Duration
	Order            Order
	TradeError       TradeError
}

// Planner prices sub-orders through the quote service
type Planner struct {
	quotes *quote.Service
	cfg    Config
}

// NewPlanner creates a planner
func NewPlanner(quotes *quote.Service, cfg Config) *Planner {
	if cfg.MaxReps <= 0 {
		cfg.MaxReps = DefaultConfig().MaxReps
	}
	if cfg.ImpactPerOrder.Sign() <= 0 {
		cfg.ImpactPerOrder = DefaultConfig().ImpactPerOrder
	}
	if cfg.BlocksPerOrder <= 0 {
		cfg.BlocksPerOrder = DefaultConfig().BlocksPerOrder
	}
	return &Planner{quotes: quotes, cfg: cfg}
}

// Reps returns the number of sub-orders for a price impact and whether it
// exceeds the limit. The result is clamped to the limit.
func (p *Planner) Reps(priceImpactPct decimal.Decimal) (int, bool) {
	reps := int(priceImpactPct.Abs().Div(p.cfg.ImpactPerOrder).Ceil().IntPart())
	if reps < 1 {
		reps = 1
	}
	if reps > p.cfg.MaxReps {
		return p.cfg.MaxReps, true
	}
	return reps, false
}

// Plan dispatches on the input direction
func (p *Planner) Plan(ctx context.Context, in Input) (*Plan, error) {
	if in.Direction == types.Buy {
		return p.Buy(ctx, in)
	}
	return p.Sell(ctx, in)
}

// Sell splits amountIn into equal sub-orders
func (p *Planner) Sell(ctx context.Context, in Input) (*Plan, error) {
	reps, tooBig := p.Reps(in.PriceImpactPct)
	n := decimal.NewFromInt(int64(reps))

	perIn := in.AmountIn.Div(n).RoundDown(in.AssetIn.Decimals)
	if !perIn.IsPositive() {
		return nil, ErrOrderTooSmall
	}
	sub, err := p.quotes.Router().BestSell(ctx, in.AssetIn, in.AssetOut, perIn)
	if err != nil {
		return nil, fmt.Errorf("failed to price sub-order: %w", err)
	}

	slippage := p.quotes.Slippage()
	totalIn := perIn.Mul(n)
	totalOut := sub.AmountOut.Mul(n)
	minOut := quote.MinAmountOut(totalOut, slippage)
	perLimit := quote.MinAmountOut(sub.AmountOut, slippage)

	plan := p.base(types.Sell, reps, in, sub)
	plan.PerOrderIn = perIn
	plan.PerOrderOut = sub.AmountOut
	plan.AmountIn = totalIn
	plan.AmountOut = totalOut
	plan.OrderSlippage = minOut
	plan.Budget = totalIn
	plan.SlippageDeltaPct = amount.DiffToRef(minOut, in.SingleBound)
	plan.PriceDelta = totalOut.Sub(in.AmountOut)
	plan.Order.Amount = perIn.Shift(in.AssetIn.Decimals).RoundDown(0).BigInt()
	plan.Order.Limit = perLimit.Shift(in.AssetOut.Decimals).RoundDown(0).BigInt()
	if tooBig {
		plan.TradeError = OrderTooBig
	}
	return plan, nil
}

// Buy splits amountOut into equal sub-orders
func (p *Planner) Buy(ctx context.Context, in Input) (*Plan, error) {
	reps, tooBig := p.Reps(in.PriceImpactPct)
	n := decimal.NewFromInt(int64(reps))

	perOut := in.AmountOut.Div(n).RoundDown(in.AssetOut.Decimals)
	if !perOut.IsPositive() {
		return nil, ErrOrderTooSmall
	}
	sub, err := p.quotes.Router().BestBuy(ctx, in.AssetIn, in.AssetOut, perOut)
	if err != nil {
		return nil, fmt.Errorf("failed to price sub-order: %w", err)
	}

	slippage := p.quotes.Slippage()
	totalIn := sub.AmountIn.Mul(n)
	totalOut := perOut.Mul(n)
	maxIn := quote.MaxAmountIn(totalIn, slippage)
	perLimit := quote.MaxAmountIn(sub.AmountIn, slippage)

	plan := p.base(types.Buy, reps, in, sub)
	plan.PerOrderIn = sub.AmountIn
	plan.PerOrderOut = perOut
	plan.AmountIn = totalIn
	plan.AmountOut = totalOut
	plan.OrderSlippage = maxIn
	plan.Budget = maxIn
	plan.SlippageDeltaPct = amount.DiffToRef(in.SingleBound, maxIn)
	plan.PriceDelta = in.AmountIn.Sub(totalIn)
	plan.Order.Amount = perOut.Shift(in.AssetOut.Decimals).RoundDown(0).BigInt()
	plan.Order.Limit = perLimit.Shift(in.AssetIn.Decimals).RoundUp(0).BigInt()
	if tooBig {
		plan.TradeError = OrderTooBig
	}
	return plan, nil
}

func (p *Planner) base(dir types.Direction, reps int, in Input, sub *quote.Trade) *Plan {
	return &Plan{
		Direction:      dir,
		Reps:           reps,
		PriceImpactPct: sub.PriceImpactPct,
		TxFee:          in.TxFee.Mul(decimal.NewFromInt(int64(reps))),
		Duration:       time.Duration(reps*p.cfg.BlocksPerOrder) * p.cfg.BlockTime,
		Order: Order{
			Direction: dir,
			AssetIn:   in.AssetIn.ID,
			AssetOut:  in.AssetOut.ID,
			Route:     sub.Swaps,
		},
	}
}

// Config returns the effective limits
func (p *Planner) Config() Config {
	return p.cfg
}
