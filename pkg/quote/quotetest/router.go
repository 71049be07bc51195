// Package quotetest provides an in-memory Router for tests.
package quotetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"swapdesk/pkg/quote"
	"swapdesk/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// Router prices trades at a fixed spot price with an impact proportional to size
type Router struct {
	mu sync.Mutex

	AssetList []types.Asset
	// Prices maps "in/out" to the amount of out received per unit of in.
	Prices map[string]decimal.Decimal
	// ImpactPerUnit is the price impact in percent per unit of input.
	ImpactPerUnit decimal.Decimal
	// Route overrides the default single-hop route when set.
	Route []types.Hop
	// Err fails every trade request when set.
	Err error
	// To is copied into every trade.
	To string

	gates map[string]chan struct{}
	calls []string
}

// NewRouter creates a router over the given assets
func NewRouter(assets ...types.Asset) *Router {
	return &Router{
		AssetList: assets,
		Prices:    make(map[string]decimal.Decimal),
		gates:     make(map[string]chan struct{}),
		To:        "deposit-address",
	}
}

// SetPrice sets the spot price of in quoted in out and its inverse
func (r *Router) SetPrice(in, out string, price decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Prices[in+"/"+out] = price
	if !price.IsZero() {
		r.Prices[out+"/"+in] = decimal.NewFromInt(1).DivRound(price, 18)
	}
}

// Hold blocks trades for amount until Release is called
func (r *Router) Hold(amount string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gates[amount] = make(chan struct{})
}

// Release unblocks trades held for amount
func (r *Router) Release(amount string) {
	r.mu.Lock()
	gate, ok := r.gates[amount]
	delete(r.gates, amount)
	r.mu.Unlock()
	if ok {
		close(gate)
	}
}

// Calls returns the amounts quoted so far, in call order
func (r *Router) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *Router) Assets(ctx context.Context) ([]types.Asset, error) {
	return r.AssetList, nil
}

func (r *Router) AssetPairs(ctx context.Context, assetID string) ([]types.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pairs []types.Asset
	for _, a := range r.AssetList {
		if a.ID == assetID {
			continue
		}
		if _, ok := r.Prices[assetID+"/"+a.ID]; ok {
			pairs = append(pairs, a)
		}
	}
	return pairs, nil
}

func (r *Router) BestSell(ctx context.Context, in, out types.Asset, amountIn decimal.Decimal) (*quote.Trade, error) {
	price, err := r.begin(ctx, in, out, amountIn)
	if err != nil {
		return nil, err
	}
	impact := amountIn.Mul(r.ImpactPerUnit)
	amountOut := amountIn.Mul(price).Mul(hundred.Sub(impact)).Div(hundred).Round(out.Decimals)
	return r.trade(types.Sell, in, out, amountIn, amountOut, price, impact), nil
}

func (r *Router) BestBuy(ctx context.Context, in, out types.Asset, amountOut decimal.Decimal) (*quote.Trade, error) {
	price, err := r.begin(ctx, in, out, amountOut)
	if err != nil {
		return nil, err
	}
	spotIn := amountOut.DivRound(price, in.Decimals)
	impact := spotIn.Mul(r.ImpactPerUnit)
	amountIn := spotIn.Mul(hundred.Add(impact)).Div(hundred).Round(in.Decimals)
	return r.trade(types.Buy, in, out, amountIn, amountOut, price, impact), nil
}

func (r *Router) BestSpotPrice(ctx context.Context, in, out types.Asset) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	price, ok := r.Prices[in.ID+"/"+out.ID]
	if !ok {
		return decimal.Zero, quote.ErrNoRoute
	}
	return price, nil
}

func (r *Router) begin(ctx context.Context, in, out types.Asset, value decimal.Decimal) (decimal.Decimal, error) {
	r.mu.Lock()
	r.calls = append(r.calls, value.String())
	gate := r.gates[value.String()]
	failure := r.Err
	price, ok := r.Prices[in.ID+"/"+out.ID]
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	if failure != nil {
		return decimal.Zero, failure
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("%s/%s: %w", in.ID, out.ID, quote.ErrNoRoute)
	}
	return price, nil
}

func (r *Router) trade(dir types.Direction, in, out types.Asset, amountIn, amountOut, price, impact decimal.Decimal) *quote.Trade {
	r.mu.Lock()
	route := r.Route
	to := r.To
	r.mu.Unlock()
	if route == nil {
		route = []types.Hop{{Pool: "omnipool", AssetIn: in.ID, AssetOut: out.ID}}
	}
	return &quote.Trade{
		Direction:      dir,
		AssetIn:        in,
		AssetOut:       out,
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		SpotPrice:      price,
		PriceImpactPct: impact.Neg(),
		TradeFee:       decimal.Zero,
		TradeFeePct:    decimal.Zero,
		Swaps:          route,
		To:             to,
	}
}

// Fail makes every following trade request return err. A nil err clears it.
func (r *Router) Fail(err error) {
	r.mu.Lock()
	r.Err = err
	r.mu.Unlock()
}

// SetRoute overrides the route of every following trade
func (r *Router) SetRoute(route []types.Hop) {
	r.mu.Lock()
	r.Route = route
	r.mu.Unlock()
}
