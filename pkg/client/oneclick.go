// Package client adapts the 1Click swap API to the quote.Router contract.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"swapdesk/pkg/quote"
	"swapdesk/pkg/signer"
	"swapdesk/pkg/types"
)

const (
	DefaultTokenTTL = 5 * time.Minute
	DefaultDeadline = 24 * time.Hour
	pool            = "1click"
)

var hundred = decimal.NewFromInt(100)

// Options configures the router adapter
type Options struct {
	// Recipient receives the output; RefundTo gets the input back on failure.
	Recipient string
	RefundTo  string
	// DryRun quotes without reserving a deposit address.
	DryRun   bool
	TokenTTL time.Duration
	Deadline time.Duration
	Logger   zerolog.Logger
}

// OneClick implements quote.Router over the 1Click API
type OneClick struct {
	api  API
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	tokens  []Token
	fetched time.Time
}

var _ quote.Router = (*OneClick)(nil)

func NewOneClick(api API, opts Options) *OneClick {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.RefundTo == "" {
		opts.RefundTo = opts.Recipient
	}
	return &OneClick{
		api:  api,
		opts: opts,
		log:  opts.Logger.With().Str("component", "oneclick").Logger(),
		now:  time.Now,
	}
}

// SetRecipient points quotes at a new account
func (c *OneClick) SetRecipient(recipient, refundTo string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Recipient = recipient
	c.opts.RefundTo = refundTo
	if refundTo == "" {
		c.opts.RefundTo = recipient
	}
}

func (c *OneClick) supportedTokens(ctx context.Context) ([]Token, error) {
	c.mu.Lock()
	if c.tokens != nil && c.now().Sub(c.fetched) < c.opts.TokenTTL {
		tokens := c.tokens
		c.mu.Unlock()
		return tokens, nil
	}
	c.mu.Unlock()

	tokens, err := c.api.Tokens(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tokens = tokens
	c.fetched = c.now()
	c.mu.Unlock()
	return tokens, nil
}

func toAsset(t Token) types.Asset {
	return types.Asset{
		ID:                 t.AssetID,
		Symbol:             t.Symbol,
		Decimals:           t.Decimals,
		Chain:              signer.NormalizeChain(t.Blockchain),
		Address:            t.Contract,
		ExistentialDeposit: decimal.Zero,
	}
}

func (c *OneClick) Assets(ctx context.Context) ([]types.Asset, error) {
	tokens, err := c.supportedTokens(ctx)
	if err != nil {
		return nil, err
	}
	assets := make([]types.Asset, 0, len(tokens))
	for _, t := range tokens {
		assets = append(assets, toAsset(t))
	}
	return assets, nil
}

// AssetPairs returns every other token; the router swaps any pair it lists
func (c *OneClick) AssetPairs(ctx context.Context, assetID string) ([]types.Asset, error) {
	tokens, err := c.supportedTokens(ctx)
	if err != nil {
		return nil, err
	}
	var found bool
	pairs := make([]types.Asset, 0, len(tokens))
	for _, t := range tokens {
		if t.AssetID == assetID {
			found = true
			continue
		}
		pairs = append(pairs, toAsset(t))
	}
	if !found {
		return nil, fmt.Errorf("asset '%s': %w", assetID, quote.ErrNoRoute)
	}
	return pairs, nil
}

// FindToken searches by symbol, on chain when given. Without a chain an exact
// symbol match wins over a partial one.
func (c *OneClick) FindToken(ctx context.Context, symbol, chain string) (types.Asset, error) {
	tokens, err := c.supportedTokens(ctx)
	if err != nil {
		return types.Asset{}, err
	}
	symbol = strings.ToUpper(symbol)
	chain = signer.NormalizeChain(chain)

	for _, t := range tokens {
		if strings.ToUpper(t.Symbol) != symbol {
			continue
		}
		if chain == "" || signer.NormalizeChain(t.Blockchain) == chain {
			return toAsset(t), nil
		}
	}
	if chain != "" {
		return types.Asset{}, fmt.Errorf("token '%s' not found on chain '%s'", symbol, chain)
	}
	for _, t := range tokens {
		if strings.Contains(strings.ToUpper(t.Symbol), symbol) {
			return toAsset(t), nil
		}
	}
	return types.Asset{}, fmt.Errorf("token '%s' not found", symbol)
}

func (c *OneClick) params(in, out types.Asset, base decimal.Decimal, exactOutput, dry bool) QuoteParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return QuoteParams{
		Dry:              dry,
		ExactOutput:      exactOutput,
		OriginAsset:      in.ID,
		DestinationAsset: out.ID,
		Amount:           base.String(),
		Recipient:        c.opts.Recipient,
		RefundTo:         c.opts.RefundTo,
		Deadline:         c.now().Add(c.opts.Deadline),
	}
}

func (c *OneClick) BestSell(ctx context.Context, in, out types.Asset, amountIn decimal.Decimal) (*quote.Trade, error) {
	base := amountIn.Shift(in.Decimals).RoundDown(0)
	res, err := c.api.Quote(ctx, c.params(in, out, base, false, c.opts.DryRun))
	if err != nil {
		if tooLow(err) {
			return c.rejected(types.Sell, in, out, amountIn, decimal.Zero), nil
		}
		return nil, fmt.Errorf("failed to get quote from API: %w", err)
	}
	return c.trade(ctx, types.Sell, in, out, res)
}

func (c *OneClick) BestBuy(ctx context.Context, in, out types.Asset, amountOut decimal.Decimal) (*quote.Trade, error) {
	base := amountOut.Shift(out.Decimals).RoundDown(0)
	res, err := c.api.Quote(ctx, c.params(in, out, base, true, c.opts.DryRun))
	if err != nil {
		if tooLow(err) {
			return c.rejected(types.Buy, in, out, decimal.Zero, amountOut), nil
		}
		return nil, fmt.Errorf("failed to get quote from API: %w", err)
	}
	return c.trade(ctx, types.Buy, in, out, res)
}

// BestSpotPrice derives the price of in quoted in out from the token USD
// prices. Tokens without a price fall back to a dry quote of one unit.
func (c *OneClick) BestSpotPrice(ctx context.Context, in, out types.Asset) (decimal.Decimal, error) {
	tokens, err := c.supportedTokens(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	var priceIn, priceOut decimal.Decimal
	for _, t := range tokens {
		switch t.AssetID {
		case in.ID:
			priceIn = t.Price
		case out.ID:
			priceOut = t.Price
		}
	}
	if priceIn.IsPositive() && priceOut.IsPositive() {
		return priceIn.DivRound(priceOut, 18), nil
	}

	one := decimal.New(1, in.Decimals)
	res, err := c.api.Quote(ctx, c.params(in, out, one, false, true))
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get reference quote: %w", err)
	}
	amountIn, amountOut, err := parseAmounts(res)
	if err != nil {
		return decimal.Zero, err
	}
	if amountIn.IsZero() {
		return decimal.Zero, fmt.Errorf("invalid amount in: 0")
	}
	return amountOut.DivRound(amountIn, 18), nil
}

// Status returns the execution status of the swap behind depositAddress
func (c *OneClick) Status(ctx context.Context, depositAddress string) (*ExecutionStatus, error) {
	return c.api.ExecutionStatus(ctx, depositAddress)
}

// NotifyDeposit tells the router which transaction funded depositAddress
func (c *OneClick) NotifyDeposit(ctx context.Context, depositAddress, txHash string) error {
	if depositAddress == "" || txHash == "" {
		return nil
	}
	return c.api.SubmitDeposit(ctx, depositAddress, txHash)
}

func parseAmounts(res *QuoteResult) (decimal.Decimal, decimal.Decimal, error) {
	amountIn, err := decimal.NewFromString(res.AmountInFormatted)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to parse amount in: %w", err)
	}
	amountOut, err := decimal.NewFromString(res.AmountOutFormatted)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to parse amount out: %w", err)
	}
	return amountIn, amountOut, nil
}

func (c *OneClick) trade(ctx context.Context, dir types.Direction, in, out types.Asset, res *QuoteResult) (*quote.Trade, error) {
	amountIn, amountOut, err := parseAmounts(res)
	if err != nil {
		return nil, err
	}
	spot, err := c.BestSpotPrice(ctx, in, out)
	if err != nil {
		c.log.Debug().Err(err).Str("asset_in", in.ID).Str("asset_out", out.ID).Msg("no spot price, using quote rate")
		spot = decimal.Zero
		if amountIn.IsPositive() {
			spot = amountOut.DivRound(amountIn, 18)
		}
	}

	return &quote.Trade{
		Direction:      dir,
		AssetIn:        in,
		AssetOut:       out,
		AmountIn:       amountIn,
		AmountOut:      amountOut,
		SpotPrice:      spot,
		PriceImpactPct: priceImpact(dir, spot, amountIn, amountOut),
		TradeFee:       decimal.Zero,
		TradeFeePct:    decimal.Zero,
		Swaps: []types.Hop{{
			Pool:      pool,
			AssetIn:   in.ID,
			AssetOut:  out.ID,
			AmountIn:  amountIn.String(),
			AmountOut: amountOut.String(),
		}},
		To:   res.DepositAddress,
		Memo: res.DepositMemo,
	}, nil
}

// priceImpact compares the quote to the spot rate; worse than spot is negative
func priceImpact(dir types.Direction, spot, amountIn, amountOut decimal.Decimal) decimal.Decimal {
	if !spot.IsPositive() {
		return decimal.Zero
	}
	if dir == types.Sell {
		expected := amountIn.Mul(spot)
		if expected.IsZero() {
			return decimal.Zero
		}
		return amountOut.Sub(expected).Div(expected).Mul(hundred).Round(2)
	}
	expected := amountOut.DivRound(spot, 18)
	if expected.IsZero() {
		return decimal.Zero
	}
	return expected.Sub(amountIn).Div(expected).Mul(hundred).Round(2)
}

func (c *OneClick) rejected(dir types.Direction, in, out types.Asset, amountIn, amountOut decimal.Decimal) *quote.Trade {
	return &quote.Trade{
		Direction: dir,
		AssetIn:   in,
		AssetOut:  out,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Swaps: []types.Hop{{
			Pool:     pool,
			AssetIn:  in.ID,
			AssetOut: out.ID,
			Errors:   []types.HopError{types.InsufficientTradingAmount},
		}},
	}
}

func tooLow(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "too low")
}
