package quote

import (
	"context"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/types"
)

var hundred = decimal.NewFromInt(100)

// TradeInfo is a priced trade with its slippage bound and pending transaction
type TradeInfo struct {
	Trade       *Trade
	Transaction *types.Transaction
	// Slippage is the human-readable bound: min out for a sell, max in for a buy.
	Slippage string
}

// SlippageFunc returns the current slippage tolerance in percent
type SlippageFunc func() decimal.Decimal

// Service wraps a Router
type Service struct {
	router   Router
	slippage SlippageFunc
	logger   zerolog.Logger
}

// NewService creates a quote service
func NewService(router Router, slippage SlippageFunc, logger zerolog.Logger) *Service {
	return &Service{
		router:   router,
		slippage: slippage,
		logger:   logger.With().Str("component", "quote").Logger(),
	}
}

// Router exposes the underlying router
func (s *Service) Router() Router {
	return s.router
}

// Slippage returns the configured tolerance in percent
func (s *Service) Slippage() decimal.Decimal {
	if s.slippage == nil {
		return decimal.Zero
	}
	return s.slippage()
}

// Sell prices selling amountIn of in for out
func (s *Service) Sell(ctx context.Context, in, out types.Asset, amountIn string) (*TradeInfo, error) {
	value, err := amount.Parse(amountIn)
	if err != nil {
		return nil, err
	}
	trade, err := s.router.BestSell(ctx, in, out, value)
	if err != nil {
		return nil, fmt.Errorf("failed to get best sell: %w", err)
	}
	if trade == nil {
		return nil, ErrInvalidTrade
	}

	minOut := MinAmountOut(trade.AmountOut, s.Slippage())
	limit := minOut.Shift(out.Decimals).RoundDown(0).BigInt()
	tx, err := s.buildTx(types.MethodRouterSell, trade, trade.AmountIn, in.Decimals, limit)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("asset_in", in.ID).
		Str("asset_out", out.ID).
		Str("amount_in", trade.AmountIn.String()).
		Str("min_out", minOut.String()).
		Msg("sell quoted")

	return &TradeInfo{
		Trade:       trade,
		Transaction: tx,
		Slippage:    amount.FormatBig(limit, out.Decimals),
	}, nil
}

// Buy prices buying amountOut of out with in
func (s *Service) Buy(ctx context.Context, in, out types.Asset, amountOut string) (*TradeInfo, error) {
	value, err := amount.Parse(amountOut)
	if err != nil {
		return nil, err
	}
	trade, err := s.router.BestBuy(ctx, in, out, value)
	if err != nil {
		return nil, fmt.Errorf("failed to get best buy: %w", err)
	}
	if trade == nil {
		return nil, ErrInvalidTrade
	}

	maxIn := MaxAmountIn(trade.AmountIn, s.Slippage())
	limit := maxIn.Shift(in.Decimals).RoundUp(0).BigInt()
	tx, err := s.buildTx(types.MethodRouterBuy, trade, trade.AmountOut, out.Decimals, limit)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("asset_in", in.ID).
		Str("asset_out", out.ID).
		Str("amount_out", trade.AmountOut.String()).
		Str("max_in", maxIn.String()).
		Msg("buy quoted")

	return &TradeInfo{
		Trade:       trade,
		Transaction: tx,
		Slippage:    amount.FormatBig(limit, in.Decimals),
	}, nil
}

// SpotPrice returns the spot price of in quoted in out. For a buy the
// price is inverted.
func (s *Service) SpotPrice(ctx context.Context, in, out types.Asset, dir types.Direction) (decimal.Decimal, error) {
	price, err := s.router.BestSpotPrice(ctx, in, out)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get spot price: %w", err)
	}
	if dir == types.Buy {
		if price.IsZero() {
			return decimal.Zero, nil
		}
		return decimal.NewFromInt(1).DivRound(price, out.Decimals+in.Decimals), nil
	}
	return price, nil
}

// MinAmountOut applies slippage to a sell output
func MinAmountOut(out, slippagePct decimal.Decimal) decimal.Decimal {
	return out.Mul(hundred.Sub(slippagePct)).Div(hundred)
}

// MaxAmountIn applies slippage to a buy input
func MaxAmountIn(in, slippagePct decimal.Decimal) decimal.Decimal {
	return in.Mul(hundred.Add(slippagePct)).Div(hundred)
}

func (s *Service) buildTx(method string, trade *Trade, exact decimal.Decimal, decimals int32, limit *big.Int) (*types.Transaction, error) {
	call := types.Call{
		Method:   method,
		Chain:    trade.AssetIn.Chain,
		To:       trade.To,
		Token:    trade.AssetIn.Address,
		AssetIn:  trade.AssetIn.ID,
		AssetOut: trade.AssetOut.ID,
		Amount:   exact.Shift(decimals).RoundDown(0).BigInt(),
		Limit:    limit,
		Route:    trade.Swaps,
		Memo:     trade.Memo,
	}
	name := "swap"
	if method == types.MethodRouterBuy {
		name = "buy"
	}
	return types.NewTransaction(name, call)
}
