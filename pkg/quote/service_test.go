package quote_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapdesk/pkg/quote"
	"swapdesk/pkg/quote/quotetest"
	"swapdesk/pkg/types"
)

var (
	usdc = types.Asset{ID: "usdc", Symbol: "USDC", Decimals: 6, Address: "mint-usdc"}
	sol  = types.Asset{ID: "sol", Symbol: "SOL", Decimals: 9}
)

func newService(t *testing.T, slippage string) (*quote.Service, *quotetest.Router) {
	t.Helper()
	router := quotetest.NewRouter(usdc, sol)
	router.SetPrice("usdc", "sol", decimal.RequireFromString("0.005"))
	s := decimal.RequireFromString(slippage)
	return quote.NewService(router, func() decimal.Decimal { return s }, zerolog.Nop()), router
}

func TestSellAppliesMinAmountOut(t *testing.T) {
	svc, _ := newService(t, "1")

	info, err := svc.Sell(context.Background(), usdc, sol, "100")
	require.NoError(t, err)

	assert.Equal(t, "0.5", info.Trade.AmountOut.String())
	assert.Equal(t, "0.495", info.Slippage)

	call := info.Transaction.Call
	assert.Equal(t, types.MethodRouterSell, call.Method)
	assert.Equal(t, "100000000", call.Amount.String())
	assert.Equal(t, "495000000", call.Limit.String())
	assert.Equal(t, "mint-usdc", call.Token)
	assert.Equal(t, "deposit-address", call.To)
	assert.NotEmpty(t, info.Transaction.Hex)
}

func TestBuyAppliesMaxAmountIn(t *testing.T) {
	svc, _ := newService(t, "2")

	info, err := svc.Buy(context.Background(), usdc, sol, "1")
	require.NoError(t, err)

	assert.Equal(t, "200", info.Trade.AmountIn.String())
	assert.Equal(t, "204", info.Slippage)

	call := info.Transaction.Call
	assert.Equal(t, types.MethodRouterBuy, call.Method)
	assert.Equal(t, "1000000000", call.Amount.String())
	assert.Equal(t, "204000000", call.Limit.String())
	assert.Equal(t, "204000000", call.Value().String())
}

func TestSellPropagatesRouterError(t *testing.T) {
	svc, router := newService(t, "1")
	router.Err = errors.New("router down")

	_, err := svc.Sell(context.Background(), usdc, sol, "100")
	assert.ErrorContains(t, err, "router down")

	_, err = svc.Sell(context.Background(), usdc, sol, "abc")
	assert.Error(t, err)
}

func TestSpotPriceInvertsForBuy(t *testing.T) {
	svc, _ := newService(t, "1")

	sell, err := svc.SpotPrice(context.Background(), usdc, sol, types.Sell)
	require.NoError(t, err)
	assert.Equal(t, "0.005", sell.String())

	buy, err := svc.SpotPrice(context.Background(), usdc, sol, types.Buy)
	require.NoError(t, err)
	assert.Equal(t, "200", buy.String())
}

func TestSlippageBounds(t *testing.T) {
	out := decimal.NewFromInt(200)
	assert.Equal(t, "198", quote.MinAmountOut(out, decimal.NewFromInt(1)).String())
	assert.Equal(t, "202", quote.MaxAmountIn(out, decimal.NewFromInt(1)).String())
}
