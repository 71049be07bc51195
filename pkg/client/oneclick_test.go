package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapdesk/pkg/quote"
	"swapdesk/pkg/types"
)

type fakeAPI struct {
	mu         sync.Mutex
	tokens     []Token
	tokenCalls int
	quotes     []QuoteParams
	respond    func(QuoteParams) (*QuoteResult, error)
	deposits   []string
}

func (f *fakeAPI) Tokens(context.Context) ([]Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenCalls++
	return f.tokens, nil
}

func (f *fakeAPI) Quote(_ context.Context, p QuoteParams) (*QuoteResult, error) {
	f.mu.Lock()
	f.quotes = append(f.quotes, p)
	respond := f.respond
	f.mu.Unlock()
	return respond(p)
}

func (f *fakeAPI) ExecutionStatus(_ context.Context, addr string) (*ExecutionStatus, error) {
	return &ExecutionStatus{Status: "SUCCESS", DepositAddr: addr}, nil
}

func (f *fakeAPI) SubmitDeposit(_ context.Context, addr, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits = append(f.deposits, addr+"="+hash)
	return nil
}

var (
	usdcToken = Token{AssetID: "nep141:usdc.sol", Symbol: "USDC", Blockchain: "sol", Decimals: 6, Price: decimal.NewFromInt(1), Contract: "EPjFWdd5"}
	solToken  = Token{AssetID: "nep141:sol", Symbol: "SOL", Blockchain: "sol", Decimals: 9, Price: decimal.NewFromInt(200)}
	wbtcToken = Token{AssetID: "nep141:wbtc.eth", Symbol: "WBTC", Blockchain: "ETH", Decimals: 8, Contract: "0x2260"}
)

func newRouter(respond func(QuoteParams) (*QuoteResult, error)) (*OneClick, *fakeAPI) {
	api := &fakeAPI{tokens: []Token{usdcToken, solToken, wbtcToken}, respond: respond}
	return NewOneClick(api, Options{Recipient: "alice", Logger: zerolog.Nop()}), api
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAssetsAreCached(t *testing.T) {
	r, api := newRouter(nil)
	ctx := context.Background()

	assets, err := r.Assets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 3)
	assert.Equal(t, "nep141:usdc.sol", assets[0].ID)
	assert.Equal(t, int32(6), assets[0].Decimals)
	assert.False(t, assets[0].IsNative())
	assert.True(t, assets[1].IsNative())
	assert.Equal(t, "ethereum", assets[2].Chain)

	pairs, err := r.AssetPairs(ctx, solToken.AssetID)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	_, err = r.AssetPairs(ctx, "nep141:unknown")
	assert.ErrorIs(t, err, quote.ErrNoRoute)
	assert.Equal(t, 1, api.tokenCalls)

	r.now = func() time.Time { return time.Now().Add(DefaultTokenTTL + time.Second) }
	_, err = r.Assets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, api.tokenCalls)
}

func TestFindToken(t *testing.T) {
	r, _ := newRouter(nil)
	ctx := context.Background()

	a, err := r.FindToken(ctx, "usdc", "")
	require.NoError(t, err)
	assert.Equal(t, usdcToken.AssetID, a.ID)

	a, err = r.FindToken(ctx, "btc", "")
	require.NoError(t, err)
	assert.Equal(t, wbtcToken.AssetID, a.ID)

	a, err = r.FindToken(ctx, "WBTC", "eth")
	require.NoError(t, err)
	assert.Equal(t, wbtcToken.AssetID, a.ID)

	_, err = r.FindToken(ctx, "SOL", "eth")
	assert.Error(t, err)
}

func TestBestSell(t *testing.T) {
	r, api := newRouter(func(p QuoteParams) (*QuoteResult, error) {
		return &QuoteResult{DepositAddress: "deposit-1", DepositMemo: "m", AmountInFormatted: "10", AmountOutFormatted: "0.049"}, nil
	})
	usdc, sol := toAsset(usdcToken), toAsset(solToken)

	tr, err := r.BestSell(context.Background(), usdc, sol, dec("10"))
	require.NoError(t, err)

	require.Len(t, api.quotes, 1)
	p := api.quotes[0]
	assert.False(t, p.ExactOutput)
	assert.False(t, p.Dry)
	assert.Equal(t, "10000000", p.Amount)
	assert.Equal(t, "alice", p.Recipient)
	assert.Equal(t, "alice", p.RefundTo)

	assert.Equal(t, types.Sell, tr.Direction)
	assert.True(t, dec("0.049").Equal(tr.AmountOut))
	assert.True(t, dec("0.005").Equal(tr.SpotPrice))
	assert.True(t, dec("-2").Equal(tr.PriceImpactPct), tr.PriceImpactPct.String())
	assert.Equal(t, "deposit-1", tr.To)
	assert.Equal(t, "m", tr.Memo)
	assert.False(t, tr.HasErrors())
}

func TestBestBuy(t *testing.T) {
	r, api := newRouter(func(p QuoteParams) (*QuoteResult, error) {
		return &QuoteResult{DepositAddress: "deposit-2", AmountInFormatted: "10.2", AmountOutFormatted: "0.05"}, nil
	})
	usdc, sol := toAsset(usdcToken), toAsset(solToken)

	tr, err := r.BestBuy(context.Background(), usdc, sol, dec("0.05"))
	require.NoError(t, err)

	assert.True(t, api.quotes[0].ExactOutput)
	assert.Equal(t, "50000000", api.quotes[0].Amount)
	assert.True(t, dec("10.2").Equal(tr.AmountIn))
	assert.True(t, dec("-2").Equal(tr.PriceImpactPct), tr.PriceImpactPct.String())
}

func TestAmountTooLowBecomesHopError(t *testing.T) {
	r, _ := newRouter(func(QuoteParams) (*QuoteResult, error) {
		return nil, &APIError{StatusCode: 400, Message: "Amount is too low for bridge, try at least 1000000"}
	})
	usdc, sol := toAsset(usdcToken), toAsset(solToken)

	tr, err := r.BestSell(context.Background(), usdc, sol, dec("0.01"))
	require.NoError(t, err)
	assert.True(t, tr.HasErrors())
	assert.Equal(t, []types.HopError{types.InsufficientTradingAmount}, tr.Swaps[0].Errors)
}

func TestQuoteErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection refused")
	r, _ := newRouter(func(QuoteParams) (*QuoteResult, error) { return nil, boom })
	_, err := r.BestSell(context.Background(), toAsset(usdcToken), toAsset(solToken), dec("1"))
	assert.ErrorIs(t, err, boom)
}

func TestSpotPriceFallsBackToReferenceQuote(t *testing.T) {
	r, api := newRouter(func(p QuoteParams) (*QuoteResult, error) {
		return &QuoteResult{AmountInFormatted: "1", AmountOutFormatted: "60000"}, nil
	})

	price, err := r.BestSpotPrice(context.Background(), toAsset(wbtcToken), toAsset(usdcToken))
	require.NoError(t, err)
	assert.True(t, dec("60000").Equal(price))

	require.Len(t, api.quotes, 1)
	assert.True(t, api.quotes[0].Dry)
	assert.Equal(t, "100000000", api.quotes[0].Amount)
}

func TestStatusAndDeposit(t *testing.T) {
	r, api := newRouter(nil)
	ctx := context.Background()

	st, err := r.Status(ctx, "deposit-1")
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", st.Status)

	require.NoError(t, r.NotifyDeposit(ctx, "deposit-1", "0xabc"))
	require.NoError(t, r.NotifyDeposit(ctx, "", "0xabc"))
	assert.Equal(t, []string{"deposit-1=0xabc"}, api.deposits)
}
