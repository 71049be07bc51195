package trade

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/events"
	"swapdesk/pkg/metrics"
	"swapdesk/pkg/quote"
	"swapdesk/pkg/quote/quotetest"
	"swapdesk/pkg/session"
	"swapdesk/pkg/twap"
	"swapdesk/pkg/types"
)

var (
	usdc = types.Asset{ID: "usdc", Symbol: "USDC", Decimals: 6, Address: "mint-usdc"}
	sol  = types.Asset{ID: "sol", Symbol: "SOL", Decimals: 9}
	btc  = types.Asset{ID: "btc", Symbol: "BTC", Decimals: 8, Address: "mint-btc"}
	doge = types.Asset{ID: "doge", Symbol: "DOGE", Decimals: 8, Address: "mint-doge"}
)

type fixedFee struct{ fee *big.Int }

func (f fixedFee) PaymentInfo(ctx context.Context, tx *types.Transaction, account types.Account) (*big.Int, error) {
	return f.fee, nil
}

type harness struct {
	machine *Machine
	router  *quotetest.Router
	session *session.Session
	bus     *events.Bus
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newHarness(t *testing.T, twapOn bool) *harness {
	t.Helper()
	router := quotetest.NewRouter(usdc, sol, btc, doge)
	router.SetPrice("usdc", "sol", d("0.005"))
	router.SetPrice("usdc", "btc", d("0.00001"))
	router.SetPrice("sol", "btc", d("0.002"))
	svc := quote.NewService(router, func() decimal.Decimal { return d("1") }, zerolog.Nop())

	sess := session.New(session.Options{
		NativeAssetID: "sol",
		StableAssetID: "usdc",
		Fees:          fixedFee{fee: big.NewInt(5000)},
		Logger:        zerolog.Nop(),
	})
	sess.SetAssets([]types.Asset{usdc, sol, btc, doge})
	sess.AddPair("usdc", "sol")
	sess.AddPair("usdc", "btc")
	sess.AddPair("sol", "btc")

	bus := events.NewBus(nil, zerolog.Nop())
	tw := twap.NewState(twap.NewPlanner(svc, twap.DefaultConfig()), twapOn, zerolog.Nop())
	m := New(Options{
		Quotes:   svc,
		Session:  sess,
		Twap:     tw,
		Bus:      bus,
		DcaVault: "vault-address",
		Logger:   zerolog.Nop(),
	})
	t.Cleanup(m.Close)
	return &harness{machine: m, router: router, session: sess, bus: bus}
}

func (h *harness) connect(t *testing.T, usdcBalance int64) {
	t.Helper()
	h.session.SetAccount(&types.Account{Address: "alice", Provider: types.ProviderPhantom})
	h.session.SetBalances(map[string]amount.Amount{
		"usdc": amount.NewAmount(big.NewInt(usdcBalance), 6),
		"sol":  amount.NewAmount(big.NewInt(2_000_000_000), 9),
	})
}

func TestInitDefaultsToStableForNative(t *testing.T) {
	h := newHarness(t, false)

	require.NoError(t, h.machine.Init("", ""))
	h.machine.Wait()

	s := h.machine.Snapshot()
	require.True(t, s.Selected())
	assert.Equal(t, "usdc", s.AssetIn.ID)
	assert.Equal(t, "sol", s.AssetOut.ID)
	assert.Equal(t, "0.005", s.SpotPrice)
	assert.Equal(t, Idle, s.Phase)
	assert.Empty(t, h.router.Calls(), "spot price needs no trade quote")
}

func TestInitUnknownAsset(t *testing.T) {
	h := newHarness(t, false)
	err := h.machine.Init("usdc", "nope")
	assert.ErrorIs(t, err, ErrUnknownAsset)
}

func TestSetAmountInQuotesSell(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("usdc", "sol"))

	h.machine.SetAmountIn("10")
	h.machine.Wait()

	s := h.machine.Snapshot()
	assert.Equal(t, types.Sell, s.Direction)
	assert.Equal(t, SideIn, s.Active)
	assert.Equal(t, Quoted, s.Phase)
	assert.False(t, s.InProgress)
	assert.Equal(t, "10", s.AmountIn)
	assert.Equal(t, "0.05", s.AmountOut)
	require.NotNil(t, s.Quote)
	assert.Equal(t, "0.0495", s.Quote.AfterSlippage)
	require.NotNil(t, s.Transaction)
	assert.Equal(t, types.MethodRouterSell, s.Transaction.Call.Method)
	assert.Nil(t, s.Fee, "no fee without an account")
}

func TestAmountResetOnEmptyOrZero(t *testing.T) {
	for _, value := range []string{"", "0"} {
		t.Run("value="+value, func(t *testing.T) {
			h := newHarness(t, false)
			require.NoError(t, h.machine.Init("usdc", "sol"))

			h.router.Hold("10")
			h.machine.SetAmountIn("10")
			h.machine.SetAmountIn(value)

			s := h.machine.Snapshot()
			assert.Equal(t, "", s.AmountIn)
			assert.Equal(t, "", s.AmountOut)
			assert.Nil(t, s.Quote)
			assert.False(t, s.InProgress)
			assert.Equal(t, Idle, s.Phase)

			h.router.Release("10")
			h.machine.Wait()

			s = h.machine.Snapshot()
			assert.Equal(t, "", s.AmountIn)
			assert.Equal(t, "", s.AmountOut)
			assert.Nil(t, s.Quote, "the in-flight quote must not land after a reset")
		})
	}
}

func TestDerivedSideFollowsLastEdit(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("usdc", "sol"))

	h.machine.SetAmountIn("10")
	h.machine.Wait()
	assert.Equal(t, "0.05", h.machine.Snapshot().AmountOut)

	h.machine.SetAmountOut("1")
	h.machine.Wait()

	s := h.machine.Snapshot()
	assert.Equal(t, types.Buy, s.Direction)
	assert.Equal(t, SideOut, s.Active)
	assert.Equal(t, "1", s.AmountOut)
	assert.Equal(t, "200", s.AmountIn)
	assert.Equal(t, types.MethodRouterBuy, s.Transaction.Call.Method)
}

func TestSelectingOtherSideAssetSwitches(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("usdc", "sol"))
	h.machine.SetAmountIn("10")
	h.machine.Wait()

	h.machine.SetAssetIn(sol)
	h.machine.Wait()

	s := h.machine.Snapshot()
	assert.Equal(t, "sol", s.AssetIn.ID)
	assert.Equal(t, "usdc", s.AssetOut.ID)
	assert.Equal(t, "10", s.AmountOut)
	assert.Equal(t, "0.05", s.AmountIn)
	assert.Equal(t, types.Buy, s.Direction)
	assert.Equal(t, SideOut, s.Active)
	assert.False(t, s.Errors.Has(PoolError))
}

func TestSwitchWithoutAmountsOnlyRefreshesSpot(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("usdc", "sol"))
	h.machine.Wait()

	h.machine.Switch()
	h.machine.Wait()

	s := h.machine.Snapshot()
	assert.Equal(t, "sol", s.AssetIn.ID)
	assert.Equal(t, "usdc", s.AssetOut.ID)
	assert.Equal(t, "200", s.SpotPrice)
	assert.Empty(t, h.router.Calls())
}

func TestSetAssetOutRedrivesSell(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("usdc", "sol"))
	h.machine.SetAmountIn("10")
	h.machine.Wait()

	h.machine.SetAssetOut(btc)
	h.machine.Wait()

	s := h.machine.Snapshot()
	assert.Equal(t, "btc", s.AssetOut.ID)
	assert.Equal(t, "10", s.AmountIn)
	assert.Equal(t, "0.0001", s.AmountOut)
	assert.Equal(t, types.Sell, s.Direction)
}

func TestSetAssetWithoutPairStoresOnly(t *testing.T) {
	h := newHarness(t, false)

	h.machine.SetAssetIn(usdc)
	h.machine.SetAmountIn("10")
	h.machine.Wait()

	s := h.machine.Snapshot()
	assert.Equal(t, "usdc", s.AssetIn.ID)
	assert.Nil(t, s.AssetOut)
	assert.Equal(t, "10", s.AmountIn)
	assert.Empty(t, h.router.Calls())
}

func TestPoolErrorResetsTrade(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("usdc", "sol"))
	h.machine.SetAmountIn("10")
	h.machine.Wait()
	calls := len(h.router.Calls())

	h.machine.SetAssetOut(doge)
	h.machine.Wait()

	s := h.machine.Snapshot()
	assert.True(t, s.Errors.Has(PoolError))
	assert.Equal(t, "", s.AmountIn)
	assert.Nil(t, s.Quote)
	assert.Equal(t, Idle, s.Phase)

	h.machine.SetAmountIn("5")
	h.machine.Wait()
	assert.Len(t, h.router.Calls(), calls, "no quote while the pool is invalid")

	h.machine.SetAssetOut(sol)
	h.machine.Wait()
	s = h.machine.Snapshot()
	assert.False(t, s.Errors.Has(PoolError))
	assert.Equal(t, "0.025", s.AmountOut)
}

func TestStaleQuoteIsDiscarded(t *testing.T) {
	t.Run("older resolves last", func(t *testing.T) {
		h := newHarness(t, false)
		require.NoError(t, h.machine.Init("usdc", "sol"))
		before := testutil.ToFloat64(metrics.StaleQuotesTotal)

		h.router.Hold("10")
		h.machine.SetAmountIn("10")
		h.machine.SetAmountIn("20")
		assert.Eventually(t, func() bool { return h.machine.Snapshot().Phase == Quoted }, time.Second, time.Millisecond)

		h.router.Release("10")
		h.machine.Wait()

		s := h.machine.Snapshot()
		assert.Equal(t, "20", s.AmountIn)
		assert.Equal(t, "0.1", s.AmountOut)
		assert.Equal(t, "20", s.Quote.AmountIn)
		assert.Equal(t, before+1, testutil.ToFloat64(metrics.StaleQuotesTotal))
	})

	t.Run("older resolves first", func(t *testing.T) {
		h := newHarness(t, false)
		require.NoError(t, h.machine.Init("usdc", "sol"))
		before := testutil.ToFloat64(metrics.StaleQuotesTotal)

		h.router.Hold("10")
		h.router.Hold("20")
		h.machine.SetAmountIn("10")
		h.machine.SetAmountIn("20")

		h.router.Release("10")
		assert.Eventually(t, func() bool {
			return testutil.ToFloat64(metrics.StaleQuotesTotal) == before+1
		}, time.Second, time.Millisecond)
		s := h.machine.Snapshot()
		assert.Nil(t, s.Quote)
		assert.True(t, s.InProgress)

		h.router.Release("20")
		h.machine.Wait()

		s = h.machine.Snapshot()
		assert.Equal(t, "20", s.AmountIn)
		assert.Equal(t, "20", s.Quote.AmountIn)
	})
}

func TestQuoteFailureResetsSilently(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("usdc", "sol"))
	h.router.Fail(errors.New("router unavailable"))

	h.machine.SetAmountIn("10")
	h.machine.Wait()

	s := h.machine.Snapshot()
	assert.Equal(t, "", s.AmountIn)
	assert.Equal(t, "", s.AmountOut)
	assert.Nil(t, s.Quote)
	assert.Equal(t, Idle, s.Phase)
	assert.Empty(t, s.Errors)
}

func TestValidateBalanceIsIdempotent(t *testing.T) {
	h := newHarness(t, false)
	h.connect(t, 5_000_000)
	require.NoError(t, h.machine.Init("usdc", "sol"))

	h.machine.SetAmountIn("10")
	h.machine.Wait()

	first := h.machine.ValidateBalance()
	second := h.machine.ValidateBalance()
	assert.Equal(t, first, second)
	assert.Len(t, second, 1)
	assert.Equal(t, msgBalance, second[BalanceError])

	h.machine.SetAmountIn("4")
	h.machine.Wait()
	assert.False(t, h.machine.Snapshot().Errors.Has(BalanceError))
}

func TestBalanceChangeRevalidates(t *testing.T) {
	h := newHarness(t, false)
	h.connect(t, 5_000_000)
	require.NoError(t, h.machine.Init("usdc", "sol"))
	h.machine.SetAmountIn("10")
	h.machine.Wait()
	require.True(t, h.machine.Snapshot().Errors.Has(BalanceError))

	h.session.SetBalances(map[string]amount.Amount{"usdc": amount.NewAmount(big.NewInt(50_000_000), 6)})

	s := h.machine.Snapshot()
	assert.False(t, s.Errors.Has(BalanceError))
	assert.Equal(t, "50", s.BalanceIn)
}

func TestBuyValidatesHopsFromOutput(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("usdc", "sol"))
	route := []types.Hop{
		{Pool: "omnipool", AssetIn: "usdc", AssetOut: "btc"},
		{Pool: "omnipool", AssetIn: "btc", AssetOut: "sol", Errors: []types.HopError{types.MaxInRatioExceeded}},
	}
	h.router.SetRoute(route)

	h.machine.SetAmountOut("1")
	h.machine.Wait()

	s := h.machine.Snapshot()
	assert.Equal(t, msgMaxInRatio, s.Errors[TradeError])
	assert.Equal(t, "usdc", s.Quote.Route[0].AssetIn, "route order is preserved")
}

func TestFailingHopOrder(t *testing.T) {
	route := []types.Hop{
		{Pool: "a", Errors: []types.HopError{types.InsufficientTradingAmount}},
		{Pool: "b", Errors: []types.HopError{types.MaxInRatioExceeded}},
	}

	hop, ok := failingHop(route, types.Sell)
	require.True(t, ok)
	assert.Equal(t, "a", hop.Pool)

	hop, ok = failingHop(route, types.Buy)
	require.True(t, ok)
	assert.Equal(t, "b", hop.Pool)
	assert.Equal(t, "a", route[0].Pool)

	_, ok = failingHop([]types.Hop{{Pool: "c"}}, types.Buy)
	assert.False(t, ok)
}

func TestFeeSyncedForAccount(t *testing.T) {
	h := newHarness(t, false)
	h.connect(t, 50_000_000)
	require.NoError(t, h.machine.Init("usdc", "sol"))

	h.machine.SetAmountIn("10")
	h.machine.Wait()

	fee := h.machine.Snapshot().Fee
	require.NotNil(t, fee)
	assert.Equal(t, "0.000005", fee.Amount)
	assert.Equal(t, "5000", fee.AmountNative)
	assert.Equal(t, "SOL", fee.Asset)

	h.session.SetFeePaymentAsset("usdc")
	h.machine.SetAmountIn("11")
	h.machine.Wait()

	fee = h.machine.Snapshot().Fee
	require.NotNil(t, fee)
	assert.Equal(t, "USDC", fee.Asset)
	assert.Equal(t, "0.001", fee.Amount)
}

func TestSetMaxAmountInSubtractsFee(t *testing.T) {
	h := newHarness(t, false)
	h.connect(t, 5_000_000)
	require.NoError(t, h.machine.Init("sol", "usdc"))

	require.NoError(t, h.machine.SetMaxAmountIn(context.Background()))
	h.machine.Wait()

	assert.Equal(t, "1.999995", h.machine.Snapshot().AmountIn)
}

func TestSetMaxAmountInWithoutAccount(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("sol", "usdc"))
	assert.ErrorIs(t, h.machine.SetMaxAmountIn(context.Background()), ErrNoAccount)
}

func TestBlockChangeSkipsWhileInFlight(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("usdc", "sol"))

	h.router.Hold("10")
	h.machine.SetAmountIn("10")
	assert.Eventually(t, func() bool { return len(h.router.Calls()) == 1 }, time.Second, time.Millisecond)
	h.machine.OnBlockChange(context.Background(), types.Head{Number: 1})
	assert.Len(t, h.router.Calls(), 1)

	h.router.Release("10")
	h.machine.Wait()

	h.machine.OnBlockChange(context.Background(), types.Head{Number: 2})
	h.machine.Wait()
	assert.Equal(t, []string{"10", "10"}, h.router.Calls())
	assert.Equal(t, Quoted, h.machine.Snapshot().Phase)
}

func TestAccountRemovalResetsTrade(t *testing.T) {
	h := newHarness(t, false)
	h.connect(t, 50_000_000)
	require.NoError(t, h.machine.Init("usdc", "sol"))
	h.machine.SetAmountIn("10")
	h.machine.Wait()

	h.session.SetAccount(nil)

	s := h.machine.Snapshot()
	assert.Equal(t, "", s.AmountIn)
	assert.Equal(t, "", s.BalanceIn)
	assert.Nil(t, s.Quote)
}

func TestSwapEmitsTxNew(t *testing.T) {
	h := newHarness(t, false)
	h.connect(t, 50_000_000)
	require.NoError(t, h.machine.Init("usdc", "sol"))

	var got []events.TxEvent
	h.bus.OnTx(events.TxNew, func(ev events.TxEvent) { got = append(got, ev) })

	assert.ErrorIs(t, h.machine.Swap(), ErrNoTransaction)

	h.machine.SetAmountIn("10")
	h.machine.Wait()
	require.NoError(t, h.machine.Confirm())

	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, "alice", ev.Account.Address)
	assert.Equal(t, types.MethodRouterSell, ev.Transaction.Call.Method)
	assert.Equal(t, "Sell 10 USDC for 0.05 SOL submitted", ev.Notification.Processing)
	assert.Equal(t, "You sold 10 USDC for 0.05 SOL", ev.Notification.Success)
	assert.Equal(t, "Sell 10 USDC for 0.05 SOL failed", ev.Notification.Failure)

	assert.ErrorIs(t, h.machine.Swap(), ErrNoTransaction, "the transaction was handed over")
}

func TestSwapBlockedByValidationError(t *testing.T) {
	h := newHarness(t, false)
	h.connect(t, 1_000_000)
	require.NoError(t, h.machine.Init("usdc", "sol"))
	h.machine.SetAmountIn("10")
	h.machine.Wait()

	assert.ErrorIs(t, h.machine.Swap(), ErrNotTradeable)
}

func TestConfirmWithTwapSchedulesDca(t *testing.T) {
	h := newHarness(t, true)
	h.router.ImpactPerUnit = d("0.001")
	h.connect(t, 5_000_000_000)
	require.NoError(t, h.machine.Init("usdc", "sol"))

	var got []events.TxEvent
	h.bus.OnTx("", func(ev events.TxEvent) { got = append(got, ev) })

	h.machine.ToggleTwap(true)
	h.machine.SetAmountIn("1000")
	h.machine.Wait()

	snap := h.machine.Snapshot()
	require.NotNil(t, snap.Twap.Plan)
	assert.Equal(t, 10, snap.Twap.Plan.Reps)

	require.NoError(t, h.machine.Confirm())
	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, events.TxScheduleDca, ev.Kind)

	call := ev.Transaction.Call
	assert.Equal(t, types.MethodDcaSchedule, call.Method)
	assert.Equal(t, "vault-address", call.To)
	assert.Equal(t, "mint-usdc", call.Token)
	assert.Equal(t, "1000000000", call.Amount.String())
	assert.Equal(t, "alice", call.Args["owner"])
	assert.Equal(t, "5", call.Args["period"])
	assert.Equal(t, "1", call.Args["max_retries"])
	assert.Equal(t, "10000", call.Args["slippage"])
	assert.Equal(t, "100000000", call.Args["order_amount"])
	assert.Equal(t, "DCA of 1 000 USDC for SOL in 10 trades submitted", ev.Notification.Processing)
}

func TestToggleTwapPlansExistingQuote(t *testing.T) {
	h := newHarness(t, true)
	h.router.ImpactPerUnit = d("0.001")
	require.NoError(t, h.machine.Init("usdc", "sol"))
	h.machine.SetAmountIn("1000")
	h.machine.Wait()
	assert.Nil(t, h.machine.Snapshot().Twap.Plan)

	h.machine.ToggleTwap(true)
	h.machine.Wait()
	plan := h.machine.Snapshot().Twap.Plan
	require.NotNil(t, plan)

	h.machine.ToggleTwap(false)
	s := h.machine.Snapshot()
	assert.False(t, s.Twap.Enabled)
	assert.NotNil(t, s.Twap.Plan)

	h.machine.SetAmountIn("500")
	h.machine.Wait()
	assert.Nil(t, h.machine.Snapshot().Twap.Plan, "a new intent clears the plan")
}

func TestBlockRequoteDropsPlanOfDisabledTwap(t *testing.T) {
	h := newHarness(t, true)
	h.router.ImpactPerUnit = d("0.001")
	h.connect(t, 5_000_000_000)
	require.NoError(t, h.machine.Init("usdc", "sol"))

	h.machine.ToggleTwap(true)
	h.machine.SetAmountIn("1000")
	h.machine.Wait()
	first := h.machine.Snapshot().Twap
	require.NotNil(t, first.Plan)
	assert.True(t, first.Current)
	assert.True(t, d("4.995").Equal(first.Plan.AmountOut), first.Plan.AmountOut.String())

	h.machine.ToggleTwap(false)
	h.router.SetPrice("usdc", "sol", d("0.01"))
	h.machine.OnBlockChange(context.Background(), types.Head{Number: 1})
	h.machine.Wait()

	s := h.machine.Snapshot()
	require.NotNil(t, s.Quote)
	assert.Equal(t, "9.9", s.Quote.AmountOut)
	assert.Nil(t, s.Twap.Plan, "plan priced at the old quote is dropped")
	assert.ErrorIs(t, h.machine.ScheduleDca(), ErrNoPlan)

	h.machine.ToggleTwap(true)
	h.machine.Wait()
	tw := h.machine.Snapshot().Twap
	require.NotNil(t, tw.Plan)
	assert.True(t, tw.Current)
	assert.True(t, d("9.99").Equal(tw.Plan.AmountOut), tw.Plan.AmountOut.String())
	assert.NoError(t, h.machine.Confirm())
}

func TestScheduleDcaBlockedByBalanceError(t *testing.T) {
	h := newHarness(t, true)
	h.router.ImpactPerUnit = d("0.001")
	h.connect(t, 10_000_000)
	require.NoError(t, h.machine.Init("usdc", "sol"))

	var got []events.TxEvent
	h.bus.OnTx("", func(ev events.TxEvent) { got = append(got, ev) })

	h.machine.ToggleTwap(true)
	h.machine.SetAmountIn("1000")
	h.machine.Wait()

	s := h.machine.Snapshot()
	require.NotNil(t, s.Twap.Plan)
	require.True(t, s.Errors.Has(BalanceError))
	assert.ErrorIs(t, h.machine.Confirm(), ErrNotTradeable)
	assert.Empty(t, got)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.machine.Init("usdc", "sol"))
	h.machine.Wait()

	var phases []Phase
	unsubscribe := h.machine.Subscribe(func(s State) { phases = append(phases, s.Phase) })
	h.router.Hold("10")
	h.machine.SetAmountIn("10")
	h.router.Release("10")
	h.machine.Wait()
	unsubscribe()
	h.machine.SetAmountIn("")

	require.NotEmpty(t, phases)
	assert.Equal(t, AwaitingQuote, phases[0])
	assert.Equal(t, Quoted, phases[len(phases)-1])
}
