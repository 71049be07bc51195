// Package trade is the trade state machine: it turns asset and amount edits
// into quotes, validates them and hands the pending transaction over to the
// transaction center.
package trade

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/events"
	"swapdesk/pkg/metrics"
	"swapdesk/pkg/quote"
	"swapdesk/pkg/session"
	"swapdesk/pkg/twap"
	"swapdesk/pkg/types"
)

// Options wires a machine to its collaborators
type Options struct {
	Quotes  *quote.Service
	Session *session.Session
	Twap    *twap.State
	Bus     *events.Bus
	// DcaVault receives the budget of TWAP schedules.
	DcaVault string
	Logger   zerolog.Logger
}

// Machine serializes every mutation of the trade intent. Quotes run in
// their own goroutines and are committed only if no newer mutation
// happened in the meantime.
type Machine struct {
	mu  sync.Mutex
	st  state
	gen uint64

	// last committed input of the TWAP planner, TxFee excluded
	twapIn    *twap.Input
	feeNative decimal.Decimal

	quotes   *quote.Service
	session  *session.Session
	twap     *twap.State
	bus      *events.Bus
	dcaVault string
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lmu       sync.Mutex
	listeners map[int]func(State)
	nextID    int

	unsubscribe func()
}

// New creates a machine and subscribes it to the session
func New(opts Options) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	logger := opts.Logger.With().Str("component", "trade").Logger()
	tw := opts.Twap
	if tw == nil {
		tw = twap.NewState(nil, false, logger)
	}
	m := &Machine{
		st: state{
			direction: types.Sell,
			errors:    ErrorSet{},
			phase:     Idle,
		},
		quotes:    opts.Quotes,
		session:   opts.Session,
		twap:      tw,
		bus:       opts.Bus,
		dcaVault:  opts.DcaVault,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(State)),
	}
	m.unsubscribe = opts.Session.Subscribe(m)
	return m
}

// Close unsubscribes from the session and waits for outstanding quotes
func (m *Machine) Close() {
	m.unsubscribe()
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until every outstanding quote has settled
func (m *Machine) Wait() {
	m.wg.Wait()
}

// Subscribe registers fn to receive a snapshot after every change
func (m *Machine) Subscribe(fn func(State)) func() {
	m.lmu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.lmu.Unlock()

	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Machine) notify() {
	m.lmu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.lmu.Unlock()

	if len(fns) == 0 {
		return
	}
	snap := m.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}

// Snapshot returns a copy of the current state
func (m *Machine) Snapshot() State {
	m.mu.Lock()
	snap := m.st.copyOut()
	m.mu.Unlock()
	snap.Twap = m.twap.Snapshot()
	return snap
}

// Init selects the starting pair. With both ids empty it defaults to the
// stable asset sold for the native asset.
func (m *Machine) Init(assetInID, assetOutID string) error {
	if assetInID == "" && assetOutID == "" {
		stable, ok := m.session.StableAsset()
		if !ok {
			return fmt.Errorf("stable asset: %w", ErrUnknownAsset)
		}
		native, ok := m.session.NativeAsset()
		if !ok {
			return fmt.Errorf("native asset: %w", ErrUnknownAsset)
		}
		assetInID, assetOutID = stable.ID, native.ID
	}
	in, ok := m.session.Asset(assetInID)
	if !ok {
		return fmt.Errorf("%s: %w", assetInID, ErrUnknownAsset)
	}
	out, ok := m.session.Asset(assetOutID)
	if !ok {
		return fmt.Errorf("%s: %w", assetOutID, ErrUnknownAsset)
	}

	m.mu.Lock()
	m.gen++
	m.st.assetIn = &in
	m.st.assetOut = &out
	m.st.direction = types.Sell
	m.st.active = SideIn
	m.projectBalancesLocked()
	if !m.validatePoolLocked() {
		m.startSpotLocked()
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// SetAssetIn changes the asset sold. Choosing the asset on the other side
// switches the sides instead.
func (m *Machine) SetAssetIn(asset types.Asset) {
	m.mu.Lock()
	if m.st.assetOut != nil && m.st.assetOut.ID == asset.ID {
		m.switchLocked()
		m.mu.Unlock()
		m.notify()
		return
	}

	m.st.assetIn = &asset
	m.projectBalancesLocked()
	m.gen++
	if m.st.assetOut != nil && !m.validatePoolLocked() {
		m.redriveLocked(SideIn)
	}
	m.mu.Unlock()
	m.notify()
}

// SetAssetOut changes the asset bought. Choosing the asset on the other
// side switches the sides instead.
func (m *Machine) SetAssetOut(asset types.Asset) {
	m.mu.Lock()
	if m.st.assetIn != nil && m.st.assetIn.ID == asset.ID {
		m.switchLocked()
		m.mu.Unlock()
		m.notify()
		return
	}

	m.st.assetOut = &asset
	m.projectBalancesLocked()
	m.gen++
	if m.st.assetIn != nil && !m.validatePoolLocked() {
		m.redriveLocked(SideOut)
	}
	m.mu.Unlock()
	m.notify()
}

// redriveLocked recomputes after the asset on the edited side changed. The
// amount the user typed is kept and the derived one requested again.
func (m *Machine) redriveLocked(edited Side) {
	if m.st.empty() {
		m.startSpotLocked()
		return
	}
	driving := m.st.driving()
	if driving == SideOut {
		if edited == SideOut {
			m.st.active = SideOut
		}
		m.st.amountIn = ""
		m.startQuoteLocked(types.Buy, true)
		return
	}
	if edited == SideIn {
		m.st.active = SideIn
	}
	m.st.amountOut = ""
	m.startQuoteLocked(types.Sell, true)
}

// SetAmountIn sets the amount sold and requests a sell quote. An empty or
// zero amount resets the trade.
func (m *Machine) SetAmountIn(value string) {
	m.setAmount(SideIn, value)
}

// SetAmountOut sets the amount bought and requests a buy quote. An empty or
// zero amount resets the trade.
func (m *Machine) SetAmountOut(value string) {
	m.setAmount(SideOut, value)
}

func (m *Machine) setAmount(side Side, value string) {
	m.mu.Lock()
	if amount.IsEmpty(value) {
		m.resetLocked()
		m.mu.Unlock()
		m.notify()
		return
	}

	m.st.active = side
	if side == SideIn {
		m.st.amountIn = value
	} else {
		m.st.amountOut = value
	}
	if !m.st.selected() || m.st.errors.Has(PoolError) {
		m.gen++
		m.mu.Unlock()
		m.notify()
		return
	}

	if side == SideIn {
		m.st.amountOut = ""
		m.startQuoteLocked(types.Sell, true)
	} else {
		m.st.amountIn = ""
		m.startQuoteLocked(types.Buy, true)
	}
	m.mu.Unlock()
	m.notify()
}

// Switch swaps the assets, their balances and amounts. The amount the user
// typed stays with its asset and the other side is quoted again.
func (m *Machine) Switch() {
	m.mu.Lock()
	m.switchLocked()
	m.mu.Unlock()
	m.notify()
}

func (m *Machine) switchLocked() {
	if !m.st.selected() {
		m.gen++
		m.swapSidesLocked(m.st.amountOut, m.st.amountIn)
		return
	}
	if !m.session.HasPair(m.st.assetIn.ID, m.st.assetOut.ID) {
		return
	}

	m.gen++
	m.twap.Clear()
	if m.st.empty() {
		m.swapSidesLocked(m.st.amountOut, m.st.amountIn)
		m.startSpotLocked()
		return
	}
	if m.st.driving() == SideOut {
		m.swapSidesLocked(m.st.amountOut, "")
		m.st.active = SideIn
		m.startQuoteLocked(types.Sell, true)
		return
	}
	m.swapSidesLocked("", m.st.amountIn)
	m.st.active = SideOut
	m.startQuoteLocked(types.Buy, true)
}

func (m *Machine) swapSidesLocked(amountIn, amountOut string) {
	m.st.assetIn, m.st.assetOut = m.st.assetOut, m.st.assetIn
	m.st.balanceIn, m.st.balanceOut = m.st.balanceOut, m.st.balanceIn
	m.st.amountIn = amountIn
	m.st.amountOut = amountOut
}

// resetLocked returns to Idle and discards every in-flight quote. The pool
// error and the spot price survive.
func (m *Machine) resetLocked() {
	m.gen++
	m.twap.Clear()
	m.twapIn = nil
	m.st.amountIn = ""
	m.st.amountOut = ""
	m.st.quote = nil
	m.st.tx = nil
	m.st.fee = nil
	m.st.singleBound = ""
	delete(m.st.errors, BalanceError)
	delete(m.st.errors, TradeError)
	m.st.inProgress = false
	m.st.phase = Idle
}

func (m *Machine) startSpotLocked() {
	gen := m.gen
	in, out, dir := *m.st.assetIn, *m.st.assetOut, m.st.direction

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		price, err := m.quotes.SpotPrice(m.ctx, in, out, dir)

		m.mu.Lock()
		if gen != m.gen {
			m.mu.Unlock()
			return
		}
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn().Err(err).Str("asset_in", in.ID).Str("asset_out", out.ID).Msg("failed to get spot price")
			return
		}
		m.st.spotPrice = price.String()
		m.mu.Unlock()
		m.notify()
	}()
}

// startQuoteLocked bumps the generation and prices the driving amount in
// the background. Without clearPlan the current TWAP plan stays on display
// until the new one replaces it, as long as the TWAP branch is enabled to
// replace it.
func (m *Machine) startQuoteLocked(dir types.Direction, clearPlan bool) {
	m.gen++
	gen := m.gen
	var twapGen uint64
	if clearPlan || !m.twap.Enabled() {
		twapGen = m.twap.Clear()
		m.twapIn = nil
	} else {
		twapGen = m.twap.Invalidate()
	}

	in, out := *m.st.assetIn, *m.st.assetOut
	value := m.st.amountIn
	if dir == types.Buy {
		value = m.st.amountOut
	}
	m.st.inProgress = true
	m.st.phase = AwaitingQuote

	m.wg.Add(1)
	go m.runQuote(gen, twapGen, dir, in, out, value)
}

func (m *Machine) runQuote(gen, twapGen uint64, dir types.Direction, in, out types.Asset, value string) {
	defer m.wg.Done()
	ctx := m.ctx

	var (
		info *quote.TradeInfo
		err  error
	)
	if dir == types.Buy {
		info, err = m.quotes.Buy(ctx, in, out, value)
	} else {
		info, err = m.quotes.Sell(ctx, in, out, value)
	}

	m.mu.Lock()
	if gen != m.gen {
		current := m.gen
		m.mu.Unlock()
		metrics.StaleQuotesTotal.Inc()
		m.logger.Debug().Uint64("gen", gen).Uint64("current", current).Str("amount", value).Msg("discarding stale quote")
		return
	}
	if err != nil {
		m.resetLocked()
		m.mu.Unlock()
		metrics.QuotesTotal.WithLabelValues(string(dir), "failure").Inc()
		m.logger.Warn().Err(err).
			Str("direction", string(dir)).
			Str("asset_in", in.ID).
			Str("asset_out", out.ID).
			Msg("quote failed, trade reset")
		m.notify()
		return
	}
	m.commitLocked(dir, info)
	m.mu.Unlock()
	metrics.QuotesTotal.WithLabelValues(string(dir), "success").Inc()
	m.notify()

	feeNative := m.syncFee(ctx, gen, info.Transaction)
	m.recomputeTwap(ctx, twapGen, feeNative)
}

func (m *Machine) commitLocked(dir types.Direction, info *quote.TradeInfo) {
	t := info.Trade
	m.st.direction = dir
	if dir == types.Buy {
		m.st.amountIn = t.AmountIn.String()
	} else {
		m.st.amountOut = t.AmountOut.String()
	}
	m.st.spotPrice = t.SpotPrice.String()
	m.st.quote = &Quote{
		AmountIn:       t.AmountIn.String(),
		AmountOut:      t.AmountOut.String(),
		SpotPrice:      t.SpotPrice.String(),
		AfterSlippage:  info.Slippage,
		PriceImpactPct: t.PriceImpactPct.String(),
		TradeFee:       t.TradeFee.String(),
		TradeFeePct:    t.TradeFeePct.String(),
		Route:          append([]types.Hop(nil), t.Swaps...),
	}
	m.st.tx = info.Transaction
	m.st.singleBound = info.Slippage
	m.st.inProgress = false
	m.st.phase = Quoted

	bound, _ := decimal.NewFromString(info.Slippage)
	m.twapIn = &twap.Input{
		Direction:      dir,
		AssetIn:        t.AssetIn,
		AssetOut:       t.AssetOut,
		AmountIn:       t.AmountIn,
		AmountOut:      t.AmountOut,
		PriceImpactPct: t.PriceImpactPct,
		SingleBound:    bound,
	}

	m.validateTradeLocked(dir)
	m.validateBalanceLocked()
}

// syncFee prices the pending transaction for the connected account and
// returns the fee in the native asset
func (m *Machine) syncFee(ctx context.Context, gen uint64, tx *types.Transaction) decimal.Decimal {
	if tx == nil || m.session.Account() == nil {
		return decimal.Zero
	}
	native, err := m.session.PaymentInfo(ctx, tx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to get payment info")
		return decimal.Zero
	}
	fee, human, err := m.transactionFee(ctx, native)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to price transaction fee")
		return human
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return human
	}
	m.st.fee = fee
	m.feeNative = human
	m.mu.Unlock()
	m.notify()
	return human
}

// transactionFee converts a native fee into the fee-payment asset
func (m *Machine) transactionFee(ctx context.Context, native *big.Int) (*TransactionFee, decimal.Decimal, error) {
	nativeAsset, ok := m.session.NativeAsset()
	if !ok {
		return nil, decimal.Zero, fmt.Errorf("native asset: %w", ErrUnknownAsset)
	}
	human := amount.NewAmount(native, nativeAsset.Decimals).Decimal()

	feeAsset, ok := m.session.FeePaymentAsset()
	if !ok || feeAsset.ID == nativeAsset.ID {
		return &TransactionFee{
			Amount:             human.String(),
			AmountNative:       native.String(),
			Asset:              nativeAsset.Symbol,
			ExistentialDeposit: nativeAsset.ExistentialDeposit.String(),
		}, human, nil
	}

	price, err := m.quotes.Router().BestSpotPrice(ctx, nativeAsset, feeAsset)
	if err != nil {
		return nil, human, fmt.Errorf("failed to price fee in %s: %w", feeAsset.Symbol, err)
	}
	return &TransactionFee{
		Amount:             human.Mul(price).Round(feeAsset.Decimals).String(),
		AmountNative:       native.String(),
		Asset:              feeAsset.Symbol,
		ExistentialDeposit: feeAsset.ExistentialDeposit.String(),
	}, human, nil
}

// feeInAsset expresses a native fee in units of asset
func (m *Machine) feeInAsset(ctx context.Context, asset types.Asset, feeNative decimal.Decimal) decimal.Decimal {
	if feeNative.IsZero() {
		return decimal.Zero
	}
	nativeAsset, ok := m.session.NativeAsset()
	if !ok || nativeAsset.ID == asset.ID {
		return feeNative
	}
	price, err := m.quotes.Router().BestSpotPrice(ctx, nativeAsset, asset)
	if err != nil {
		m.logger.Warn().Err(err).Str("asset", asset.ID).Msg("failed to price fee in asset")
		return decimal.Zero
	}
	return feeNative.Mul(price)
}

func (m *Machine) recomputeTwap(ctx context.Context, twapGen uint64, feeNative decimal.Decimal) {
	if !m.twap.Enabled() {
		return
	}
	m.mu.Lock()
	if m.twapIn == nil {
		m.mu.Unlock()
		return
	}
	in := *m.twapIn
	m.mu.Unlock()

	in.TxFee = m.feeInAsset(ctx, in.AssetIn, feeNative)
	m.twap.RecomputeAt(ctx, twapGen, in)
	m.notify()
}

// ToggleTwap switches the confirmation branch. Enabling it plans the
// current quote unless the plan already matches it.
func (m *Machine) ToggleTwap(enabled bool) {
	m.twap.Toggle(enabled)
	if !enabled || m.twap.Current() {
		m.notify()
		return
	}

	m.mu.Lock()
	if m.twapIn == nil || m.st.inProgress {
		m.mu.Unlock()
		m.notify()
		return
	}
	twapGen := m.twap.Invalidate()
	feeNative := m.feeNative
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		m.recomputeTwap(m.ctx, twapGen, feeNative)
	}()
	m.notify()
}

// SetMaxAmountIn sells the whole balance of assetIn, less the fee when
// assetIn pays the fee
func (m *Machine) SetMaxAmountIn(ctx context.Context) error {
	m.mu.Lock()
	in, out := m.st.assetIn, m.st.assetOut
	m.mu.Unlock()
	if in == nil {
		return nil
	}
	eb, err := m.effectiveBalance(ctx, *in, out, types.Sell)
	if err != nil {
		return err
	}
	m.SetAmountIn(eb)
	return nil
}

// SetMaxAmountOut buys the balance of assetOut, less the fee when assetOut
// pays the fee
func (m *Machine) SetMaxAmountOut(ctx context.Context) error {
	m.mu.Lock()
	in, out := m.st.assetIn, m.st.assetOut
	m.mu.Unlock()
	if out == nil {
		return nil
	}
	eb, err := m.effectiveBalance(ctx, *out, in, types.Buy)
	if err != nil {
		return err
	}
	m.SetAmountOut(eb)
	return nil
}

func (m *Machine) effectiveBalance(ctx context.Context, asset types.Asset, pair *types.Asset, dir types.Direction) (string, error) {
	if m.session.Account() == nil {
		return "", ErrNoAccount
	}
	bal, _ := m.session.Balance(asset.ID)
	feeAsset, ok := m.session.FeePaymentAsset()
	if !ok || feeAsset.ID != asset.ID || pair == nil {
		return bal.Human(), nil
	}

	var (
		info *quote.TradeInfo
		err  error
	)
	if dir == types.Buy {
		info, err = m.quotes.Buy(ctx, *pair, asset, "1")
	} else {
		info, err = m.quotes.Sell(ctx, asset, *pair, "1")
	}
	if err != nil {
		return "", fmt.Errorf("failed to estimate fee: %w", err)
	}
	native, err := m.session.PaymentInfo(ctx, info.Transaction)
	if err != nil {
		return "", fmt.Errorf("failed to get payment info: %w", err)
	}
	fee, _, err := m.transactionFee(ctx, native)
	if err != nil {
		return "", err
	}
	feeAmount, err := decimal.NewFromString(fee.Amount)
	if err != nil {
		return "", fmt.Errorf("failed to parse fee: %w", err)
	}

	eb := bal.Decimal().Sub(feeAmount)
	if eb.IsNegative() {
		eb = decimal.Zero
	}
	return eb.String(), nil
}
