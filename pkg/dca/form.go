// Package dca is the standalone DCA form: it builds recurring sell schedules,
// terminates them and keeps the account's positions in sync with the indexer.
package dca

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/events"
	"swapdesk/pkg/quote"
	"swapdesk/pkg/session"
	"swapdesk/pkg/types"
)

var ErrInvalidForm = errors.New("invalid dca form")

// ErrorKind names a form validation failure
type ErrorKind string

const (
	ErrAmount  ErrorKind = "amount"
	ErrBudget  ErrorKind = "budget"
	ErrBalance ErrorKind = "balance"
)

// PositionSource lists the positions the indexer knows for an owner
type PositionSource interface {
	Scheduled(ctx context.Context, owner string) ([]Position, error)
}

// Options wires a form
type Options struct {
	Quotes    *quote.Service
	Session   *session.Session
	Bus       *events.Bus
	Store     *Storage
	Indexer   PositionSource
	Vault     string
	BlockTime time.Duration
	Logger    zerolog.Logger
}

// State is a copy of the form
type State struct {
	AssetIn   *types.Asset
	AssetOut  *types.Asset
	AmountIn  string
	Budget    string
	Interval  Interval
	SpotPrice string
	// AmountOut is the estimated output of one order at spot.
	AmountOut string
	Errors    map[ErrorKind]string
	Positions []Position
}

// Form holds the DCA form state
type Form struct {
	quotes    *quote.Service
	session   *session.Session
	bus       *events.Bus
	store     *Storage
	indexer   PositionSource
	vault     string
	blockTime time.Duration
	logger    zerolog.Logger

	mu       sync.Mutex
	assetIn  *types.Asset
	assetOut *types.Asset
	amountIn string
	budget   string
	interval Interval
	spot     decimal.Decimal
	errors   map[ErrorKind]string

	unsubscribe func()
}

func New(opts Options) *Form {
	f := &Form{
		quotes:    opts.Quotes,
		session:   opts.Session,
		bus:       opts.Bus,
		store:     opts.Store,
		indexer:   opts.Indexer,
		vault:     opts.Vault,
		blockTime: opts.BlockTime,
		logger:    opts.Logger.With().Str("component", "dca").Logger(),
		interval:  Daily,
		errors:    map[ErrorKind]string{},
	}
	f.unsubscribe = opts.Session.Subscribe(f)
	return f
}

func (f *Form) Close() {
	f.unsubscribe()
}

// Init selects the pair. Without ids the stable asset is sold for the native one.
func (f *Form) Init(ctx context.Context, assetInID, assetOutID string) error {
	var in, out types.Asset
	var ok bool
	if assetInID == "" && assetOutID == "" {
		if in, ok = f.session.StableAsset(); !ok {
			return fmt.Errorf("stable asset not found")
		}
		if out, ok = f.session.NativeAsset(); !ok {
			return fmt.Errorf("native asset not found")
		}
	} else {
		if in, ok = f.session.Asset(assetInID); !ok {
			return fmt.Errorf("asset '%s' not found", assetInID)
		}
		if out, ok = f.session.Asset(assetOutID); !ok {
			return fmt.Errorf("asset '%s' not found", assetOutID)
		}
	}

	f.mu.Lock()
	f.assetIn, f.assetOut = &in, &out
	f.mu.Unlock()
	return f.RefreshSpotPrice(ctx)
}

// SetAssetIn selects the asset sold; picking the bought asset switches the pair
func (f *Form) SetAssetIn(ctx context.Context, asset types.Asset) error {
	f.mu.Lock()
	if f.assetOut != nil && f.assetOut.ID == asset.ID {
		f.switchLocked()
	} else {
		f.assetIn = &asset
	}
	f.validateLocked()
	f.mu.Unlock()
	return f.RefreshSpotPrice(ctx)
}

// SetAssetOut selects the asset bought; picking the sold asset switches the pair
func (f *Form) SetAssetOut(ctx context.Context, asset types.Asset) error {
	f.mu.Lock()
	if f.assetIn != nil && f.assetIn.ID == asset.ID {
		f.switchLocked()
	} else {
		f.assetOut = &asset
	}
	f.validateLocked()
	f.mu.Unlock()
	return f.RefreshSpotPrice(ctx)
}

func (f *Form) Switch(ctx context.Context) error {
	f.mu.Lock()
	f.switchLocked()
	f.validateLocked()
	f.mu.Unlock()
	return f.RefreshSpotPrice(ctx)
}

func (f *Form) switchLocked() {
	f.assetIn, f.assetOut = f.assetOut, f.assetIn
	f.spot = decimal.Zero
}

func (f *Form) SetAmountIn(value string) {
	f.mu.Lock()
	f.amountIn = value
	f.validateLocked()
	f.mu.Unlock()
}

func (f *Form) SetBudget(value string) {
	f.mu.Lock()
	f.budget = value
	f.validateLocked()
	f.mu.Unlock()
}

func (f *Form) SetInterval(i Interval) error {
	if _, err := i.Duration(); err != nil {
		return err
	}
	f.mu.Lock()
	f.interval = i
	f.mu.Unlock()
	return nil
}

// RefreshSpotPrice prices the selected pair. A result for a pair that
// changed meanwhile is dropped.
func (f *Form) RefreshSpotPrice(ctx context.Context) error {
	f.mu.Lock()
	if f.assetIn == nil || f.assetOut == nil {
		f.mu.Unlock()
		return nil
	}
	in, out := *f.assetIn, *f.assetOut
	f.mu.Unlock()

	price, err := f.quotes.SpotPrice(ctx, in, out, types.Sell)
	if err != nil {
		f.logger.Warn().Err(err).Str("asset_in", in.ID).Str("asset_out", out.ID).Msg("spot price failed")
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assetIn == nil || f.assetOut == nil || f.assetIn.ID != in.ID || f.assetOut.ID != out.ID {
		return nil
	}
	f.spot = price
	return nil
}

// OnAccountChange revalidates against the new account's balances
func (f *Form) OnAccountChange(prev, curr *types.Account) {
	f.mu.Lock()
	f.validateLocked()
	f.mu.Unlock()
}

func (f *Form) OnBalancesChange() {
	f.mu.Lock()
	f.validateLocked()
	f.mu.Unlock()
}

func (f *Form) validateLocked() {
	errs := map[ErrorKind]string{}
	amountIn, amountErr := amount.Parse(f.amountIn)
	if f.amountIn != "" && (amountErr != nil || !amountIn.IsPositive()) {
		errs[ErrAmount] = "Invalid amount"
	}
	budget, budgetErr := amount.Parse(f.budget)
	if f.budget != "" {
		switch {
		case budgetErr != nil || !budget.IsPositive():
			errs[ErrBudget] = "Invalid budget"
		case amountErr == nil && budget.LessThan(amountIn):
			errs[ErrBudget] = "Budget must cover at least one trade"
		}
	}
	if f.assetIn != nil && f.session.Account() != nil && budgetErr == nil && f.budget != "" {
		if bal, ok := f.session.Balance(f.assetIn.ID); ok && budget.GreaterThan(bal.Decimal()) {
			errs[ErrBalance] = "Insufficient balance"
		}
	}
	f.errors = errs
}

// Validate returns the current validation errors
func (f *Form) Validate() map[ErrorKind]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validateLocked()
	return copyErrors(f.errors)
}

func copyErrors(in map[ErrorKind]string) map[ErrorKind]string {
	out := make(map[ErrorKind]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Snapshot returns the form and the positions of the connected account
func (f *Form) Snapshot() State {
	f.mu.Lock()
	st := State{
		AmountIn: f.amountIn,
		Budget:   f.budget,
		Interval: f.interval,
		Errors:   copyErrors(f.errors),
	}
	if f.assetIn != nil {
		a := *f.assetIn
		st.AssetIn = &a
	}
	if f.assetOut != nil {
		a := *f.assetOut
		st.AssetOut = &a
		if !f.spot.IsZero() {
			st.SpotPrice = f.spot.String()
			if v, err := amount.Parse(f.amountIn); err == nil {
				st.AmountOut = v.Mul(f.spot).Round(a.Decimals).String()
			}
		}
	}
	f.mu.Unlock()

	st.Positions = f.Positions()
	return st
}

// Positions lists the connected account's positions
func (f *Form) Positions() []Position {
	acct := f.session.Account()
	if acct == nil || f.store == nil {
		return nil
	}
	return f.store.List(acct.Address)
}

// Schedule emits the form as a dca.schedule transaction and records the
// position as pending
func (f *Form) Schedule(ctx context.Context) (Position, error) {
	acct := f.session.Account()
	if acct == nil {
		return Position{}, ErrNoAccount
	}
	if f.vault == "" {
		return Position{}, ErrNoVault
	}
	if err := f.RefreshSpotPrice(ctx); err != nil {
		return Position{}, fmt.Errorf("failed to get spot price: %w", err)
	}

	f.mu.Lock()
	f.validateLocked()
	if f.assetIn == nil || f.assetOut == nil {
		f.mu.Unlock()
		return Position{}, fmt.Errorf("%w: select both assets", ErrInvalidForm)
	}
	if amount.IsEmpty(f.amountIn) || amount.IsEmpty(f.budget) {
		f.mu.Unlock()
		return Position{}, fmt.Errorf("%w: amount and budget are required", ErrInvalidForm)
	}
	for _, kind := range []ErrorKind{ErrAmount, ErrBudget, ErrBalance} {
		if msg, ok := f.errors[kind]; ok {
			f.mu.Unlock()
			return Position{}, fmt.Errorf("%w: %s", ErrInvalidForm, msg)
		}
	}
	in, out := *f.assetIn, *f.assetOut
	amountIn, budget, interval, spot := f.amountIn, f.budget, f.interval, f.spot
	f.mu.Unlock()

	period, err := PeriodBlocks(interval, f.blockTime)
	if err != nil {
		return Position{}, err
	}
	orderAmount, err := amount.ToBigInt(amountIn, in.Decimals)
	if err != nil {
		return Position{}, err
	}
	total, err := amount.ToBigInt(budget, in.Decimals)
	if err != nil {
		return Position{}, err
	}
	perTrade, _ := amount.Parse(amountIn)
	slippage := f.quotes.Slippage()
	minOut := quote.MinAmountOut(perTrade.Mul(spot), slippage)

	schedule := types.Schedule{
		Owner:       acct.Address,
		Chain:       in.Chain,
		Vault:       f.vault,
		Token:       in.Address,
		Period:      period,
		MaxRetries:  1,
		TotalAmount: total,
		Slippage:    slippage.Mul(decimal.NewFromInt(10000)).IntPart(),
		Direction:   types.Sell,
		AssetIn:     in.ID,
		AssetOut:    out.ID,
		OrderAmount: orderAmount,
		OrderLimit:  minOut.Shift(out.Decimals).RoundDown(0).BigInt(),
		Route:       []types.Hop{{Pool: "router", AssetIn: in.ID, AssetOut: out.ID}},
	}
	tx, err := types.NewTransaction("dcaSchedule", schedule.Call())
	if err != nil {
		return Position{}, err
	}

	now := time.Now()
	pos := Position{
		ID:             uuid.New().String(),
		Owner:          acct.Address,
		Chain:          in.Chain,
		AssetIn:        in.ID,
		AssetOut:       out.ID,
		AmountPerTrade: amountIn,
		Budget:         budget,
		Remaining:      budget,
		Period:         period,
		Interval:       interval,
		Status:         StatusPending,
		Created:        now,
		LastUpdated:    now,
	}
	if err := pos.Validate(); err != nil {
		return Position{}, err
	}
	if f.store != nil {
		if err := f.store.Put(pos); err != nil {
			return Position{}, err
		}
	}

	f.logger.Info().Str("position", pos.ID).Int("period", period).Str("budget", budget).Msg("scheduling dca")
	f.bus.EmitTx(events.TxEvent{
		Kind:         events.TxScheduleDca,
		Account:      *acct,
		Transaction:  tx,
		Notification: scheduleTemplates(in, out, amountIn, interval),
	})
	return pos, nil
}

// Terminate emits a dca.terminate transaction for an active position
func (f *Form) Terminate(ctx context.Context, positionID string) error {
	acct := f.session.Account()
	if acct == nil {
		return ErrNoAccount
	}
	if f.vault == "" {
		return ErrNoVault
	}
	if f.store == nil {
		return fmt.Errorf("position '%s': %w", positionID, ErrPositionNotFound)
	}
	pos, err := f.store.Get(positionID)
	if err != nil {
		return err
	}
	if pos.Owner != acct.Address {
		return fmt.Errorf("position '%s': %w", positionID, ErrPositionNotFound)
	}
	if pos.Status != StatusActive {
		return fmt.Errorf("position '%s' is %s", positionID, pos.Status)
	}

	tx, err := types.NewTransaction("dcaTerminate", types.TerminateCall(pos.Chain, acct.Address, f.vault, pos.ID))
	if err != nil {
		return err
	}
	pos.Status = StatusTerminating
	pos.LastUpdated = time.Now()
	if err := f.store.Put(pos); err != nil {
		return err
	}

	f.logger.Info().Str("position", pos.ID).Msg("terminating dca")
	f.bus.EmitTx(events.TxEvent{
		Kind:         events.TxTerminateDca,
		Account:      *acct,
		Transaction:  tx,
		Notification: terminateTemplates(pos.ID),
	})
	return nil
}

// SyncPositions merges the indexer's view of the account into the store.
// Indexed positions win; a pending local position is dropped once its
// indexed twin shows up.
func (f *Form) SyncPositions(ctx context.Context) error {
	acct := f.session.Account()
	if acct == nil || f.indexer == nil || f.store == nil {
		return nil
	}
	indexed, err := f.indexer.Scheduled(ctx, acct.Address)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}

	return f.store.Apply(acct.Address, func(items map[string]*Position) bool {
		seen := make(map[string]bool, len(indexed))
		for i := range indexed {
			p := indexed[i]
			seen[p.ID] = true
			if local, ok := items[p.ID]; ok {
				if local.Status == StatusTerminating && p.Status == StatusActive {
					p.Status = StatusTerminating
				}
				p.Interval = local.Interval
				p.Created = local.Created
			}
			items[p.ID] = &p
		}
		for id, local := range items {
			if seen[id] {
				continue
			}
			switch local.Status {
			case StatusPending:
				if twin(local, indexed) {
					delete(items, id)
				}
			case StatusTerminating:
				local.Status = StatusTerminated
			case StatusActive:
				local.Status = StatusCompleted
			}
		}
		return true
	})
}

func twin(local *Position, indexed []Position) bool {
	for _, p := range indexed {
		if p.AssetIn == local.AssetIn && p.AssetOut == local.AssetOut &&
			sameAmount(p.AmountPerTrade, local.AmountPerTrade) && sameAmount(p.Budget, local.Budget) {
			return true
		}
	}
	return false
}

func sameAmount(a, b string) bool {
	x, errX := amount.Parse(a)
	y, errY := amount.Parse(b)
	return errX == nil && errY == nil && x.Equal(y)
}

// OnBlockChange syncs positions on every new block
func (f *Form) OnBlockChange(ctx context.Context, head types.Head) {
	if err := f.SyncPositions(ctx); err != nil {
		f.logger.Warn().Err(err).Uint64("block", head.Number).Msg("position sync failed")
	}
}

func scheduleTemplates(in, out types.Asset, amountIn string, interval Interval) events.Templates {
	base := fmt.Sprintf("DCA %s %s into %s every %s", amount.Humanize(amountIn, 0), in.Symbol, out.Symbol, interval)
	return events.Templates{
		Processing: base + " submitted",
		Success:    base + " scheduled",
		Failure:    base + " failed",
	}
}

func terminateTemplates(id string) events.Templates {
	short := id
	if len(short) > 8 {
		short = short[:8]
	}
	return events.Templates{
		Processing: fmt.Sprintf("Terminate DCA %s submitted", short),
		Success:    fmt.Sprintf("DCA %s terminated", short),
		Failure:    fmt.Sprintf("Terminate DCA %s failed", short),
	}
}
