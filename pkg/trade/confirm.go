package trade

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/events"
	"swapdesk/pkg/twap"
	"swapdesk/pkg/types"
)

var (
	ErrNoPlan  = errors.New("no twap plan")
	ErrNoVault = errors.New("dca vault not configured")
)

// Confirm hands the trade to the transaction center: the TWAP schedule when
// the TWAP branch is enabled, the single swap otherwise
func (m *Machine) Confirm() error {
	if m.twap.Enabled() {
		return m.ScheduleDca()
	}
	return m.Swap()
}

// Swap emits the pending transaction as tx:new. The machine gives up the
// transaction; the next quote builds a new one.
func (m *Machine) Swap() error {
	acct := m.session.Account()
	if acct == nil {
		return ErrNoAccount
	}

	m.mu.Lock()
	if m.st.tx == nil || m.st.quote == nil || m.st.inProgress {
		m.mu.Unlock()
		return ErrNoTransaction
	}
	if len(m.st.errors) > 0 {
		m.mu.Unlock()
		return ErrNotTradeable
	}
	snap := m.st.copyOut()
	tx := m.st.tx
	m.st.tx = nil
	m.mu.Unlock()

	m.logger.Info().
		Str("direction", string(snap.Direction)).
		Str("amount_in", snap.AmountIn).
		Str("amount_out", snap.AmountOut).
		Msg("submitting swap")
	m.bus.EmitTx(events.TxEvent{
		Kind:         events.TxNew,
		Account:      *acct,
		Transaction:  tx,
		Notification: swapTemplates(snap),
	})
	m.notify()
	return nil
}

// ScheduleDca turns the TWAP plan into a dca.schedule call and emits it as
// tx:scheduleDca
func (m *Machine) ScheduleDca() error {
	acct := m.session.Account()
	if acct == nil {
		return ErrNoAccount
	}
	if m.dcaVault == "" {
		return ErrNoVault
	}
	tw := m.twap.Snapshot()
	if tw.Plan == nil || tw.InProgress || !tw.Current {
		return ErrNoPlan
	}
	if tw.Plan.TradeError != twap.NoError {
		return fmt.Errorf("%w: %s", ErrNotTradeable, tw.Plan.TradeError)
	}

	m.mu.Lock()
	if m.st.assetIn == nil || m.st.assetOut == nil || m.st.inProgress {
		m.mu.Unlock()
		return ErrNoPlan
	}
	if m.st.errors.Has(BalanceError) || m.st.errors.Has(PoolError) {
		m.mu.Unlock()
		return ErrNotTradeable
	}
	in, out := *m.st.assetIn, *m.st.assetOut
	m.mu.Unlock()

	plan := tw.Plan
	slippage := m.quotes.Slippage()
	schedule := types.Schedule{
		Owner:       acct.Address,
		Chain:       in.Chain,
		Vault:       m.dcaVault,
		Token:       in.Address,
		Period:      m.twap.Config().BlocksPerOrder,
		MaxRetries:  1,
		TotalAmount: plan.Budget.Shift(in.Decimals).RoundDown(0).BigInt(),
		Slippage:    slippage.Mul(decimal.NewFromInt(10000)).IntPart(),
		Direction:   plan.Direction,
		AssetIn:     in.ID,
		AssetOut:    out.ID,
		OrderAmount: plan.Order.Amount,
		OrderLimit:  plan.Order.Limit,
		Route:       plan.Order.Route,
	}
	tx, err := types.NewTransaction("schedule", schedule.Call())
	if err != nil {
		return err
	}

	m.logger.Info().Int("reps", plan.Reps).Str("budget", plan.Budget.String()).Msg("scheduling twap")
	m.bus.EmitTx(events.TxEvent{
		Kind:         events.TxScheduleDca,
		Account:      *acct,
		Transaction:  tx,
		Notification: twapTemplates(in, out, plan),
	})
	return nil
}

func swapTemplates(s State) events.Templates {
	return events.Templates{
		Processing: swapMessage(s, "submitted"),
		Success:    swapMessage(s, ""),
		Failure:    swapMessage(s, "failed"),
	}
}

// swapMessage renders "Sell 10 USDC for 0.05 SOL submitted" or, without a
// status, "You sold 10 USDC for 0.05 SOL"
func swapMessage(s State, status string) string {
	isSell := s.Direction != types.Buy
	verb := "Sell"
	if !isSell {
		verb = "Buy"
	}
	if status == "" {
		verb = "You sold"
		if !isSell {
			verb = "You bought"
		}
	}

	first, firstAsset := s.AmountIn, s.AssetIn.Symbol
	second, secondAsset := s.AmountOut, s.AssetOut.Symbol
	if !isSell {
		first, firstAsset, second, secondAsset = second, secondAsset, first, firstAsset
	}
	msg := fmt.Sprintf("%s %s %s for %s %s", verb, amount.Humanize(first, 0), firstAsset, amount.Humanize(second, 0), secondAsset)
	if status != "" {
		msg += " " + status
	}
	return msg
}

func twapTemplates(in, out types.Asset, plan *twap.Plan) events.Templates {
	base := fmt.Sprintf("DCA of %s %s for %s in %d trades", amount.Humanize(plan.Budget.String(), 0), in.Symbol, out.Symbol, plan.Reps)
	return events.Templates{
		Processing: base + " submitted",
		Success:    base + " scheduled",
		Failure:    base + " failed",
	}
}
