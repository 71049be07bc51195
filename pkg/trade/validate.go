package trade

import (
	"context"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/types"
)

// ValidateTrade checks the route of the current quote for hop errors and
// returns the resulting error set
func (m *Machine) ValidateTrade(dir types.Direction) ErrorSet {
	m.mu.Lock()
	m.validateTradeLocked(dir)
	errs := m.st.errors.clone()
	m.mu.Unlock()
	m.notify()
	return errs
}

// ValidateBalance compares amountIn with the balance of assetIn and
// returns the resulting error set
func (m *Machine) ValidateBalance() ErrorSet {
	m.mu.Lock()
	m.validateBalanceLocked()
	errs := m.st.errors.clone()
	m.mu.Unlock()
	m.notify()
	return errs
}

// ValidatePool checks that the selected pair can be traded. A pool error
// resets the trade.
func (m *Machine) ValidatePool() ErrorSet {
	m.mu.Lock()
	m.validatePoolLocked()
	errs := m.st.errors.clone()
	m.mu.Unlock()
	m.notify()
	return errs
}

func (m *Machine) validateTradeLocked(dir types.Direction) {
	if m.st.quote == nil || len(m.st.quote.Route) == 0 {
		return
	}
	if hop, ok := failingHop(m.st.quote.Route, dir); ok {
		m.st.errors[TradeError] = translateHopError(hop.Errors[0])
	} else {
		delete(m.st.errors, TradeError)
	}
}

// failingHop returns the first hop reporting an error. Buy routes are
// evaluated from the output back.
func failingHop(route []types.Hop, dir types.Direction) (types.Hop, bool) {
	n := len(route)
	for i := 0; i < n; i++ {
		idx := i
		if dir == types.Buy {
			idx = n - 1 - i
		}
		if len(route[idx].Errors) > 0 {
			return route[idx], true
		}
	}
	return types.Hop{}, false
}

func (m *Machine) validateBalanceLocked() {
	if m.st.assetIn == nil || m.st.amountIn == "" || m.session.Account() == nil {
		return
	}
	bal, ok := m.session.Balance(m.st.assetIn.ID)
	if !ok {
		return
	}
	value, err := amount.ToBase(m.st.amountIn, m.st.assetIn.Decimals)
	if err != nil {
		return
	}
	if value.GreaterThan(bal.Decimal().Shift(bal.Decimals)) {
		m.st.errors[BalanceError] = msgBalance
	} else {
		delete(m.st.errors, BalanceError)
	}
}

// validatePoolLocked reports whether the pair is invalid
func (m *Machine) validatePoolLocked() bool {
	if !m.st.selected() {
		return false
	}
	in, out := m.st.assetIn.ID, m.st.assetOut.ID
	if in == out || !m.session.HasPair(in, out) {
		m.st.errors[PoolError] = msgInvalidPair
		m.resetLocked()
		return true
	}
	delete(m.st.errors, PoolError)
	return false
}

func (m *Machine) projectBalancesLocked() {
	m.st.balanceIn = ""
	m.st.balanceOut = ""
	if m.st.assetIn != nil {
		if b, ok := m.session.Balance(m.st.assetIn.ID); ok {
			m.st.balanceIn = b.Human()
		}
	}
	if m.st.assetOut != nil {
		if b, ok := m.session.Balance(m.st.assetOut.ID); ok {
			m.st.balanceOut = b.Human()
		}
	}
}

// SyncBalances projects the session balances into the trade and checks
// amountIn against them
func (m *Machine) SyncBalances() {
	m.mu.Lock()
	m.projectBalancesLocked()
	m.validateBalanceLocked()
	m.mu.Unlock()
	m.notify()
}

// OnBalancesChange implements session.Observer
func (m *Machine) OnBalancesChange() {
	m.SyncBalances()
}

// OnAccountChange implements session.Observer. Disconnecting resets the trade.
func (m *Machine) OnAccountChange(prev, curr *types.Account) {
	m.mu.Lock()
	if curr == nil {
		m.resetLocked()
	}
	m.projectBalancesLocked()
	m.mu.Unlock()
	m.notify()
}

// OnBlockChange re-quotes the current trade on a new head. It is skipped
// while a quote requested by the user is still in flight.
func (m *Machine) OnBlockChange(_ context.Context, head types.Head) {
	m.mu.Lock()
	if m.st.inProgress {
		m.mu.Unlock()
		m.logger.Debug().Uint64("block", head.Number).Msg("quote in flight, skipping block refresh")
		return
	}
	m.projectBalancesLocked()
	m.validateBalanceLocked()
	if m.st.selected() && !m.st.empty() && !m.st.errors.Has(PoolError) {
		switch m.st.driving() {
		case SideIn:
			m.startQuoteLocked(types.Sell, false)
		case SideOut:
			m.startQuoteLocked(types.Buy, false)
		}
	}
	m.mu.Unlock()
	m.notify()
}
