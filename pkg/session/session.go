// Package session holds the process-wide account, asset and balance state
// shared by the trade and DCA components.
package session

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/types"
)

// BalanceLoader fetches balances for an account
type BalanceLoader interface {
	LoadBalances(ctx context.Context, account types.Account, assets []types.Asset) (map[string]*big.Int, error)
}

// FeeEstimator returns the native fee of a transaction for an account
type FeeEstimator interface {
	PaymentInfo(ctx context.Context, tx *types.Transaction, account types.Account) (*big.Int, error)
}

// Observer is notified of session changes
type Observer interface {
	OnAccountChange(prev, curr *types.Account)
	OnBalancesChange()
}

// Session is injected into every component; only the account-change and
// block-refresh paths write to it.
type Session struct {
	mu sync.RWMutex

	account     *types.Account
	assets      map[string]types.Asset
	order       []string
	pairs       map[string]map[string]bool
	balances    map[string]amount.Amount
	nativeID    string
	stableID    string
	feeAssetID  string
	observers   map[int]Observer
	nextID      int
	loader      BalanceLoader
	feeEstimate FeeEstimator
	logger      zerolog.Logger
}

// Options configures a session
type Options struct {
	NativeAssetID string
	StableAssetID string
	Loader        BalanceLoader
	Fees          FeeEstimator
	Logger        zerolog.Logger
}

// New creates an empty session
func New(opts Options) *Session {
	return &Session{
		assets:      make(map[string]types.Asset),
		pairs:       make(map[string]map[string]bool),
		balances:    make(map[string]amount.Amount),
		nativeID:    opts.NativeAssetID,
		stableID:    opts.StableAssetID,
		feeAssetID:  opts.NativeAssetID,
		observers:   make(map[int]Observer),
		loader:      opts.Loader,
		feeEstimate: opts.Fees,
		logger:      opts.Logger.With().Str("component", "session").Logger(),
	}
}

// Subscribe registers an observer and returns its unsubscribe func
func (s *Session) Subscribe(o Observer) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.observers[id] = o
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Session) snapshotObservers() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}

// Account returns the connected account or nil
func (s *Session) Account() *types.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return nil
	}
	acct := *s.account
	return &acct
}

// SetAccount replaces the connected account, clears balances and notifies observers
func (s *Session) SetAccount(acct *types.Account) {
	s.mu.Lock()
	prev := s.account
	if acct != nil {
		copied := *acct
		s.account = &copied
	} else {
		s.account = nil
	}
	s.balances = make(map[string]amount.Amount)
	curr := s.account
	s.mu.Unlock()

	s.logger.Info().Bool("connected", curr != nil).Msg("account changed")
	for _, o := range s.snapshotObservers() {
		o.OnAccountChange(prev, curr)
	}
}

// SetAssets replaces the asset registry
func (s *Session) SetAssets(assets []types.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets = make(map[string]types.Asset, len(assets))
	s.order = s.order[:0]
	for _, a := range assets {
		s.assets[a.ID] = a
		s.order = append(s.order, a.ID)
	}
}

// Asset looks up an asset by id
func (s *Session) Asset(id string) (types.Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	return a, ok
}

// Assets returns every known asset in registration order
func (s *Session) Assets() []types.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Asset, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.assets[id])
	}
	return out
}

// FindAsset searches by symbol, optionally restricted to a chain. An exact
// symbol match wins over a partial one.
func (s *Session) FindAsset(symbol, chain string) (types.Asset, error) {
	symbol = strings.ToUpper(symbol)
	assets := s.Assets()

	for _, a := range assets {
		if strings.ToUpper(a.Symbol) == symbol && (chain == "" || strings.EqualFold(a.Chain, chain)) {
			return a, nil
		}
	}
	if chain == "" {
		for _, a := range assets {
			if strings.Contains(strings.ToUpper(a.Symbol), symbol) {
				return a, nil
			}
		}
		return types.Asset{}, fmt.Errorf("token '%s' not found", symbol)
	}
	return types.Asset{}, fmt.Errorf("token '%s' not found on chain '%s'", symbol, chain)
}

// NativeAsset returns the chain fee asset
func (s *Session) NativeAsset() (types.Asset, bool) {
	return s.Asset(s.nativeID)
}

// StableAsset returns the default quote asset
func (s *Session) StableAsset() (types.Asset, bool) {
	return s.Asset(s.stableID)
}

// FeePaymentAsset returns the asset fees are charged in
func (s *Session) FeePaymentAsset() (types.Asset, bool) {
	s.mu.RLock()
	id := s.feeAssetID
	s.mu.RUnlock()
	return s.Asset(id)
}

// SetFeePaymentAsset changes the asset fees are charged in
func (s *Session) SetFeePaymentAsset(id string) {
	s.mu.Lock()
	s.feeAssetID = id
	s.mu.Unlock()
}

// AddPair records a tradeable pair in both directions
func (s *Session) AddPair(a, b string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pairs[a] == nil {
		s.pairs[a] = make(map[string]bool)
	}
	if s.pairs[b] == nil {
		s.pairs[b] = make(map[string]bool)
	}
	s.pairs[a][b] = true
	s.pairs[b][a] = true
}

// HasPair reports whether a and b trade directly
func (s *Session) HasPair(a, b string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairs[a][b]
}

// Tradeable reports whether the asset appears in the pairs graph
func (s *Session) Tradeable(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs[id]) > 0
}

// Balance returns the balance snapshot for an asset
func (s *Session) Balance(id string) (amount.Amount, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[id]
	return b, ok
}

// SetBalances replaces the balance snapshot and notifies observers
func (s *Session) SetBalances(balances map[string]amount.Amount) {
	s.mu.Lock()
	s.balances = make(map[string]amount.Amount, len(balances))
	for id, b := range balances {
		s.balances[id] = b
	}
	s.mu.Unlock()

	for _, o := range s.snapshotObservers() {
		o.OnBalancesChange()
	}
}

// SyncBalances reloads balances of every known asset for the current account
func (s *Session) SyncBalances(ctx context.Context) error {
	acct := s.Account()
	if acct == nil || s.loader == nil {
		return nil
	}
	assets := s.Assets()
	raw, err := s.loader.LoadBalances(ctx, *acct, assets)
	if err != nil {
		return fmt.Errorf("failed to load balances: %w", err)
	}

	balances := make(map[string]amount.Amount, len(raw))
	for _, a := range assets {
		if v, ok := raw[a.ID]; ok {
			balances[a.ID] = amount.NewAmount(v, a.Decimals)
		}
	}
	s.SetBalances(balances)
	return nil
}

// PaymentInfo estimates the native fee for a transaction
func (s *Session) PaymentInfo(ctx context.Context, tx *types.Transaction) (*big.Int, error) {
	acct := s.Account()
	if acct == nil {
		return nil, fmt.Errorf("no account connected")
	}
	if s.feeEstimate == nil {
		return new(big.Int), nil
	}
	return s.feeEstimate.PaymentInfo(ctx, tx, *acct)
}
