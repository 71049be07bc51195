package app

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"golang.org/x/sync/errgroup"

	"swapdesk/pkg/signer"
	"swapdesk/pkg/types"
)

// ChainBackend is the read side of a signing backend
type ChainBackend interface {
	Chain() string
	LoadBalances(ctx context.Context, account types.Account, assets []types.Asset) (map[string]*big.Int, error)
	PaymentInfo(ctx context.Context, tx *types.Transaction, account types.Account) (*big.Int, error)
}

// Chains routes balance and fee reads to the backend of each asset's chain
type Chains struct {
	defaultChain string
	backends     map[string]ChainBackend
}

func NewChains(defaultChain string) *Chains {
	return &Chains{
		defaultChain: signer.NormalizeChain(defaultChain),
		backends:     make(map[string]ChainBackend),
	}
}

func (c *Chains) Add(b ChainBackend) {
	c.backends[signer.NormalizeChain(b.Chain())] = b
}

// LoadBalances queries every chain in parallel. Assets on chains without a
// backend are left out of the result.
func (c *Chains) LoadBalances(ctx context.Context, account types.Account, assets []types.Asset) (map[string]*big.Int, error) {
	byChain := make(map[string][]types.Asset)
	for _, a := range assets {
		chain := signer.NormalizeChain(a.Chain)
		if _, ok := c.backends[chain]; ok {
			byChain[chain] = append(byChain[chain], a)
		}
	}

	var (
		mu  sync.Mutex
		out = make(map[string]*big.Int, len(assets))
	)
	g, gctx := errgroup.WithContext(ctx)
	for chain, list := range byChain {
		backend, list := c.backends[chain], list
		g.Go(func() error {
			balances, err := backend.LoadBalances(gctx, account, list)
			if err != nil {
				return fmt.Errorf("%s: %w", backend.Chain(), err)
			}
			mu.Lock()
			for id, v := range balances {
				out[id] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// PaymentInfo asks the backend of the transaction's chain
func (c *Chains) PaymentInfo(ctx context.Context, tx *types.Transaction, account types.Account) (*big.Int, error) {
	chain := c.defaultChain
	if tx != nil && tx.Call.Chain != "" {
		chain = signer.NormalizeChain(tx.Call.Chain)
	}
	backend, ok := c.backends[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", signer.ErrUnsupportedChain, chain)
	}
	return backend.PaymentInfo(ctx, tx, account)
}
