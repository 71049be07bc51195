package app

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapdesk/pkg/signer"
	"swapdesk/pkg/types"
)

type fakeBackend struct {
	chain string
	fee   int64
	err   error
	asked []string
}

func (f *fakeBackend) Chain() string { return f.chain }

func (f *fakeBackend) LoadBalances(_ context.Context, _ types.Account, assets []types.Asset) (map[string]*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]*big.Int)
	for _, a := range assets {
		f.asked = append(f.asked, a.ID)
		out[a.ID] = big.NewInt(int64(len(a.ID)))
	}
	return out, nil
}

func (f *fakeBackend) PaymentInfo(context.Context, *types.Transaction, types.Account) (*big.Int, error) {
	return big.NewInt(f.fee), nil
}

func TestChainsLoadBalancesByChain(t *testing.T) {
	sol := &fakeBackend{chain: "solana", fee: 5000}
	eth := &fakeBackend{chain: "ethereum", fee: 21000}
	c := NewChains("sol")
	c.Add(sol)
	c.Add(eth)

	assets := []types.Asset{
		{ID: "sol", Chain: "solana"},
		{ID: "usdc.e", Chain: "eth"},
		{ID: "btc", Chain: "btc"},
	}
	balances, err := c.LoadBalances(context.Background(), types.Account{Address: "alice"}, assets)
	require.NoError(t, err)
	assert.Len(t, balances, 2)
	assert.Equal(t, []string{"sol"}, sol.asked)
	assert.Equal(t, []string{"usdc.e"}, eth.asked)
	assert.NotContains(t, balances, "btc")

	eth.err = errors.New("rpc down")
	_, err = c.LoadBalances(context.Background(), types.Account{}, assets)
	assert.ErrorContains(t, err, "rpc down")
}

func TestChainsPaymentInfoRoutesByCallChain(t *testing.T) {
	c := NewChains("solana")
	c.Add(&fakeBackend{chain: "solana", fee: 5000})
	c.Add(&fakeBackend{chain: "ethereum", fee: 21000})

	fee, err := c.PaymentInfo(context.Background(), &types.Transaction{}, types.Account{})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), fee.Int64())

	fee, err = c.PaymentInfo(context.Background(), &types.Transaction{Call: types.Call{Chain: "ETH"}}, types.Account{})
	require.NoError(t, err)
	assert.Equal(t, int64(21000), fee.Int64())

	_, err = c.PaymentInfo(context.Background(), &types.Transaction{Call: types.Call{Chain: "near"}}, types.Account{})
	assert.ErrorIs(t, err, signer.ErrUnsupportedChain)
}
