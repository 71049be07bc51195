package types

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWalletProviderIsEVM(t *testing.T) {
	assert.True(t, ProviderMetaMask.IsEVM())
	assert.True(t, ProviderTalismanEvm.IsEVM())
	assert.False(t, ProviderPhantom.IsEVM())
	assert.False(t, WalletProvider("unknown").IsEVM())
}

func TestCallValue(t *testing.T) {
	sell := Call{Method: MethodRouterSell, Amount: big.NewInt(10), Limit: big.NewInt(9)}
	assert.Equal(t, big.NewInt(10), sell.Value())

	buy := Call{Method: MethodRouterBuy, Amount: big.NewInt(10), Limit: big.NewInt(12)}
	assert.Equal(t, big.NewInt(12), buy.Value())

	assert.Equal(t, 0, Call{}.Value().Sign())
}

func TestTransactionHexRoundTrip(t *testing.T) {
	call := Call{
		Method:   MethodRouterSell,
		To:       "deposit",
		AssetIn:  "usdc",
		AssetOut: "sol",
		Amount:   big.NewInt(1000),
		Limit:    big.NewInt(990),
	}
	tx, err := NewTransaction("swap", call)
	require.NoError(t, err)
	assert.Equal(t, "swap", tx.Name)
	assert.Contains(t, tx.Hex, "0x")

	decoded, err := DecodeCall(tx.Hex)
	require.NoError(t, err)
	assert.Equal(t, call.Method, decoded.Method)
	assert.Equal(t, 0, call.Amount.Cmp(decoded.Amount))
	assert.Equal(t, 0, call.Limit.Cmp(decoded.Limit))
}

func TestDirectionOpposite(t *testing.T) {
	assert.Equal(t, Buy, Sell.Opposite())
	assert.Equal(t, Sell, Buy.Opposite())
}
