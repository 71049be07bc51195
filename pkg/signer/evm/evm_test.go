package evm

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapdesk/config"
	"swapdesk/pkg/signer"
	"swapdesk/pkg/types"
)

type fakeSub struct{ errs chan error }

func (f *fakeSub) Unsubscribe()      {}
func (f *fakeSub) Err() <-chan error { return f.errs }

type fakeBackend struct {
	mu           sync.Mutex
	balance      *big.Int
	tokenBalance *big.Int
	estimate     uint64
	sent         []*ethtypes.Transaction
	receiptMiss  int
	receipt      *ethtypes.Receipt
	headers      chan<- *ethtypes.Header
	sub          *fakeSub
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(3), nil
}
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, nil
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}
func (f *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*ethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptMiss > 0 {
		f.receiptMiss--
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}
func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.tokenBalance.Bytes(), 32), nil
}
func (f *fakeBackend) SubscribeNewHead(_ context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error) {
	f.headers = ch
	f.sub = &fakeSub{errs: make(chan error)}
	return f.sub, nil
}
func (f *fakeBackend) Close() {}

const (
	recipient = "0x0000000000000000000000000000000000000002"
	tokenAddr = "0x0000000000000000000000000000000000000003"
)

func newSigner(t *testing.T, backend *fakeBackend, gasPrice *int64) *Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	cfg := config.EVMNetwork{ChainID: 1, PrivateKey: hexutil.Encode(crypto.FromECDSA(key)), GasPrice: gasPrice}
	s, err := NewWithBackend("eth", cfg, backend, zerolog.Nop())
	require.NoError(t, err)
	s.PollInterval = time.Millisecond
	return s
}

type outcome struct {
	submitted []string
	receipts  []signer.Receipt
	errs      []error
}

func (o *outcome) callbacks() signer.Callbacks {
	return signer.Callbacks{
		OnSubmit:  func(h string) { o.submitted = append(o.submitted, h) },
		OnConfirm: func(r signer.Receipt) { o.receipts = append(o.receipts, r) },
		OnError:   func(err error) { o.errs = append(o.errs, err) },
	}
}

func TestSignAndSendNativeTransfer(t *testing.T) {
	price := int64(10)
	backend := &fakeBackend{
		balance:     big.NewInt(1_000_000),
		receiptMiss: 2,
		receipt: &ethtypes.Receipt{
			Status:           ethtypes.ReceiptStatusSuccessful,
			BlockHash:        common.HexToHash("0x0b"),
			BlockNumber:      big.NewInt(42),
			TransactionIndex: 3,
		},
	}
	s := newSigner(t, backend, &price)
	assert.Equal(t, "ethereum", s.Chain())

	tx, err := types.NewTransaction("swap", types.Call{Method: types.MethodRouterSell, To: recipient, Amount: big.NewInt(1000)})
	require.NoError(t, err)

	var o outcome
	s.SignAndSend(context.Background(), types.Account{Address: s.Address()}, tx, o.callbacks())

	require.Empty(t, o.errs)
	require.Len(t, backend.sent, 1)
	sent := backend.sent[0]
	assert.Equal(t, common.HexToAddress(recipient), *sent.To())
	assert.Equal(t, int64(1000), sent.Value().Int64())
	assert.Equal(t, uint64(21000), sent.Gas())
	assert.Equal(t, uint64(7), sent.Nonce())

	from, err := ethtypes.Sender(ethtypes.NewEIP155Signer(big.NewInt(1)), sent)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from.Hex())

	require.Len(t, o.receipts, 1)
	assert.Equal(t, []string{sent.Hash().Hex()}, o.submitted)
	assert.Equal(t, uint64(42), o.receipts[0].BlockNumber)
	assert.Equal(t, uint(3), o.receipts[0].TxIndex)
	assert.True(t, o.receipts[0].Success)
}

func TestSignAndSendBuySendsLimitAsToken(t *testing.T) {
	backend := &fakeBackend{
		tokenBalance: big.NewInt(100),
		estimate:     50000,
		receipt:      &ethtypes.Receipt{Status: ethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(1)},
	}
	s := newSigner(t, backend, nil)

	call := types.Call{Method: types.MethodRouterBuy, To: recipient, Token: tokenAddr, Amount: big.NewInt(5), Limit: big.NewInt(7)}
	tx, err := types.NewTransaction("buy", call)
	require.NoError(t, err)

	var o outcome
	s.SignAndSend(context.Background(), types.Account{Address: s.Address()}, tx, o.callbacks())

	require.Empty(t, o.errs)
	require.Len(t, backend.sent, 1)
	sent := backend.sent[0]
	assert.Equal(t, common.HexToAddress(tokenAddr), *sent.To())
	assert.Equal(t, int64(0), sent.Value().Int64())
	assert.Equal(t, uint64(60000), sent.Gas())
	assert.Equal(t, int64(3), sent.GasPrice().Int64())

	args, err := s.transferABI.Methods["transfer"].Inputs.Unpack(sent.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 2)
	assert.Equal(t, common.HexToAddress(recipient), args[0])
	assert.Equal(t, int64(7), args[1].(*big.Int).Int64())

	require.Len(t, o.receipts, 1)
	assert.False(t, o.receipts[0].Success)
}

func TestSignAndSendRejects(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(10)}
	s := newSigner(t, backend, nil)
	tx, err := types.NewTransaction("swap", types.Call{Method: types.MethodRouterSell, To: recipient, Amount: big.NewInt(1000)})
	require.NoError(t, err)

	var o outcome
	s.SignAndSend(context.Background(), types.Account{Address: recipient}, tx, o.callbacks())
	require.Len(t, o.errs, 1)
	assert.ErrorIs(t, o.errs[0], ErrKeyMismatch)

	o = outcome{}
	s.SignAndSend(context.Background(), types.Account{Address: s.Address()}, tx, o.callbacks())
	require.Len(t, o.errs, 1)
	assert.Contains(t, o.errs[0].Error(), "insufficient balance")
	assert.Empty(t, o.submitted)
	assert.Empty(t, backend.sent)
}

func TestLoadBalancesAndPaymentInfo(t *testing.T) {
	backend := &fakeBackend{balance: big.NewInt(900), tokenBalance: big.NewInt(55)}
	s := newSigner(t, backend, nil)

	assets := []types.Asset{
		{ID: "eth", Chain: "eth", Decimals: 18},
		{ID: "usdt-eth", Chain: "ethereum", Decimals: 6, Address: tokenAddr},
		{ID: "sol", Chain: "solana", Decimals: 9},
	}
	balances, err := s.LoadBalances(context.Background(), types.Account{Address: s.Address()}, assets)
	require.NoError(t, err)
	assert.Len(t, balances, 2)
	assert.Equal(t, int64(900), balances["eth"].Int64())
	assert.Equal(t, int64(55), balances["usdt-eth"].Int64())

	tx, err := types.NewTransaction("swap", types.Call{Method: types.MethodRouterSell, To: recipient, Amount: big.NewInt(1)})
	require.NoError(t, err)
	fee, err := s.PaymentInfo(context.Background(), tx, types.Account{})
	require.NoError(t, err)
	assert.Equal(t, int64(21000*3), fee.Int64())
}

func TestHeadsConvertsHeaders(t *testing.T) {
	backend := &fakeBackend{}
	s := newSigner(t, backend, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	heads, err := s.Heads(ctx)
	require.NoError(t, err)

	header := &ethtypes.Header{Number: big.NewInt(12), Time: 1700000000}
	backend.headers <- header

	select {
	case h := <-heads:
		assert.Equal(t, uint64(12), h.Number)
		assert.Equal(t, "ethereum", h.Chain)
		assert.Equal(t, header.Hash().Hex(), h.Hash)
	case <-time.After(time.Second):
		t.Fatal("no head")
	}

	cancel()
	_, open := <-heads
	assert.False(t, open)
}
