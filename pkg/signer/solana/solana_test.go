package solana

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapdesk/config"
	"swapdesk/pkg/signer"
	"swapdesk/pkg/types"
)

type fakeRPC struct {
	mu       sync.Mutex
	balance  uint64
	sent     []*solana.Transaction
	statuses []*rpc.SignatureStatusesResult
	fee      *uint64
	feeErr   error
	slot     uint64
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{Value: &rpc.LatestBlockhashResult{Blockhash: solana.Hash{1, 2, 3}}}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeRPC) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	st := f.statuses[0]
	f.statuses = f.statuses[1:]
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{st}}, nil
}

func (f *fakeRPC) GetBalance(context.Context, solana.PublicKey, rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return &rpc.GetBalanceResult{Value: f.balance}, nil
}

func (f *fakeRPC) GetTokenAccountBalance(context.Context, solana.PublicKey, rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	return nil, errors.New("unexpected token balance read")
}

func (f *fakeRPC) GetAccountInfo(context.Context, solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	return nil, rpc.ErrNotFound
}

func (f *fakeRPC) GetFeeForMessage(context.Context, string, rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error) {
	if f.feeErr != nil {
		return nil, f.feeErr
	}
	return &rpc.GetFeeForMessageResult{Value: f.fee}, nil
}

func (f *fakeRPC) GetSlot(context.Context, rpc.CommitmentType) (uint64, error) {
	return f.slot, nil
}

func newSigner(t *testing.T, client *fakeRPC) *Signer {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	s, err := NewWithRPC(config.SolanaConfig{PrivateKey: key.String()}, client, zerolog.Nop())
	require.NoError(t, err)
	s.PollInterval = time.Millisecond
	return s
}

func transfer(t *testing.T, to string, lamports int64) *types.Transaction {
	t.Helper()
	tx, err := types.NewTransaction("swap", types.Call{Method: types.MethodRouterSell, To: to, Amount: big.NewInt(lamports)})
	require.NoError(t, err)
	return tx
}

func TestSignAndSendReportsStages(t *testing.T) {
	client := &fakeRPC{
		balance: 1_000_000_000,
		statuses: []*rpc.SignatureStatusesResult{
			{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusProcessed},
			{Slot: 11, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
			{Slot: 11, ConfirmationStatus: rpc.ConfirmationStatusConfirmed},
			{Slot: 11, ConfirmationStatus: rpc.ConfirmationStatusFinalized},
		},
	}
	s := newSigner(t, client)
	recipient := solana.NewWallet().PublicKey()

	var stages []signer.Status
	err := s.SignAndSend(context.Background(), types.Account{Address: s.Address()}, transfer(t, recipient.String(), 1000), func(st signer.Status) {
		stages = append(stages, st)
	})
	require.NoError(t, err)

	require.Len(t, stages, 3)
	assert.Equal(t, signer.StageBroadcast, stages[0].Stage)
	assert.Equal(t, signer.StageInBlock, stages[1].Stage)
	assert.Equal(t, uint64(11), stages[1].BlockNumber)
	assert.Equal(t, signer.StageFinalized, stages[2].Stage)
	assert.False(t, stages[2].Failed())

	require.Len(t, client.sent, 1)
	sent := client.sent[0]
	assert.Equal(t, stages[0].TxHash, sent.Signatures[0].String())
	assert.True(t, sent.Message.AccountKeys[0].Equals(s.publicKey))
	assert.Contains(t, sent.Message.AccountKeys, recipient)
}

func TestSignAndSendFinalizedWithDispatchError(t *testing.T) {
	client := &fakeRPC{
		balance: 1_000_000_000,
		statuses: []*rpc.SignatureStatusesResult{
			{Slot: 20, ConfirmationStatus: rpc.ConfirmationStatusFinalized, Err: map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}},
		},
	}
	s := newSigner(t, client)

	var stages []signer.Status
	err := s.SignAndSend(context.Background(), types.Account{Address: s.Address()}, transfer(t, solana.NewWallet().PublicKey().String(), 1000), func(st signer.Status) {
		stages = append(stages, st)
	})
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.Equal(t, signer.StageInBlock, stages[1].Stage)
	assert.True(t, stages[1].Failed())
	assert.Equal(t, signer.StageFinalized, stages[2].Stage)
	assert.Contains(t, stages[2].DispatchError, "InstructionError")
}

func TestSignAndSendRejects(t *testing.T) {
	client := &fakeRPC{balance: 1000}
	s := newSigner(t, client)
	to := solana.NewWallet().PublicKey().String()

	err := s.SignAndSend(context.Background(), types.Account{Address: to}, transfer(t, to, 1000), func(signer.Status) {})
	assert.ErrorIs(t, err, ErrKeyMismatch)

	err = s.SignAndSend(context.Background(), types.Account{Address: s.Address()}, transfer(t, to, 1000), func(signer.Status) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient balance")
	assert.Empty(t, client.sent)
}

func TestSignAndSendStopsOnContext(t *testing.T) {
	client := &fakeRPC{balance: 1_000_000_000}
	s := newSigner(t, client)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var stages []signer.Status
	err := s.SignAndSend(ctx, types.Account{Address: s.Address()}, transfer(t, solana.NewWallet().PublicKey().String(), 1), func(st signer.Status) {
		stages = append(stages, st)
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, stages, 1)
	assert.Equal(t, signer.StageBroadcast, stages[0].Stage)
}

func TestLoadBalances(t *testing.T) {
	client := &fakeRPC{balance: 2_000_000_000}
	s := newSigner(t, client)
	mint := solana.NewWallet().PublicKey().String()

	balances, err := s.LoadBalances(context.Background(), types.Account{Address: s.Address()}, []types.Asset{
		{ID: "sol", Chain: "sol", Decimals: 9},
		{ID: "usdc", Chain: "solana", Decimals: 6, Address: mint},
		{ID: "eth", Chain: "ethereum", Decimals: 18},
	})
	require.NoError(t, err)
	assert.Len(t, balances, 2)
	assert.Equal(t, uint64(2_000_000_000), balances["sol"].Uint64())
	assert.Equal(t, int64(0), balances["usdc"].Int64())
}

func TestPaymentInfo(t *testing.T) {
	fee := uint64(7500)
	client := &fakeRPC{fee: &fee}
	s := newSigner(t, client)
	tx := transfer(t, solana.NewWallet().PublicKey().String(), 1)
	acct := types.Account{Address: s.Address()}

	got, err := s.PaymentInfo(context.Background(), tx, acct)
	require.NoError(t, err)
	assert.Equal(t, uint64(7500), got.Uint64())

	client.feeErr = errors.New("method not found")
	got, err = s.PaymentInfo(context.Background(), tx, acct)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), got.Uint64())
}

func TestLatestHead(t *testing.T) {
	s := newSigner(t, &fakeRPC{slot: 321})
	head, err := s.LatestHead(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(321), head.Number)
	assert.Equal(t, Chain, head.Chain)
}
