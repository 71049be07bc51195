// Package evm signs router calls as EVM transfers and serves balances, fee
// estimates and new heads for one EVM network.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"swapdesk/config"
	"swapdesk/pkg/signer"
	"swapdesk/pkg/types"
)

const (
	erc20TransferABI = `[{"constant":false,"inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}]`
	erc20BalanceABI  = `[{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"type":"function"}]`

	nativeGasLimit = uint64(21000)
	tokenGasLimit  = uint64(100000)
)

// DefaultPollInterval is how often a submitted transaction's receipt is polled
const DefaultPollInterval = 2 * time.Second

var ErrKeyMismatch = errors.New("account does not match the configured key")

// Backend is the subset of ethclient.Client the signer uses
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *ethtypes.Header) (ethereum.Subscription, error)
	Close()
}

// Signer is the EVM backend of one network
type Signer struct {
	network      string
	cfg          config.EVMNetwork
	client       Backend
	privateKey   *ecdsa.PrivateKey
	from         common.Address
	transferABI  abi.ABI
	balanceABI   abi.ABI
	PollInterval time.Duration
	logger       zerolog.Logger
}

// New dials the network's endpoint. The websocket URL is preferred so the
// same client can subscribe to new heads.
func New(network string, cfg config.EVMNetwork, logger zerolog.Logger) (*Signer, error) {
	url := cfg.WSUrl
	if url == "" {
		url = cfg.RPCUrl
	}
	if url == "" {
		return nil, fmt.Errorf("RPC URL not configured for network %s", network)
	}
	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC endpoint: %w", err)
	}
	s, err := NewWithBackend(network, cfg, client, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// NewWithBackend builds a signer over an existing backend
func NewWithBackend(network string, cfg config.EVMNetwork, client Backend, logger zerolog.Logger) (*Signer, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("private key not configured for network %s", network)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	transferABI, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	balanceABI, err := abi.JSON(strings.NewReader(erc20BalanceABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse balanceOf ABI: %w", err)
	}

	network = signer.NormalizeChain(network)
	return &Signer{
		network:      network,
		cfg:          cfg,
		client:       client,
		privateKey:   key,
		from:         crypto.PubkeyToAddress(key.PublicKey),
		transferABI:  transferABI,
		balanceABI:   balanceABI,
		PollInterval: DefaultPollInterval,
		logger:       logger.With().Str("component", "signer").Str("chain", network).Logger(),
	}, nil
}

func (s *Signer) Chain() string {
	return s.network
}

// Address is the account the configured key signs for
func (s *Signer) Address() string {
	return s.from.Hex()
}

// SignAndSend signs the call as a transfer, submits it and waits for the
// receipt
func (s *Signer) SignAndSend(ctx context.Context, account types.Account, tx *types.Transaction, cb signer.Callbacks) {
	if !strings.EqualFold(account.Address, s.from.Hex()) {
		cb.Error(fmt.Errorf("%w: %s", ErrKeyMismatch, account.Address))
		return
	}

	signed, err := s.buildTx(ctx, tx.Call)
	if err != nil {
		cb.Error(err)
		return
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		cb.Error(fmt.Errorf("failed to send transaction: %w", err))
		return
	}
	hash := signed.Hash()
	s.logger.Info().Str("tx_hash", hash.Hex()).Str("method", tx.Call.Method).Msg("transaction submitted")
	cb.Submit(hash.Hex())

	receipt, err := s.waitReceipt(ctx, hash)
	if err != nil {
		cb.Error(err)
		return
	}
	var number uint64
	if receipt.BlockNumber != nil {
		number = receipt.BlockNumber.Uint64()
	}
	cb.Confirm(signer.Receipt{
		TxHash:      hash.Hex(),
		BlockHash:   receipt.BlockHash.Hex(),
		BlockNumber: number,
		TxIndex:     receipt.TransactionIndex,
		Success:     receipt.Status == ethtypes.ReceiptStatusSuccessful,
	})
}

func (s *Signer) waitReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("failed to get transaction receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildTx turns a call into a signed native or ERC20 transfer of
// call.Value() to call.To
func (s *Signer) buildTx(ctx context.Context, call types.Call) (*ethtypes.Transaction, error) {
	if !common.IsHexAddress(call.To) {
		return nil, fmt.Errorf("invalid recipient address: %s", call.To)
	}
	if call.Token != "" && !common.IsHexAddress(call.Token) {
		return nil, fmt.Errorf("invalid token contract address: %s", call.Token)
	}
	value := call.Value()

	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.gasPrice(ctx)
	if err != nil {
		return nil, err
	}

	var raw *ethtypes.Transaction
	if call.Token == "" {
		balance, err := s.client.BalanceAt(ctx, s.from, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		if balance.Cmp(value) < 0 {
			return nil, fmt.Errorf("insufficient balance: have %s wei, need %s wei", balance, value)
		}
		raw = ethtypes.NewTransaction(nonce, common.HexToAddress(call.To), value, s.gasLimit(ctx, call), gasPrice, nil)
	} else {
		token := common.HexToAddress(call.Token)
		balance, err := s.tokenBalance(ctx, token, s.from)
		if err != nil {
			return nil, fmt.Errorf("failed to get token balance: %w", err)
		}
		if balance.Cmp(value) < 0 {
			return nil, fmt.Errorf("insufficient token balance: have %s, need %s", balance, value)
		}
		data, err := s.transferABI.Pack("transfer", common.HexToAddress(call.To), value)
		if err != nil {
			return nil, fmt.Errorf("failed to pack transfer data: %w", err)
		}
		raw = ethtypes.NewTransaction(nonce, token, big.NewInt(0), s.gasLimit(ctx, call), gasPrice, data)
	}

	signed, err := ethtypes.SignTx(raw, ethtypes.NewEIP155Signer(big.NewInt(s.cfg.ChainID)), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

func (s *Signer) gasPrice(ctx context.Context) (*big.Int, error) {
	if s.cfg.GasPrice != nil {
		return big.NewInt(*s.cfg.GasPrice), nil
	}
	price, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}
	return price, nil
}

// gasLimit uses the configured limit, else 21000 for native transfers and an
// estimate with a 20% buffer for token transfers
func (s *Signer) gasLimit(ctx context.Context, call types.Call) uint64 {
	if s.cfg.GasLimit != nil {
		return *s.cfg.GasLimit
	}
	if call.Token == "" {
		return nativeGasLimit
	}
	token := common.HexToAddress(call.Token)
	data, err := s.transferABI.Pack("transfer", common.HexToAddress(call.To), call.Value())
	if err != nil {
		return tokenGasLimit
	}
	estimated, err := s.client.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &token, Data: data})
	if err != nil {
		return tokenGasLimit
	}
	return estimated * 120 / 100
}

func (s *Signer) tokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	data, err := s.balanceABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf data: %w", err)
	}
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	return new(big.Int).SetBytes(result), nil
}

// LoadBalances implements session.BalanceLoader for the assets living on
// this network
func (s *Signer) LoadBalances(ctx context.Context, account types.Account, assets []types.Asset) (map[string]*big.Int, error) {
	if !common.IsHexAddress(account.Address) {
		return map[string]*big.Int{}, nil
	}
	owner := common.HexToAddress(account.Address)
	out := make(map[string]*big.Int)
	for _, a := range assets {
		if signer.NormalizeChain(a.Chain) != s.network {
			continue
		}
		var (
			bal *big.Int
			err error
		)
		if a.IsNative() {
			bal, err = s.client.BalanceAt(ctx, owner, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to get balance: %w", err)
			}
		} else {
			bal, err = s.tokenBalance(ctx, common.HexToAddress(a.Address), owner)
			if err != nil {
				return nil, fmt.Errorf("failed to get %s balance: %w", a.Symbol, err)
			}
		}
		out[a.ID] = bal
	}
	return out, nil
}

// PaymentInfo implements session.FeeEstimator: gas limit times gas price
func (s *Signer) PaymentInfo(ctx context.Context, tx *types.Transaction, _ types.Account) (*big.Int, error) {
	price, err := s.gasPrice(ctx)
	if err != nil {
		return nil, err
	}
	limit := new(big.Int).SetUint64(s.gasLimit(ctx, tx.Call))
	return limit.Mul(limit, price), nil
}

// Heads streams new block headers until ctx is done or the subscription
// fails
func (s *Signer) Heads(ctx context.Context) (<-chan types.Head, error) {
	headers := make(chan *ethtypes.Header, 16)
	sub, err := s.client.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to new heads: %w", err)
	}

	out := make(chan types.Head)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					s.logger.Warn().Err(err).Msg("head subscription dropped")
				}
				return
			case h := <-headers:
				if h == nil || h.Number == nil {
					continue
				}
				head := types.Head{
					Chain:  s.network,
					Number: h.Number.Uint64(),
					Hash:   h.Hash().Hex(),
					Time:   time.Unix(int64(h.Time), 0),
				}
				select {
				case out <- head:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Signer) Close() {
	if s.client != nil {
		s.client.Close()
	}
}
