// Package solana is the native signing backend: it sends router calls as
// SOL or SPL transfers and follows them to finality.
package solana

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/rs/zerolog"

	"swapdesk/config"
	"swapdesk/pkg/signer"
	"swapdesk/pkg/types"
)

const (
	// Chain is the name this backend registers under
	Chain = "solana"

	lamportsPerSignature = uint64(5000)
	maxStatusFailures    = 5
)

// DefaultPollInterval is how often signature statuses are polled
const DefaultPollInterval = time.Second

var ErrKeyMismatch = errors.New("account does not match the configured key")

// RPC is the subset of rpc.Client the signer uses
type RPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetFeeForMessage(ctx context.Context, message string, commitment rpc.CommitmentType) (*rpc.GetFeeForMessageResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Signer is the Solana backend
type Signer struct {
	config       config.SolanaConfig
	client       RPC
	privateKey   solana.PrivateKey
	publicKey    solana.PublicKey
	PollInterval time.Duration
	logger       zerolog.Logger
}

// New connects to the configured RPC endpoint
func New(cfg config.SolanaConfig, logger zerolog.Logger) (*Signer, error) {
	if cfg.RPCUrl == "" {
		return nil, fmt.Errorf("RPC URL not configured for Solana")
	}
	return NewWithRPC(cfg, rpc.New(cfg.RPCUrl), logger)
}

// NewWithRPC builds a signer over an existing client
func NewWithRPC(cfg config.SolanaConfig, client RPC, logger zerolog.Logger) (*Signer, error) {
	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("private key not configured for Solana")
	}
	privateKey, err := solana.PrivateKeyFromBase58(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		config:       cfg,
		client:       client,
		privateKey:   privateKey,
		publicKey:    privateKey.PublicKey(),
		PollInterval: DefaultPollInterval,
		logger:       logger.With().Str("component", "signer").Str("chain", Chain).Logger(),
	}, nil
}

func (s *Signer) Chain() string {
	return Chain
}

// Address is the account the configured key signs for
func (s *Signer) Address() string {
	return s.publicKey.String()
}

// SignAndSend transfers call.Value() to call.To and reports broadcast,
// in-block (confirmed) and finalized
func (s *Signer) SignAndSend(ctx context.Context, account types.Account, tx *types.Transaction, onStatus func(signer.Status)) error {
	if account.Address != s.publicKey.String() {
		return fmt.Errorf("%w: %s", ErrKeyMismatch, account.Address)
	}

	if err := s.checkBalance(ctx, tx.Call); err != nil {
		return err
	}
	signed, err := s.buildTx(ctx, s.publicKey, tx.Call)
	if err != nil {
		return err
	}
	_, err = signed.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := s.client.SendTransactionWithOpts(ctx, signed, rpc.TransactionOpts{
		SkipPreflight:       s.config.SkipPreflight,
		PreflightCommitment: s.commitment(),
	})
	if err != nil {
		return fmt.Errorf("failed to send transaction: %w", err)
	}
	s.logger.Info().Str("signature", sig.String()).Str("method", tx.Call.Method).Msg("transaction broadcast")
	onStatus(signer.Status{Stage: signer.StageBroadcast, TxHash: sig.String(), TxIndex: -1})

	return s.track(ctx, sig, onStatus)
}

// track polls the signature until it is finalized
func (s *Signer) track(ctx context.Context, sig solana.Signature, onStatus func(signer.Status)) error {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	inBlock := false
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		res, err := s.client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			failures++
			if failures >= maxStatusFailures {
				return fmt.Errorf("failed to get signature status: %w", err)
			}
			s.logger.Debug().Err(err).Str("signature", sig.String()).Msg("status poll failed")
			continue
		}
		failures = 0
		if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
			continue
		}

		st := res.Value[0]
		status := signer.Status{
			TxHash:        sig.String(),
			BlockNumber:   st.Slot,
			TxIndex:       -1,
			DispatchError: dispatchError(st.Err),
		}
		switch st.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed:
			if !inBlock {
				inBlock = true
				status.Stage = signer.StageInBlock
				onStatus(status)
			}
		case rpc.ConfirmationStatusFinalized:
			if !inBlock {
				status.Stage = signer.StageInBlock
				onStatus(status)
			}
			status.Stage = signer.StageFinalized
			onStatus(status)
			return nil
		}
	}
}

func dispatchError(err interface{}) string {
	if err == nil {
		return ""
	}
	return fmt.Sprint(err)
}

func (s *Signer) checkBalance(ctx context.Context, call types.Call) error {
	value := call.Value()
	if !value.IsUint64() {
		return fmt.Errorf("invalid amount: %s", value)
	}
	if call.Token == "" {
		balance, err := s.nativeBalance(ctx, s.publicKey)
		if err != nil {
			return err
		}
		minRequired := value.Uint64() + lamportsPerSignature
		if balance < minRequired {
			return fmt.Errorf("insufficient balance: have %d lamports, need %d lamports (including fees)", balance, minRequired)
		}
		return nil
	}

	mint, err := solana.PublicKeyFromBase58(call.Token)
	if err != nil {
		return fmt.Errorf("invalid token mint address: %w", err)
	}
	balance, err := s.tokenBalance(ctx, s.publicKey, mint)
	if err != nil {
		return err
	}
	if balance < value.Uint64() {
		return fmt.Errorf("insufficient token balance: have %d, need %d", balance, value.Uint64())
	}
	return nil
}

// buildTx assembles the unsigned transfer paid by payer
func (s *Signer) buildTx(ctx context.Context, payer solana.PublicKey, call types.Call) (*solana.Transaction, error) {
	recipient, err := solana.PublicKeyFromBase58(call.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}
	value := call.Value()
	if !value.IsUint64() {
		return nil, fmt.Errorf("invalid amount: %s", value)
	}

	var instructions []solana.Instruction
	if call.Token == "" {
		instructions = append(instructions, system.NewTransferInstruction(value.Uint64(), payer, recipient).Build())
	} else {
		mint, err := solana.PublicKeyFromBase58(call.Token)
		if err != nil {
			return nil, fmt.Errorf("invalid token mint address: %w", err)
		}
		source, err := associatedTokenAddress(payer, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to get source token account: %w", err)
		}
		dest, err := associatedTokenAddress(recipient, mint)
		if err != nil {
			return nil, fmt.Errorf("failed to get destination token account: %w", err)
		}
		exists, err := s.accountExists(ctx, dest)
		if err != nil {
			return nil, fmt.Errorf("failed to check destination account: %w", err)
		}
		if !exists {
			instructions = append(instructions, associatedtokenaccount.NewCreateInstruction(payer, recipient, mint).Build())
		}
		instructions = append(instructions, token.NewTransferInstruction(
			value.Uint64(),
			source,
			dest,
			payer,
			[]solana.PublicKey{},
		).Build())
	}

	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent blockhash: %w", err)
	}
	tx, err := solana.NewTransaction(instructions, recent.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, nil
}

func (s *Signer) nativeBalance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	balance, err := s.client.GetBalance(ctx, owner, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance.Value, nil
}

// tokenBalance reads the owner's associated token account. A missing
// account holds nothing.
func (s *Signer) tokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	ata, err := associatedTokenAddress(owner, mint)
	if err != nil {
		return 0, err
	}
	exists, err := s.accountExists(ctx, ata)
	if err != nil {
		return 0, fmt.Errorf("failed to check token account: %w", err)
	}
	if !exists {
		return 0, nil
	}
	res, err := s.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentFinalized)
	if err != nil {
		return 0, fmt.Errorf("failed to get token balance: %w", err)
	}
	if res.Value == nil {
		return 0, nil
	}
	amount, err := strconv.ParseUint(res.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token balance: %w", err)
	}
	return amount, nil
}

func associatedTokenAddress(wallet, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token address: %w", err)
	}
	return addr, nil
}

func (s *Signer) accountExists(ctx context.Context, account solana.PublicKey) (bool, error) {
	info, err := s.client.GetAccountInfo(ctx, account)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) || strings.Contains(err.Error(), "not found") {
			return false, nil
		}
		return false, err
	}
	return info != nil && info.Value != nil, nil
}

func (s *Signer) commitment() rpc.CommitmentType {
	switch strings.ToLower(s.config.Commitment) {
	case "finalized":
		return rpc.CommitmentFinalized
	case "processed":
		return rpc.CommitmentProcessed
	default:
		return rpc.CommitmentConfirmed
	}
}

// LoadBalances implements session.BalanceLoader for Solana assets
func (s *Signer) LoadBalances(ctx context.Context, account types.Account, assets []types.Asset) (map[string]*big.Int, error) {
	owner, err := solana.PublicKeyFromBase58(account.Address)
	if err != nil {
		return map[string]*big.Int{}, nil
	}
	out := make(map[string]*big.Int)
	for _, a := range assets {
		if signer.NormalizeChain(a.Chain) != Chain {
			continue
		}
		var bal uint64
		if a.IsNative() {
			bal, err = s.nativeBalance(ctx, owner)
		} else {
			mint, perr := solana.PublicKeyFromBase58(a.Address)
			if perr != nil {
				s.logger.Warn().Str("asset", a.ID).Msg("skipping asset with invalid mint")
				continue
			}
			bal, err = s.tokenBalance(ctx, owner, mint)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load %s balance: %w", a.Symbol, err)
		}
		out[a.ID] = new(big.Int).SetUint64(bal)
	}
	return out, nil
}

// PaymentInfo implements session.FeeEstimator. The fee of the compiled
// message is asked from the node; 5000 lamports per signature is the
// fallback.
func (s *Signer) PaymentInfo(ctx context.Context, tx *types.Transaction, account types.Account) (*big.Int, error) {
	payer, err := solana.PublicKeyFromBase58(account.Address)
	if err != nil {
		payer = s.publicKey
	}
	fallback := new(big.Int).SetUint64(lamportsPerSignature)

	built, err := s.buildTx(ctx, payer, tx.Call)
	if err != nil {
		return nil, err
	}
	msg, err := built.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	res, err := s.client.GetFeeForMessage(ctx, base64.StdEncoding.EncodeToString(msg), rpc.CommitmentConfirmed)
	if err != nil || res == nil || res.Value == nil {
		if err != nil {
			s.logger.Debug().Err(err).Msg("fee estimate unavailable, using per-signature fee")
		}
		return fallback.Mul(fallback, big.NewInt(int64(built.Message.Header.NumRequiredSignatures))), nil
	}
	return new(big.Int).SetUint64(*res.Value), nil
}

// LatestHead reads the current slot as a head
func (s *Signer) LatestHead(ctx context.Context) (types.Head, error) {
	slot, err := s.client.GetSlot(ctx, s.commitment())
	if err != nil {
		return types.Head{}, fmt.Errorf("failed to get slot: %w", err)
	}
	return types.Head{Chain: Chain, Number: slot, Time: time.Now()}, nil
}

func (s *Signer) Close() {}
