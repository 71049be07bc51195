// Package signer defines the two signing backend shapes the transaction
// center drives and a registry of backends per chain.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"swapdesk/pkg/types"
)

var ErrUnsupportedChain = errors.New("no signer for chain")

// Stage is the progress of a native-chain submission
type Stage string

const (
	StageBroadcast Stage = "broadcast"
	StageInBlock   Stage = "in_block"
	StageFinalized Stage = "finalized"
)

// Status is reported by a native signer for every stage it reaches
type Status struct {
	Stage       Stage
	TxHash      string
	BlockHash   string
	BlockNumber uint64
	TxIndex     int
	// DispatchError is set when the chain executed the transaction and it failed.
	DispatchError string
}

func (s Status) Failed() bool {
	return s.DispatchError != ""
}

// NativeSigner signs and submits on the native chain, reporting each stage
// through onStatus. The returned error covers failures before broadcast and
// lost tracking after it.
type NativeSigner interface {
	Chain() string
	SignAndSend(ctx context.Context, account types.Account, tx *types.Transaction, onStatus func(Status)) error
}

// Receipt is the outcome of a mined EVM transaction
type Receipt struct {
	TxHash      string
	BlockHash   string
	BlockNumber uint64
	TxIndex     uint
	Success     bool
}

// Callbacks receive the EVM submission events. Nil callbacks are skipped.
type Callbacks struct {
	OnSubmit  func(txHash string)
	OnConfirm func(Receipt)
	OnError   func(error)
}

func (c Callbacks) Submit(hash string) {
	if c.OnSubmit != nil {
		c.OnSubmit(hash)
	}
}

func (c Callbacks) Confirm(r Receipt) {
	if c.OnConfirm != nil {
		c.OnConfirm(r)
	}
}

func (c Callbacks) Error(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// EVMSigner signs EVM-style transactions. It blocks until one of OnConfirm or
// OnError has been called.
type EVMSigner interface {
	Chain() string
	SignAndSend(ctx context.Context, account types.Account, tx *types.Transaction, cb Callbacks)
}

var aliases = map[string]string{
	"sol":       "solana",
	"eth":       "ethereum",
	"mainnet":   "ethereum",
	"bnb":       "bsc",
	"matic":     "polygon",
	"arb":       "arbitrum",
	"op":        "optimism",
	"avax":      "avalanche",
	"basechain": "base",
}

// NormalizeChain lowercases a chain name and resolves short aliases
func NormalizeChain(chain string) string {
	chain = strings.ToLower(strings.TrimSpace(chain))
	if full, ok := aliases[chain]; ok {
		return full
	}
	return chain
}

// Manager resolves signers by chain
type Manager struct {
	mu         sync.RWMutex
	native     map[string]NativeSigner
	evm        map[string]EVMSigner
	defaultNet string
	defaultEVM string
}

// NewManager creates a manager. defaultChain is used when a transaction
// names no chain.
func NewManager(defaultChain string) *Manager {
	return &Manager{
		native:     make(map[string]NativeSigner),
		evm:        make(map[string]EVMSigner),
		defaultNet: NormalizeChain(defaultChain),
	}
}

func (m *Manager) RegisterNative(s NativeSigner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.native[NormalizeChain(s.Chain())] = s
}

// RegisterEVM adds an EVM signer. The first one registered becomes the
// fallback for EVM accounts whose transaction names a non-EVM chain.
func (m *Manager) RegisterEVM(s EVMSigner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := NormalizeChain(s.Chain())
	m.evm[chain] = s
	if m.defaultEVM == "" {
		m.defaultEVM = chain
	}
}

func (m *Manager) DefaultChain() string {
	return m.defaultNet
}

// IsEnabledForChain reports whether any signer serves chain
func (m *Manager) IsEnabledForChain(chain string) bool {
	chain = m.resolve(chain)
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, n := m.native[chain]
	_, e := m.evm[chain]
	return n || e
}

// Native returns the native signer of chain, or of the default chain when
// chain is empty
func (m *Manager) Native(chain string) (NativeSigner, error) {
	chain = m.resolve(chain)
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.native[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}
	return s, nil
}

// EVM returns the EVM signer of chain
func (m *Manager) EVM(chain string) (EVMSigner, error) {
	chain = m.resolve(chain)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.evm[chain]; ok {
		return s, nil
	}
	if _, native := m.native[chain]; native && m.defaultEVM != "" {
		return m.evm[m.defaultEVM], nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
}

// SupportedChains lists every chain with a signer, sorted
func (m *Manager) SupportedChains() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	for c := range m.native {
		seen[c] = true
	}
	for c := range m.evm {
		seen[c] = true
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) resolve(chain string) string {
	if chain == "" {
		return m.defaultNet
	}
	return NormalizeChain(chain)
}
