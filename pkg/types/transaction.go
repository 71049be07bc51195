package types

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Call methods understood by the signers
const (
	MethodRouterSell   = "router.sell"
	MethodRouterBuy    = "router.buy"
	MethodDcaSchedule  = "dca.schedule"
	MethodDcaTerminate = "dca.terminate"
)

// Call is the signable payload of a transaction
type Call struct {
	Method   string            `json:"method"`
	Chain    string            `json:"chain,omitempty"`
	To       string            `json:"to"`
	Token    string            `json:"token,omitempty"` // contract or mint of the asset sent, empty for the native coin
	AssetIn  string            `json:"asset_in,omitempty"`
	AssetOut string            `json:"asset_out,omitempty"`
	Amount   *big.Int          `json:"amount"`
	Limit    *big.Int          `json:"limit,omitempty"`
	Route    []Hop             `json:"route,omitempty"`
	Memo     string            `json:"memo,omitempty"`
	Args     map[string]string `json:"args,omitempty"`
}

// Value returns the base-unit amount the signer has to send. A buy sends
// its maximum input.
func (c Call) Value() *big.Int {
	if c.Method == MethodRouterBuy && c.Limit != nil {
		return c.Limit
	}
	if c.Amount == nil {
		return new(big.Int)
	}
	return c.Amount
}

// Transaction is a pending transaction handed to the orchestrator
type Transaction struct {
	Name string `json:"name"`
	Hex  string `json:"hex"`
	Call Call   `json:"call"`
}

// NewTransaction builds a transaction and its hex encoding
func NewTransaction(name string, call Call) (*Transaction, error) {
	data, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("failed to encode call: %w", err)
	}
	return &Transaction{
		Name: name,
		Hex:  hexutil.Encode(data),
		Call: call,
	}, nil
}

// DecodeCall restores a call from its hex encoding
func DecodeCall(hex string) (Call, error) {
	var call Call
	data, err := hexutil.Decode(hex)
	if err != nil {
		return call, fmt.Errorf("failed to decode hex: %w", err)
	}
	if err := json.Unmarshal(data, &call); err != nil {
		return call, fmt.Errorf("failed to decode call: %w", err)
	}
	return call, nil
}
