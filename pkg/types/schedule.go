package types

import (
	"math/big"
	"strconv"
)

// Schedule is a recurring order handed to the DCA vault
type Schedule struct {
	Owner      string
	Chain      string
	Vault      string
	Token      string
	Period     int
	MaxRetries int
	// TotalAmount is the budget in base units of the input asset.
	TotalAmount *big.Int
	// Slippage is in parts per million.
	Slippage  int64
	Direction Direction
	AssetIn   string
	AssetOut  string
	// OrderAmount is the per-order exact side, OrderLimit its bound.
	OrderAmount *big.Int
	OrderLimit  *big.Int
	Route       []Hop
}

// Call encodes the schedule as a dca.schedule call that transfers the
// budget to the vault
func (s Schedule) Call() Call {
	args := map[string]string{
		"owner":       s.Owner,
		"period":      strconv.Itoa(s.Period),
		"max_retries": strconv.Itoa(s.MaxRetries),
		"slippage":    strconv.FormatInt(s.Slippage, 10),
		"direction":   string(s.Direction),
	}
	if s.OrderAmount != nil {
		args["order_amount"] = s.OrderAmount.String()
	}
	if s.OrderLimit != nil {
		args["order_limit"] = s.OrderLimit.String()
	}
	return Call{
		Method:   MethodDcaSchedule,
		Chain:    s.Chain,
		To:       s.Vault,
		Token:    s.Token,
		AssetIn:  s.AssetIn,
		AssetOut: s.AssetOut,
		Amount:   s.TotalAmount,
		Route:    s.Route,
		Args:     args,
	}
}

// TerminateCall asks the vault to stop a schedule and refund what is left
func TerminateCall(chain, owner, vault, scheduleID string) Call {
	return Call{
		Method: MethodDcaTerminate,
		Chain:  chain,
		To:     vault,
		Amount: new(big.Int),
		Memo:   scheduleID,
		Args:   map[string]string{"owner": owner, "schedule_id": scheduleID},
	}
}
