package trade

import (
	"errors"

	"swapdesk/pkg/twap"
	"swapdesk/pkg/types"
)

var (
	ErrNoAccount     = errors.New("no account connected")
	ErrNoTransaction = errors.New("no pending transaction")
	ErrNotTradeable  = errors.New("trade has validation errors")
	ErrUnknownAsset  = errors.New("unknown asset")
)

// Side is the amount field the user is editing
type Side int

const (
	SideNone Side = iota
	SideIn
	SideOut
)

func (s Side) String() string {
	switch s {
	case SideIn:
		return "in"
	case SideOut:
		return "out"
	}
	return "none"
}

// Phase is the observable recompute state
type Phase string

const (
	Idle          Phase = "idle"
	AwaitingQuote Phase = "awaiting_quote"
	Quoted        Phase = "quoted"
)

// ErrorKind is a validation error class
type ErrorKind string

const (
	BalanceError ErrorKind = "balance"
	TradeError   ErrorKind = "trade"
	PoolError    ErrorKind = "pool"
)

// ErrorSet holds at most one message per kind
type ErrorSet map[ErrorKind]string

// Has reports whether kind is set
func (e ErrorSet) Has(kind ErrorKind) bool {
	_, ok := e[kind]
	return ok
}

func (e ErrorSet) clone() ErrorSet {
	out := make(ErrorSet, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// User-facing validation messages
const (
	msgBalance       = "Insufficient balance"
	msgInvalidPair   = "Invalid pair, no pool found"
	msgTradingAmount = "Trade amount is below the minimum trading limit"
	msgMaxOutRatio   = "Trade exceeds the maximum out ratio of the pool"
	msgMaxInRatio    = "Trade exceeds the maximum in ratio of the pool"
)

func translateHopError(err types.HopError) string {
	switch err {
	case types.InsufficientTradingAmount:
		return msgTradingAmount
	case types.MaxOutRatioExceeded:
		return msgMaxOutRatio
	case types.MaxInRatioExceeded:
		return msgMaxInRatio
	}
	return string(err)
}

// Quote is the derived part of the trade, replaced on every commit
type Quote struct {
	AmountIn       string      `json:"amount_in"`
	AmountOut      string      `json:"amount_out"`
	SpotPrice      string      `json:"spot_price"`
	AfterSlippage  string      `json:"after_slippage"`
	PriceImpactPct string      `json:"price_impact_pct"`
	TradeFee       string      `json:"trade_fee"`
	TradeFeePct    string      `json:"trade_fee_pct"`
	Route          []types.Hop `json:"route"`
}

// TransactionFee is the fee of the pending transaction in the fee-payment asset
type TransactionFee struct {
	Amount             string `json:"amount"`
	AmountNative       string `json:"amount_native"`
	Asset              string `json:"asset"`
	ExistentialDeposit string `json:"existential_deposit"`
}

// State is a copy of the machine state
type State struct {
	Direction   types.Direction    `json:"direction"`
	AssetIn     *types.Asset       `json:"asset_in"`
	AssetOut    *types.Asset       `json:"asset_out"`
	AmountIn    string             `json:"amount_in"`
	AmountOut   string             `json:"amount_out"`
	BalanceIn   string             `json:"balance_in"`
	BalanceOut  string             `json:"balance_out"`
	SpotPrice   string             `json:"spot_price"`
	Quote       *Quote             `json:"quote"`
	Transaction *types.Transaction `json:"transaction"`
	Fee         *TransactionFee    `json:"fee"`
	Errors      ErrorSet           `json:"errors"`
	InProgress  bool               `json:"in_progress"`
	Active      Side               `json:"active"`
	Phase       Phase              `json:"phase"`
	Twap        twap.Snapshot      `json:"twap"`
}

// Selected reports whether both assets are chosen
func (s State) Selected() bool {
	return s.AssetIn != nil && s.AssetOut != nil
}

// Empty reports whether neither amount is set
func (s State) Empty() bool {
	return s.AmountIn == "" && s.AmountOut == ""
}

// HasErrors reports whether any validation error is set
func (s State) HasErrors() bool {
	return len(s.Errors) > 0
}

// state is the mutable form guarded by Machine.mu
type state struct {
	direction   types.Direction
	assetIn     *types.Asset
	assetOut    *types.Asset
	amountIn    string
	amountOut   string
	balanceIn   string
	balanceOut  string
	spotPrice   string
	quote       *Quote
	tx          *types.Transaction
	fee         *TransactionFee
	errors      ErrorSet
	inProgress  bool
	active      Side
	phase       Phase
	singleBound string
}

func (s *state) selected() bool {
	return s.assetIn != nil && s.assetOut != nil
}

func (s *state) empty() bool {
	return s.amountIn == "" && s.amountOut == ""
}

// driving returns the side whose amount drives the next quote
func (s *state) driving() Side {
	switch {
	case s.active == SideOut && s.amountOut != "":
		return SideOut
	case s.amountIn != "":
		return SideIn
	case s.amountOut != "":
		return SideOut
	}
	return SideNone
}

func (s *state) copyOut() State {
	out := State{
		Direction:   s.direction,
		AmountIn:    s.amountIn,
		AmountOut:   s.amountOut,
		BalanceIn:   s.balanceIn,
		BalanceOut:  s.balanceOut,
		SpotPrice:   s.spotPrice,
		Transaction: s.tx,
		Errors:      s.errors.clone(),
		InProgress:  s.inProgress,
		Active:      s.active,
		Phase:       s.phase,
	}
	if s.assetIn != nil {
		a := *s.assetIn
		out.AssetIn = &a
	}
	if s.assetOut != nil {
		a := *s.assetOut
		out.AssetOut = &a
	}
	if s.quote != nil {
		q := *s.quote
		q.Route = append([]types.Hop(nil), s.quote.Route...)
		out.Quote = &q
	}
	if s.fee != nil {
		f := *s.fee
		out.Fee = &f
	}
	return out
}
