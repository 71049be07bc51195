package types

// SwapRequest represents a user's trade command
type SwapRequest struct {
	Direction   Direction
	Amount      string
	SourceToken string
	DestToken   string
	SourceChain string
	DestChain   string
}

// QuoteDisplay holds formatted quote information for display
type QuoteDisplay struct {
	SourceAmount   string `json:"source_amount"`
	SourceToken    string `json:"source_token"`
	DestAmount     string `json:"dest_amount"`
	DestToken      string `json:"dest_token"`
	SpotPrice      string `json:"spot_price"`
	AfterSlippage  string `json:"after_slippage"`
	PriceImpact    string `json:"price_impact"`
	TradeFee       string `json:"trade_fee"`
	TransactionFee string `json:"transaction_fee,omitempty"`
	DepositAddress string `json:"deposit_address,omitempty"`
}
