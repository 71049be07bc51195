package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	oneclick "github.com/defuse-protocol/one-click-sdk-go"
	"github.com/shopspring/decimal"
)

// Token is a router-supported token
type Token struct {
	AssetID    string
	Symbol     string
	Blockchain string
	Decimals   int32
	// Price is the last USD price, zero when unknown.
	Price    decimal.Decimal
	Contract string
}

// QuoteParams is one quote request. Amount is in base units of the exact side.
type QuoteParams struct {
	Dry              bool
	ExactOutput      bool
	OriginAsset      string
	DestinationAsset string
	Amount           string
	Recipient        string
	RefundTo         string
	Deadline         time.Time
}

// QuoteResult is the priced quote returned by the router
type QuoteResult struct {
	DepositAddress     string
	DepositMemo        string
	AmountInFormatted  string
	AmountOutFormatted string
	TimeEstimate       float64
}

// ExecutionStatus is the router's view of a swap
type ExecutionStatus struct {
	Status      string    `json:"status"`
	UpdatedAt   time.Time `json:"updated_at"`
	DepositTxs  []string  `json:"deposit_txs,omitempty"`
	WithdrawTxs []string  `json:"withdraw_txs,omitempty"`
	AmountIn    string    `json:"amount_in,omitempty"`
	AmountOut   string    `json:"amount_out,omitempty"`
	DepositAddr string    `json:"deposit_address"`
}

// API is the subset of the 1Click REST surface the router needs
type API interface {
	Tokens(ctx context.Context) ([]Token, error)
	Quote(ctx context.Context, params QuoteParams) (*QuoteResult, error)
	ExecutionStatus(ctx context.Context, depositAddress string) (*ExecutionStatus, error)
	SubmitDeposit(ctx context.Context, depositAddress, txHash string) error
}

// APIError is a non-2xx answer from the router
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

const (
	swapExactInput  = "EXACT_INPUT"
	swapExactOutput = "EXACT_OUTPUT"
	originChain     = "ORIGIN_CHAIN"
	destChain       = "DESTINATION_CHAIN"
	// router-side tolerance in basis points
	routerSlippageBps = 100
)

type sdkAPI struct {
	client *oneclick.APIClient
	jwt    string
}

// NewAPI creates a 1Click API client. An empty baseURL keeps the SDK default.
func NewAPI(baseURL, jwtToken string) API {
	cfg := oneclick.NewConfiguration()
	if baseURL != "" {
		cfg.Servers = oneclick.ServerConfigurations{{URL: baseURL}}
	}
	return &sdkAPI{
		client: oneclick.NewAPIClient(cfg),
		jwt:    jwtToken,
	}
}

func (a *sdkAPI) auth(ctx context.Context) context.Context {
	return context.WithValue(ctx, oneclick.ContextAccessToken, a.jwt)
}

func (a *sdkAPI) Tokens(ctx context.Context) ([]Token, error) {
	resp, httpResp, err := a.client.OneClickAPI.GetTokens(a.auth(ctx)).Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to get tokens: %w", apiError(httpResp, err))
	}
	defer httpResp.Body.Close()

	tokens := make([]Token, 0, len(resp))
	for _, t := range resp {
		tokens = append(tokens, Token{
			AssetID:    t.GetAssetId(),
			Symbol:     t.GetSymbol(),
			Blockchain: t.GetBlockchain(),
			Decimals:   int32(t.GetDecimals()),
			Price:      decimal.NewFromFloat(float64(t.GetPrice())),
			Contract:   t.GetContractAddress(),
		})
	}
	return tokens, nil
}

func (a *sdkAPI) Quote(ctx context.Context, p QuoteParams) (*QuoteResult, error) {
	var req *oneclick.QuoteRequest
	if p.ExactOutput {
		req = oneclick.NewQuoteRequest(p.Dry, swapExactOutput, routerSlippageBps, p.OriginAsset, originChain,
			p.DestinationAsset, p.Amount, p.RefundTo, originChain, p.Recipient, destChain, p.Deadline)
	} else {
		req = oneclick.NewQuoteRequest(p.Dry, swapExactInput, routerSlippageBps, p.OriginAsset, originChain,
			p.DestinationAsset, p.Amount, p.RefundTo, originChain, p.Recipient, destChain, p.Deadline)
	}

	resp, httpResp, err := a.client.OneClickAPI.GetQuote(a.auth(ctx)).QuoteRequest(*req).Execute()
	if err != nil {
		return nil, apiError(httpResp, err)
	}
	defer httpResp.Body.Close()
	if resp == nil {
		return nil, fmt.Errorf("empty quote response")
	}

	q := resp.GetQuote()
	return &QuoteResult{
		DepositAddress:     q.GetDepositAddress(),
		DepositMemo:        q.GetDepositMemo(),
		AmountInFormatted:  q.GetAmountInFormatted(),
		AmountOutFormatted: q.GetAmountOutFormatted(),
		TimeEstimate:       float64(q.GetTimeEstimate()),
	}, nil
}

func (a *sdkAPI) ExecutionStatus(ctx context.Context, depositAddress string) (*ExecutionStatus, error) {
	resp, httpResp, err := a.client.OneClickAPI.GetExecutionStatus(a.auth(ctx)).DepositAddress(depositAddress).Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", apiError(httpResp, err))
	}
	defer httpResp.Body.Close()

	details := resp.GetSwapDetails()
	status := &ExecutionStatus{
		Status:      resp.GetStatus(),
		UpdatedAt:   resp.GetUpdatedAt(),
		DepositAddr: depositAddress,
	}
	for _, tx := range details.GetOriginChainTxHashes() {
		if h := tx.GetHash(); h != "" {
			status.DepositTxs = append(status.DepositTxs, h)
		}
	}
	for _, tx := range details.GetDestinationChainTxHashes() {
		if h := tx.GetHash(); h != "" {
			status.WithdrawTxs = append(status.WithdrawTxs, h)
		}
	}
	if details.HasAmountInFormatted() {
		status.AmountIn = details.GetAmountInFormatted()
	}
	if details.HasAmountOutFormatted() {
		status.AmountOut = details.GetAmountOutFormatted()
	}
	return status, nil
}

func (a *sdkAPI) SubmitDeposit(ctx context.Context, depositAddress, txHash string) error {
	req := oneclick.NewSubmitDepositTxRequest(txHash, depositAddress)
	_, httpResp, err := a.client.OneClickAPI.SubmitDepositTx(a.auth(ctx)).SubmitDepositTxRequest(*req).Execute()
	if err != nil {
		return fmt.Errorf("failed to submit deposit: %w", apiError(httpResp, err))
	}
	defer httpResp.Body.Close()
	return nil
}

// apiError pulls the router's message out of a failed response body
func apiError(httpResp *http.Response, err error) error {
	if httpResp == nil {
		return err
	}
	defer httpResp.Body.Close()
	body, readErr := io.ReadAll(httpResp.Body)
	if readErr != nil || len(body) == 0 {
		return &APIError{StatusCode: httpResp.StatusCode, Message: err.Error()}
	}

	var payload map[string]interface{}
	if jsonErr := json.Unmarshal(body, &payload); jsonErr == nil {
		if message, ok := payload["message"].(string); ok {
			return &APIError{StatusCode: httpResp.StatusCode, Message: message}
		}
		if errs, ok := payload["errors"]; ok {
			return &APIError{StatusCode: httpResp.StatusCode, Message: fmt.Sprint(errs)}
		}
	}
	return &APIError{StatusCode: httpResp.StatusCode, Message: string(body)}
}
