package parser

import (
	"fmt"
	"regexp"
	"strings"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/types"
)

// token with an optional chain, e.g. "USDC" or "USDC@ETH"
const tokenExpr = `([A-Z0-9]+)(?:@([A-Z0-9]+))?`

var (
	sellPattern = regexp.MustCompile(`^(?:SWAP |SELL )?(\d+\.?\d*)\s+` + tokenExpr + `\s+(?:TO|FOR)\s+` + tokenExpr + `$`)
	buyPattern  = regexp.MustCompile(`^BUY (\d+\.?\d*)\s+` + tokenExpr + `\s+(?:WITH|USING)\s+` + tokenExpr + `$`)
)

// ParseSwapCommand parses a natural language trade command.
// Examples:
//   - "swap 1 SOL to USDC" sells 1 SOL
//   - "100 USDC@ETH for SOL" sells 100 USDC on Ethereum
//   - "buy 2 SOL with USDC" buys exactly 2 SOL
func ParseSwapCommand(command string) (*types.SwapRequest, error) {
	command = strings.Join(strings.Fields(strings.ToUpper(command)), " ")

	if m := buyPattern.FindStringSubmatch(command); m != nil {
		// the bought token is named first
		return &types.SwapRequest{
			Direction:   types.Buy,
			Amount:      m[1],
			DestToken:   m[2],
			DestChain:   strings.ToLower(m[3]),
			SourceToken: m[4],
			SourceChain: strings.ToLower(m[5]),
		}, nil
	}
	if m := sellPattern.FindStringSubmatch(command); m != nil {
		return &types.SwapRequest{
			Direction:   types.Sell,
			Amount:      m[1],
			SourceToken: m[2],
			SourceChain: strings.ToLower(m[3]),
			DestToken:   m[4],
			DestChain:   strings.ToLower(m[5]),
		}, nil
	}
	return nil, fmt.Errorf("invalid swap command format. Expected: 'swap <amount> <token> to <token>' or 'buy <amount> <token> with <token>'")
}

// ValidateSwapRequest validates that a swap request has all required fields
func ValidateSwapRequest(req *types.SwapRequest) error {
	if req.Amount == "" {
		return fmt.Errorf("amount is required")
	}
	v, err := amount.Parse(req.Amount)
	if err != nil || !v.IsPositive() {
		return fmt.Errorf("amount must be a positive number")
	}
	if req.SourceToken == "" {
		return fmt.Errorf("source token is required")
	}
	if req.DestToken == "" {
		return fmt.Errorf("destination token is required")
	}
	if req.Direction != types.Sell && req.Direction != types.Buy {
		return fmt.Errorf("unknown direction %q", req.Direction)
	}
	if NormalizeTokenSymbol(req.SourceToken) == NormalizeTokenSymbol(req.DestToken) && req.SourceChain == req.DestChain {
		return fmt.Errorf("cannot trade %s for itself", req.SourceToken)
	}
	return nil
}

// NormalizeTokenSymbol normalizes token symbols to standard format
func NormalizeTokenSymbol(symbol string) string {
	symbol = strings.TrimSpace(strings.ToUpper(symbol))

	aliases := map[string]string{
		"WBTC": "BTC",
		"WETH": "ETH",
		"WSOL": "SOL",
	}
	if normalized, exists := aliases[symbol]; exists {
		return normalized
	}
	return symbol
}
