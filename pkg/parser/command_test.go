package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapdesk/pkg/types"
)

func TestParseSwapCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    types.SwapRequest
	}{
		{
			name:    "swap prefix",
			command: "swap 1 SOL to USDC",
			want:    types.SwapRequest{Direction: types.Sell, Amount: "1", SourceToken: "SOL", DestToken: "USDC"},
		},
		{
			name:    "bare sell with chains",
			command: "  100.5 usdc@eth   for sol ",
			want:    types.SwapRequest{Direction: types.Sell, Amount: "100.5", SourceToken: "USDC", SourceChain: "eth", DestToken: "SOL"},
		},
		{
			name:    "buy names the bought token first",
			command: "buy 2 SOL with USDC@SOLANA",
			want:    types.SwapRequest{Direction: types.Buy, Amount: "2", SourceToken: "USDC", SourceChain: "solana", DestToken: "SOL"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSwapCommand(tt.command)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
			assert.NoError(t, ValidateSwapRequest(got))
		})
	}
}

func TestParseSwapCommandRejects(t *testing.T) {
	for _, cmd := range []string{"", "swap SOL to USDC", "buy 1 SOL to USDC", "swap 1 SOL"} {
		_, err := ParseSwapCommand(cmd)
		assert.Error(t, err, cmd)
	}
}

func TestValidateSwapRequest(t *testing.T) {
	req := &types.SwapRequest{Direction: types.Sell, Amount: "0", SourceToken: "SOL", DestToken: "USDC"}
	assert.Error(t, ValidateSwapRequest(req))

	req.Amount = "1"
	req.DestToken = "wsol"
	assert.Error(t, ValidateSwapRequest(req))

	req.DestChain = "ethereum"
	assert.NoError(t, ValidateSwapRequest(req))
}
