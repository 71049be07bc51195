package cmd

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swapdesk/pkg/client"
	"swapdesk/pkg/signer"
	"swapdesk/pkg/types"
)

var (
	filterChain  string
	filterSymbol string
)

var tokensCmd = &cobra.Command{
	Use:     "tokens",
	Aliases: []string{"list-tokens", "ls"},
	Short:   "List all supported tokens",
	Long: `List all tokens the router can trade.

Examples:
  swapdesk tokens
  swapdesk tokens --chain solana
  swapdesk tokens --symbol USDC`,
	RunE: runListTokens,
}

func init() {
	rootCmd.AddCommand(tokensCmd)

	tokensCmd.Flags().StringVar(&filterChain, "chain", "", "Filter by blockchain")
	tokensCmd.Flags().StringVar(&filterSymbol, "symbol", "", "Filter by token symbol")
}

func runListTokens(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireJWT(); err != nil {
		return err
	}
	router := client.NewOneClick(client.NewAPI(cfg.BaseURL, cfg.JWTToken), client.Options{Logger: newLogger(cmd, cfg)})

	stop := startSpinner(cmd, "Fetching supported tokens...")
	assets, err := router.Assets(cmd.Context())
	stop()
	if err != nil {
		return err
	}

	chain := signer.NormalizeChain(filterChain)
	symbol := strings.ToUpper(filterSymbol)
	filtered := assets[:0]
	for _, a := range assets {
		if chain != "" && a.Chain != chain {
			continue
		}
		if symbol != "" && !strings.Contains(strings.ToUpper(a.Symbol), symbol) {
			continue
		}
		filtered = append(filtered, a)
	}

	if flagBool(cmd, "json") {
		data, _ := json.MarshalIndent(filtered, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	displayTokens(filtered)
	return nil
}

func displayTokens(assets []types.Asset) {
	if len(assets) == 0 {
		fmt.Println("\nNo tokens found matching the criteria.")
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	color.Green("                            SUPPORTED TOKENS")
	fmt.Println(strings.Repeat("=", 90))

	byChain := make(map[string][]types.Asset)
	for _, a := range assets {
		byChain[a.Chain] = append(byChain[a.Chain], a)
	}
	chains := make([]string, 0, len(byChain))
	for c := range byChain {
		chains = append(chains, c)
	}
	sort.Strings(chains)

	for _, c := range chains {
		color.Cyan("\n%s", strings.ToUpper(c))
		fmt.Println(strings.Repeat("-", 90))
		for _, a := range byChain[c] {
			address := a.Address
			if address == "" {
				address = "native"
			}
			if len(address) > 40 {
				address = address[:37] + "..."
			}
			fmt.Printf("  %-10s  %2d decimals  %s\n",
				color.YellowString(a.Symbol),
				a.Decimals,
				color.HiBlackString(address))
		}
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	fmt.Printf("\nTotal: %d tokens across %d blockchains\n\n", len(assets), len(chains))
}
