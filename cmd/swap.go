package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/app"
	"swapdesk/pkg/notify"
	"swapdesk/pkg/parser"
	"swapdesk/pkg/trade"
	"swapdesk/pkg/types"
)

var (
	fromChain     string
	toChain       string
	recipientAddr string
	refundAddr    string
	noConfirm     bool
	useTwap       bool
	useMax        bool
)

var swapCmd = &cobra.Command{
	Use:   "swap <amount> <source-token> to <dest-token>",
	Short: "Quote, sign and track a swap",
	Long: `Quote a trade through the router, sign it with the configured wallet and
follow it until it is final.

A sell fixes the amount you pay, a buy the amount you receive. With --twap a
trade whose price impact is too high is split into a schedule of smaller
orders executed every few blocks.

Examples:
  swapdesk swap 1 SOL to USDC
  swapdesk swap 100 USDC@eth for SOL --recipient <solana-addr>
  swapdesk swap buy 2 SOL with USDC --twap
  swapdesk swap 0 SOL to USDC --max --yes`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSwap,
}

func init() {
	rootCmd.AddCommand(swapCmd)

	swapCmd.Flags().StringVar(&fromChain, "from-chain", "", "Source blockchain (optional)")
	swapCmd.Flags().StringVar(&toChain, "to-chain", "", "Destination blockchain (optional)")
	swapCmd.Flags().StringVar(&recipientAddr, "recipient", "", "Recipient address (defaults to the connected account)")
	swapCmd.Flags().StringVar(&refundAddr, "refund-to", "", "Refund address on the source chain (defaults to the connected account)")
	swapCmd.Flags().BoolVarP(&noConfirm, "yes", "y", false, "Skip confirmation prompt")
	swapCmd.Flags().BoolVar(&useTwap, "twap", false, "Split the trade into a TWAP schedule")
	swapCmd.Flags().BoolVar(&useMax, "max", false, "Trade the whole spendable balance")
}

func runSwap(cmd *cobra.Command, args []string) error {
	req, err := parser.ParseSwapCommand(strings.Join(args, " "))
	if err != nil {
		return err
	}
	if fromChain != "" {
		req.SourceChain = fromChain
	}
	if toChain != "" {
		req.DestChain = toChain
	}
	check := *req
	if useMax {
		// the amount is replaced by the spendable balance
		check.Amount = "1"
	}
	if err := parser.ValidateSwapRequest(&check); err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if recipientAddr != "" || refundAddr != "" {
		acct := a.Session.Account()
		recipient, refund := recipientAddr, refundAddr
		if acct != nil && recipient == "" {
			recipient = acct.Address
		}
		if acct != nil && refund == "" {
			refund = acct.Address
		}
		a.Router.SetRecipient(recipient, refund)
	}

	st, err := quoteTrade(cmd, a, req)
	if err != nil {
		return err
	}

	jsonOutput := flagBool(cmd, "json")
	if jsonOutput {
		data, _ := json.MarshalIndent(st, "", "  ")
		fmt.Println(string(data))
	} else {
		displayQuote(st)
	}
	if st.HasErrors() {
		return fmt.Errorf("%w: %s", trade.ErrNotTradeable, joinErrors(st.Errors))
	}

	if !noConfirm && !jsonOutput && !confirm("Proceed with swap?") {
		fmt.Println("\nSwap cancelled.")
		return nil
	}

	var (
		mu    sync.Mutex
		final notify.Notification
	)
	a.Registry.OnAppend(func(n notify.Notification) {
		if !jsonOutput {
			printNotification(n)
		}
		if n.Kind != notify.KindProgress {
			mu.Lock()
			final = n
			mu.Unlock()
		}
	})

	if err := a.Trade.Confirm(); err != nil {
		return err
	}
	a.Center.Wait()

	mu.Lock()
	defer mu.Unlock()
	if final.Kind == notify.KindError {
		return errors.New(final.Message)
	}
	if !jsonOutput && st.Quote != nil && len(st.Quote.Route) > 0 && st.Transaction != nil && st.Transaction.Call.To != "" {
		fmt.Println("You can monitor the routed swap using:")
		color.Cyan("  swapdesk status %s\n", st.Transaction.Call.To)
	}
	return nil
}

// quoteTrade drives the trade machine to a quoted state
func quoteTrade(cmd *cobra.Command, a *app.App, req *types.SwapRequest) (trade.State, error) {
	in, err := a.ResolveAsset(req.SourceToken, req.SourceChain)
	if err != nil {
		return trade.State{}, err
	}
	out, err := a.ResolveAsset(req.DestToken, req.DestChain)
	if err != nil {
		return trade.State{}, err
	}
	if err := a.Trade.Init(in.ID, out.ID); err != nil {
		return trade.State{}, err
	}
	if useTwap && !a.Twap.Allowed() {
		color.Yellow("TWAP is disabled in the configuration (trade.twap), quoting a single trade.")
	}
	a.Trade.ToggleTwap(useTwap)

	stop := startSpinner(cmd, "Fetching quote...")
	defer stop()

	switch {
	case useMax && req.Direction == types.Buy:
		err = a.Trade.SetMaxAmountOut(cmd.Context())
	case useMax:
		err = a.Trade.SetMaxAmountIn(cmd.Context())
	case req.Direction == types.Buy:
		a.Trade.SetAmountOut(req.Amount)
	default:
		a.Trade.SetAmountIn(req.Amount)
	}
	if err != nil {
		return trade.State{}, err
	}
	a.Trade.Wait()
	return a.Trade.Snapshot(), nil
}

func joinErrors(errs trade.ErrorSet) string {
	msgs := make([]string, 0, len(errs))
	for _, m := range errs {
		msgs = append(msgs, m)
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

func displayQuote(st trade.State) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	color.Green("                     SWAP QUOTE")
	fmt.Println(strings.Repeat("=", 60))

	verb := "Sell"
	if st.Direction == types.Buy {
		verb = "Buy"
	}
	fmt.Printf("\n  Direction:         %s\n", verb)
	fmt.Printf("  From:              %s %s\n", amount.Humanize(st.AmountIn, 0), color.YellowString(st.AssetIn.Symbol))
	fmt.Printf("  To:                ~%s %s\n", amount.Humanize(st.AmountOut, 0), color.YellowString(st.AssetOut.Symbol))
	if st.BalanceIn != "" {
		fmt.Printf("  Balance:           %s %s\n", amount.Humanize(st.BalanceIn, 0), st.AssetIn.Symbol)
	}
	if q := st.Quote; q != nil {
		fmt.Printf("  Spot Price:        %s\n", q.SpotPrice)
		limit := "Minimum Received:"
		if st.Direction == types.Buy {
			limit = "Maximum Sold:    "
		}
		fmt.Printf("  %s  %s\n", limit, q.AfterSlippage)
		fmt.Printf("  Price Impact:      %s%%\n", q.PriceImpactPct)
		fmt.Printf("  Trade Fee:         %s (%s%%)\n", q.TradeFee, q.TradeFeePct)
	}
	if st.Fee != nil {
		fmt.Printf("  Transaction Fee:   %s %s\n", st.Fee.Amount, st.Fee.Asset)
	}
	if st.Transaction != nil && st.Transaction.Call.To != "" {
		fmt.Printf("  Deposit Address:   %s\n", color.CyanString(st.Transaction.Call.To))
		if st.Transaction.Call.Memo != "" {
			fmt.Printf("  Memo:              %s\n", color.MagentaString(st.Transaction.Call.Memo))
		}
	}
	if plan := st.Twap.Plan; st.Twap.Enabled && plan != nil {
		color.Cyan("\n  TWAP")
		fmt.Printf("  Orders:            %d over %s\n", plan.Reps, plan.Duration)
		fmt.Printf("  Per Order:         %s -> %s\n", plan.PerOrderIn.String(), plan.PerOrderOut.String())
		fmt.Printf("  Budget:            %s\n", plan.Budget.String())
		if plan.TradeError != "" {
			color.Red("  %s", plan.TradeError)
		}
	}
	for kind, msg := range st.Errors {
		color.Red("\n  %s: %s", kind, msg)
	}

	fmt.Println("\n" + strings.Repeat("=", 60) + "\n")
}

func printNotification(n notify.Notification) {
	switch n.Kind {
	case notify.KindSuccess:
		color.Green("✓ %s", n.Message)
	case notify.KindError:
		color.Red("✗ %s", n.Message)
	default:
		color.Yellow("… %s", n.Message)
	}
	if block := n.Meta["blockNumber"]; block != "" {
		fmt.Printf("  Included in block %s %s\n", block, color.HiBlackString(n.Meta["blockHash"]))
	}
}

func confirm(prompt string) bool {
	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("\n%s (y/N): ", prompt)

	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
