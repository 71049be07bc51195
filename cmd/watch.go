package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swapdesk/pkg/trade"
)

var (
	watchPair   string
	watchAmount string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow new blocks, balances and DCA positions",
	Long: `Run the block-driven refresh loop: every new head reloads the account
balances, re-quotes the selected pair and syncs DCA positions with the
indexer. Notifications are printed as they arrive and metrics are served
when metrics.addr is set.

Examples:
  swapdesk watch
  swapdesk watch --pair USDC/SOL --amount 100`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchPair, "pair", "", "Pair to keep quoted, as IN/OUT (defaults to stable/native)")
	watchCmd.Flags().StringVar(&watchAmount, "amount", "1", "Amount of the IN token to keep quoted")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	inID, outID := "", ""
	if watchPair != "" {
		parts := strings.SplitN(watchPair, "/", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid pair %q, expected IN/OUT", watchPair)
		}
		in, err := a.ResolveAsset(parts[0], "")
		if err != nil {
			return err
		}
		out, err := a.ResolveAsset(parts[1], "")
		if err != nil {
			return err
		}
		inID, outID = in.ID, out.ID
	}
	if err := a.Trade.Init(inID, outID); err != nil {
		return err
	}
	if err := a.DCA.Init(ctx, inID, outID); err != nil {
		return err
	}

	a.Registry.OnAppend(printNotification)
	var (
		mu   sync.Mutex
		last string
	)
	unsubscribe := a.Trade.Subscribe(func(st trade.State) {
		if st.Phase != trade.Quoted || !st.Selected() || st.AmountOut == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if st.AmountOut == last {
			return
		}
		last = st.AmountOut
		fmt.Printf("%s %s %s -> %s %s\n", color.HiBlackString("block %d", a.Trigger.Last()),
			st.AmountIn, st.AssetIn.Symbol, color.CyanString(st.AmountOut), st.AssetOut.Symbol)
	})
	defer unsubscribe()

	a.Trade.SetAmountIn(watchAmount)

	color.Green("Watching %s. Press Ctrl+C to stop.", a.Signers.DefaultChain())
	return a.Run(ctx)
}
