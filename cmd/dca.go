package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swapdesk/pkg/dca"
	"swapdesk/pkg/notify"
)

var (
	dcaBudget   string
	dcaInterval string
)

var dcaCmd = &cobra.Command{
	Use:   "dca",
	Short: "Manage recurring DCA positions",
	Long: `Schedule recurring sells of one token into another, list the positions of
the connected account and terminate them.

Examples:
  swapdesk dca schedule 10 USDC into SOL --budget 100 --interval day
  swapdesk dca list
  swapdesk dca terminate 42`,
}

var dcaScheduleCmd = &cobra.Command{
	Use:   "schedule <amount> <token> into <token>",
	Short: "Schedule a new DCA position",
	Args:  cobra.ExactArgs(4),
	RunE:  runDcaSchedule,
}

var dcaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the DCA positions of the connected account",
	RunE:  runDcaList,
}

var dcaTerminateCmd = &cobra.Command{
	Use:   "terminate <position-id>",
	Short: "Terminate an active DCA position",
	Args:  cobra.ExactArgs(1),
	RunE:  runDcaTerminate,
}

func init() {
	rootCmd.AddCommand(dcaCmd)
	dcaCmd.AddCommand(dcaScheduleCmd, dcaListCmd, dcaTerminateCmd)

	dcaScheduleCmd.Flags().StringVar(&dcaBudget, "budget", "", "Total amount to spend (REQUIRED)")
	dcaScheduleCmd.Flags().StringVar(&dcaInterval, "interval", string(dca.Daily), "Time between orders: hour, day or week")
	dcaScheduleCmd.Flags().BoolVarP(&noConfirm, "yes", "y", false, "Skip confirmation prompt")
	_ = dcaScheduleCmd.MarkFlagRequired("budget")
}

func runDcaSchedule(cmd *cobra.Command, args []string) error {
	if !strings.EqualFold(args[2], "into") {
		return errors.New("expected: dca schedule <amount> <token> into <token>")
	}

	ctx := cmd.Context()
	a, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := a.ResolveAsset(args[1], "")
	if err != nil {
		return err
	}
	out, err := a.ResolveAsset(args[3], "")
	if err != nil {
		return err
	}
	if err := a.DCA.Init(ctx, in.ID, out.ID); err != nil {
		return err
	}
	if err := a.DCA.SetInterval(dca.Interval(strings.ToLower(dcaInterval))); err != nil {
		return err
	}
	a.DCA.SetAmountIn(args[0])
	a.DCA.SetBudget(dcaBudget)

	st := a.DCA.Snapshot()
	jsonOutput := flagBool(cmd, "json")
	if !jsonOutput {
		fmt.Println("\n" + strings.Repeat("=", 60))
		color.Green("                     DCA SCHEDULE")
		fmt.Println(strings.Repeat("=", 60))
		fmt.Printf("\n  Per Order:         %s %s\n", st.AmountIn, color.YellowString(st.AssetIn.Symbol))
		fmt.Printf("  Estimated Out:     ~%s %s\n", st.AmountOut, color.YellowString(st.AssetOut.Symbol))
		fmt.Printf("  Budget:            %s %s\n", st.Budget, st.AssetIn.Symbol)
		fmt.Printf("  Every:             %s\n", st.Interval)
		fmt.Printf("  Spot Price:        %s\n", st.SpotPrice)
		for kind, msg := range st.Errors {
			color.Red("\n  %s: %s", kind, msg)
		}
		fmt.Println("\n" + strings.Repeat("=", 60) + "\n")
	}
	if len(st.Errors) > 0 {
		return dca.ErrInvalidForm
	}
	if !noConfirm && !jsonOutput && !confirm("Schedule this position?") {
		fmt.Println("\nCancelled.")
		return nil
	}

	a.Registry.OnAppend(func(n notify.Notification) {
		if !jsonOutput {
			printNotification(n)
		}
	})
	pos, err := a.DCA.Schedule(ctx)
	if err != nil {
		return err
	}
	a.Center.Wait()

	if jsonOutput {
		data, _ := json.MarshalIndent(pos, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	printSuccess(fmt.Sprintf("Position %s is pending until the indexer picks it up.", pos.ID))
	return nil
}

func runDcaList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.DCA.SyncPositions(ctx); err != nil {
		color.Yellow("Could not reach the indexer, showing local positions: %v", err)
	}
	positions := a.DCA.Positions()

	if flagBool(cmd, "json") {
		data, _ := json.MarshalIndent(positions, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	if len(positions) == 0 {
		color.Yellow("No DCA positions found in %s.\n", a.DCAStore.Path())
		fmt.Println("\nSchedule one with:")
		color.Cyan("  swapdesk dca schedule <amount> <token> into <token> --budget <amount>\n")
		return nil
	}

	fmt.Println("\n" + strings.Repeat("=", 110))
	color.Green("                                           DCA POSITIONS")
	fmt.Println(strings.Repeat("=", 110))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nID\tPAIR\tPER ORDER\tREMAINING\tEVERY\tSTATUS\tEXECUTIONS")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for _, p := range positions {
		every := string(p.Interval)
		if every == "" {
			every = fmt.Sprintf("%d blocks", p.Period)
		}
		remaining := p.Remaining
		if remaining == "" {
			remaining = p.Budget
		}
		fmt.Fprintf(w, "%s\t%s -> %s\t%s\t%s / %s\t%s\t%s\t%d\n",
			truncateString(p.ID, 12), p.AssetIn, p.AssetOut, p.AmountPerTrade, remaining, p.Budget,
			every, positionStatusColor(p.Status), p.Executions)
	}
	w.Flush()
	fmt.Println("\n" + strings.Repeat("=", 110) + "\n")
	return nil
}

func runDcaTerminate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.DCA.SyncPositions(ctx); err != nil {
		color.Yellow("Could not reach the indexer: %v", err)
	}
	a.Registry.OnAppend(printNotification)
	if err := a.DCA.Terminate(ctx, args[0]); err != nil {
		return err
	}
	a.Center.Wait()
	return nil
}

func positionStatusColor(status dca.PositionStatus) string {
	switch status {
	case dca.StatusActive:
		return color.GreenString(string(status))
	case dca.StatusPending, dca.StatusTerminating:
		return color.YellowString(string(status))
	case dca.StatusCompleted:
		return color.BlueString(string(status))
	case dca.StatusTerminated:
		return color.RedString(string(status))
	default:
		return string(status)
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
