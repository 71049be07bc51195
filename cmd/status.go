package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swapdesk/pkg/client"
)

var (
	watchStatus   bool
	watchInterval time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status <deposit-address>",
	Short: "Check the status of a swap",
	Long: `Check the execution status of a routed swap by its deposit address.

Examples:
  swapdesk status 0x1234...abcd
  swapdesk status 0x1234...abcd --watch --interval 10s`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "Watch status updates until the swap settles")
	statusCmd.Flags().DurationVar(&watchInterval, "interval", 5*time.Second, "Polling interval when watching")
}

func runStatus(cmd *cobra.Command, args []string) error {
	depositAddress := args[0]
	jsonOutput := flagBool(cmd, "json")

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequireJWT(); err != nil {
		return err
	}
	router := client.NewOneClick(client.NewAPI(cfg.BaseURL, cfg.JWTToken), client.Options{Logger: newLogger(cmd, cfg)})

	if !watchStatus {
		stop := startSpinner(cmd, "Checking swap status...")
		status, err := router.Status(cmd.Context(), depositAddress)
		stop()
		if err != nil {
			return err
		}
		if jsonOutput {
			data, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		displayStatus(status, depositAddress)
		return nil
	}

	if jsonOutput {
		return errors.New("watch mode not supported with JSON output")
	}
	fmt.Printf("\nWatching swap status (Deposit Address: %s)\n", color.CyanString(depositAddress))
	fmt.Printf("Checking every %s. Press Ctrl+C to stop.\n\n", watchInterval)
	return watchSwapStatus(cmd.Context(), router, depositAddress)
}

func watchSwapStatus(ctx context.Context, router *client.OneClick, depositAddress string) error {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		status, err := router.Status(ctx, depositAddress)
		if err != nil {
			color.Red("Error: %v", err)
		} else {
			displayStatus(status, depositAddress)
			if settled(status.Status) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func settled(status string) bool {
	switch strings.ToUpper(status) {
	case "SUCCESS", "FAILED", "REFUNDED":
		return true
	}
	return false
}

func displayStatus(status *client.ExecutionStatus, depositAddress string) {
	fmt.Println("\n" + strings.Repeat("=", 70))
	color.Green("                        SWAP STATUS")
	fmt.Println(strings.Repeat("=", 70))

	fmt.Printf("\n  Deposit Address: %s\n", color.CyanString(depositAddress))
	fmt.Printf("  Status:          %s\n", coloredStatus(status.Status))
	if !status.UpdatedAt.IsZero() {
		fmt.Printf("  Last Updated:    %s\n", status.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	for _, hash := range status.DepositTxs {
		fmt.Printf("  Deposit Tx:      %s\n", color.HiBlackString(hash))
	}
	for _, hash := range status.WithdrawTxs {
		fmt.Printf("  Withdrawal Tx:   %s\n", color.HiBlackString(hash))
	}
	if status.AmountIn != "" {
		fmt.Printf("  Amount In:       %s\n", status.AmountIn)
	}
	if status.AmountOut != "" {
		fmt.Printf("  Amount Out:      %s\n", status.AmountOut)
	}

	fmt.Println("\n" + strings.Repeat("=", 70) + "\n")
}

func coloredStatus(status string) string {
	status = strings.ToUpper(status)

	switch status {
	case "SUCCESS", "COMPLETED":
		return color.GreenString(status)
	case "PENDING_DEPOSIT", "PENDING", "PROCESSING", "KNOWN_DEPOSIT_TX":
		return color.YellowString(status)
	case "FAILED", "REFUNDED":
		return color.RedString(status)
	case "INCOMPLETE_DEPOSIT":
		return color.MagentaString(status)
	default:
		return status
	}
}
