package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"swapdesk/pkg/indexer"
)

var (
	historyUntil   string
	historyMigrate bool
)

var historyCmd = &cobra.Command{
	Use:   "history <asset-in-id> <asset-out-id>",
	Short: "Show hourly price history of a pair from the indexer",
	Long: `Read executed trades of a pair from the indexer database and show the
hourly high, low and average price. Trades in both directions are counted.

Examples:
  swapdesk history nep141:usdc nep141:sol
  swapdesk history nep141:usdc nep141:sol --until 2024-03-01T00:00:00Z`,
	Args: cobra.ExactArgs(2),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&historyUntil, "until", "", "End of the range in RFC3339 (defaults to now)")
	historyCmd.Flags().BoolVar(&historyMigrate, "migrate", false, "Create the indexer tables before querying")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Indexer.DSN == "" {
		return errors.New("indexer DSN not configured. Set SWAPDESK_INDEXER_DSN or indexer.dsn in .swapdesk.yaml")
	}

	until := time.Now()
	if historyUntil != "" {
		if until, err = time.Parse(time.RFC3339, historyUntil); err != nil {
			return fmt.Errorf("invalid --until: %w", err)
		}
	}

	ctx := cmd.Context()
	store, err := indexer.Connect(ctx, cfg.Indexer.DSN, newLogger(cmd, cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	if historyMigrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	stop := startSpinner(cmd, "Querying price history...")
	buckets, err := store.PriceHistory(ctx, args[0], args[1], until)
	stop()
	if err != nil {
		return err
	}

	if flagBool(cmd, "json") {
		data, _ := json.MarshalIndent(buckets, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	if len(buckets) == 0 {
		color.Yellow("No trades found for %s/%s.\n", args[0], args[1])
		return nil
	}

	fmt.Println("\n" + strings.Repeat("=", 90))
	color.Green("                       PRICE HISTORY  %s / %s", args[0], args[1])
	fmt.Println(strings.Repeat("=", 90))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nHOUR\tHIGH\tLOW\tAVG\tTRADES")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, b := range buckets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			b.Time.UTC().Format("2006-01-02 15:04"),
			b.High.StringFixed(6), b.Low.StringFixed(6), b.Avg.StringFixed(6), b.Trades)
	}
	w.Flush()
	fmt.Println("\n" + strings.Repeat("=", 90) + "\n")
	return nil
}
