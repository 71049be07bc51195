package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swapdesk/config"
	"swapdesk/pkg/app"
	"swapdesk/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:   "swapdesk",
	Short: "A trading desk for cross-chain swaps, TWAP orders and DCA schedules",
	Long: `swapdesk quotes, signs and tracks trades routed through the 1Click API.
Large orders can be split into a TWAP schedule and recurring buys can be
set up as DCA positions.

Examples:
  swapdesk swap 1 SOL to USDC
  swapdesk swap buy 2 SOL with USDC --twap
  swapdesk dca schedule 10 USDC into SOL --budget 100 --interval day
  swapdesk tokens --chain solana
  swapdesk status <deposit-address>
  swapdesk watch`,
	Version:       "0.2.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "Output in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Config file (default $HOME/.swapdesk.yaml)")
}

func printSuccess(message string) {
	fmt.Printf("\n%s\n\n", color.GreenString(message))
}

func flagBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.GetViper()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	}
	return config.LoadWith(v)
}

// newLogger writes to stderr so JSON output on stdout stays parseable.
// Without --verbose only warnings are shown.
func newLogger(cmd *cobra.Command, cfg *config.Config) zerolog.Logger {
	level := "warn"
	if flagBool(cmd, "verbose") {
		level = cfg.Log.Level
	}
	return logging.NewWithWriter(os.Stderr, level, cfg.Log.Format)
}

func startSpinner(cmd *cobra.Command, suffix string) func() {
	if flagBool(cmd, "json") {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + suffix
	s.Start()
	return s.Stop
}

// buildApp loads the config, wires the components and fetches the assets
func buildApp(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireJWT(); err != nil {
		return nil, err
	}

	stop := startSpinner(cmd, "Connecting...")
	defer stop()

	a, err := app.Build(ctx, cfg, newLogger(cmd, cfg))
	if err != nil {
		return nil, err
	}
	if err := a.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}
