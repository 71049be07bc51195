package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"swapdesk/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or inspect the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with the default values",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	RunE:  runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd)

	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := ".swapdesk.yaml"
	if len(args) == 1 {
		path = args[0]
	} else if home, err := os.UserHomeDir(); err == nil {
		path = filepath.Join(home, ".swapdesk.yaml")
	}
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := config.Save(path, config.Defaults()); err != nil {
		return err
	}
	printSuccess(fmt.Sprintf("Configuration written to %s", path))
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	masked := *cfg
	masked.JWTToken = mask(masked.JWTToken)
	masked.Solana.PrivateKey = mask(masked.Solana.PrivateKey)
	masked.Redis.Password = mask(masked.Redis.Password)
	masked.Indexer.DSN = mask(masked.Indexer.DSN)
	masked.EVM.Networks = make(map[string]config.EVMNetwork, len(cfg.EVM.Networks))
	for name, n := range cfg.EVM.Networks {
		n.PrivateKey = mask(n.PrivateKey)
		masked.EVM.Networks[name] = n
	}

	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
