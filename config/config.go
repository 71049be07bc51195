package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is the router API endpoint
const DefaultBaseURL = "https://1click.chaindefuser.com"

// Config holds the application configuration
type Config struct {
	JWTToken      string              `yaml:"jwt_token" mapstructure:"jwt_token"`
	BaseURL       string              `yaml:"base_url" mapstructure:"base_url"`
	Trade         TradeConfig         `yaml:"trade" mapstructure:"trade"`
	Account       AccountConfig       `yaml:"account" mapstructure:"account"`
	Chain         ChainConfig         `yaml:"chain" mapstructure:"chain"`
	Notifications NotificationsConfig `yaml:"notifications" mapstructure:"notifications"`
	Log           LogConfig           `yaml:"log" mapstructure:"log"`
	Metrics       MetricsConfig       `yaml:"metrics" mapstructure:"metrics"`
	NATS          NATSConfig          `yaml:"nats" mapstructure:"nats"`
	Redis         RedisConfig         `yaml:"redis" mapstructure:"redis"`
	Indexer       IndexerConfig       `yaml:"indexer" mapstructure:"indexer"`
	DCA           DCAConfig           `yaml:"dca" mapstructure:"dca"`
	Solana        SolanaConfig        `yaml:"solana" mapstructure:"solana"`
	EVM           EVMConfig           `yaml:"evm" mapstructure:"evm"`
}

type TradeConfig struct {
	// Slippage is a percentage, e.g. "1" for 1%.
	Slippage           string        `yaml:"slippage" mapstructure:"slippage"`
	Twap               bool          `yaml:"twap" mapstructure:"twap"`
	TwapMaxReps        int           `yaml:"twap_max_reps" mapstructure:"twap_max_reps"`
	TwapImpactPerOrder string        `yaml:"twap_impact_per_order" mapstructure:"twap_impact_per_order"`
	TwapBlocksPerOrder int           `yaml:"twap_blocks_per_order" mapstructure:"twap_blocks_per_order"`
	BlockTime          time.Duration `yaml:"block_time" mapstructure:"block_time"`
	NativeAsset        string        `yaml:"native_asset" mapstructure:"native_asset"`
	StableAsset        string        `yaml:"stable_asset" mapstructure:"stable_asset"`
}

type AccountConfig struct {
	Address  string `yaml:"address" mapstructure:"address"`
	Name     string `yaml:"name" mapstructure:"name"`
	Provider string `yaml:"provider" mapstructure:"provider"`
}

type ChainConfig struct {
	// Native is the chain transactions are signed on when they name none.
	Native string `yaml:"native" mapstructure:"native"`
}

type NotificationsConfig struct {
	SuccessTimeout   time.Duration `yaml:"success_timeout" mapstructure:"success_timeout"`
	SubmittedTimeout time.Duration `yaml:"submitted_timeout" mapstructure:"submitted_timeout"`
	DedupeTTL        time.Duration `yaml:"dedupe_ttl" mapstructure:"dedupe_ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type NATSConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	SubjectPrefix string `yaml:"subject_prefix" mapstructure:"subject_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

type IndexerConfig struct {
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

type DCAConfig struct {
	StoragePath string `yaml:"storage_path" mapstructure:"storage_path"`
	// Vault receives scheduled budgets. Empty disables scheduling.
	Vault string `yaml:"vault" mapstructure:"vault"`
}

// SolanaConfig configures the native signing backend
type SolanaConfig struct {
	RPCUrl        string `yaml:"rpc_url" mapstructure:"rpc_url"`
	WSUrl         string `yaml:"ws_url" mapstructure:"ws_url"`
	PrivateKey    string `yaml:"private_key" mapstructure:"private_key"` // base58
	Commitment    string `yaml:"commitment" mapstructure:"commitment"`
	SkipPreflight bool   `yaml:"skip_preflight" mapstructure:"skip_preflight"`
}

// EVMConfig holds one entry per EVM network
type EVMConfig struct {
	Networks map[string]EVMNetwork `yaml:"networks" mapstructure:"networks"`
}

type EVMNetwork struct {
	RPCUrl     string  `yaml:"rpc_url" mapstructure:"rpc_url"`
	WSUrl      string  `yaml:"ws_url" mapstructure:"ws_url"`
	ChainID    int64   `yaml:"chain_id" mapstructure:"chain_id"`
	PrivateKey string  `yaml:"private_key" mapstructure:"private_key"` // hex
	GasLimit   *uint64 `yaml:"gas_limit,omitempty" mapstructure:"gas_limit"`
	GasPrice   *int64  `yaml:"gas_price,omitempty" mapstructure:"gas_price"` // wei
}

// Defaults returns the configuration used when no file or env override a key
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		BaseURL: DefaultBaseURL,
		Trade: TradeConfig{
			Slippage:           "1",
			Twap:               true,
			TwapMaxReps:        24,
			TwapImpactPerOrder: "0.1",
			TwapBlocksPerOrder: 5,
			BlockTime:          6 * time.Second,
		},
		Chain: ChainConfig{Native: "solana"},
		Notifications: NotificationsConfig{
			SuccessTimeout:   5 * time.Second,
			SubmittedTimeout: 3 * time.Second,
			DedupeTTL:        time.Hour,
		},
		Log:    LogConfig{Level: "info", Format: "json"},
		NATS:   NATSConfig{SubjectPrefix: "swapdesk"},
		Redis:  RedisConfig{Prefix: "swapdesk:tx:"},
		DCA:    DCAConfig{StoragePath: filepath.Join(home, ".swapdesk-dca.json")},
		Solana: SolanaConfig{Commitment: "confirmed"},
		EVM:    EVMConfig{Networks: map[string]EVMNetwork{}},
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("base_url", d.BaseURL)
	v.SetDefault("trade.slippage", d.Trade.Slippage)
	v.SetDefault("trade.twap", d.Trade.Twap)
	v.SetDefault("trade.twap_max_reps", d.Trade.TwapMaxReps)
	v.SetDefault("trade.twap_impact_per_order", d.Trade.TwapImpactPerOrder)
	v.SetDefault("trade.twap_blocks_per_order", d.Trade.TwapBlocksPerOrder)
	v.SetDefault("trade.block_time", d.Trade.BlockTime)
	v.SetDefault("trade.native_asset", "")
	v.SetDefault("trade.stable_asset", "")
	v.SetDefault("account.address", "")
	v.SetDefault("account.name", "")
	v.SetDefault("account.provider", "")
	v.SetDefault("chain.native", d.Chain.Native)
	v.SetDefault("notifications.success_timeout", d.Notifications.SuccessTimeout)
	v.SetDefault("notifications.submitted_timeout", d.Notifications.SubmittedTimeout)
	v.SetDefault("notifications.dedupe_ttl", d.Notifications.DedupeTTL)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("indexer.dsn", "")
	v.SetDefault("dca.storage_path", d.DCA.StoragePath)
	v.SetDefault("dca.vault", "")
	v.SetDefault("solana.rpc_url", "")
	v.SetDefault("solana.ws_url", "")
	v.SetDefault("solana.private_key", "")
	v.SetDefault("solana.commitment", d.Solana.Commitment)
	v.SetDefault("solana.skip_preflight", false)
}

// Load reads configuration from environment variables and config file
func Load() (*Config, error) {
	return LoadWith(viper.GetViper())
}

// LoadWith reads configuration through v. A missing config file is not an
// error.
func LoadWith(v *viper.Viper) (*Config, error) {
	v.SetConfigName(".swapdesk")
	v.SetConfigType("yaml")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvPrefix("SWAPDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.EVM.Networks == nil {
		cfg.EVM.Networks = map[string]EVMNetwork{}
	}

	return cfg, nil
}

// RequireJWT validates the router credentials
func (c *Config) RequireJWT() error {
	if c.JWTToken == "" {
		return fmt.Errorf("JWT token not found. Please set SWAPDESK_JWT_TOKEN environment variable or create a .swapdesk.yaml config file")
	}
	return nil
}

// Save writes cfg as YAML. Private keys are written as given.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
