// Package app builds the component graph from the configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"swapdesk/config"
	"swapdesk/pkg/client"
	"swapdesk/pkg/dca"
	"swapdesk/pkg/dedupe"
	"swapdesk/pkg/events"
	"swapdesk/pkg/indexer"
	"swapdesk/pkg/metrics"
	"swapdesk/pkg/notify"
	"swapdesk/pkg/quote"
	"swapdesk/pkg/refresh"
	"swapdesk/pkg/session"
	"swapdesk/pkg/signer"
	"swapdesk/pkg/signer/evm"
	"swapdesk/pkg/signer/solana"
	"swapdesk/pkg/trade"
	"swapdesk/pkg/twap"
	"swapdesk/pkg/txcenter"
	"swapdesk/pkg/types"
)

// App owns every long-lived component
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Session  *session.Session
	Router   *client.OneClick
	Quotes   *quote.Service
	Twap     *twap.State
	Trade    *trade.Machine
	DCA      *dca.Form
	DCAStore *dca.Storage
	// Indexer is nil when no DSN is configured.
	Indexer  *indexer.Store
	Bus      *events.Bus
	Registry *notify.Registry
	Signers  *signer.Manager
	Center   *txcenter.Center
	Trigger  *refresh.Trigger

	chains  *Chains
	heads   refresh.HeadSource
	cleanup []func()
}

// Build connects the backends named in cfg and wires the components. The
// returned app has no assets yet; call Load before use.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := a.buildSigners(); err != nil {
		return nil, err
	}

	var publisher events.Publisher
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = nc.Close() })
		publisher = nc
	}
	a.Bus = events.NewBus(publisher, logger)

	a.Registry = notify.NewRegistry(cfg.Notifications.SuccessTimeout, logger)
	a.Bus.OnNotification(a.Registry.Append)

	a.Session = session.New(session.Options{
		NativeAssetID: cfg.Trade.NativeAsset,
		StableAssetID: cfg.Trade.StableAsset,
		Loader:        a.chains,
		Fees:          a.chains,
		Logger:        logger,
	})

	a.Router = client.NewOneClick(client.NewAPI(cfg.BaseURL, cfg.JWTToken), client.Options{Logger: logger})
	slippage, err := decimal.NewFromString(cfg.Trade.Slippage)
	if err != nil {
		return nil, fmt.Errorf("invalid trade.slippage %q: %w", cfg.Trade.Slippage, err)
	}
	a.Quotes = quote.NewService(a.Router, func() decimal.Decimal { return slippage }, logger)

	impact, err := decimal.NewFromString(cfg.Trade.TwapImpactPerOrder)
	if err != nil {
		return nil, fmt.Errorf("invalid trade.twap_impact_per_order %q: %w", cfg.Trade.TwapImpactPerOrder, err)
	}
	planner := twap.NewPlanner(a.Quotes, twap.Config{
		MaxReps:        cfg.Trade.TwapMaxReps,
		ImpactPerOrder: impact,
		BlockTime:      cfg.Trade.BlockTime,
		BlocksPerOrder: cfg.Trade.TwapBlocksPerOrder,
	})
	a.Twap = twap.NewState(planner, cfg.Trade.Twap, logger)

	a.Trade = trade.New(trade.Options{
		Quotes:   a.Quotes,
		Session:  a.Session,
		Twap:     a.Twap,
		Bus:      a.Bus,
		DcaVault: cfg.DCA.Vault,
		Logger:   logger,
	})
	a.onClose(a.Trade.Close)

	if cfg.Indexer.DSN != "" {
		store, err := indexer.Connect(ctx, cfg.Indexer.DSN, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(store.Close)
		a.Indexer = store
	}

	a.DCAStore, err = dca.NewStorage(cfg.DCA.StoragePath)
	if err != nil {
		return nil, err
	}
	dcaOpts := dca.Options{
		Quotes:    a.Quotes,
		Session:   a.Session,
		Bus:       a.Bus,
		Store:     a.DCAStore,
		Vault:     cfg.DCA.Vault,
		BlockTime: cfg.Trade.BlockTime,
		Logger:    logger,
	}
	if a.Indexer != nil {
		dcaOpts.Indexer = a.Indexer
	}
	a.DCA = dca.New(dcaOpts)
	a.onClose(a.DCA.Close)

	dd, err := a.buildDedupe(ctx)
	if err != nil {
		return nil, err
	}
	a.Center = txcenter.New(txcenter.Options{
		Signers:          a.Signers,
		Bus:              a.Bus,
		Dedupe:           dd,
		Deposits:         a.Router,
		SubmittedTimeout: cfg.Notifications.SubmittedTimeout,
		Logger:           logger,
	})
	a.Center.Start()
	a.onClose(a.Center.Close)

	a.Trigger = refresh.NewTrigger(a.Signers.DefaultChain(), a.heads, a.Session, logger)
	a.Trigger.AddTarget(a.Trade)
	a.Trigger.AddTarget(a.DCA)

	ok = true
	return a, nil
}

func (a *App) buildSigners() error {
	cfg := a.Config
	a.Signers = signer.NewManager(cfg.Chain.Native)
	a.chains = NewChains(cfg.Chain.Native)

	if cfg.Solana.RPCUrl != "" {
		s, err := solana.New(cfg.Solana, a.Logger)
		if err != nil {
			return err
		}
		a.onClose(s.Close)
		a.Signers.RegisterNative(s)
		a.chains.Add(s)
		if signer.NormalizeChain(cfg.Chain.Native) == solana.Chain {
			if cfg.Solana.WSUrl != "" {
				a.heads = refresh.NewSlotSubscriber(cfg.Solana.WSUrl, nil, a.Logger)
			} else {
				a.heads = refresh.NewPoller(s, cfg.Trade.BlockTime, a.Logger)
			}
		}
	}

	for network, netCfg := range cfg.EVM.Networks {
		s, err := evm.New(network, netCfg, a.Logger)
		if err != nil {
			return fmt.Errorf("evm network %s: %w", network, err)
		}
		a.onClose(s.Close)
		a.Signers.RegisterEVM(s)
		a.chains.Add(s)
		if a.heads == nil && signer.NormalizeChain(network) == a.Signers.DefaultChain() && netCfg.WSUrl != "" {
			a.heads = s
		}
	}
	return nil
}

// buildDedupe prefers Redis so broadcasts stay unique across processes
func (a *App) buildDedupe(ctx context.Context) (dedupe.Deduper, error) {
	cfg := a.Config
	if cfg.Redis.Addr == "" {
		mem := dedupe.NewMemory(a.Logger, cfg.Notifications.DedupeTTL, time.Minute)
		a.onClose(mem.Close)
		return mem, nil
	}
	rdb, err := dedupe.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = rdb.Close() })
	return dedupe.NewRedis(rdb, cfg.Redis.Prefix, cfg.Notifications.DedupeTTL, a.Logger)
}

func (a *App) onClose(fn func()) {
	a.cleanup = append(a.cleanup, fn)
}

// Load fetches the router's assets into the session, picks the default
// native and stable assets and connects the configured account.
func (a *App) Load(ctx context.Context) error {
	assets, err := a.Router.Assets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load assets: %w", err)
	}
	a.Session.SetAssets(assets)
	// every router asset trades against every other
	for i := range assets {
		for j := i + 1; j < len(assets); j++ {
			a.Session.AddPair(assets[i].ID, assets[j].ID)
		}
	}

	if acct := a.account(); acct != nil {
		a.Router.SetRecipient(acct.Address, acct.Address)
		a.Session.SetAccount(acct)
		if err := a.Session.SyncBalances(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("initial balance sync failed")
		}
	}
	return nil
}

// account resolves the configured account, defaulting to the address of
// the default chain's signer
func (a *App) account() *types.Account {
	cfg := a.Config.Account
	acct := &types.Account{Address: cfg.Address, Name: cfg.Name, Provider: types.WalletProvider(cfg.Provider)}
	chain := a.Signers.DefaultChain()

	if acct.Address == "" {
		if s, err := a.Signers.Native(chain); err == nil {
			if addr, ok := s.(interface{ Address() string }); ok {
				acct.Address = addr.Address()
			}
		}
	}
	if acct.Address == "" {
		if s, err := a.Signers.EVM(chain); err == nil {
			if addr, ok := s.(interface{ Address() string }); ok {
				acct.Address = addr.Address()
			}
			if acct.Provider == "" {
				acct.Provider = types.ProviderMetaMask
			}
		}
	}
	if acct.Address == "" {
		return nil
	}
	if acct.Provider == "" {
		acct.Provider = types.ProviderKeypair
	}
	return acct
}

// ResolveAsset finds an asset in the session by symbol and optional chain
func (a *App) ResolveAsset(symbol, chain string) (types.Asset, error) {
	return a.Session.FindAsset(strings.ToUpper(symbol), signer.NormalizeChain(chain))
}

// Run drives the refresh trigger and the metrics endpoint until ctx is done
func (a *App) Run(ctx context.Context) error {
	if a.Config.Metrics.Addr != "" {
		srv := metrics.Serve(a.Config.Metrics.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		a.Logger.Info().Str("addr", a.Config.Metrics.Addr).Msg("metrics listening")
	}
	if a.heads == nil {
		return errors.New("no head source configured for the default chain")
	}
	err := a.Trigger.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases components in reverse construction order
func (a *App) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}
