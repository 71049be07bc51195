// Package txcenter takes transaction events off the bus, signs them through
// the matching backend and turns the signing progress into notifications.
package txcenter

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"

	"swapdesk/pkg/dedupe"
	"swapdesk/pkg/events"
	"swapdesk/pkg/metrics"
	"swapdesk/pkg/notify"
	"swapdesk/pkg/signer"
	"swapdesk/pkg/types"
)

// DefaultSubmittedTimeout closes the submitted dialog when nothing else did
const DefaultSubmittedTimeout = 3 * time.Second

// DialogKind is the kind of the single open dialog
type DialogKind string

const (
	DialogSubmitted DialogKind = "submitted"
	DialogError     DialogKind = "error"
)

// DepositNotifier learns the hash of a broadcast router deposit
type DepositNotifier interface {
	NotifyDeposit(ctx context.Context, depositAddress, txHash string) error
}

// Dialog is the transient display of one transaction
type Dialog struct {
	ID       string
	Kind     DialogKind
	Message  string
	OpenedAt time.Time
}

type Options struct {
	Signers *signer.Manager
	Bus     *events.Bus
	// Dedupe remembers broadcast ids. Nil keeps them in memory.
	Dedupe           dedupe.Deduper
	Deposits         DepositNotifier
	SubmittedTimeout time.Duration
	// TrackTimeout bounds one signing round trip. Zero waits forever.
	TrackTimeout time.Duration
	Logger       zerolog.Logger
}

// Center is the transaction lifecycle orchestrator
type Center struct {
	signers          *signer.Manager
	bus              *events.Bus
	dedupe           dedupe.Deduper
	deposits         DepositNotifier
	submittedTimeout time.Duration
	trackTimeout     time.Duration
	logger           zerolog.Logger

	mu      sync.Mutex
	dialog  *Dialog
	timer   *time.Timer
	current string
	unsubs  []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Center {
	logger := opts.Logger.With().Str("component", "txcenter").Logger()
	dd := opts.Dedupe
	if dd == nil {
		dd = dedupe.NewMemory(logger, 0, 0)
	}
	timeout := opts.SubmittedTimeout
	if timeout <= 0 {
		timeout = DefaultSubmittedTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Center{
		signers:          opts.Signers,
		bus:              opts.Bus,
		dedupe:           dd,
		deposits:         opts.Deposits,
		submittedTimeout: timeout,
		trackTimeout:     opts.TrackTimeout,
		logger:           logger,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start subscribes to every transaction event kind
func (c *Center) Start() {
	kinds := []events.Kind{events.TxNew, events.TxScheduleDca, events.TxTerminateDca, events.XcmNew}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range kinds {
		c.unsubs = append(c.unsubs, c.bus.OnTx(k, func(ev events.TxEvent) { c.Handle(ev) }))
	}
}

// Close unsubscribes, abandons tracking of open transactions and waits for
// their goroutines
func (c *Center) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
	c.cancel()
	c.wg.Wait()
}

// Wait blocks until every handled transaction finished
func (c *Center) Wait() {
	c.wg.Wait()
}

// Handle starts processing ev and returns its short id
func (c *Center) Handle(ev events.TxEvent) string {
	id := newID()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.process(id, ev)
	}()
	return id
}

func newID() string {
	u := uuid.New()
	return base58.Encode(u[:])
}

// Dialog returns the open dialog, if any
func (c *Center) Dialog() *Dialog {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialog == nil {
		return nil
	}
	d := *c.dialog
	return &d
}

// Current is the id of the transaction owning the submitted dialog
func (c *Center) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CloseDialog closes the dialog of id. Closing a submitted dialog puts its
// progress notification back as a toast.
func (c *Center) CloseDialog(id string) {
	c.mu.Lock()
	if c.dialog == nil || c.dialog.ID != id {
		c.mu.Unlock()
		return
	}
	d := *c.dialog
	c.closeLocked()
	c.mu.Unlock()

	if d.Kind == DialogSubmitted {
		c.emit(id, notify.KindProgress, d.Message, true, nil)
	}
}

func (c *Center) closeLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.dialog = nil
	c.current = ""
}

func (c *Center) process(id string, ev events.TxEvent) {
	tmpl := ev.Notification
	log := c.logger.With().Str("tx_id", id).Str("kind", string(ev.Kind)).Logger()
	if ev.Transaction == nil {
		log.Error().Msg("event without transaction")
		c.handleError(id, tmpl, "none")
		return
	}

	chain := ev.SrcChain
	if chain == "" {
		chain = ev.Transaction.Call.Chain
	}

	ctx := c.ctx
	if c.trackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.trackTimeout)
		defer cancel()
	}

	if ev.Account.Provider.IsEVM() {
		c.signWithEVM(ctx, log, id, chain, ev)
	} else {
		c.signWithNative(ctx, log, id, chain, ev)
	}
}

func (c *Center) signWithEVM(ctx context.Context, log zerolog.Logger, id, chain string, ev events.TxEvent) {
	s, err := c.signers.EVM(chain)
	if err != nil {
		log.Error().Err(err).Msg("no signer")
		c.handleError(id, ev.Notification, "evm")
		return
	}
	log.Info().Str("chain", s.Chain()).Str("backend", "evm").Msg("signing")
	s.SignAndSend(ctx, ev.Account, ev.Transaction, signer.Callbacks{
		OnSubmit: func(hash string) {
			if c.handleBroadcast(id, ev.Notification, "evm") {
				c.notifyDeposit(ctx, log, ev.Transaction.Call, hash)
			}
		},
		OnConfirm: func(r signer.Receipt) {
			log.Info().Str("block_hash", r.BlockHash).Bool("success", r.Success).Msg("transaction in block")
			c.handleInBlock(id, ev.Notification, !r.Success, blockMeta(r.BlockHash, r.BlockNumber, int(r.TxIndex)), "evm")
		},
		OnError: func(err error) {
			log.Error().Err(err).Msg("signing failed")
			c.handleError(id, ev.Notification, "evm")
		},
	})
}

func (c *Center) signWithNative(ctx context.Context, log zerolog.Logger, id, chain string, ev events.TxEvent) {
	s, err := c.signers.Native(chain)
	if err != nil {
		log.Error().Err(err).Msg("no signer")
		c.handleError(id, ev.Notification, "native")
		return
	}
	log.Info().Str("chain", s.Chain()).Str("backend", "native").Msg("signing")
	err = s.SignAndSend(ctx, ev.Account, ev.Transaction, func(st signer.Status) {
		switch st.Stage {
		case signer.StageBroadcast:
			if c.handleBroadcast(id, ev.Notification, "native") {
				c.notifyDeposit(ctx, log, ev.Transaction.Call, st.TxHash)
			}
		case signer.StageInBlock:
			log.Info().Str("block_hash", st.BlockHash).Uint64("block", st.BlockNumber).Msg("transaction in block")
			c.handleInBlock(id, ev.Notification, st.Failed(), blockMeta(st.BlockHash, st.BlockNumber, st.TxIndex), "native")
		case signer.StageFinalized:
			if st.Failed() {
				log.Error().Str("dispatch_error", st.DispatchError).Msg("transaction failed at finalization")
				c.handleError(id, ev.Notification, "native")
			}
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("signing failed")
		c.handleError(id, ev.Notification, "native")
	}
}

func blockMeta(blockHash string, number uint64, txIndex int) map[string]string {
	meta := make(map[string]string)
	if blockHash != "" {
		meta["blockHash"] = blockHash
	}
	if number > 0 {
		meta["blockNumber"] = strconv.FormatUint(number, 10)
	}
	if txIndex >= 0 {
		meta["txIndex"] = strconv.Itoa(txIndex)
	}
	return meta
}

func (c *Center) notifyDeposit(ctx context.Context, log zerolog.Logger, call types.Call, hash string) {
	if c.deposits == nil || hash == "" || call.To == "" {
		return
	}
	if call.Method != types.MethodRouterSell && call.Method != types.MethodRouterBuy {
		return
	}
	if err := c.deposits.NotifyDeposit(ctx, call.To, hash); err != nil {
		log.Warn().Err(err).Str("deposit_address", call.To).Msg("failed to submit deposit")
	}
}

// handleBroadcast acts on the first broadcast signal of id only and reports
// whether it did
func (c *Center) handleBroadcast(id string, tmpl events.Templates, backend string) bool {
	seen, err := c.dedupe.Seen(c.ctx, id)
	if err != nil {
		c.logger.Warn().Err(err).Str("tx_id", id).Msg("dedupe unavailable")
	}
	if seen {
		c.logger.Debug().Str("tx_id", id).Msg("duplicate broadcast ignored")
		return false
	}

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.current = id
	c.dialog = &Dialog{ID: id, Kind: DialogSubmitted, Message: tmpl.Processing, OpenedAt: time.Now()}
	c.timer = time.AfterFunc(c.submittedTimeout, func() { c.CloseDialog(id) })
	c.mu.Unlock()

	metrics.TransactionsTotal.WithLabelValues(backend, "broadcast").Inc()
	c.logger.Info().Str("tx_id", id).Msg("transaction broadcast")
	c.emit(id, notify.KindProgress, tmpl.Processing, false, nil)
	return true
}

func (c *Center) handleInBlock(id string, tmpl events.Templates, failed bool, meta map[string]string, backend string) {
	c.mu.Lock()
	if c.dialog != nil && c.dialog.ID == id {
		c.closeLocked()
	} else if id == c.current {
		// another transaction's error dialog is open; leave it
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.current = ""
	}
	c.mu.Unlock()

	if failed {
		metrics.TransactionsTotal.WithLabelValues(backend, "failed").Inc()
		c.emit(id, notify.KindError, tmpl.Failure, true, meta)
		return
	}
	metrics.TransactionsTotal.WithLabelValues(backend, "in_block").Inc()
	c.emit(id, notify.KindSuccess, tmpl.Success, true, meta)
}

// handleError opens the error dialog; it does not take over the current
// transaction
func (c *Center) handleError(id string, tmpl events.Templates, backend string) {
	c.mu.Lock()
	if c.timer != nil && c.dialog != nil && c.dialog.ID == id {
		c.timer.Stop()
		c.timer = nil
	}
	c.dialog = &Dialog{ID: id, Kind: DialogError, Message: tmpl.Failure, OpenedAt: time.Now()}
	c.mu.Unlock()

	metrics.TransactionsTotal.WithLabelValues(backend, "error").Inc()
	c.emit(id, notify.KindError, tmpl.Failure, false, nil)
}

func (c *Center) emit(id string, kind notify.Kind, message string, toast bool, meta map[string]string) {
	if c.bus == nil {
		return
	}
	c.bus.EmitNotification(notify.Notification{
		ID:        id,
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now(),
		Toast:     toast,
		Meta:      meta,
	})
}
