package dca

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapdesk/pkg/amount"
	"swapdesk/pkg/events"
	"swapdesk/pkg/quote"
	"swapdesk/pkg/quote/quotetest"
	"swapdesk/pkg/session"
	"swapdesk/pkg/types"
)

var (
	usdc = types.Asset{ID: "usdc", Symbol: "USDC", Decimals: 6, Chain: "solana", Address: "mint-usdc"}
	sol  = types.Asset{ID: "sol", Symbol: "SOL", Decimals: 9, Chain: "solana"}
)

type fakeIndexer struct {
	positions []Position
}

func (f *fakeIndexer) Scheduled(context.Context, string) ([]Position, error) {
	return f.positions, nil
}

type harness struct {
	form    *Form
	session *session.Session
	store   *Storage
	indexer *fakeIndexer
	events  []events.TxEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	router := quotetest.NewRouter(usdc, sol)
	router.SetPrice("usdc", "sol", decimal.RequireFromString("0.005"))
	svc := quote.NewService(router, func() decimal.Decimal { return decimal.NewFromInt(1) }, zerolog.Nop())

	sess := session.New(session.Options{NativeAssetID: "sol", StableAssetID: "usdc", Logger: zerolog.Nop()})
	sess.SetAssets([]types.Asset{usdc, sol})

	store, err := NewStorage(filepath.Join(t.TempDir(), "dca.json"))
	require.NoError(t, err)

	h := &harness{session: sess, store: store, indexer: &fakeIndexer{}}
	bus := events.NewBus(nil, zerolog.Nop())
	bus.OnTx("", func(ev events.TxEvent) { h.events = append(h.events, ev) })

	h.form = New(Options{
		Quotes:    svc,
		Session:   sess,
		Bus:       bus,
		Store:     store,
		Indexer:   h.indexer,
		Vault:     "vault",
		BlockTime: 6 * time.Second,
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(h.form.Close)
	return h
}

func (h *harness) connect() {
	h.session.SetAccount(&types.Account{Address: "alice", Provider: types.ProviderPhantom})
	h.session.SetBalances(map[string]amount.Amount{
		"usdc": amount.NewAmount(big.NewInt(100_000_000), 6),
	})
}

func TestPeriodBlocks(t *testing.T) {
	p, err := PeriodBlocks(Daily, 6*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 14400, p)

	p, err = PeriodBlocks(Hourly, 7*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 515, p)

	_, err = PeriodBlocks("month", time.Second)
	assert.Error(t, err)
	_, err = PeriodBlocks(Weekly, 0)
	assert.Error(t, err)
}

func TestStorageSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dca.json")
	s, err := NewStorage(path)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, s.Put(Position{ID: "b", Owner: "alice", Created: now.Add(time.Second)}))
	require.NoError(t, s.Put(Position{ID: "a", Owner: "alice", Created: now}))
	require.NoError(t, s.Put(Position{ID: "c", Owner: "bob", Created: now}))

	reloaded, err := NewStorage(path)
	require.NoError(t, err)
	list := reloaded.List("alice")
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Len(t, reloaded.List(""), 3)

	require.NoError(t, reloaded.Delete("c"))
	_, err = reloaded.Get("c")
	assert.ErrorIs(t, err, ErrPositionNotFound)
	assert.ErrorIs(t, reloaded.Delete("c"), ErrPositionNotFound)
}

func TestInitDefaultsToStableForNative(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.form.Init(context.Background(), "", ""))

	h.form.SetAmountIn("10")
	s := h.form.Snapshot()
	assert.Equal(t, "usdc", s.AssetIn.ID)
	assert.Equal(t, "sol", s.AssetOut.ID)
	assert.Equal(t, "0.005", s.SpotPrice)
	assert.Equal(t, "0.05", s.AmountOut)
	assert.Equal(t, Daily, s.Interval)
}

func TestSelectingSameAssetSwitches(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.form.Init(ctx, "usdc", "sol"))

	require.NoError(t, h.form.SetAssetOut(ctx, usdc))
	s := h.form.Snapshot()
	assert.Equal(t, "sol", s.AssetIn.ID)
	assert.Equal(t, "usdc", s.AssetOut.ID)
	assert.Equal(t, "200", s.SpotPrice)
}

func TestValidation(t *testing.T) {
	h := newHarness(t)
	h.connect()
	require.NoError(t, h.form.Init(context.Background(), "usdc", "sol"))

	h.form.SetAmountIn("abc")
	assert.Contains(t, h.form.Validate(), ErrAmount)

	h.form.SetAmountIn("10")
	h.form.SetBudget("5")
	assert.Equal(t, "Budget must cover at least one trade", h.form.Validate()[ErrBudget])

	h.form.SetBudget("500")
	errs := h.form.Validate()
	assert.Contains(t, errs, ErrBalance)
	assert.NotContains(t, errs, ErrBudget)

	h.form.SetBudget("50")
	assert.Empty(t, h.form.Validate())

	_, err := h.form.Schedule(context.Background())
	require.NoError(t, err)

	h.form.SetBudget("500")
	_, err = h.form.Schedule(context.Background())
	assert.ErrorIs(t, err, ErrInvalidForm)
}

func TestScheduleEmitsDcaSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.form.Schedule(ctx)
	assert.ErrorIs(t, err, ErrNoAccount)

	h.connect()
	require.NoError(t, h.form.Init(ctx, "usdc", "sol"))
	h.form.SetAmountIn("10")
	h.form.SetBudget("50")

	pos, err := h.form.Schedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pos.Status)
	assert.Equal(t, 14400, pos.Period)

	require.Len(t, h.events, 1)
	ev := h.events[0]
	assert.Equal(t, events.TxScheduleDca, ev.Kind)
	assert.Equal(t, "DCA 10 USDC into SOL every day submitted", ev.Notification.Processing)

	call := ev.Transaction.Call
	assert.Equal(t, types.MethodDcaSchedule, call.Method)
	assert.Equal(t, "vault", call.To)
	assert.Equal(t, "mint-usdc", call.Token)
	assert.Equal(t, "solana", call.Chain)
	assert.Equal(t, "50000000", call.Amount.String())
	assert.Equal(t, "10000000", call.Args["order_amount"])
	assert.Equal(t, "49500000", call.Args["order_limit"])
	assert.Equal(t, "10000", call.Args["slippage"])
	assert.Equal(t, "14400", call.Args["period"])
	assert.Equal(t, "alice", call.Args["owner"])

	assert.Len(t, h.form.Positions(), 1)
}

func TestTerminateRequiresActivePosition(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()

	require.NoError(t, h.store.Put(Position{ID: "7", Owner: "alice", Chain: "solana", Status: StatusPending}))
	require.NoError(t, h.store.Put(Position{ID: "8", Owner: "alice", Chain: "solana", Status: StatusActive}))
	require.NoError(t, h.store.Put(Position{ID: "9", Owner: "bob", Status: StatusActive}))

	assert.Error(t, h.form.Terminate(ctx, "7"))
	assert.ErrorIs(t, h.form.Terminate(ctx, "9"), ErrPositionNotFound)
	assert.ErrorIs(t, h.form.Terminate(ctx, "nope"), ErrPositionNotFound)

	require.NoError(t, h.form.Terminate(ctx, "8"))
	require.Len(t, h.events, 1)
	ev := h.events[0]
	assert.Equal(t, events.TxTerminateDca, ev.Kind)
	assert.Equal(t, types.MethodDcaTerminate, ev.Transaction.Call.Method)
	assert.Equal(t, "8", ev.Transaction.Call.Args["schedule_id"])

	p, err := h.store.Get("8")
	require.NoError(t, err)
	assert.Equal(t, StatusTerminating, p.Status)
}

func TestSyncPositionsMergesIndexer(t *testing.T) {
	h := newHarness(t)
	h.connect()
	ctx := context.Background()

	require.NoError(t, h.store.Put(Position{ID: "local", Owner: "alice", AssetIn: "usdc", AssetOut: "sol", AmountPerTrade: "10", Budget: "50", Status: StatusPending}))
	require.NoError(t, h.store.Put(Position{ID: "orphan", Owner: "alice", AssetIn: "usdc", AssetOut: "sol", AmountPerTrade: "1", Budget: "5", Status: StatusPending}))
	require.NoError(t, h.store.Put(Position{ID: "old", Owner: "alice", Status: StatusActive}))
	require.NoError(t, h.store.Put(Position{ID: "stopping", Owner: "alice", Status: StatusTerminating}))

	h.indexer.positions = []Position{
		{ID: "42", Owner: "alice", AssetIn: "usdc", AssetOut: "sol", AmountPerTrade: "10.0", Budget: "50", Remaining: "40", Status: StatusActive, Executions: 1},
	}
	h.form.OnBlockChange(ctx, types.Head{Number: 5})

	byID := map[string]Position{}
	for _, p := range h.form.Positions() {
		byID[p.ID] = p
	}
	assert.NotContains(t, byID, "local")
	assert.Equal(t, StatusPending, byID["orphan"].Status)
	assert.Equal(t, StatusCompleted, byID["old"].Status)
	assert.Equal(t, StatusTerminated, byID["stopping"].Status)
	assert.Equal(t, "40", byID["42"].Remaining)
	assert.Equal(t, StatusActive, byID["42"].Status)
}
