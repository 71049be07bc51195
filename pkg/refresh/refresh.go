// Package refresh re-enters the trade components whenever a new chain head
// is observed.
package refresh

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"swapdesk/pkg/metrics"
	"swapdesk/pkg/types"
)

// HeadSource streams chain heads. The channel closes when the source stops.
type HeadSource interface {
	Heads(ctx context.Context) (<-chan types.Head, error)
}

// BalanceSyncer is the single writer of session balances
type BalanceSyncer interface {
	SyncBalances(ctx context.Context) error
}

// Target is re-entered on every new head
type Target interface {
	OnBlockChange(ctx context.Context, head types.Head)
}

// Trigger fans new heads out to the balance syncer and the targets
type Trigger struct {
	name     string
	source   HeadSource
	balances BalanceSyncer
	logger   zerolog.Logger

	mu      sync.RWMutex
	targets []Target
	last    uint64
}

// NewTrigger creates a trigger. name labels the head metric.
func NewTrigger(name string, source HeadSource, balances BalanceSyncer, logger zerolog.Logger) *Trigger {
	return &Trigger{
		name:     name,
		source:   source,
		balances: balances,
		logger:   logger.With().Str("component", "refresh").Str("source", name).Logger(),
	}
}

// AddTarget registers a target. Targets run in registration order.
func (t *Trigger) AddTarget(target Target) {
	t.mu.Lock()
	t.targets = append(t.targets, target)
	t.mu.Unlock()
}

// Last is the number of the last head acted upon
func (t *Trigger) Last() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last
}

// Run consumes heads until ctx is done or the source closes
func (t *Trigger) Run(ctx context.Context) error {
	heads, err := t.source.Heads(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case head, ok := <-heads:
			if !ok {
				t.logger.Info().Msg("head source closed")
				return nil
			}
			t.onHead(ctx, head)
		}
	}
}

func (t *Trigger) onHead(ctx context.Context, head types.Head) {
	t.mu.Lock()
	if head.Number <= t.last {
		t.mu.Unlock()
		t.logger.Debug().Uint64("block", head.Number).Uint64("last", t.last).Msg("ignoring old head")
		return
	}
	t.last = head.Number
	targets := append([]Target(nil), t.targets...)
	t.mu.Unlock()

	metrics.HeadsTotal.WithLabelValues(t.name).Inc()
	t.logger.Debug().Uint64("block", head.Number).Msg("new head")

	if t.balances != nil {
		if err := t.balances.SyncBalances(ctx); err != nil {
			t.logger.Warn().Err(err).Uint64("block", head.Number).Msg("balance sync failed")
		}
	}
	for _, target := range targets {
		target.OnBlockChange(ctx, head)
	}
}
