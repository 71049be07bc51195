package refresh

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"swapdesk/pkg/types"
)

// HeadFetcher reads the latest head on demand
type HeadFetcher interface {
	LatestHead(ctx context.Context) (types.Head, error)
}

// Poller turns a HeadFetcher into a HeadSource
type Poller struct {
	fetcher  HeadFetcher
	interval time.Duration
	logger   zerolog.Logger
}

func NewPoller(fetcher HeadFetcher, interval time.Duration, logger zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 6 * time.Second
	}
	return &Poller{
		fetcher:  fetcher,
		interval: interval,
		logger:   logger.With().Str("component", "poller").Logger(),
	}
}

// Heads polls immediately and then every interval. Fetch errors are logged
// and retried on the next tick.
func (p *Poller) Heads(ctx context.Context) (<-chan types.Head, error) {
	out := make(chan types.Head)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			head, err := p.fetcher.LatestHead(ctx)
			if err != nil {
				p.logger.Warn().Err(err).Msg("failed to fetch head")
			} else {
				select {
				case out <- head:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}
