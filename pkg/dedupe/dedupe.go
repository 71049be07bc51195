// Package dedupe remembers ids that were already processed.
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Deduper reports whether an id was seen before and records it otherwise
type Deduper interface {
	Seen(ctx context.Context, id string) (alreadySeen bool, err error)
}

type memEntry struct {
	expireAt int64 // unix nano, 0 never expires
}

// Memory is a single-process deduper
type Memory struct {
	logger  zerolog.Logger
	ttl     time.Duration
	mu      sync.Mutex
	items   map[string]memEntry
	stopCh  chan struct{}
	stopped bool
}

// NewMemory creates an in-memory deduper. A zero ttl keeps ids for the
// process lifetime; janitorEvery 0 disables expiry sweeps.
func NewMemory(logger zerolog.Logger, ttl, janitorEvery time.Duration) *Memory {
	m := &Memory{
		logger: logger.With().Str("component", "dedupe").Logger(),
		ttl:    ttl,
		items:  make(map[string]memEntry, 64),
		stopCh: make(chan struct{}),
	}
	if janitorEvery > 0 && ttl > 0 {
		go m.janitor(janitorEvery)
	}
	return m
}

func (m *Memory) Seen(_ context.Context, id string) (bool, error) {
	now := time.Now().UnixNano()

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.items[id]; ok && (e.expireAt == 0 || e.expireAt > now) {
		return true, nil
	}

	var exp int64
	if m.ttl > 0 {
		exp = now + m.ttl.Nanoseconds()
	}
	m.items[id] = memEntry{expireAt: exp}
	m.logger.Debug().Str("id", id).Msg("recorded")
	return false, nil
}

func (m *Memory) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			now := time.Now().UnixNano()
			m.mu.Lock()
			for k, e := range m.items {
				if e.expireAt != 0 && e.expireAt <= now {
					delete(m.items, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Close stops the janitor
func (m *Memory) Close() {
	m.mu.Lock()
	if !m.stopped {
		close(m.stopCh)
		m.stopped = true
	}
	m.mu.Unlock()
}
