// Package notify keeps the session's notification log and the expiring
// toast list derived from it.
package notify

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"swapdesk/pkg/metrics"
)

// Kind is the notification severity
type Kind string

const (
	KindProgress Kind = "progress"
	KindSuccess  Kind = "success"
	KindError    Kind = "error"
)

// Terminal reports whether k ends an operation
func (k Kind) Terminal() bool {
	return k == KindSuccess || k == KindError
}

// DefaultSuccessTimeout is how long a success toast stays mounted
const DefaultSuccessTimeout = 5 * time.Second

// Notification is one state of a logical operation
type Notification struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Toast     bool              `json:"toast"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Toast is a mounted toast instance
type Toast struct {
	Key          uint64
	Notification Notification
}

type toastEntry struct {
	key   uint64
	n     Notification
	timer *time.Timer
}

// Registry is the process-wide notification target
type Registry struct {
	mu         sync.Mutex
	items      map[string]Notification
	toasts     []*toastEntry
	nextKey    uint64
	successTTL time.Duration
	listeners  []func(Notification)
	logger     zerolog.Logger
}

// NewRegistry creates a registry. A non-positive successTTL keeps success
// toasts until dismissed.
func NewRegistry(successTTL time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		items:      make(map[string]Notification),
		successTTL: successTTL,
		logger:     logger.With().Str("component", "notify").Logger(),
	}
}

// OnAppend registers a callback invoked after each append
func (r *Registry) OnAppend(fn func(Notification)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Append stores n under its id, replacing any earlier state, and mounts a
// toast when requested. A progress notification arriving after the id
// reached success or error is dropped.
func (r *Registry) Append(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	r.mu.Lock()
	if prev, ok := r.items[n.ID]; ok && n.Kind == KindProgress && prev.Kind.Terminal() {
		r.mu.Unlock()
		r.logger.Debug().Str("id", n.ID).Str("state", string(prev.Kind)).Msg("late progress ignored")
		return
	}
	r.items[n.ID] = n
	if n.Toast {
		r.nextKey++
		entry := &toastEntry{key: r.nextKey, n: n}
		if n.Kind == KindSuccess && r.successTTL > 0 {
			key := entry.key
			entry.timer = time.AfterFunc(r.successTTL, func() { r.Dismiss(key) })
		}
		r.toasts = append(r.toasts, entry)
	}
	listeners := append([]func(Notification){}, r.listeners...)
	r.mu.Unlock()

	metrics.NotificationsTotal.WithLabelValues(string(n.Kind)).Inc()
	r.logger.Debug().Str("id", n.ID).Str("kind", string(n.Kind)).Bool("toast", n.Toast).Msg("notification")

	for _, fn := range listeners {
		fn(n)
	}
}

// Notification returns the latest state for id
func (r *Registry) Notification(id string) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	return n, ok
}

// Len returns the number of distinct notification ids
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Toasts returns the mounted toasts in mount order
func (r *Registry) Toasts() []Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Toast, len(r.toasts))
	for i, t := range r.toasts {
		out[i] = Toast{Key: t.key, Notification: t.n}
	}
	return out
}

// ToastCount returns the number of mounted toast instances
func (r *Registry) ToastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.toasts)
}

// Dismiss unmounts a single toast instance
func (r *Registry) Dismiss(key uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.toasts {
		if t.key == key {
			if t.timer != nil {
				t.timer.Stop()
			}
			r.toasts = append(r.toasts[:i], r.toasts[i+1:]...)
			return true
		}
	}
	return false
}

// DismissAll unmounts every toast
func (r *Registry) DismissAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.toasts {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
	r.toasts = nil
}

// OpenDrawer replaces the toasts with the full drawer listing
func (r *Registry) OpenDrawer() []Notification {
	r.DismissAll()
	return r.Drawer()
}

// Drawer lists notifications with progress first, newest first within
// each group.
func (r *Registry) Drawer() []Notification {
	r.mu.Lock()
	out := make([]Notification, 0, len(r.items))
	for _, n := range r.items {
		out = append(out, n)
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Kind == KindProgress, out[j].Kind == KindProgress
		if pi != pj {
			return pi
		}
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Badge renders the toast counter, empty when at most one toast is mounted
func (r *Registry) Badge() string {
	n := r.ToastCount()
	if n <= 1 {
		return ""
	}
	return fmt.Sprintf("1 of %d", n)
}
