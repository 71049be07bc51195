// Package events is the typed message bus between the trade components,
// the transaction orchestrator and the notification registry.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"swapdesk/pkg/notify"
	"swapdesk/pkg/types"
)

// Kind names a bus event
type Kind string

const (
	TxNew           Kind = "tx:new"
	TxScheduleDca   Kind = "tx:scheduleDca"
	TxTerminateDca  Kind = "tx:terminateDca"
	XcmNew          Kind = "xcm:new"
	NotificationNew Kind = "notification:new"
)

// Templates are the messages shown for each stage of a transaction
type Templates struct {
	Processing string `json:"processing"`
	Success    string `json:"success"`
	Failure    string `json:"failure"`
}

// TxEvent asks the orchestrator to sign and track a transaction
type TxEvent struct {
	Kind         Kind               `json:"kind"`
	Account      types.Account      `json:"account"`
	Transaction  *types.Transaction `json:"transaction"`
	Notification Templates          `json:"notification"`
	// SrcChain is set for xcm:new only.
	SrcChain string `json:"src_chain,omitempty"`
}

// Publisher mirrors bus events to an external broker
type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
}

type txHandler struct {
	id   int
	kind Kind
	fn   func(TxEvent)
}

type notificationHandler struct {
	id int
	fn func(notify.Notification)
}

// Bus dispatches events synchronously to subscribers in registration order
type Bus struct {
	mu            sync.RWMutex
	nextID        int
	txHandlers    []txHandler
	notifHandlers []notificationHandler
	publisher     Publisher
	logger        zerolog.Logger
}

// NewBus creates a bus. publisher may be nil.
func NewBus(publisher Publisher, logger zerolog.Logger) *Bus {
	return &Bus{
		publisher: publisher,
		logger:    logger.With().Str("component", "events").Logger(),
	}
}

// OnTx subscribes to transaction events of kind. An empty kind receives all.
func (b *Bus) OnTx(kind Kind, fn func(TxEvent)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.txHandlers = append(b.txHandlers, txHandler{id: id, kind: kind, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range b.txHandlers {
			if h.id == id {
				b.txHandlers = append(b.txHandlers[:i], b.txHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnNotification subscribes to notification:new
func (b *Bus) OnNotification(fn func(notify.Notification)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.notifHandlers = append(b.notifHandlers, notificationHandler{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range b.notifHandlers {
			if h.id == id {
				b.notifHandlers = append(b.notifHandlers[:i], b.notifHandlers[i+1:]...)
				return
			}
		}
	}
}

// EmitTx delivers a transaction event
func (b *Bus) EmitTx(ev TxEvent) {
	b.mu.RLock()
	handlers := make([]func(TxEvent), 0, len(b.txHandlers))
	for _, h := range b.txHandlers {
		if h.kind == "" || h.kind == ev.Kind {
			handlers = append(handlers, h.fn)
		}
	}
	b.mu.RUnlock()

	b.logger.Debug().Str("kind", string(ev.Kind)).Int("handlers", len(handlers)).Msg("emit")
	b.mirror(string(ev.Kind), ev)
	for _, fn := range handlers {
		fn(ev)
	}
}

// EmitNotification delivers a notification
func (b *Bus) EmitNotification(n notify.Notification) {
	b.mu.RLock()
	handlers := make([]func(notify.Notification), 0, len(b.notifHandlers))
	for _, h := range b.notifHandlers {
		handlers = append(handlers, h.fn)
	}
	b.mu.RUnlock()

	b.mirror(string(NotificationNew), n)
	for _, fn := range handlers {
		fn(n)
	}
}

func (b *Bus) mirror(subject string, data interface{}) {
	if b.publisher == nil {
		return
	}
	if err := b.publisher.Publish(context.Background(), subject, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subject).Msg("failed to mirror event")
	}
}
