package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swapdesk/pkg/notify"
	"swapdesk/pkg/types"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (c *capturePublisher) Publish(_ context.Context, subject string, _ interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	return nil
}

func TestBusRoutesByKind(t *testing.T) {
	pub := &capturePublisher{}
	bus := NewBus(pub, zerolog.Nop())

	var got []Kind
	var all int
	bus.OnTx(TxNew, func(ev TxEvent) { got = append(got, ev.Kind) })
	unsubscribe := bus.OnTx("", func(TxEvent) { all++ })

	bus.EmitTx(TxEvent{Kind: TxNew})
	bus.EmitTx(TxEvent{Kind: TxScheduleDca})
	unsubscribe()
	bus.EmitTx(TxEvent{Kind: TxNew})

	assert.Equal(t, []Kind{TxNew, TxNew}, got)
	assert.Equal(t, 2, all)
	assert.Equal(t, []string{"tx:new", "tx:scheduleDca", "tx:new"}, pub.subjects)
}

func TestBusNotifications(t *testing.T) {
	bus := NewBus(nil, zerolog.Nop())
	var ids []string
	bus.OnNotification(func(n notify.Notification) { ids = append(ids, n.ID) })

	bus.EmitNotification(notify.Notification{ID: "a", Kind: notify.KindProgress})
	assert.Equal(t, []string{"a"}, ids)
}

func TestNATSPublisherMirrorsEvents(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	defer s.Shutdown()

	pub, err := ConnectNATS(s.ClientURL(), "test", zerolog.Nop())
	require.NoError(t, err)
	defer pub.Close()
	assert.True(t, pub.Ready())

	sub, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer sub.Close()

	msgs := make(chan *nats.Msg, 1)
	_, err = sub.ChanSubscribe("test.tx.new", msgs)
	require.NoError(t, err)
	require.NoError(t, sub.Flush())

	bus := NewBus(pub, zerolog.Nop())
	bus.EmitTx(TxEvent{
		Kind:        TxNew,
		Account:     types.Account{Address: "alice"},
		Transaction: &types.Transaction{Name: "swap", Hex: "0x00"},
	})

	select {
	case msg := <-msgs:
		var ev TxEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, TxNew, ev.Kind)
		assert.Equal(t, "alice", ev.Account.Address)
	case <-time.After(2 * time.Second):
		t.Fatal("event not mirrored to NATS")
	}
}

func TestConnectNATSRequiresURL(t *testing.T) {
	_, err := ConnectNATS("", "", zerolog.Nop())
	assert.EqualError(t, err, "nats url is required")
}
