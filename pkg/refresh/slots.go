package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"swapdesk/pkg/types"
)

// SlotConfig configures the websocket slot subscription
type SlotConfig struct {
	Chain             string
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

func DefaultSlotConfig() SlotConfig {
	return SlotConfig{
		Chain:             "solana",
		ReconnectDelay:    time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// SlotSubscriber is a HeadSource fed by the JSON-RPC slotSubscribe stream.
// A dropped connection is redialled with exponential backoff.
type SlotSubscriber struct {
	endpoint string
	config   SlotConfig
	logger   zerolog.Logger
}

func NewSlotSubscriber(endpoint string, cfg *SlotConfig, logger zerolog.Logger) *SlotSubscriber {
	c := DefaultSlotConfig()
	if cfg != nil {
		c = *cfg
	}
	return &SlotSubscriber{
		endpoint: endpoint,
		config:   c,
		logger:   logger.With().Str("component", "slots").Logger(),
	}
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsMessage struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params *struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Parent uint64 `json:"parent"`
			Root   uint64 `json:"root"`
			Slot   uint64 `json:"slot"`
		} `json:"result"`
	} `json:"params"`
}

// Heads dials the endpoint and subscribes. The first dial error is returned;
// later ones are retried until ctx is done.
func (s *SlotSubscriber) Heads(ctx context.Context) (<-chan types.Head, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan types.Head, 16)
	go func() {
		defer close(out)
		delay := s.config.ReconnectDelay
		for {
			err := s.stream(ctx, conn, out)
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Dur("retry_in", delay).Msg("slot stream dropped")

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.config.MaxReconnectDelay {
				delay = s.config.MaxReconnectDelay
			}

			conn, err = s.connect(ctx)
			if err != nil {
				conn = nil
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn().Err(err).Msg("reconnect failed")
				continue
			}
			delay = s.config.ReconnectDelay
		}
	}()
	return out, nil
}

func (s *SlotSubscriber) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := conn.WriteJSON(wsRequest{JSONRPC: "2.0", ID: 1, Method: "slotSubscribe"}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write subscribe: %w", err)
	}
	return conn, nil
}

// stream reads notifications from conn until it fails or ctx is done
func (s *SlotSubscriber) stream(ctx context.Context, conn *websocket.Conn, out chan<- types.Head) error {
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	var writeMu sync.Mutex
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	go func() {
		select {
		case <-ctx.Done():
			writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			writeMu.Unlock()
			conn.Close()
		case <-done:
		}
	}()
	go s.pingLoop(conn, &writeMu, done)

	for {
		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Debug().Err(err).Msg("skipping malformed message")
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("slotSubscribe: code=%d msg=%s", msg.Error.Code, msg.Error.Message)
		}
		if msg.Method != "slotNotification" || msg.Params == nil {
			continue
		}

		head := types.Head{Chain: s.config.Chain, Number: msg.Params.Result.Slot, Time: time.Now()}
		select {
		case out <- head:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *SlotSubscriber) pingLoop(conn *websocket.Conn, writeMu *sync.Mutex, done <-chan struct{}) {
	if s.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
			}
		}
	}
}
