package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSPublisher mirrors bus events to NATS subjects under a prefix
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger zerolog.Logger
}

// ConnectNATS dials NATS with endless reconnects
func ConnectNATS(url, prefix string, logger zerolog.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if prefix == "" {
		prefix = "swapdesk"
	}

	opts := []nats.Option{
		nats.Name("swapdesk"),
		nats.Timeout(5 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger = logger.With().Str("component", "nats").Logger()
	logger.Info().Str("url", url).Msg("connected to NATS")
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject maps an event kind such as "tx:new" to "<prefix>.tx.new"
func (p *NATSPublisher) Subject(kind string) string {
	return p.prefix + "." + strings.ReplaceAll(kind, ":", ".")
}

func (p *NATSPublisher) Publish(_ context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(subject), payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Ready reports whether the connection is up
func (p *NATSPublisher) Ready() bool {
	return p.nc != nil && p.nc.Status() == nats.CONNECTED
}

// Close drains the connection
func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.Status() == nats.CLOSED {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain connection to NATS: %w", err)
	}
	return nil
}
