/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/chargequeue/internal/telemetry"
)

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL     string
	Token   string
	Subject string

	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Subject:       "chargequeue.events",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NATSRelay forwards events over a NATS subject.
type NATSRelay struct {
	cfg    NATSConfig
	recv   receiver
	logger zerolog.Logger
	newID  func() string
	now    func() time.Time

	mu   sync.Mutex
	conn *nats.Conn
	sub  *nats.Subscription
}

// NewNATSRelay creates a relay. Start opens the connection.
func NewNATSRelay(cfg NATSConfig, nodeID string, sink Deliverer, logger zerolog.Logger) *NATSRelay {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Subject == "" {
		cfg.Subject = def.Subject
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &NATSRelay{
		cfg:    cfg,
		recv:   receiver{nodeID: nodeID, sink: sink},
		logger: logger.With().Str("component", "nats_relay").Logger(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// Start connects and subscribes to the relay subject.
func (n *NATSRelay) Start() error {
	opts := []nats.Option{
		nats.Name("chargequeue-" + n.recv.nodeID),
		nats.MaxReconnects(n.cfg.MaxReconnects),
		nats.ReconnectWait(n.cfg.ReconnectWait),
		nats.Timeout(n.cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.logger.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			n.logger.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if n.cfg.Token != "" {
		opts = append(opts, nats.Token(n.cfg.Token))
	}

	conn, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	sub, err := conn.Subscribe(n.cfg.Subject, func(m *nats.Msg) {
		n.inbound(m.Data)
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", n.cfg.Subject, err)
	}

	n.mu.Lock()
	n.conn, n.sub = conn, sub
	n.mu.Unlock()

	n.logger.Info().Str("subject", n.cfg.Subject).Str("node_id", n.recv.nodeID).Msg("nats event relay started")
	return nil
}

func (n *NATSRelay) inbound(data []byte) {
	delivered, err := n.recv.handle(data)
	switch {
	case err != nil:
		telemetry.RelayMessagesTotal.WithLabelValues("nats", "in", "error").Inc()
		n.logger.Error().Err(err).Msg("failed to decode relayed event")
	case delivered:
		telemetry.RelayMessagesTotal.WithLabelValues("nats", "in", "success").Inc()
	}
}

// Forward publishes a locally produced event to the other instances.
func (n *NATSRelay) Forward(event []byte) {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return
	}

	data, err := marshalMessage(event, n.recv.nodeID, n.newID(), n.now())
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to encode relayed event")
		return
	}
	if err := conn.Publish(n.cfg.Subject, data); err != nil {
		telemetry.RelayMessagesTotal.WithLabelValues("nats", "out", "error").Inc()
		n.logger.Warn().Err(err).Msg("nats publish failed")
		return
	}
	telemetry.RelayMessagesTotal.WithLabelValues("nats", "out", "success").Inc()
}

// Close drains the subscription and closes the connection.
func (n *NATSRelay) Close() error {
	n.mu.Lock()
	conn, sub := n.conn, n.sub
	n.conn, n.sub = nil, nil
	n.mu.Unlock()

	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if conn != nil {
		return conn.Drain()
	}
	return nil
}
