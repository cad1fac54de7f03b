/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPConfig holds broker settings for the AMQP gateway.
type AMQPConfig struct {
	URL   string
	Queue string
}

// AMQPGateway publishes messages as JSON to a durable RabbitMQ queue for an
// external mailer or push service to consume.
type AMQPGateway struct {
	cfg    AMQPConfig
	logger zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPGateway creates an AMQP gateway. The connection is opened lazily on
// first send and reopened after a broker disconnect.
func NewAMQPGateway(cfg AMQPConfig, logger zerolog.Logger) *AMQPGateway {
	if cfg.Queue == "" {
		cfg.Queue = "chargequeue.notifications"
	}
	return &AMQPGateway{
		cfg:    cfg,
		logger: logger.With().Str("component", "amqp").Logger(),
	}
}

// Name implements Gateway.
func (g *AMQPGateway) Name() string { return "amqp" }

// Send implements Gateway.
func (g *AMQPGateway) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ch, err := g.channel()
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(msg.Kind),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, "", g.cfg.Queue, false, false, pub); err != nil {
		g.reset()
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Close releases the broker connection.
func (g *AMQPGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reset()
	return nil
}

func (g *AMQPGateway) channel() (*amqp.Channel, error) {
	if g.conn != nil && !g.conn.IsClosed() && g.ch != nil && !g.ch.IsClosed() {
		return g.ch, nil
	}
	g.reset()

	conn, err := amqp.Dial(g.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(g.cfg.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp queue declare: %w", err)
	}

	g.conn, g.ch = conn, ch
	g.logger.Info().Str("queue", g.cfg.Queue).Msg("amqp notification channel open")
	return ch, nil
}

func (g *AMQPGateway) reset() {
	if g.ch != nil {
		_ = g.ch.Close()
		g.ch = nil
	}
	if g.conn != nil {
		_ = g.conn.Close()
		g.conn = nil
	}
}
