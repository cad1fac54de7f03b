/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/chargequeue/internal/telemetry"
)

// RedisConfig configures the Redis relay.
type RedisConfig struct {
	Channel        string
	PublishTimeout time.Duration

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis relay configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Channel:        "chargequeue:events",
		PublishTimeout: 3 * time.Second,
		MaxFailures:    5,
		CheckInterval:  30 * time.Second,
	}
}

// RedisRelay forwards events over Redis pub/sub. After MaxFailures
// consecutive publish errors it stops publishing and retries a ping every
// CheckInterval, so a Redis outage degrades to single-instance delivery.
type RedisRelay struct {
	client *redis.Client
	cfg    RedisConfig
	recv   receiver
	logger zerolog.Logger
	newID  func() string
	now    func() time.Time

	mu          sync.Mutex
	failCount   int
	useFallback bool
	lastCheck   time.Time

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisRelay creates a relay on a shared client.
func NewRedisRelay(client *redis.Client, cfg RedisConfig, nodeID string, sink Deliverer, logger zerolog.Logger) *RedisRelay {
	def := DefaultRedisConfig()
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	return &RedisRelay{
		client: client,
		cfg:    cfg,
		recv:   receiver{nodeID: nodeID, sink: sink},
		logger: logger.With().Str("component", "redis_relay").Logger(),
		newID:  uuid.NewString,
		now:    time.Now,
	}
}

// Start subscribes to the relay channel and delivers remote events until
// Close is called or ctx ends.
func (r *RedisRelay) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, r.cfg.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", r.cfg.Channel, err)
	}

	r.mu.Lock()
	r.pubsub = pubsub
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.receive(ctx, pubsub)

	r.logger.Info().Str("channel", r.cfg.Channel).Str("node_id", r.recv.nodeID).Msg("redis event relay started")
	return nil
}

func (r *RedisRelay) receive(ctx context.Context, pubsub *redis.PubSub) {
	defer r.wg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				r.logger.Warn().Msg("redis relay channel closed")
				return
			}
			r.inbound([]byte(msg.Payload))
		}
	}
}

func (r *RedisRelay) inbound(data []byte) {
	delivered, err := r.recv.handle(data)
	switch {
	case err != nil:
		telemetry.RelayMessagesTotal.WithLabelValues("redis", "in", "error").Inc()
		r.logger.Error().Err(err).Msg("failed to decode relayed event")
	case delivered:
		telemetry.RelayMessagesTotal.WithLabelValues("redis", "in", "success").Inc()
	}
}

// Forward publishes a locally produced event to the other instances.
func (r *RedisRelay) Forward(event []byte) {
	if r.fallback() {
		return
	}

	data, err := marshalMessage(event, r.recv.nodeID, r.newID(), r.now())
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to encode relayed event")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.cfg.Channel, string(data)).Err(); err != nil {
		telemetry.RelayMessagesTotal.WithLabelValues("redis", "out", "error").Inc()
		r.logger.Warn().Err(err).Msg("redis publish failed")
		r.handleFailure()
		return
	}
	telemetry.RelayMessagesTotal.WithLabelValues("redis", "out", "success").Inc()

	r.mu.Lock()
	r.failCount = 0
	r.mu.Unlock()
}

// Degraded reports whether the circuit breaker is open.
func (r *RedisRelay) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.useFallback
}

// Close stops the receiver. The shared client is left open.
func (r *RedisRelay) Close() error {
	r.mu.Lock()
	cancel, pubsub := r.cancel, r.pubsub
	r.cancel, r.pubsub = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if pubsub != nil {
		err = pubsub.Close()
	}
	r.wg.Wait()
	return err
}

func (r *RedisRelay) handleFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.failCount++
	if r.failCount >= r.cfg.MaxFailures && !r.useFallback {
		r.logger.Warn().
			Int("fail_count", r.failCount).
			Msg("redis failure threshold reached, relaying disabled")
		r.useFallback = true
		r.lastCheck = r.now()
	}
}

// fallback reports whether publishing is suspended, probing Redis when the
// check interval has passed.
func (r *RedisRelay) fallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.useFallback {
		return false
	}
	if r.now().Sub(r.lastCheck) < r.cfg.CheckInterval {
		return true
	}
	r.lastCheck = r.now()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PublishTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.logger.Debug().Err(err).Msg("redis still unavailable")
		return true
	}

	r.useFallback = false
	r.failCount = 0
	r.logger.Info().Msg("reconnected to redis, relaying resumed")
	return false
}
