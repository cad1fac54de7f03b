/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/chargequeue/internal/telemetry"
)

const (
	defaultKey   = "chargequeue:lock:queue"
	defaultTTL   = 10 * time.Second
	defaultRetry = 25 * time.Millisecond
)

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisConfig configures the distributed lock.
type RedisConfig struct {
	Key           string
	TTL           time.Duration
	RetryInterval time.Duration
}

// Redis is a lease lock in Redis. Callers in the same process queue on a
// local mutex first so only one of them polls Redis at a time.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	local  *Local
	logger zerolog.Logger
	token  func() string
}

// NewRedis creates a distributed lock on client.
func NewRedis(client *redis.Client, cfg RedisConfig, logger zerolog.Logger) *Redis {
	if cfg.Key == "" {
		cfg.Key = defaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetry
	}
	return &Redis{
		client: client,
		cfg:    cfg,
		local:  NewLocal(),
		logger: logger.With().Str("component", "lock").Logger(),
		token:  func() string { return uuid.New().String() },
	}
}

func (r *Redis) Lock(ctx context.Context) (func(), error) {
	start := time.Now()
	releaseLocal, err := r.local.Lock(ctx)
	if err != nil {
		return nil, err
	}

	token := r.token()
	for {
		ok, err := r.client.SetNX(ctx, r.cfg.Key, token, r.cfg.TTL).Result()
		if err != nil {
			releaseLocal()
			return nil, fmt.Errorf("acquire %s: %w", r.cfg.Key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			releaseLocal()
			return nil, ctx.Err()
		case <-time.After(r.cfg.RetryInterval):
		}
	}
	telemetry.LockWaitDuration.Observe(time.Since(start).Seconds())

	released := false
	return func() {
		if released {
			return
		}
		released = true
		defer releaseLocal()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.release(ctx, token); err != nil {
			r.logger.Warn().Err(err).Str("key", r.cfg.Key).Msg("failed to release queue lock")
		}
	}, nil
}

func (r *Redis) release(ctx context.Context, token string) error {
	n, err := r.client.Eval(ctx, releaseScript, []string{r.cfg.Key}, token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", r.cfg.Key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
