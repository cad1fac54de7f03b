/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects a single instance to run cluster-wide
// background work such as the expiry sweep.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/chargequeue/internal/telemetry"
)

const (
	defaultElectionKey     = "chargequeue:leader:sweeper"
	defaultLeaseDuration   = 15 * time.Second
	defaultRenewalInterval = 5 * time.Second
)

// renewScript extends the lease only while we own it.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// ElectionConfig configures leader election behavior.
type ElectionConfig struct {
	// ElectionKey is the Redis key holding the leader's instance id.
	ElectionKey string
	// LeaseDuration is how long a lease stays valid without renewal.
	LeaseDuration time.Duration
	// RenewalInterval is how often leaders renew and followers retry.
	RenewalInterval time.Duration
	// InstanceID uniquely identifies this instance.
	InstanceID string
}

// DefaultConfig returns default election configuration.
func DefaultConfig() ElectionConfig {
	return ElectionConfig{
		ElectionKey:     defaultElectionKey,
		LeaseDuration:   defaultLeaseDuration,
		RenewalInterval: defaultRenewalInterval,
		InstanceID:      uuid.New().String(),
	}
}

// Election manages distributed leader election using Redis.
type Election struct {
	client *redis.Client
	logger zerolog.Logger
	config ElectionConfig

	isLeader atomic.Bool
	leaderCh chan bool

	mu       sync.Mutex
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// NewElection creates an election on a shared client. The client is not
// closed by the election.
func NewElection(client *redis.Client, config ElectionConfig, logger zerolog.Logger) *Election {
	def := DefaultConfig()
	if config.ElectionKey == "" {
		config.ElectionKey = def.ElectionKey
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = def.LeaseDuration
	}
	if config.RenewalInterval <= 0 {
		config.RenewalInterval = def.RenewalInterval
	}
	if config.InstanceID == "" {
		config.InstanceID = def.InstanceID
	}
	return &Election{
		client:   client,
		logger:   logger.With().Str("component", "leader_election").Str("instance_id", config.InstanceID).Logger(),
		config:   config,
		leaderCh: make(chan bool, 1),
	}
}

// Start makes a first attempt synchronously, then campaigns in the
// background.
func (e *Election) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return errors.New("election already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.loopDone = make(chan struct{})

	e.logger.Info().Dur("lease_duration", e.config.LeaseDuration).Msg("starting leader election")
	e.attempt(ctx)
	go e.campaignLoop(ctx, e.loopDone)
	return nil
}

// Stop ends the campaign and releases the lease if held.
func (e *Election) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.loopDone
	e.cancel, e.loopDone = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	if e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.release(ctx); err != nil {
			return err
		}
		e.setLeader(false)
	}
	return nil
}

// IsLeader returns whether this instance is currently the leader.
func (e *Election) IsLeader() bool {
	return e.isLeader.Load()
}

// LeaderCh receives leadership changes. Only the latest change is kept.
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// Leader returns the current leader's instance id, or "" if none.
func (e *Election) Leader(ctx context.Context) (string, error) {
	id, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return id, nil
}

func (e *Election) campaignLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.config.RenewalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.attempt(ctx)
		}
	}
}

func (e *Election) attempt(ctx context.Context) {
	held, err := e.acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("leadership attempt failed")
		}
		e.setLeader(false)
		return
	}
	e.setLeader(held)
}

// acquire takes the lease if free, or renews it if we already own it.
func (e *Election) acquire(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.config.ElectionKey, e.config.InstanceID, e.config.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("set lease: %w", err)
	}
	if ok {
		return true, nil
	}
	n, err := e.client.Eval(ctx, renewScript, []string{e.config.ElectionKey},
		e.config.InstanceID, e.config.LeaseDuration.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

func (e *Election) release(ctx context.Context) error {
	if err := e.client.Eval(ctx, releaseScript, []string{e.config.ElectionKey}, e.config.InstanceID).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	e.logger.Info().Msg("released leadership")
	return nil
}

func (e *Election) setLeader(leader bool) {
	if e.isLeader.Swap(leader) == leader {
		return
	}
	id := e.config.InstanceID
	if leader {
		e.logger.Info().Msg("acquired leadership")
		telemetry.LeaderElectionStatus.WithLabelValues(id).Set(1)
		telemetry.LeaderElectionChanges.WithLabelValues(id, "acquired").Inc()
	} else {
		e.logger.Warn().Msg("lost leadership")
		telemetry.LeaderElectionStatus.WithLabelValues(id).Set(0)
		telemetry.LeaderElectionChanges.WithLabelValues(id, "lost").Inc()
	}

	// Keep only the newest status in the buffered channel.
	select {
	case <-e.leaderCh:
	default:
	}
	select {
	case e.leaderCh <- leader:
	default:
	}
}
