/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Elector reports leadership of a shared lease.
type Elector interface {
	Start(ctx context.Context) error
	Stop() error
	IsLeader() bool
	LeaderCh() <-chan bool
}

// LeaderAwareSweeper runs the expiry sweep only while this instance is
// the leader.
type LeaderAwareSweeper struct {
	engine   *Engine
	election Elector
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
}

// NewLeaderAware wraps engine with leadership gating.
func NewLeaderAware(engine *Engine, election Elector, interval time.Duration, logger zerolog.Logger) *LeaderAwareSweeper {
	return &LeaderAwareSweeper{
		engine:   engine,
		election: election,
		interval: interval,
		logger:   logger.With().Str("component", "leader_aware_sweeper").Logger(),
	}
}

// Start begins the election and follows leadership changes.
func (s *LeaderAwareSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.election.Start(ctx); err != nil {
		return err
	}
	go s.monitorLeadership(ctx)
	return nil
}

// Stop halts the sweep and releases leadership.
func (s *LeaderAwareSweeper) Stop() error {
	s.stopSweeper()
	return s.election.Stop()
}

// Running reports whether the sweep loop is active.
func (s *LeaderAwareSweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *LeaderAwareSweeper) monitorLeadership(ctx context.Context) {
	if s.election.IsLeader() {
		s.startSweeper()
	}
	leaderCh := s.election.LeaderCh()
	for {
		select {
		case <-ctx.Done():
			s.stopSweeper()
			return
		case isLeader, ok := <-leaderCh:
			if !ok {
				s.stopSweeper()
				return
			}
			if isLeader {
				s.logger.Info().Msg("became leader, starting expiry sweeper")
				s.startSweeper()
			} else {
				s.logger.Warn().Msg("lost leadership, stopping expiry sweeper")
				s.stopSweeper()
			}
		}
	}
}

func (s *LeaderAwareSweeper) startSweeper() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	stopped := make(chan struct{})
	s.cancel = cancel
	s.stopped = stopped

	go func() {
		defer close(stopped)
		if err := s.engine.Run(ctx, s.interval); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("expiry sweeper error")
		}
	}()
}

func (s *LeaderAwareSweeper) stopSweeper() {
	s.mu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
