/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeElector struct {
	leader atomic.Bool
	ch     chan bool
}

func (e *fakeElector) Start(context.Context) error { return nil }
func (e *fakeElector) Stop() error                 { return nil }
func (e *fakeElector) IsLeader() bool              { return e.leader.Load() }
func (e *fakeElector) LeaderCh() <-chan bool       { return e.ch }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLeaderAwareSweeperFollowsLeadership(t *testing.T) {
	f := newEngineFixture(t)
	elector := &fakeElector{ch: make(chan bool, 1)}
	sweeper := NewLeaderAware(f.engine, elector, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if sweeper.Running() {
		t.Fatalf("follower must not sweep")
	}

	elector.leader.Store(true)
	elector.ch <- true
	waitFor(t, sweeper.Running)

	elector.leader.Store(false)
	elector.ch <- false
	waitFor(t, func() bool { return !sweeper.Running() })

	if err := sweeper.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
