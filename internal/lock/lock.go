/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package lock serializes queue mutations within one process or across
// instances sharing a Redis.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/friendsincode/chargequeue/internal/telemetry"
)

// ErrNotHeld is returned when releasing a lease that has already expired
// or been taken over.
var ErrNotHeld = errors.New("lock: lease not held")

// Locker grants exclusive access to the queue. The returned release
// function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context) (release func(), err error)
}

// Local is an in-process mutex that honours context cancellation.
type Local struct {
	sem chan struct{}
}

// NewLocal creates an unlocked Local.
func NewLocal() *Local {
	return &Local{sem: make(chan struct{}, 1)}
}

func (l *Local) Lock(ctx context.Context) (func(), error) {
	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		telemetry.LockWaitDuration.Observe(time.Since(start).Seconds())
		released := false
		return func() {
			if released {
				return
			}
			released = true
			<-l.sem
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
