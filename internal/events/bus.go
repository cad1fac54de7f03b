/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/chargequeue/internal/telemetry"
)

// SnapshotFunc returns the full current state sent to new subscribers.
type SnapshotFunc func(ctx context.Context) (any, error)

// Relay forwards locally published messages to other instances.
type Relay interface {
	Forward(msg []byte)
}

// maxPending bounds events held for a subscriber whose initial state is
// still being built.
const maxPending = 1024

// Subscription is a registered subscriber.
type Subscription struct {
	id   uint64
	sink Sink
	done chan struct{}
	once sync.Once

	// mu orders writes to sink. While pending, events are queued so they
	// reach the sink after initial_state.
	mu      sync.Mutex
	pending bool
	queued  [][]byte
}

// ID returns the subscription id.
func (s *Subscription) ID() uint64 { return s.id }

// Done is closed when the subscription is removed, either explicitly or
// because a write failed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Bus fans events out to live subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	seq  atomic.Uint64

	heartbeat time.Duration
	snapshot  SnapshotFunc
	relay     Relay
	logger    zerolog.Logger
	now       func() time.Time
}

// NewBus creates an event bus. A zero heartbeat disables heartbeats.
func NewBus(heartbeat time.Duration, logger zerolog.Logger) *Bus {
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		heartbeat: heartbeat,
		logger:    logger.With().Str("component", "events").Logger(),
		now:       time.Now,
	}
}

// SetSnapshot sets the initial-state provider.
func (b *Bus) SetSnapshot(fn SnapshotFunc) {
	b.mu.Lock()
	b.snapshot = fn
	b.mu.Unlock()
}

// SetRelay sets the cross-instance relay.
func (b *Bus) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Subscribe registers sink, sends the connected event followed by the
// initial snapshot, and starts its heartbeat. Events published while the
// snapshot is built are held back and delivered right after it.
func (b *Bus) Subscribe(ctx context.Context, sink Sink) (*Subscription, error) {
	sub := &Subscription{
		id:      b.seq.Add(1),
		sink:    sink,
		done:    make(chan struct{}),
		pending: true,
	}

	connected, err := b.encode(EventConnected, Payload{"message": "connected to queue updates"})
	if err != nil {
		return nil, err
	}
	if err := sink.Send(connected); err != nil {
		return nil, fmt.Errorf("send connected: %w", err)
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	snapshot := b.snapshot
	n := len(b.subs)
	b.mu.Unlock()
	telemetry.EventSubscribers.Set(float64(n))

	var initial []byte
	if snapshot != nil {
		state, err := snapshot(ctx)
		if err != nil {
			b.Unsubscribe(sub)
			return nil, fmt.Errorf("build initial state: %w", err)
		}
		if initial, err = b.encode(EventInitialState, Payload{"queue": state}); err != nil {
			b.Unsubscribe(sub)
			return nil, err
		}
	}
	if err := b.activate(sub, initial); err != nil {
		return nil, err
	}

	if b.heartbeat > 0 {
		go b.heartbeatLoop(sub)
	}

	b.logger.Debug().Uint64("subscriber", sub.id).Int("subscribers", n).Msg("subscriber connected")
	return sub, nil
}

// activate writes initial (if any) and then everything queued while the
// subscription was pending, and makes it live.
func (b *Bus) activate(sub *Subscription, initial []byte) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	queued := sub.queued
	sub.queued = nil
	sub.pending = false

	if sub.closed() {
		return fmt.Errorf("send initial state: %w", ErrSinkClosed)
	}
	if initial != nil && !b.send(sub, initial) {
		return fmt.Errorf("send initial state: %w", ErrSinkClosed)
	}
	for _, msg := range queued {
		if !b.send(sub, msg) {
			return fmt.Errorf("flush queued events: %w", ErrSinkClosed)
		}
	}
	return nil
}

// Publish encodes and delivers an event to every subscriber, then hands
// it to the relay. It never fails; subscribers that cannot be written to
// are pruned.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	msg, err := b.encode(eventType, payload)
	if err != nil {
		b.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to encode event")
		return
	}
	telemetry.EventsPublishedTotal.WithLabelValues(string(eventType)).Inc()
	b.broadcast(msg)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		relay.Forward(msg)
	}
}

// Deliver hands an already encoded message, received from another
// instance, to local subscribers only.
func (b *Bus) Deliver(msg []byte) {
	b.broadcast(msg)
}

func (b *Bus) broadcast(msg []byte) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.write(sub, msg)
	}
}

// write sends msg, or queues it while sub is pending. It reports false
// when the subscriber was pruned.
func (b *Bus) write(sub *Subscription, msg []byte) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.pending {
		if len(sub.queued) >= maxPending {
			b.prune(sub, ErrSinkFull)
			return false
		}
		sub.queued = append(sub.queued, msg)
		return true
	}
	return b.send(sub, msg)
}

// send writes to the sink; callers hold sub.mu.
func (b *Bus) send(sub *Subscription, msg []byte) bool {
	if err := sub.sink.Send(msg); err != nil {
		b.prune(sub, err)
		return false
	}
	return true
}

func (b *Bus) prune(sub *Subscription, err error) {
	b.logger.Debug().Err(err).Uint64("subscriber", sub.id).Msg("pruning subscriber after failed write")
	telemetry.EventSubscribersPrunedTotal.Inc()
	b.Unsubscribe(sub)
}

func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Unsubscribe removes sub. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	delete(b.subs, sub.id)
	n := len(b.subs)
	b.mu.Unlock()
	telemetry.EventSubscribers.Set(float64(n))

	sub.once.Do(func() {
		close(sub.done)
		if c, ok := sub.sink.(interface{ Close() }); ok {
			c.Close()
		}
	})
}

// Len returns the number of live subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes every subscriber.
func (b *Bus) Close() {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		b.Unsubscribe(sub)
	}
}

func (b *Bus) heartbeatLoop(sub *Subscription) {
	ticker := time.NewTicker(b.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			msg, err := b.encode(EventHeartbeat, nil)
			if err != nil {
				continue
			}
			if !b.write(sub, msg) {
				return
			}
		}
	}
}

func (b *Bus) encode(eventType EventType, payload Payload) ([]byte, error) {
	data, err := json.Marshal(Event{Type: eventType, Timestamp: b.now(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", eventType, err)
	}
	return data, nil
}
