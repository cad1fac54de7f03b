/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"errors"
	"io"
	"sync"
)

var (
	// ErrSinkClosed is returned when writing to a closed sink.
	ErrSinkClosed = errors.New("events: sink closed")
	// ErrSinkFull is returned when a buffered sink cannot keep up.
	ErrSinkFull = errors.New("events: sink buffer full")
)

// Sink is the write side of a subscriber's stream. A failed Send causes
// the subscriber to be pruned.
type Sink interface {
	Send(msg []byte) error
}

// ChannelSink buffers encoded messages for a transport goroutine.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 32
	}
	return &ChannelSink{ch: make(chan []byte, buffer)}
}

// Send enqueues msg without blocking.
func (s *ChannelSink) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- msg:
		return nil
	default:
		return ErrSinkFull
	}
}

// C returns the receive side. It is closed when the sink closes.
func (s *ChannelSink) C() <-chan []byte { return s.ch }

// Close closes the sink. Safe to call more than once.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// WriterSink writes newline-delimited JSON envelopes to an io.Writer,
// flushing after each one when the writer supports it. Writes are
// serialized; a write error prunes the subscriber.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Send writes msg followed by a newline.
func (s *WriterSink) Send(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	line := make([]byte, 0, len(msg)+1)
	line = append(append(line, msg...), '\n')
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	switch f := s.w.(type) {
	case interface{ Flush() error }:
		return f.Flush()
	case interface{ Flush() }:
		f.Flush()
	}
	return nil
}

// Close stops further writes. The underlying writer is left open.
func (s *WriterSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
