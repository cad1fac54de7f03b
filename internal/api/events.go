/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"net/http"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/chargequeue/internal/events"
)

const streamWriteTimeout = 10 * time.Second

// handleEventsSSE streams bus events as Server-Sent Events. Every message
// is one "data:" frame carrying the JSON envelope.
func (a *API) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	ctx := r.Context()
	sink := events.NewChannelSink(a.sinkBuffer)
	sub, err := a.bus.Subscribe(ctx, sink)
	if err != nil {
		a.logger.Error().Err(err).Msg("sse subscribe failed")
		writeError(w, http.StatusInternalServerError, "subscribe_failed", "could not open event stream")
		return
	}
	defer a.bus.Unsubscribe(sub)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case msg, ok := <-sink.C():
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleEventsNDJSON streams bus events as newline-delimited JSON, one
// envelope per line.
func (a *API) handleEventsNDJSON(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming not supported")
		return
	}

	ctx := r.Context()
	sink := events.NewChannelSink(a.sinkBuffer)
	sub, err := a.bus.Subscribe(ctx, sink)
	if err != nil {
		a.logger.Error().Err(err).Msg("ndjson subscribe failed")
		writeError(w, http.StatusInternalServerError, "subscribe_failed", "could not open event stream")
		return
	}
	defer a.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	out := events.NewWriterSink(w)
	defer out.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case msg, ok := <-sink.C():
			if !ok {
				return
			}
			if err := out.Send(msg); err != nil {
				a.logger.Debug().Err(err).Msg("ndjson write failed")
				return
			}
		}
	}
}

// handleEventsWS streams bus events over a WebSocket, one text message per
// envelope. Client messages are ignored.
func (a *API) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	ctx := conn.CloseRead(r.Context())

	sink := events.NewChannelSink(a.sinkBuffer)
	sub, err := a.bus.Subscribe(ctx, sink)
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket subscribe failed")
		conn.Close(ws.StatusInternalError, "subscribe failed")
		return
	}
	defer a.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-sub.Done():
			conn.Close(ws.StatusPolicyViolation, "subscriber too slow")
			return
		case msg, ok := <-sink.C():
			if !ok {
				conn.Close(ws.StatusGoingAway, "stream closed")
				return
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *ws.Conn, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(ctx, ws.MessageText, msg)
}
