/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus relays queue events between instances so every
// instance's subscribers see the same stream.
package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Deliverer receives events relayed from other instances. events.Bus
// implements it.
type Deliverer interface {
	Deliver(msg []byte)
}

// message wraps an encoded event with its origin so instances can drop
// their own echoes.
type message struct {
	NodeID    string          `json:"node_id"`
	MessageID string          `json:"message_id"`
	Timestamp time.Time       `json:"timestamp"`
	Event     json.RawMessage `json:"event"`
}

func marshalMessage(event []byte, nodeID, messageID string, now time.Time) ([]byte, error) {
	return json.Marshal(message{
		NodeID:    nodeID,
		MessageID: messageID,
		Timestamp: now,
		Event:     json.RawMessage(event),
	})
}

func unmarshalMessage(data []byte) (*message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal relay message: %w", err)
	}
	if len(msg.Event) == 0 {
		return nil, fmt.Errorf("relay message %q has no event", msg.MessageID)
	}
	return &msg, nil
}

// NodeID returns an identifier unique to this process.
func NodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

// receiver holds the inbound half shared by the relays.
type receiver struct {
	nodeID string
	sink   Deliverer
}

// handle decodes an inbound payload and delivers it locally unless it
// originated on this node. It reports whether the event was delivered.
func (r receiver) handle(data []byte) (bool, error) {
	msg, err := unmarshalMessage(data)
	if err != nil {
		return false, err
	}
	if msg.NodeID == r.nodeID {
		return false, nil
	}
	if r.sink != nil {
		r.sink.Deliver([]byte(msg.Event))
	}
	return true, nil
}
