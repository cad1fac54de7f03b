/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import (
	"encoding/json"
	"time"
)

// EventType enumerates event categories.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventInitialState      EventType = "initial_state"
	EventQueueUpdate       EventType = "queue_update"
	EventTimerStarted      EventType = "timer_started"
	EventAlmostComplete    EventType = "almost_complete"
	EventOvertime          EventType = "overtime"
	EventCompleted         EventType = "completed"
	EventHeartbeat         EventType = "heartbeat"
	EventTimersInitialized EventType = "timers_initialized"
)

// Payload generic event payload.
type Payload map[string]any

// Event is one message on the wire. Payload keys are flattened next to
// type and timestamp when encoded.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   Payload
}

// MarshalJSON encodes the envelope {type, timestamp, ...payload}. The
// timestamp is milliseconds since the Unix epoch.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.UnixMilli()
	return json.Marshal(out)
}

// UnmarshalJSON decodes an envelope produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Payload = Payload{}
	for k, v := range raw {
		switch k {
		case "type":
			s, _ := v.(string)
			e.Type = EventType(s)
		case "timestamp":
			ms, _ := v.(float64)
			e.Timestamp = time.UnixMilli(int64(ms))
		default:
			e.Payload[k] = v
		}
	}
	return nil
}
