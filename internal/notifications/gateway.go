/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package notifications delivers user-facing charging notifications.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a notification type.
type Kind string

const (
	KindStationReady   Kind = "station_ready"
	KindAlmostComplete Kind = "almost_complete"
	KindExpired        Kind = "expired"
	KindComplete       Kind = "complete"
)

// Recipient is the user a notification is addressed to.
type Recipient struct {
	UserID uint   `json:"userId"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}

// Message is a composed notification.
type Message struct {
	Kind      Kind      `json:"kind"`
	Recipient Recipient `json:"recipient"`
	Station   string    `json:"station"`
	Minutes   int       `json:"minutes"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
}

// Gateway sends composed messages over some transport.
type Gateway interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// ErrNoAddress is returned when a recipient has no deliverable address.
var ErrNoAddress = errors.New("recipient has no email address")

const footer = "This is an automated notification from the EV charging station system."

// Compose builds the subject and body for a notification kind. minutes is
// the remaining time for KindAlmostComplete, the overtime for KindExpired
// and the session length for KindComplete.
func Compose(kind Kind, to Recipient, station string, minutes int) Message {
	name := to.Name
	if name == "" {
		name = "there"
	}

	var subject string
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s,\n\n", name)

	switch kind {
	case KindStationReady:
		subject = "Your EV charger is ready"
		fmt.Fprintf(&b, "%s is now available and reserved for you.\n", station)
		b.WriteString("Please head to the station and plug in your vehicle.\n")
	case KindAlmostComplete:
		subject = "Charging almost complete"
		fmt.Fprintf(&b, "Your vehicle at %s has about %d %s of charging time remaining.\n", station, minutes, plural(minutes, "minute"))
		b.WriteString("Please prepare to unplug soon. Other drivers may be waiting.\n")
	case KindExpired:
		subject = "Charging time expired"
		if minutes > 0 {
			fmt.Fprintf(&b, "Your session at %s ended %d %s ago.\n", station, minutes, plural(minutes, "minute"))
		} else {
			fmt.Fprintf(&b, "Your session at %s has ended.\n", station)
		}
		b.WriteString("Please move your vehicle so the next driver can charge.\n")
	case KindComplete:
		subject = "Charging session complete"
		fmt.Fprintf(&b, "Your %d %s session at %s is complete. Thank you for freeing the station.\n", minutes, plural(minutes, "minute"), station)
	default:
		subject = "Charging station update"
		fmt.Fprintf(&b, "There is an update about %s.\n", station)
	}

	b.WriteString("\n")
	b.WriteString(footer)
	b.WriteString("\n")

	return Message{
		Kind:      kind,
		Recipient: to,
		Station:   station,
		Minutes:   minutes,
		Subject:   subject,
		Body:      b.String(),
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// LogGateway writes messages to a logger instead of delivering them.
type LogGateway struct {
	logf func(msg Message)
}

// NewLogGateway creates a gateway that hands every message to logf.
func NewLogGateway(logf func(msg Message)) *LogGateway {
	return &LogGateway{logf: logf}
}

// Name implements Gateway.
func (g *LogGateway) Name() string { return "log" }

// Send implements Gateway.
func (g *LogGateway) Send(_ context.Context, msg Message) error {
	if g.logf != nil {
		g.logf(msg)
	}
	return nil
}

// MultiGateway fans a message out to several gateways.
type MultiGateway []Gateway

// Name implements Gateway.
func (m MultiGateway) Name() string {
	names := make([]string, 0, len(m))
	for _, g := range m {
		names = append(names, g.Name())
	}
	return strings.Join(names, "+")
}

// Send delivers to every gateway and joins their errors.
func (m MultiGateway) Send(ctx context.Context, msg Message) error {
	var errs []error
	for _, g := range m {
		if err := g.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", g.Name(), err))
		}
	}
	return errors.Join(errs...)
}
