/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package notifications

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"
)

// SMTPConfig holds mail server settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// Enabled reports whether a mail host is configured.
func (c SMTPConfig) Enabled() bool { return c.Host != "" }

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPGateway delivers messages as plain text email.
type SMTPGateway struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
	logger   zerolog.Logger
}

// NewSMTPGateway creates an SMTP gateway.
func NewSMTPGateway(cfg SMTPConfig, logger zerolog.Logger) *SMTPGateway {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &SMTPGateway{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		logger:   logger.With().Str("component", "smtp").Logger(),
	}
}

// Name implements Gateway.
func (g *SMTPGateway) Name() string { return "smtp" }

// Send implements Gateway.
func (g *SMTPGateway) Send(_ context.Context, msg Message) error {
	if !g.cfg.Enabled() {
		return fmt.Errorf("SMTP not configured")
	}
	if msg.Recipient.Email == "" {
		return ErrNoAddress
	}

	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	var auth smtp.Auth
	if g.cfg.Username != "" {
		auth = smtp.PlainAuth("", g.cfg.Username, g.cfg.Password, g.cfg.Host)
	}

	if err := g.sendMail(addr, auth, g.cfg.From, []string{msg.Recipient.Email}, g.render(msg)); err != nil {
		return fmt.Errorf("SMTP send failed: %w", err)
	}

	g.logger.Info().
		Str("kind", string(msg.Kind)).
		Str("to", msg.Recipient.Email).
		Str("subject", msg.Subject).
		Msg("email notification sent")
	return nil
}

func (g *SMTPGateway) render(msg Message) []byte {
	from := g.cfg.From
	if g.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", g.cfg.FromName, g.cfg.From)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Recipient.Email)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}
