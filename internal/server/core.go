/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/chargequeue/internal/config"
	"github.com/friendsincode/chargequeue/internal/db"
	"github.com/friendsincode/chargequeue/internal/eventbus"
	"github.com/friendsincode/chargequeue/internal/events"
	"github.com/friendsincode/chargequeue/internal/lock"
	"github.com/friendsincode/chargequeue/internal/notifications"
	"github.com/friendsincode/chargequeue/internal/queue"
	"github.com/friendsincode/chargequeue/internal/store"
	"github.com/friendsincode/chargequeue/internal/timer"
)

// Core is the queue domain wired to its storage, timers, events and
// notifications. The HTTP server and the admin CLI both build on it.
type Core struct {
	cfg        *config.Config
	logger     zerolog.Logger
	instanceID string

	DB         *gorm.DB
	Entries    *store.GormEntryStore
	Users      *store.GormUserDirectory
	Bus        *events.Bus
	Engine     *timer.Engine
	Service    *queue.Service
	Dispatcher *notifications.Dispatcher
	Redis      *redis.Client

	relay   relay
	closers []func() error
}

// relay is the cross-instance half of the event bus.
type relay interface {
	events.Relay
	Close() error
}

// NewCore connects to the database, migrates it and wires the queue.
func NewCore(cfg *config.Config, logger zerolog.Logger) (*Core, error) {
	c := &Core{
		cfg:        cfg,
		logger:     logger,
		instanceID: cfg.InstanceID,
	}
	if c.instanceID == "" {
		c.instanceID = eventbus.NodeID()
	}

	if err := c.init(); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// InstanceID identifies this process to the relay and leader election.
func (c *Core) InstanceID() string { return c.instanceID }

func (c *Core) init() error {
	database, err := db.Connect(c.cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	c.DB = database
	c.DeferClose(func() error { return db.Close(database) })

	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	if c.cfg.UsesRedis() {
		client := redis.NewClient(&redis.Options{
			Addr:     c.cfg.RedisAddr,
			Password: c.cfg.RedisPassword,
			DB:       c.cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("connect redis %s: %w", c.cfg.RedisAddr, err)
		}
		c.Redis = client
		c.DeferClose(client.Close)
	}

	c.Entries = store.NewGormEntryStore(database)
	c.Users = store.NewGormUserDirectory(database)
	c.Bus = events.NewBus(c.cfg.HeartbeatInterval, c.logger)
	c.DeferClose(func() error { c.Bus.Close(); return nil })

	if err := c.initRelay(); err != nil {
		return err
	}

	var locker lock.Locker = lock.NewLocal()
	if c.cfg.DistributedLock {
		locker = lock.NewRedis(c.Redis, lock.RedisConfig{}, c.logger)
	}

	names := c.cfg.StationNames
	stationName := func(id int) string {
		if id >= 1 && id <= len(names) {
			return names[id-1]
		}
		return config.DefaultStationName(id)
	}
	c.Dispatcher = notifications.NewDispatcher(c.buildGateway(), c.Users, stationName, 30*time.Second, c.logger)
	c.DeferClose(func() error { c.Dispatcher.Wait(); return nil })

	c.Engine = timer.New(c.Entries, c.Bus, c.Dispatcher, timer.RealClock(), timer.NewRegistry(), timer.Config{
		AlmostCompleteLead: c.cfg.AlmostCompleteLead,
		CallbackTimeout:    c.cfg.CallbackTimeout,
	}, c.logger)
	c.DeferClose(func() error { c.Engine.ClearAll(); return nil })

	c.Service = queue.NewService(queue.Deps{
		Store:    c.Entries,
		Users:    c.Users,
		Timers:   c.Engine,
		Bus:      c.Bus,
		Notifier: c.Dispatcher,
		Locker:   locker,
	}, queue.Config{
		StationCount: c.cfg.StationCount,
		StationNames: names,
	}, c.logger)
	c.Engine.SetCompleter(c.Service)
	c.Bus.SetSnapshot(c.Service.Snapshot)

	return nil
}

func (c *Core) initRelay() error {
	switch c.cfg.EventRelay {
	case config.RelayRedis:
		c.relay = eventbus.NewRedisRelay(c.Redis, eventbus.RedisConfig{}, c.instanceID, c.Bus, c.logger)
	case config.RelayNATS:
		r := eventbus.NewNATSRelay(eventbus.NATSConfig{
			URL:   c.cfg.NATSURL,
			Token: c.cfg.NATSToken,
		}, c.instanceID, c.Bus, c.logger)
		if err := r.Start(); err != nil {
			return err
		}
		c.relay = r
	default:
		return nil
	}
	c.Bus.SetRelay(c.relay)
	c.DeferClose(c.relay.Close)
	return nil
}

// startRelayReceiver begins delivering events from other instances. Only
// long-running processes need it; the admin CLI only forwards.
func (c *Core) startRelayReceiver(ctx context.Context) error {
	if r, ok := c.relay.(*eventbus.RedisRelay); ok {
		return r.Start(ctx)
	}
	return nil
}

func (c *Core) buildGateway() notifications.Gateway {
	var gateways notifications.MultiGateway
	if c.cfg.SMTPHost != "" {
		gateways = append(gateways, notifications.NewSMTPGateway(notifications.SMTPConfig{
			Host:     c.cfg.SMTPHost,
			Port:     c.cfg.SMTPPort,
			Username: c.cfg.SMTPUsername,
			Password: c.cfg.SMTPPassword,
			From:     c.cfg.SMTPFrom,
			FromName: c.cfg.SMTPFromName,
		}, c.logger))
	}
	if c.cfg.AMQPURL != "" {
		amqpGW := notifications.NewAMQPGateway(notifications.AMQPConfig{URL: c.cfg.AMQPURL, Queue: c.cfg.AMQPQueue}, c.logger)
		c.DeferClose(amqpGW.Close)
		gateways = append(gateways, amqpGW)
	}

	switch len(gateways) {
	case 0:
		log := c.logger.With().Str("component", "notifications").Logger()
		c.logger.Warn().Msg("no notification transport configured, notifications will only be logged")
		return notifications.NewLogGateway(func(m notifications.Message) {
			log.Info().
				Str("kind", string(m.Kind)).
				Str("to", m.Recipient.Email).
				Str("station", m.Station).
				Str("subject", m.Subject).
				Msg("notification")
		})
	case 1:
		return gateways[0]
	default:
		return gateways
	}
}

// Close releases owned resources in reverse order.
func (c *Core) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.closers = nil
	return firstErr
}

// DeferClose registers a cleanup hook.
func (c *Core) DeferClose(fn func() error) {
	c.closers = append(c.closers, fn)
}
