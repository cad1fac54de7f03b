/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/chargequeue/internal/api"
	"github.com/friendsincode/chargequeue/internal/config"
	"github.com/friendsincode/chargequeue/internal/db"
	"github.com/friendsincode/chargequeue/internal/leadership"
	"github.com/friendsincode/chargequeue/internal/telemetry"
	"github.com/friendsincode/chargequeue/internal/timer"
)

// Server bundles HTTP and supporting services.
type Server struct {
	*Core

	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	tracer        *telemetry.TracerProvider

	api         *api.API
	leaderAware *timer.LeaderAwareSweeper

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, version string, logger zerolog.Logger) (*Server, error) {
	for _, warn := range cfg.LegacyEnvWarnings {
		logger.Warn().Msg(warn)
	}

	core, err := NewCore(cfg, logger)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		Core:   core,
		cfg:    cfg,
		logger: logger,
		router: newRouter(),
	}

	if err := srv.initDependencies(version); err != nil {
		_ = srv.Close()
		return nil, err
	}

	srv.configureRoutes()
	if err := srv.startBackgroundWorkers(); err != nil {
		_ = srv.Close()
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 15 * time.Second,
		// Event streams stay open indefinitely; the timeout middleware
		// bounds everything else.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.MetricsBind != "" {
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           telemetry.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return srv, nil
}

func newRouter() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("chargequeue-api"))
	router.Use(telemetry.MetricsMiddleware)
	// Event streams are long-lived and must not be cut by the timeout.
	router.Use(func(next http.Handler) http.Handler {
		bounded := middleware.Timeout(60 * time.Second)(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isStreamPath(r) {
				next.ServeHTTP(w, r)
				return
			}
			bounded.ServeHTTP(w, r)
		})
	})
	return router
}

func isStreamPath(r *http.Request) bool {
	return r.Header.Get("Upgrade") == "websocket" || strings.HasPrefix(r.URL.Path, "/api/v1/events")
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies(version string) error {
	tp, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "chargequeue",
		ServiceVersion: version,
		InstanceID:     s.InstanceID(),
		OTLPEndpoint:   s.cfg.OTLPEndpoint,
		Enabled:        s.cfg.TracingEnabled,
		SampleRate:     s.cfg.TracingSampleRate,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	s.tracer = tp
	s.DeferClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	})

	if s.cfg.LeaderElectionEnabled {
		election := leadership.NewElection(s.Redis, leadership.ElectionConfig{
			InstanceID: s.InstanceID(),
		}, s.logger)
		s.leaderAware = timer.NewLeaderAware(s.Engine, election, s.cfg.SweepInterval, s.logger)
	}

	database := s.DB
	s.api = api.New(s.Service, s.Users, s.Bus, api.Options{
		AdminToken: s.cfg.AdminToken,
		Ping:       func(ctx context.Context) error { return db.Ping(ctx, database) },
	}, s.logger)
	return nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok", "instance": s.InstanceID()}
		if s.leaderAware != nil {
			body["leader"] = s.leaderAware.Running()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body)
	})

	if s.cfg.MetricsBind == "" {
		s.router.Handle("/metrics", telemetry.Handler())
	}

	s.api.Routes(s.router)
}

// startBackgroundWorkers reconciles timers with the store, then starts the
// relay receiver, the expiry sweep and the database metrics loop.
func (s *Server) startBackgroundWorkers() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	armed, err := s.Service.InitializeTimers(ctx)
	if err != nil {
		return fmt.Errorf("initialize timers: %w", err)
	}
	s.logger.Info().Int("armed", armed).Msg("session timers reconciled")

	if err := s.startRelayReceiver(ctx); err != nil {
		return fmt.Errorf("start event relay: %w", err)
	}

	if s.leaderAware != nil {
		if err := s.leaderAware.Start(ctx); err != nil {
			return fmt.Errorf("start leader election: %w", err)
		}
		s.DeferClose(s.leaderAware.Stop)
	} else {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.Engine.Run(ctx, s.cfg.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("expiry sweeper exited")
			}
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				if err := db.Ping(pingCtx, s.DB); err != nil {
					s.logger.Warn().Err(err).Msg("database ping failed")
				}
				cancel()
			}
		}
	}()
	return nil
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

// HTTPServer returns the API server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer returns the dedicated metrics server, or nil when metrics
// are served on the API router.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Router returns the root handler.
func (s *Server) Router() http.Handler {
	return s.router
}

// Close stops background work, then releases owned resources in reverse
// order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	return s.Core.Close()
}
