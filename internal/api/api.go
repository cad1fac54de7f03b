/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/chargequeue/internal/events"
	"github.com/friendsincode/chargequeue/internal/queue"
	"github.com/friendsincode/chargequeue/internal/store"
)

// PingFunc checks a backing dependency for the health endpoint.
type PingFunc func(ctx context.Context) error

// API exposes HTTP handlers.
type API struct {
	svc        *queue.Service
	users      store.UserDirectory
	bus        *events.Bus
	ping       PingFunc
	adminToken string
	sinkBuffer int
	logger     zerolog.Logger
}

// Options configures an API.
type Options struct {
	AdminToken string
	// SinkBuffer is the per-subscriber message buffer for event streams.
	SinkBuffer int
	Ping       PingFunc
}

// New creates the API router wrapper.
func New(svc *queue.Service, users store.UserDirectory, bus *events.Bus, opts Options, logger zerolog.Logger) *API {
	if opts.SinkBuffer <= 0 {
		opts.SinkBuffer = 64
	}
	return &API{
		svc:        svc,
		users:      users,
		bus:        bus,
		ping:       opts.Ping,
		adminToken: opts.AdminToken,
		sinkBuffer: opts.SinkBuffer,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts the API under /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Post("/users", a.handleUsersCreate)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", a.handleQueueList)
			r.Post("/", a.handleQueueJoin)
			r.Delete("/{userID}", a.handleQueueLeave)
			r.Post("/{userID}/move-back", a.handleQueueMoveBack)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", a.handleSessionStart)
			r.Post("/complete", a.handleSessionCompleteForUser)
			r.Post("/{entryID}/complete", a.handleSessionComplete)
			r.Get("/{entryID}/remaining", a.handleSessionRemaining)
		})

		r.Get("/stations", a.handleStationsRank)
		r.Get("/stations/best", a.handleStationsBest)
		r.Get("/stats", a.handleStats)

		r.Get("/events", a.handleEventsSSE)
		r.Get("/events/ws", a.handleEventsWS)
		r.Get("/events/ndjson", a.handleEventsNDJSON)

		r.Post("/timers/init", a.handleTimersInit)

		r.Route("/admin", func(r chi.Router) {
			r.Use(a.requireAdmin)
			r.Delete("/entries/{entryID}", a.handleAdminRemove)
			r.Post("/entries/{entryID}/force-complete", a.handleAdminForceComplete)
			r.Post("/sessions", a.handleAdminStartSession)
			r.Post("/clear", a.handleAdminClear)
			r.Post("/renumber", a.handleAdminRenumber)
			r.Post("/assign", a.handleAdminAssign)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if a.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.ping(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("health check failed")
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"stations":    a.svc.StationCount(),
		"subscribers": a.bus.Len(),
		"time":        time.Now().UTC(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

// writeServiceError maps the queue error taxonomy onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch queue.Kind(err) {
	case queue.ErrValidation:
		writeError(w, http.StatusBadRequest, queue.Code(err), err.Error())
	case queue.ErrNotFound:
		writeError(w, http.StatusNotFound, queue.Code(err), err.Error())
	case queue.ErrConflict:
		writeError(w, http.StatusConflict, queue.Code(err), err.Error())
	default:
		if errors.Is(err, context.Canceled) {
			return
		}
		a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func uintParam(r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return uint(v), true
}
