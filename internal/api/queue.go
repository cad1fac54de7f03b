/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/friendsincode/chargequeue/internal/queue"
	"github.com/friendsincode/chargequeue/internal/store"
)

type userCreateRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type joinRequest struct {
	UserID    uint `json:"userId"`
	StationID int  `json:"stationId"`
}

type startRequest struct {
	UserID          uint  `json:"userId"`
	StationID       int   `json:"stationId"`
	DurationMinutes int   `json:"durationMinutes"`
	AllowOvertime   *bool `json:"allowOvertime,omitempty"`
}

type completeForUserRequest struct {
	UserID uint `json:"userId"`
}

// handleUsersCreate registers a user, returning the existing record when the
// email is already known.
func (a *API) handleUsersCreate(w http.ResponseWriter, r *http.Request) {
	var req userCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "missing_email", "email is required")
		return
	}

	existing, err := a.users.FindByEmail(r.Context(), req.Email)
	if err == nil {
		writeJSON(w, http.StatusOK, existing)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		a.writeServiceError(w, r, err)
		return
	}

	user, err := a.users.Create(r.Context(), strings.TrimSpace(req.Name), req.Email)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleQueueList(w http.ResponseWriter, r *http.Request) {
	views, err := a.svc.QueueWithEstimates(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": views})
}

func (a *API) handleQueueJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	entry, err := a.svc.AddToQueue(r.Context(), req.UserID, req.StationID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleQueueLeave(w http.ResponseWriter, r *http.Request) {
	userID, ok := uintParam(r, "userID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_user", "invalid user id")
		return
	}
	if err := a.svc.RemoveFromQueue(r.Context(), userID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleQueueMoveBack(w http.ResponseWriter, r *http.Request) {
	userID, ok := uintParam(r, "userID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_user", "invalid user id")
		return
	}
	if err := a.svc.MoveBackOneSpot(r.Context(), userID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

func (a *API) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	entry, err := a.svc.StartCharging(r.Context(), queue.StartRequest{
		UserID:           req.UserID,
		StationID:        req.StationID,
		DurationMinutes:  req.DurationMinutes,
		DisallowOvertime: req.AllowOvertime != nil && !*req.AllowOvertime,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleSessionComplete(w http.ResponseWriter, r *http.Request) {
	entryID, ok := uintParam(r, "entryID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_entry", "invalid entry id")
		return
	}
	if err := a.svc.CompleteCharging(r.Context(), entryID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "entryId": entryID})
}

func (a *API) handleSessionCompleteForUser(w http.ResponseWriter, r *http.Request) {
	var req completeForUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := a.svc.CompleteChargingForUser(r.Context(), req.UserID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "userId": req.UserID})
}

func (a *API) handleSessionRemaining(w http.ResponseWriter, r *http.Request) {
	entryID, ok := uintParam(r, "entryID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_entry", "invalid entry id")
		return
	}
	secs, err := a.svc.RemainingSeconds(r.Context(), entryID)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entryId": entryID, "remainingSeconds": secs})
}

func (a *API) handleStationsRank(w http.ResponseWriter, r *http.Request) {
	ranks, err := a.svc.RankStations(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(ranks))
	for _, rank := range ranks {
		out = append(out, map[string]any{
			"id":       rank.ID,
			"name":     a.svc.StationName(rank.ID),
			"occupied": rank.Occupied,
			"load":     rank.Load,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": out})
}

func (a *API) handleStationsBest(w http.ResponseWriter, r *http.Request) {
	id, err := a.svc.FindBestCharger(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stationId": id, "name": a.svc.StationName(id)})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.svc.Stats(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleTimersInit(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.InitializeTimers(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"initialized": n})
}
