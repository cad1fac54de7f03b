/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/friendsincode/chargequeue/internal/queue"
)

type adminSessionRequest struct {
	StationID       int    `json:"stationId"`
	DurationMinutes int    `json:"durationMinutes"`
	Email           string `json:"email,omitempty"`
	Name            string `json:"name,omitempty"`
}

// requireAdmin accepts "Authorization: Bearer <token>" or "X-Admin-Token".
// With no token configured the admin surface is disabled.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin_disabled", "admin API is disabled")
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if token == "" {
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleAdminRemove(w http.ResponseWriter, r *http.Request) {
	entryID, ok := uintParam(r, "entryID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_entry", "invalid entry id")
		return
	}
	if err := a.svc.AdminRemoveEntry(r.Context(), entryID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAdminForceComplete(w http.ResponseWriter, r *http.Request) {
	entryID, ok := uintParam(r, "entryID")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_entry", "invalid entry id")
		return
	}
	if err := a.svc.AdminForceComplete(r.Context(), entryID); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "entryId": entryID})
}

func (a *API) handleAdminStartSession(w http.ResponseWriter, r *http.Request) {
	var req adminSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	entry, err := a.svc.AdminStartSession(r.Context(), queue.AdminSession{
		StationID:       req.StationID,
		DurationMinutes: req.DurationMinutes,
		Email:           req.Email,
		Name:            req.Name,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleAdminClear(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.AdminClearAll(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	a.logger.Warn().Int64("removed", n).Str("remote", r.RemoteAddr).Msg("queue cleared by admin")
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (a *API) handleAdminRenumber(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.AdminRenumber(r.Context()); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renumbered"})
}

func (a *API) handleAdminAssign(w http.ResponseWriter, r *http.Request) {
	n, err := a.svc.AssignStations(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assigned": n})
}
