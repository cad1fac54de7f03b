/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/chargequeue/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:        "test",
		HTTPBind:           "127.0.0.1",
		HTTPPort:           0,
		DBBackend:          config.DatabaseSQLite,
		DBDSN:              ":memory:",
		AdminToken:         "secret",
		StationCount:       2,
		HeartbeatInterval:  time.Minute,
		SweepInterval:      time.Minute,
		AlmostCompleteLead: 2 * time.Minute,
		CallbackTimeout:    time.Second,
		EventRelay:         config.RelayNone,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(), "test", zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(t)

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want 200", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field=%v, want ok", body["status"])
	}
	if body["instance"] == "" {
		t.Fatalf("expected instance id")
	}
	if _, ok := body["leader"]; ok {
		t.Fatalf("leader should be absent without leader election")
	}
}

func TestServer_QueueRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Router()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/users",
		strings.NewReader(`{"name":"Ada","email":"ada@example.com"}`)))
	if rr.Code != http.StatusCreated && rr.Code != http.StatusOK {
		t.Fatalf("create user status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/stations", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("stations status=%d", rr.Code)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing on API routes")
	}
}

func TestServer_MetricsOnRouterWithoutBind(t *testing.T) {
	srv := newTestServer(t)
	if srv.MetricsServer() != nil {
		t.Fatalf("expected no dedicated metrics server")
	}

	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "chargequeue_") {
		t.Fatalf("expected chargequeue metrics in exposition")
	}
}

func TestServer_DedicatedMetricsServer(t *testing.T) {
	cfg := testConfig()
	cfg.MetricsBind = "127.0.0.1:0"
	srv, err := New(cfg, "test", zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.Close()

	if srv.MetricsServer() == nil {
		t.Fatalf("expected dedicated metrics server")
	}
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("metrics on API router status=%d, want 404", rr.Code)
	}
}
