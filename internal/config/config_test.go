/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHARGEQ_DB_DSN", "file::memory:")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBBackend != DatabaseSQLite {
		t.Fatalf("unexpected backend: %q", cfg.DBBackend)
	}
	if cfg.StationCount != 8 || len(cfg.StationNames) != 8 {
		t.Fatalf("expected 8 stations, got %d (%d names)", cfg.StationCount, len(cfg.StationNames))
	}
	if cfg.StationNames[0] != "Charger A" || cfg.StationNames[7] != "Charger H" {
		t.Fatalf("unexpected default names: %v", cfg.StationNames)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Fatalf("unexpected heartbeat: %s", cfg.HeartbeatInterval)
	}
	if cfg.AlmostCompleteLead != 2*time.Minute {
		t.Fatalf("unexpected lead: %s", cfg.AlmostCompleteLead)
	}
	if cfg.EventRelay != RelayNone {
		t.Fatalf("unexpected relay: %q", cfg.EventRelay)
	}
}

func TestLoadReadsEnvKeys(t *testing.T) {
	t.Setenv("CHARGEQ_DB_BACKEND", "postgres")
	t.Setenv("CHARGEQ_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("CHARGEQ_STATION_COUNT", "3")
	t.Setenv("CHARGEQ_HEARTBEAT_INTERVAL", "5")
	t.Setenv("CHARGEQ_SWEEP_INTERVAL", "1m")
	t.Setenv("CHARGEQ_EVENT_RELAY", "REDIS")
	t.Setenv("CHARGEQ_REDIS_ADDR", "localhost:6379")
	t.Setenv("CHARGEQ_DISTRIBUTED_LOCK", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StationCount != 3 || len(cfg.StationNames) != 3 {
		t.Fatalf("unexpected station count: %d", cfg.StationCount)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("bare seconds should parse, got %s", cfg.HeartbeatInterval)
	}
	if cfg.SweepInterval != time.Minute {
		t.Fatalf("unexpected sweep interval: %s", cfg.SweepInterval)
	}
	if cfg.EventRelay != RelayRedis || !cfg.DistributedLock || !cfg.UsesRedis() {
		t.Fatalf("expected redis relay and lock, got %+v", cfg)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"bad backend", map[string]string{"CHARGEQ_DB_BACKEND": "oracle"}, "unsupported database backend"},
		{"zero stations", map[string]string{"CHARGEQ_STATION_COUNT": "0"}, "CHARGEQ_STATION_COUNT"},
		{"too many stations", map[string]string{"CHARGEQ_STATION_COUNT": "65"}, "CHARGEQ_STATION_COUNT"},
		{"bad heartbeat", map[string]string{"CHARGEQ_HEARTBEAT_INTERVAL": "-1s"}, "HEARTBEAT"},
		{"bad relay", map[string]string{"CHARGEQ_EVENT_RELAY": "kafka"}, "unsupported event relay"},
		{"lock without redis", map[string]string{"CHARGEQ_DISTRIBUTED_LOCK": "true"}, "CHARGEQ_REDIS_ADDR"},
		{"election without redis", map[string]string{"CHARGEQ_LEADER_ELECTION_ENABLED": "true"}, "CHARGEQ_REDIS_ADDR"},
		{"production without admin token", map[string]string{"CHARGEQ_ENV": "production"}, "CHARGEQ_ADMIN_TOKEN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CHARGEQ_DB_DSN", "file::memory:")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadStationsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stations.yaml")
	content := "stations:\n  - id: 1\n    name: North Bay\n  - id: 3\n    name: Visitor Lot\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CHARGEQ_DB_DSN", "file::memory:")
	t.Setenv("CHARGEQ_STATION_COUNT", "3")
	t.Setenv("CHARGEQ_STATIONS_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := []string{"North Bay", "Charger B", "Visitor Lot"}
	for i, name := range want {
		if cfg.StationNames[i] != name {
			t.Fatalf("station %d = %q, want %q", i+1, cfg.StationNames[i], name)
		}
	}
}

func TestLoadStationsFileRejectsUnknownStation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stations.yaml")
	if err := os.WriteFile(path, []byte("stations:\n  - id: 9\n    name: Ghost\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CHARGEQ_DB_DSN", "file::memory:")
	t.Setenv("CHARGEQ_STATION_COUNT", "2")
	t.Setenv("CHARGEQ_STATIONS_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for station outside the configured range")
	}
}

func TestLoadReportsLegacyEnvWarnings(t *testing.T) {
	t.Setenv("CHARGEQ_DB_DSN", "file::memory:")
	t.Setenv("CHARGER_COUNT", "4")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.LegacyEnvWarnings) == 0 {
		t.Fatal("expected legacy env warnings")
	}
}

func TestDefaultStationName(t *testing.T) {
	if got := DefaultStationName(2); got != "Charger B" {
		t.Fatalf("got %q", got)
	}
	if got := DefaultStationName(30); got != "Charger 30" {
		t.Fatalf("got %q", got)
	}
}
