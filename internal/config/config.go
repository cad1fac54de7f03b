/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Cross-instance event relay selection.
type EventRelay string

const (
	RelayNone  EventRelay = "none"
	RelayRedis EventRelay = "redis"
	RelayNATS  EventRelay = "nats"
)

// MaxStations bounds the configured station count.
const MaxStations = 64

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string
	MetricsBind string
	AdminToken  string

	// Stations
	StationCount int
	StationsFile string
	StationNames []string

	// Timing
	HeartbeatInterval  time.Duration
	SweepInterval      time.Duration
	AlmostCompleteLead time.Duration
	CallbackTimeout    time.Duration

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	DistributedLock       bool
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string
	EventRelay            EventRelay
	NATSURL               string
	NATSToken             string

	// Notifications
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	AMQPURL      string
	AMQPQueue    string

	LegacyEnvWarnings []string
}

// stationsFile is the YAML layout of CHARGEQ_STATIONS_FILE.
type stationsFile struct {
	Stations []struct {
		ID   int    `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"stations"`
}

// Load reads a .env file when present, then environment variables, applies
// defaults, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Environment: getEnvAny([]string{"CHARGEQ_ENV", "NODE_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"CHARGEQ_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"CHARGEQ_HTTP_PORT", "PORT"}, 8080),
		DBBackend:   DatabaseBackend(getEnvAny([]string{"CHARGEQ_DB_BACKEND"}, string(DatabaseSQLite))),
		DBDSN:       getEnvAny([]string{"CHARGEQ_DB_DSN", "DATABASE_URL"}, "chargequeue.db"),
		MetricsBind: getEnvAny([]string{"CHARGEQ_METRICS_BIND"}, ""),
		AdminToken:  getEnvAny([]string{"CHARGEQ_ADMIN_TOKEN"}, ""),

		StationCount: getEnvIntAny([]string{"CHARGEQ_STATION_COUNT"}, 8),
		StationsFile: getEnvAny([]string{"CHARGEQ_STATIONS_FILE"}, ""),

		HeartbeatInterval:  getEnvDurationAny([]string{"CHARGEQ_HEARTBEAT_INTERVAL"}, 15*time.Second),
		SweepInterval:      getEnvDurationAny([]string{"CHARGEQ_SWEEP_INTERVAL"}, 30*time.Second),
		AlmostCompleteLead: getEnvDurationAny([]string{"CHARGEQ_ALMOST_COMPLETE_LEAD"}, 2*time.Minute),
		CallbackTimeout:    getEnvDurationAny([]string{"CHARGEQ_CALLBACK_TIMEOUT"}, 10*time.Second),

		TracingEnabled:    getEnvBoolAny([]string{"CHARGEQ_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"CHARGEQ_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"CHARGEQ_TRACING_SAMPLE_RATE"}, 1.0),

		DistributedLock:       getEnvBoolAny([]string{"CHARGEQ_DISTRIBUTED_LOCK"}, false),
		LeaderElectionEnabled: getEnvBoolAny([]string{"CHARGEQ_LEADER_ELECTION_ENABLED"}, false),
		RedisAddr:             getEnvAny([]string{"CHARGEQ_REDIS_ADDR", "REDIS_ADDR"}, ""),
		RedisPassword:         getEnvAny([]string{"CHARGEQ_REDIS_PASSWORD", "REDIS_PASSWORD"}, ""),
		RedisDB:               getEnvIntAny([]string{"CHARGEQ_REDIS_DB"}, 0),
		InstanceID:            getEnvAny([]string{"CHARGEQ_INSTANCE_ID"}, ""),
		EventRelay:            EventRelay(strings.ToLower(getEnvAny([]string{"CHARGEQ_EVENT_RELAY"}, string(RelayNone)))),
		NATSURL:               getEnvAny([]string{"CHARGEQ_NATS_URL", "NATS_URL"}, "nats://127.0.0.1:4222"),
		NATSToken:             getEnvAny([]string{"CHARGEQ_NATS_TOKEN"}, ""),

		SMTPHost:     getEnvAny([]string{"CHARGEQ_SMTP_HOST", "SMTP_HOST"}, ""),
		SMTPPort:     getEnvIntAny([]string{"CHARGEQ_SMTP_PORT", "SMTP_PORT"}, 587),
		SMTPUsername: getEnvAny([]string{"CHARGEQ_SMTP_USERNAME", "SMTP_USER"}, ""),
		SMTPPassword: getEnvAny([]string{"CHARGEQ_SMTP_PASSWORD", "SMTP_PASS"}, ""),
		SMTPFrom:     getEnvAny([]string{"CHARGEQ_SMTP_FROM"}, "noreply@example.com"),
		SMTPFromName: getEnvAny([]string{"CHARGEQ_SMTP_FROM_NAME"}, "EV Charging Queue"),
		AMQPURL:      getEnvAny([]string{"CHARGEQ_AMQP_URL", "RABBITMQ_URL", "AMQP_URL"}, ""),
		AMQPQueue:    getEnvAny([]string{"CHARGEQ_AMQP_QUEUE"}, "chargequeue.notifications"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	names, err := loadStationNames(cfg.StationsFile, cfg.StationCount)
	if err != nil {
		return nil, err
	}
	cfg.StationNames = names
	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DBBackend != DatabasePostgres && c.DBBackend != DatabaseMySQL && c.DBBackend != DatabaseSQLite {
		return fmt.Errorf("unsupported database backend %q", c.DBBackend)
	}
	if c.DBDSN == "" {
		return fmt.Errorf("CHARGEQ_DB_DSN must be provided")
	}
	if c.StationCount < 1 || c.StationCount > MaxStations {
		return fmt.Errorf("CHARGEQ_STATION_COUNT must be between 1 and %d, got %d", MaxStations, c.StationCount)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("CHARGEQ_HEARTBEAT_INTERVAL must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("CHARGEQ_SWEEP_INTERVAL must be positive")
	}
	if c.AlmostCompleteLead < 0 {
		return fmt.Errorf("CHARGEQ_ALMOST_COMPLETE_LEAD must not be negative")
	}
	switch c.EventRelay {
	case RelayNone, RelayRedis, RelayNATS:
	default:
		return fmt.Errorf("unsupported event relay %q", c.EventRelay)
	}
	if c.RedisAddr == "" && (c.DistributedLock || c.LeaderElectionEnabled || c.EventRelay == RelayRedis) {
		return fmt.Errorf("CHARGEQ_REDIS_ADDR is required for the distributed lock, leader election and the redis relay")
	}
	if strings.EqualFold(c.Environment, "production") && c.AdminToken == "" {
		return fmt.Errorf("CHARGEQ_ADMIN_TOKEN must be set in production")
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis client.
func (c *Config) UsesRedis() bool {
	return c.DistributedLock || c.LeaderElectionEnabled || c.EventRelay == RelayRedis
}

// DefaultStationName returns "Charger A" through "Charger Z", then
// "Charger <id>".
func DefaultStationName(id int) string {
	if id >= 1 && id <= 26 {
		return "Charger " + string(rune('A'+id-1))
	}
	return "Charger " + strconv.Itoa(id)
}

func loadStationNames(path string, count int) ([]string, error) {
	names := make([]string, count)
	for i := range names {
		names[i] = DefaultStationName(i + 1)
	}
	if path == "" {
		return names, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stations file: %w", err)
	}
	var file stationsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse stations file: %w", err)
	}
	for _, s := range file.Stations {
		if s.ID < 1 || s.ID > count {
			return nil, fmt.Errorf("stations file: station id %d outside 1..%d", s.ID, count)
		}
		if name := strings.TrimSpace(s.Name); name != "" {
			names[s.ID-1] = name
		}
	}
	return names, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"CHARGER_COUNT":   "use CHARGEQ_STATION_COUNT",
		"ADMIN_TOKEN":     "use CHARGEQ_ADMIN_TOKEN",
		"SUPABASE_URL":    "set CHARGEQ_DB_BACKEND and CHARGEQ_DB_DSN instead",
		"RESEND_API_KEY":  "configure CHARGEQ_SMTP_* or CHARGEQ_AMQP_URL",
		"TRACING_ENABLED": "use CHARGEQ_TRACING_ENABLED",
		"OTLP_ENDPOINT":   "use CHARGEQ_OTLP_ENDPOINT",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvDurationAny accepts Go durations ("90s") or bare seconds ("90").
func getEnvDurationAny(keys []string, def time.Duration) time.Duration {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				return d
			}
			if secs, err := strconv.Atoi(v); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return def
}
