/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// API
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chargequeue_api_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargequeue_api_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "endpoint", "status"},
	)
	APIActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chargequeue_api_active_connections",
			Help: "In-flight HTTP requests, including open event streams.",
		},
	)

	// Queue
	QueueOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargequeue_queue_operations_total",
			Help: "Queue operations by name and result.",
		},
		[]string{"operation", "result"},
	)
	QueueOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chargequeue_queue_operation_duration_seconds",
			Help:    "Queue operation latency including lock wait.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
	LockWaitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chargequeue_lock_wait_seconds",
			Help:    "Time spent acquiring the queue operation lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)
	StationAssignmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chargequeue_station_assignments_total",
			Help: "Stations reserved for waiting entries by the matching pass.",
		},
	)
	WaitingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chargequeue_waiting_entries",
			Help: "Entries currently waiting.",
		},
	)
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chargequeue_active_sessions",
			Help: "Sessions occupying a station, by status.",
		},
		[]string{"status"},
	)
	SessionsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargequeue_sessions_completed_total",
			Help: "Completed sessions by trigger (session, admin).",
		},
		[]string{"trigger"},
	)

	// Timers
	TimersArmed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chargequeue_timers_armed",
			Help: "Entries with at least one pending timer.",
		},
	)
	OvertimeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargequeue_overtime_transitions_total",
			Help: "Charging to overtime transitions by source (timer, reconcile, sweep).",
		},
		[]string{"source"},
	)
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargequeue_sweep_runs_total",
			Help: "Expiry sweeps by result.",
		},
		[]string{"result"},
	)

	// Events
	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chargequeue_event_subscribers",
			Help: "Live event stream subscribers on this instance.",
		},
	)
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargequeue_events_published_total",
			Help: "Events published by type.",
		},
		[]string{"type"},
	)
	EventSubscribersPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chargequeue_event_subscribers_pruned_total",
			Help: "Subscribers removed after a failed write.",
		},
	)
	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargequeue_relay_messages_total",
			Help: "Cross-instance relay messages by relay, direction and result.",
		},
		[]string{"relay", "direction", "result"},
	)

	// Notifications
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargequeue_notifications_total",
			Help: "Notification attempts by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// Leadership
	LeaderElectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chargequeue_leader_election_status",
			Help: "1 when this instance holds the sweeper lease.",
		},
		[]string{"instance_id"},
	)
	LeaderElectionChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargequeue_leader_election_changes_total",
			Help: "Leadership transitions observed by this instance.",
		},
		[]string{"instance_id", "direction"},
	)

	// Database
	DatabaseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chargequeue_database_connections_active",
			Help: "Open database connections.",
		},
	)
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chargequeue_database_query_duration_seconds",
			Help:    "Database statement latency by operation and table.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)
	DatabaseErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargequeue_database_errors_total",
			Help: "Database statement errors by operation.",
		},
		[]string{"operation"},
	)
	DatabaseUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chargequeue_database_up",
			Help: "1 when the last health ping succeeded.",
		},
	)
)

// Handler exposes metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
