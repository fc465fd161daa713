// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package metrics exposes Prometheus instrumentation for the presence
// core: session counts, gateway message flow, arrival recording, and
// beacon scheduling. Metrics are served at /metrics in Prometheus text
// format.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_sessions_active",
			Help: "Current number of connected presence sessions",
		},
	)

	SessionsReplaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_sessions_replaced_total",
			Help: "Total number of sessions superseded by a reconnect for the same user",
		},
	)

	// Gateway metrics
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_messages_received_total",
			Help: "Total number of inbound client messages",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_messages_dropped_total",
			Help: "Total number of inbound messages dropped before processing",
		},
		[]string{"reason"}, // "malformed", "auth", "coordinates"
	)

	// Broadcast metrics
	PresenceBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_broadcasts_total",
			Help: "Total number of presence updates published to group topics",
		},
	)

	SnapshotsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "presence_snapshots_sent_total",
			Help: "Total number of group snapshots sent on topic switches",
		},
	)

	// Arrival metrics
	ArrivalChecks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arrival_checks_total",
			Help: "Total number of proximity checks run against active beacons",
		},
	)

	ArrivalsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "arrivals_recorded_total",
			Help: "Total number of first-time arrivals recorded",
		},
	)

	GroupCompletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "group_completions_total",
			Help: "Total number of beacons every group member reached",
		},
	)

	// Scheduler metrics
	BeaconsSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacons_spawned_total",
			Help: "Total number of beacons spawned",
		},
		[]string{"trigger"}, // "scheduled", "admin"
	)

	ScheduledJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_jobs_active",
			Help: "Current number of groups with an active beacon schedule",
		},
	)

	// API metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)
)

// RecordAPIRequest records one completed API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDroppedMessage counts an inbound message discarded before
// processing.
func RecordDroppedMessage(reason string) {
	MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordBeaconSpawn counts a spawned beacon by trigger source.
func RecordBeaconSpawn(trigger string) {
	BeaconsSpawned.WithLabelValues(trigger).Inc()
}
