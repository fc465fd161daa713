// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/healthz", "200"))
	RecordAPIRequest("GET", "/healthz", 200, 5*time.Millisecond)
	after := testutil.ToFloat64(APIRequestsTotal.WithLabelValues("GET", "/healthz", "200"))
	assert.Equal(t, before+1, after)
}

func TestRecordDroppedMessage(t *testing.T) {
	before := testutil.ToFloat64(MessagesDropped.WithLabelValues("malformed"))
	RecordDroppedMessage("malformed")
	after := testutil.ToFloat64(MessagesDropped.WithLabelValues("malformed"))
	assert.Equal(t, before+1, after)
}

func TestRecordBeaconSpawn(t *testing.T) {
	before := testutil.ToFloat64(BeaconsSpawned.WithLabelValues("scheduled"))
	RecordBeaconSpawn("scheduled")
	after := testutil.ToFloat64(BeaconsSpawned.WithLabelValues("scheduled"))
	assert.Equal(t, before+1, after)
}

func TestSessionGauge(t *testing.T) {
	SessionsActive.Set(0)
	SessionsActive.Inc()
	SessionsActive.Inc()
	SessionsActive.Dec()
	assert.Equal(t, float64(1), testutil.ToFloat64(SessionsActive))
}
