// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rallypoint-app/rallypoint/internal/arrival"
	"github.com/rallypoint-app/rallypoint/internal/auth"
	"github.com/rallypoint-app/rallypoint/internal/broker"
	"github.com/rallypoint-app/rallypoint/internal/config"
	"github.com/rallypoint-app/rallypoint/internal/database"
	"github.com/rallypoint-app/rallypoint/internal/gateway"
	"github.com/rallypoint-app/rallypoint/internal/models"
	"github.com/rallypoint-app/rallypoint/internal/scheduler"
	"github.com/rallypoint-app/rallypoint/internal/session"
)

const (
	beaconLat = 32.75
	beaconLon = -117.25
)

type apiFixture struct {
	store  *database.MemStore
	server *httptest.Server
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := database.NewMemStore()
	checker := arrival.NewChecker(store, nil, 200, 50)

	beaconCfg := config.BeaconConfig{
		ArrivalRadiusM: 200,
		CheckInterval:  10 * time.Second,
		SpawnPolicy:    "region",
		RegionLat:      32.7,
		RegionLon:      -117.2,
		RegionSpan:     0.1,
		GroupBonus:     50,
	}
	sched := scheduler.New(store, nil, nil, beaconCfg)
	t.Cleanup(sched.Stop)

	gw := gateway.New(
		auth.NewJWTVerifier("0123456789abcdef0123456789abcdef"),
		session.NewRegistry(),
		session.Config{
			Store:   store,
			Broker:  broker.New(nil),
			Checker: checker,
		},
	)

	handler := NewRouter(store, sched, checker, gw, config.SecurityConfig{
		RateLimitReqs:   1000,
		RateLimitWindow: time.Minute,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &apiFixture{store: store, server: srv}
}

func (f *apiFixture) seedGroup(t *testing.T, groupID string, members ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateGroup(ctx, groupID, 86400))
	for _, userID := range members {
		require.NoError(t, f.store.UpsertProfile(ctx, &models.Profile{UserID: userID}))
		require.NoError(t, f.store.AddMember(ctx, groupID, userID))
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSpawnBeacon(t *testing.T) {
	f := newAPIFixture(t)
	f.seedGroup(t, "g1", "u1")

	resp, body := f.do(t, http.MethodPost, "/api/v1/groups/g1/beacon/spawn", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "g1", body["group_id"])
	assert.NotEmpty(t, body["id"])

	beacon, err := f.store.ActiveBeacon(context.Background(), "g1")
	require.NoError(t, err)
	require.NotNil(t, beacon)
	assert.Equal(t, body["id"], beacon.ID)
}

func TestSpawnBeaconReplacesPrevious(t *testing.T) {
	f := newAPIFixture(t)
	f.seedGroup(t, "g1", "u1")

	_, first := f.do(t, http.MethodPost, "/api/v1/groups/g1/beacon/spawn", nil)
	_, second := f.do(t, http.MethodPost, "/api/v1/groups/g1/beacon/spawn", nil)
	assert.NotEqual(t, first["id"], second["id"])

	beacon, err := f.store.ActiveBeacon(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, second["id"], beacon.ID)
}

func TestSetFrequency(t *testing.T) {
	f := newAPIFixture(t)
	f.seedGroup(t, "g1", "u1")

	resp, _ := f.do(t, http.MethodPut, "/api/v1/groups/g1/beacon/frequency",
		map[string]any{"frequency_seconds": 604800})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	groups, err := f.store.ScheduledGroups(context.Background())
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 604800, groups[0].FrequencySeconds)
}

func TestSetFrequencyRejectsUnknown(t *testing.T) {
	f := newAPIFixture(t)
	f.seedGroup(t, "g1", "u1")

	resp, body := f.do(t, http.MethodPut, "/api/v1/groups/g1/beacon/frequency",
		map[string]any{"frequency_seconds": 3600})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "unknown")
}

func TestSetFrequencyUnknownGroup(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodPut, "/api/v1/groups/missing/beacon/frequency",
		map[string]any{"frequency_seconds": 86400})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfirmArrival(t *testing.T) {
	f := newAPIFixture(t)
	f.seedGroup(t, "g1", "u1")
	ctx := context.Background()
	require.NoError(t, f.store.UpdatePosition(ctx, "u1", beaconLon, beaconLat))
	require.NoError(t, f.store.ReplaceBeacon(ctx, &models.Beacon{
		ID: "b1", GroupID: "g1", Latitude: beaconLat, Longitude: beaconLon,
	}))

	resp, body := f.do(t, http.MethodPost, "/api/v1/beacon/arrival",
		map[string]any{"user_id": "u1", "group_id": "g1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["first_arrival"])
	assert.Equal(t, float64(100), body["points"])

	// Confirming again succeeds without a second record.
	resp, body = f.do(t, http.MethodPost, "/api/v1/beacon/arrival",
		map[string]any{"user_id": "u1", "group_id": "g1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["first_arrival"])
}

func TestConfirmArrivalTooFar(t *testing.T) {
	f := newAPIFixture(t)
	f.seedGroup(t, "g1", "u1")
	ctx := context.Background()
	require.NoError(t, f.store.UpdatePosition(ctx, "u1", beaconLon, beaconLat+0.02))
	require.NoError(t, f.store.ReplaceBeacon(ctx, &models.Beacon{
		ID: "b1", GroupID: "g1", Latitude: beaconLat, Longitude: beaconLon,
	}))

	resp, _ := f.do(t, http.MethodPost, "/api/v1/beacon/arrival",
		map[string]any{"user_id": "u1", "group_id": "g1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConfirmArrivalNoBeacon(t *testing.T) {
	f := newAPIFixture(t)
	f.seedGroup(t, "g1", "u1")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/beacon/arrival",
		map[string]any{"user_id": "u1", "group_id": "g1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfirmArrivalMissingFields(t *testing.T) {
	f := newAPIFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/beacon/arrival",
		map[string]any{"user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGroupScores(t *testing.T) {
	f := newAPIFixture(t)
	f.seedGroup(t, "g1", "u1", "u2")
	ctx := context.Background()
	require.NoError(t, f.store.SetMemberScore(ctx, models.MemberScore{
		GroupID: "g1", UserID: "u1", Points: 100, Rank: 1,
	}))
	require.NoError(t, f.store.AddGroupScore(ctx, "g1", 50))

	resp, body := f.do(t, http.MethodGet, "/api/v1/groups/g1/scores", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(50), body["group_score"])
	members := body["members"].([]any)
	assert.Len(t, members, 2)
}
