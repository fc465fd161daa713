// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package arrival

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rallypoint-app/rallypoint/internal/database"
	"github.com/rallypoint-app/rallypoint/internal/models"
)

const (
	beaconLat = 32.75
	beaconLon = -117.25

	// Roughly 2km north of the beacon.
	farLat = 32.768
	farLon = -117.25
)

type recordingNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (n *recordingNotifier) Send(_ context.Context, userID, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, userID+":"+title)
	return nil
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.sends)
}

// blockingNotifier parks every Send until released, standing in for a
// slow push relay.
type blockingNotifier struct {
	release chan struct{}
	sent    atomic.Int32
}

func (n *blockingNotifier) Send(ctx context.Context, _, _, _ string) error {
	select {
	case <-n.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	n.sent.Add(1)
	return nil
}

func newCheckerFixture(t *testing.T, members ...string) (*Checker, *database.MemStore, *recordingNotifier) {
	t.Helper()
	store := database.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, "g1", 86400))
	for _, userID := range members {
		require.NoError(t, store.UpsertProfile(ctx, &models.Profile{
			UserID:      userID,
			DeviceToken: "tok-" + userID,
			NotifyOptIn: true,
		}))
		require.NoError(t, store.AddMember(ctx, "g1", userID))
	}
	require.NoError(t, store.ReplaceBeacon(ctx, &models.Beacon{
		ID:        "b1",
		GroupID:   "g1",
		CreatedAt: time.Now().UTC(),
		StartedAt: time.Now().UTC(),
		Latitude:  beaconLat,
		Longitude: beaconLon,
	}))

	notifier := &recordingNotifier{}
	return NewChecker(store, notifier, 200, 50), store, notifier
}

func TestPointsForOrder(t *testing.T) {
	assert.Equal(t, 100, PointsForOrder(1))
	assert.Equal(t, 75, PointsForOrder(2))
	assert.Equal(t, 50, PointsForOrder(3))
	assert.Equal(t, 25, PointsForOrder(4))
	assert.Equal(t, 25, PointsForOrder(12))
}

func TestCheckUserFarFromBeacon(t *testing.T) {
	checker, store, _ := newCheckerFixture(t, "u1")

	results := checker.CheckUser(context.Background(), "u1", farLat, farLon)
	assert.Empty(t, results)

	arrivals, err := store.ArrivalsForBeacon(context.Background(), "b1")
	require.NoError(t, err)
	assert.Empty(t, arrivals)
}

func TestCheckUserWithinRadius(t *testing.T) {
	checker, store, _ := newCheckerFixture(t, "u1", "u2")

	results := checker.CheckUser(context.Background(), "u1", beaconLat, beaconLon)
	require.Len(t, results, 1)
	assert.Equal(t, "g1", results[0].GroupID)
	assert.Equal(t, "b1", results[0].BeaconID)
	assert.True(t, results[0].FirstArrival)
	assert.Equal(t, 100, results[0].Points)
	assert.Equal(t, 1, results[0].Rank)
	assert.False(t, results[0].GroupComplete)

	arrivals, err := store.ArrivalsForBeacon(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, arrivals, 1)
	assert.Equal(t, "u1", arrivals[0].UserID)
}

func TestCheckUserRepeatedIsIdempotent(t *testing.T) {
	checker, store, _ := newCheckerFixture(t, "u1", "u2")
	ctx := context.Background()

	first := checker.CheckUser(ctx, "u1", beaconLat, beaconLon)
	require.Len(t, first, 1)

	for range 5 {
		again := checker.CheckUser(ctx, "u1", beaconLat, beaconLon)
		assert.Empty(t, again, "repeat checks record nothing new")
	}

	arrivals, err := store.ArrivalsForBeacon(ctx, "b1")
	require.NoError(t, err)
	assert.Len(t, arrivals, 1)
}

func TestArrivalOrderAwardsPoints(t *testing.T) {
	checker, store, _ := newCheckerFixture(t, "u1", "u2", "u3", "u4")
	ctx := context.Background()

	for _, userID := range []string{"u2", "u4", "u1", "u3"} {
		checker.CheckUser(ctx, userID, beaconLat, beaconLon)
	}

	scores, err := store.MemberScores(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, scores, 4)

	byUser := make(map[string]models.MemberScore)
	for _, s := range scores {
		byUser[s.UserID] = s
	}
	assert.Equal(t, 100, byUser["u2"].Points)
	assert.Equal(t, 75, byUser["u4"].Points)
	assert.Equal(t, 50, byUser["u1"].Points)
	assert.Equal(t, 25, byUser["u3"].Points)
	assert.Equal(t, 1, byUser["u2"].Rank)
	assert.Equal(t, 4, byUser["u3"].Rank)
}

func TestGroupBonusAppliedOnce(t *testing.T) {
	checker, store, _ := newCheckerFixture(t, "u1", "u2")
	ctx := context.Background()

	res1 := checker.CheckUser(ctx, "u1", beaconLat, beaconLon)
	require.Len(t, res1, 1)
	assert.False(t, res1[0].GroupComplete)

	res2 := checker.CheckUser(ctx, "u2", beaconLat, beaconLon)
	require.Len(t, res2, 1)
	assert.True(t, res2[0].GroupComplete)

	// Further checks by either member change nothing.
	checker.CheckUser(ctx, "u1", beaconLat, beaconLon)
	checker.CheckUser(ctx, "u2", beaconLat, beaconLon)

	total, err := store.GroupScore(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 50, total)
}

func TestCheckUserNoActiveBeacon(t *testing.T) {
	store := database.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, "g1", 0))
	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{UserID: "u1"}))
	require.NoError(t, store.AddMember(ctx, "g1", "u1"))

	checker := NewChecker(store, nil, 200, 50)
	assert.Empty(t, checker.CheckUser(ctx, "u1", beaconLat, beaconLon))
}

func TestGroupFailureDoesNotAbortOthers(t *testing.T) {
	store := database.NewMemStore()
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, "g1", 0))
	require.NoError(t, store.CreateGroup(ctx, "g2", 0))
	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{UserID: "u1"}))
	require.NoError(t, store.AddMember(ctx, "g1", "u1"))
	require.NoError(t, store.AddMember(ctx, "g2", "u1"))
	require.NoError(t, store.ReplaceBeacon(ctx, &models.Beacon{
		ID: "b1", GroupID: "g1", Latitude: beaconLat, Longitude: beaconLon,
	}))
	require.NoError(t, store.ReplaceBeacon(ctx, &models.Beacon{
		ID: "b2", GroupID: "g2", Latitude: beaconLat, Longitude: beaconLon,
	}))

	// Fail the insert for the first group checked, then clear the
	// injection so the second group succeeds.
	store.InsertArrivalErr = errors.New("disk full")
	checker := NewChecker(store, nil, 200, 50)

	results := checker.CheckUser(ctx, "u1", beaconLat, beaconLon)
	assert.Empty(t, results)
	assert.Equal(t, 2, store.InsertArrivalCalls, "both groups were attempted")

	store.InsertArrivalErr = nil
	results = checker.CheckUser(ctx, "u1", beaconLat, beaconLon)
	assert.Len(t, results, 2)
}

func TestArrivalNotifiesGroup(t *testing.T) {
	checker, _, notifier := newCheckerFixture(t, "u1", "u2")

	checker.CheckUser(context.Background(), "u1", beaconLat, beaconLon)

	require.Eventually(t, func() bool {
		sends := notifier.snapshot()
		return slices.Contains(sends, "u1:Arrival") && slices.Contains(sends, "u2:Arrival")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestArrivalCheckNotBlockedByPushDelivery(t *testing.T) {
	_, store, _ := newCheckerFixture(t, "u1", "u2", "u3", "u4", "u5")
	notifier := &blockingNotifier{release: make(chan struct{})}
	checker := NewChecker(store, notifier, 200, 50)
	defer checker.Close()

	start := time.Now()
	results := checker.CheckUser(context.Background(), "u1", beaconLat, beaconLon)
	elapsed := time.Since(start)

	require.Len(t, results, 1)
	assert.Less(t, elapsed, 500*time.Millisecond, "push delivery stalled the check")

	close(notifier.release)
	require.Eventually(t, func() bool {
		return notifier.sent.Load() == 5
	}, 2*time.Second, 10*time.Millisecond)
}
