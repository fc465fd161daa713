// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package arrival decides when a user has reached a beacon and turns
// first arrivals into points, ranks, and group completion bonuses.
package arrival

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rallypoint-app/rallypoint/internal/cache"
	"github.com/rallypoint-app/rallypoint/internal/database"
	"github.com/rallypoint-app/rallypoint/internal/geo"
	"github.com/rallypoint-app/rallypoint/internal/logging"
	"github.com/rallypoint-app/rallypoint/internal/metrics"
	"github.com/rallypoint-app/rallypoint/internal/models"
	"github.com/rallypoint-app/rallypoint/internal/notify"
)

// arrivalPoints maps arrival order (1-based) to awarded points. Orders
// past the table earn the floor value.
var arrivalPoints = []int{100, 75, 50}

const arrivalPointsFloor = 25

// PointsForOrder returns the points awarded for the nth arrival at a
// beacon, first arrival being order 1.
func PointsForOrder(order int) int {
	if order >= 1 && order <= len(arrivalPoints) {
		return arrivalPoints[order-1]
	}
	return arrivalPointsFloor
}

var (
	// ErrNoActiveBeacon refuses a confirmation for a group without a
	// live beacon.
	ErrNoActiveBeacon = errors.New("no active beacon for group")

	// ErrTooFar refuses a confirmation outside the arrival radius.
	ErrTooFar = errors.New("too far from beacon")
)

// Result reports the outcome of a proximity check against one group's
// active beacon.
type Result struct {
	GroupID       string
	BeaconID      string
	FirstArrival  bool
	Points        int
	Rank          int
	GroupComplete bool
}

// Checker evaluates user positions against active beacons. A user is
// considered arrived when within RadiusM of the beacon; the first
// successful insert for a (beacon, user) pair awards points by arrival
// order, and the arrival completing the group adds the group bonus.
type Checker struct {
	store    database.Store
	notifier notify.Notifier

	radiusM    float64
	groupBonus int

	// groups caches each user's group list; every position update runs
	// a check, and membership changes tolerate a short delay.
	groups *cache.Cache

	now func() time.Time
}

const groupCacheTTL = 30 * time.Second

// NewChecker creates a checker with the given arrival radius in meters
// and group completion bonus.
func NewChecker(store database.Store, notifier notify.Notifier, radiusM float64, groupBonus int) *Checker {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Checker{
		store:      store,
		notifier:   notifier,
		radiusM:    radiusM,
		groupBonus: groupBonus,
		groups:     cache.New(groupCacheTTL),
		now:        time.Now,
	}
}

// Close stops the membership cache's background sweep.
func (c *Checker) Close() {
	c.groups.Close()
}

// CheckUser runs a proximity check for every group the user belongs to.
// One group failing does not stop the checks for the others; only
// groups where the user newly arrived produce results.
func (c *Checker) CheckUser(ctx context.Context, userID string, lat, lon float64) []Result {
	groupIDs, err := c.userGroups(ctx, userID)
	if err != nil {
		logging.Err(err).Str("user_id", userID).Msg("Failed to load groups for arrival check")
		return nil
	}

	var results []Result
	for _, groupID := range groupIDs {
		res, err := c.checkGroup(ctx, groupID, userID, lat, lon)
		if err != nil {
			logging.Err(err).
				Str("group_id", groupID).
				Str("user_id", userID).
				Msg("Arrival check failed for group")
			continue
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	return results
}

// userGroups returns the user's group IDs, served from the cache when
// fresh.
func (c *Checker) userGroups(ctx context.Context, userID string) ([]string, error) {
	key := "groups:" + userID
	if v, ok := c.groups.Get(key); ok {
		return v.([]string), nil
	}
	groupIDs, err := c.store.UserGroupIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.groups.Set(key, groupIDs)
	return groupIDs, nil
}

func (c *Checker) checkGroup(ctx context.Context, groupID, userID string, lat, lon float64) (*Result, error) {
	beacon, err := c.store.ActiveBeacon(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("load active beacon: %w", err)
	}
	if beacon == nil {
		return nil, nil
	}

	metrics.ArrivalChecks.Inc()
	if geo.DistanceMeters(lat, lon, beacon.Latitude, beacon.Longitude) > c.radiusM {
		return nil, nil
	}

	return c.recordArrival(ctx, groupID, beacon, userID, lat, lon)
}

// Confirm runs an explicit arrival confirmation for one group, using
// the user's stored position. Unlike the passive checks it reports why
// a confirmation was refused.
func (c *Checker) Confirm(ctx context.Context, groupID, userID string) (*Result, error) {
	profile, err := c.store.Profile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	beacon, err := c.store.ActiveBeacon(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("load active beacon: %w", err)
	}
	if beacon == nil {
		return nil, ErrNoActiveBeacon
	}

	metrics.ArrivalChecks.Inc()
	if geo.DistanceMeters(profile.Latitude, profile.Longitude, beacon.Latitude, beacon.Longitude) > c.radiusM {
		return nil, ErrTooFar
	}

	res, err := c.recordArrival(ctx, groupID, beacon, userID, profile.Latitude, profile.Longitude)
	if err != nil {
		return nil, err
	}
	if res == nil {
		// Already recorded earlier; confirmation is idempotent.
		res = &Result{GroupID: groupID, BeaconID: beacon.ID}
	}
	return res, nil
}

func (c *Checker) recordArrival(ctx context.Context, groupID string, beacon *models.Beacon, userID string, lat, lon float64) (*Result, error) {
	inserted, err := c.store.InsertArrival(ctx, &models.ArrivalRecord{
		BeaconID:    beacon.ID,
		GroupID:     groupID,
		UserID:      userID,
		Reached:     true,
		TimeReached: c.now().UTC(),
		Latitude:    lat,
		Longitude:   lon,
	})
	if err != nil {
		return nil, fmt.Errorf("record arrival: %w", err)
	}
	if !inserted {
		return nil, nil
	}
	metrics.ArrivalsRecorded.Inc()

	res := &Result{GroupID: groupID, BeaconID: beacon.ID, FirstArrival: true}
	if err := c.scoreArrivals(ctx, groupID, beacon.ID, userID, res); err != nil {
		// The arrival row is already durable; scoring is recomputed on
		// the next arrival, so log and report the arrival anyway.
		logging.Err(err).
			Str("group_id", groupID).
			Str("beacon_id", beacon.ID).
			Msg("Failed to score arrivals")
	}

	// Push delivery is rate limited and can block on the relay, so it
	// runs off the caller's path, like position persists.
	points, complete := res.Points, res.GroupComplete
	go func() {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		notify.Broadcast(pushCtx, c.notifier, c.store, groupID,
			"Arrival", fmt.Sprintf("A member reached the beacon (%d points)", points))
		if complete {
			notify.Broadcast(pushCtx, c.notifier, c.store, groupID,
				"Rendezvous complete", "Everyone made it to the beacon")
		}
	}()
	return res, nil
}

// scoreArrivals recomputes points and ranks for every arrival at the
// beacon. Ranks follow arrival order, so they never change once
// assigned; rewriting all rows keeps the recompute idempotent.
func (c *Checker) scoreArrivals(ctx context.Context, groupID, beaconID, userID string, res *Result) error {
	arrivals, err := c.store.ArrivalsForBeacon(ctx, beaconID)
	if err != nil {
		return fmt.Errorf("load arrivals: %w", err)
	}

	for i, rec := range arrivals {
		order := i + 1
		points := PointsForOrder(order)
		if rec.UserID == userID {
			res.Points = points
			res.Rank = order
		}
		if err := c.store.SetMemberScore(ctx, models.MemberScore{
			GroupID: groupID,
			UserID:  rec.UserID,
			Points:  points,
			Rank:    order,
		}); err != nil {
			return fmt.Errorf("set score for %s: %w", rec.UserID, err)
		}
	}

	members, err := c.store.GroupMemberIDs(ctx, groupID)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	if len(members) > 0 && len(arrivals) >= len(members) {
		res.GroupComplete = true
		metrics.GroupCompletions.Inc()
		if err := c.store.AddGroupScore(ctx, groupID, c.groupBonus); err != nil {
			return fmt.Errorf("add group bonus: %w", err)
		}
	}
	return nil
}
