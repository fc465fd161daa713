// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package scheduler spawns recurring beacons per group. Each scheduled
// group owns one background job that waits for the next recurrence
// boundary, adds a random delay so spawn times spread across the cycle,
// and atomically replaces the group's beacon.
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rallypoint-app/rallypoint/internal/broker"
	"github.com/rallypoint-app/rallypoint/internal/config"
	"github.com/rallypoint-app/rallypoint/internal/database"
	"github.com/rallypoint-app/rallypoint/internal/geo"
	"github.com/rallypoint-app/rallypoint/internal/logging"
	"github.com/rallypoint-app/rallypoint/internal/metrics"
	"github.com/rallypoint-app/rallypoint/internal/models"
	"github.com/rallypoint-app/rallypoint/internal/notify"
)

// Scheduler manages one beacon spawn job per scheduled group.
type Scheduler struct {
	store    database.Store
	broker   *broker.Broker
	notifier notify.Notifier
	cfg      config.BeaconConfig

	mu     sync.Mutex
	jobs   map[string]context.CancelFunc
	closed bool

	// Hooks for tests. Production uses the clock, math/rand, and the
	// recurrence table.
	now      func() time.Time
	randFn   func() float64
	nextFire func(now time.Time, freqSeconds int) (time.Time, error)
}

// New creates a scheduler. The broker may be nil when no live relay of
// spawned beacons is wanted.
func New(store database.Store, b *broker.Broker, notifier notify.Notifier, cfg config.BeaconConfig) *Scheduler {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Scheduler{
		store:    store,
		broker:   b,
		notifier: notifier,
		cfg:      cfg,
		jobs:     make(map[string]context.CancelFunc),
		now:      time.Now,
		randFn:   rand.Float64,
		nextFire: nextBoundary,
	}
}

// Schedule starts (or restarts) the spawn job for a group. A job
// already running for the group is cancelled first, so at most one job
// exists per group. When the group has no active beacon one is spawned
// before Schedule returns; an existing beacon survives, so restarting
// the process does not wipe arrivals in progress.
func (s *Scheduler) Schedule(ctx context.Context, groupID string, freqSeconds int) error {
	if !ValidFrequency(freqSeconds) {
		return fmt.Errorf("%w: %d for group %s", ErrUnknownFrequency, freqSeconds, groupID)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("scheduler stopped")
	}
	if cancel, ok := s.jobs[groupID]; ok {
		cancel()
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	s.jobs[groupID] = cancel
	metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	s.mu.Unlock()

	active, err := s.store.ActiveBeacon(ctx, groupID)
	if err != nil {
		logging.Err(err).Str("group_id", groupID).Msg("Failed to check active beacon on schedule")
	} else if active == nil {
		if _, err := s.SpawnBeacon(ctx, groupID, "scheduled"); err != nil {
			// The recurring job still runs; the next boundary retries.
			logging.Err(err).Str("group_id", groupID).Msg("Initial beacon spawn failed")
		}
	}

	go s.run(jobCtx, groupID, freqSeconds)

	logging.Info().
		Str("group_id", groupID).
		Int("frequency_seconds", freqSeconds).
		Msg("Beacon schedule started")
	return nil
}

// ScheduleAll loads every scheduled group from the store and starts its
// job. Groups with an unrecognized frequency are skipped with a log
// line; they do not stop the rest.
func (s *Scheduler) ScheduleAll(ctx context.Context) error {
	groups, err := s.store.ScheduledGroups(ctx)
	if err != nil {
		return fmt.Errorf("load scheduled groups: %w", err)
	}
	for _, g := range groups {
		if err := s.Schedule(ctx, g.GroupID, g.FrequencySeconds); err != nil {
			logging.Err(err).Str("group_id", g.GroupID).Msg("Skipping group schedule")
		}
	}
	return nil
}

// Cancel stops the group's spawn job, if any.
func (s *Scheduler) Cancel(groupID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.jobs[groupID]; ok {
		cancel()
		delete(s.jobs, groupID)
		metrics.ScheduledJobs.Set(float64(len(s.jobs)))
	}
}

// Stop cancels every job. The scheduler cannot be reused afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for groupID, cancel := range s.jobs {
		cancel()
		delete(s.jobs, groupID)
	}
	metrics.ScheduledJobs.Set(0)
}

// JobCount returns the number of live spawn jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) run(ctx context.Context, groupID string, freqSeconds int) {
	for {
		boundary, err := s.nextFire(s.now(), freqSeconds)
		if err != nil {
			logging.Err(err).Str("group_id", groupID).Msg("Stopping beacon schedule")
			return
		}
		fireAt := boundary.Add(spawnDelay(freqSeconds, s.randFn()))

		timer := time.NewTimer(fireAt.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if _, err := s.SpawnBeacon(ctx, groupID, "scheduled"); err != nil {
			logging.Err(err).Str("group_id", groupID).Msg("Scheduled beacon spawn failed")
		}
	}
}

// SpawnBeacon places a new beacon for the group, replacing the previous
// one and its arrivals, then notifies opted-in members and relays the
// beacon position to the group's live topic.
func (s *Scheduler) SpawnBeacon(ctx context.Context, groupID, trigger string) (*models.Beacon, error) {
	lat, lon := s.spawnCoordinates(ctx, groupID)
	now := s.now().UTC()
	beacon := &models.Beacon{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		CreatedAt: now,
		StartedAt: now,
		Latitude:  lat,
		Longitude: lon,
	}

	if err := s.store.ReplaceBeacon(ctx, beacon); err != nil {
		return nil, fmt.Errorf("replace beacon for group %s: %w", groupID, err)
	}
	metrics.RecordBeaconSpawn(trigger)
	logging.Info().
		Str("group_id", groupID).
		Str("beacon_id", beacon.ID).
		Float64("lat", lat).
		Float64("lon", lon).
		Str("trigger", trigger).
		Msg("Beacon spawned")

	if s.broker != nil {
		s.broker.Publish(groupID, models.BeaconPresence(lat, lon))
	}
	// Push delivery is rate limited and can block on the relay, so it
	// runs off the spawn path.
	go func() {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		notify.Broadcast(pushCtx, s.notifier, s.store, groupID,
			"New beacon", "A new rendezvous point is waiting for your group")
	}()
	return beacon, nil
}

// spawnCoordinates picks the beacon position per the configured policy.
// The centroid policy averages member positions and jitters the result;
// without any usable member position it falls back to the region policy.
func (s *Scheduler) spawnCoordinates(ctx context.Context, groupID string) (lat, lon float64) {
	if s.cfg.SpawnPolicy == "centroid" {
		if lat, lon, ok := s.memberCentroid(ctx, groupID); ok {
			return lat, lon
		}
	}
	lat = s.cfg.RegionLat + s.randFn()*s.cfg.RegionSpan
	lon = s.cfg.RegionLon + s.randFn()*s.cfg.RegionSpan
	return lat, lon
}

func (s *Scheduler) memberCentroid(ctx context.Context, groupID string) (lat, lon float64, ok bool) {
	presences, err := s.store.MemberPresences(ctx, groupID)
	if err != nil {
		logging.Err(err).Str("group_id", groupID).Msg("Failed to load members for centroid spawn")
		return 0, 0, false
	}

	var sumLat, sumLon float64
	var n int
	for _, p := range presences {
		if !geo.ValidCoordinates(p.Latitude, p.Longitude) || geo.IsUnknownLocation(p.Latitude, p.Longitude) {
			continue
		}
		sumLat += p.Latitude
		sumLon += p.Longitude
		n++
	}
	if n == 0 {
		return 0, 0, false
	}

	jitter := s.cfg.CentroidJitterDeg
	lat = sumLat/float64(n) + (s.randFn()*2-1)*jitter
	lon = sumLon/float64(n) + (s.randFn()*2-1)*jitter
	return lat, lon, true
}
