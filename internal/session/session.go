// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package session holds the per-connection presence state: the user's
// hydrated profile, the group topic they are viewing, and the throttle
// for proximity checks.
package session

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rallypoint-app/rallypoint/internal/arrival"
	"github.com/rallypoint-app/rallypoint/internal/broker"
	"github.com/rallypoint-app/rallypoint/internal/database"
	"github.com/rallypoint-app/rallypoint/internal/geo"
	"github.com/rallypoint-app/rallypoint/internal/logging"
	"github.com/rallypoint-app/rallypoint/internal/metrics"
	"github.com/rallypoint-app/rallypoint/internal/models"
)

// ErrNotGroupMember rejects a topic switch to a group the user does not
// belong to.
var ErrNotGroupMember = fmt.Errorf("not a member of group")

// Transport abstracts the client connection so the session logic can be
// tested without a live websocket.
type Transport interface {
	SendJSON(v any) error
	SendText(msg string) error
	Close() error
}

// Config carries the session collaborators.
type Config struct {
	Store   database.Store
	Broker  *broker.Broker
	Checker *arrival.Checker

	// CheckInterval is the minimum spacing between proximity checks
	// for one session.
	CheckInterval time.Duration
}

// Session is one connected user's presence state. It relays the user's
// position to every membership topic, receives the active topic's
// updates, and throttles arrival checks.
type Session struct {
	userID    string
	transport Transport
	store     database.Store
	broker    *broker.Broker
	checker   *arrival.Checker
	limiter   *rate.Limiter

	mu          sync.Mutex
	profile     *models.Profile
	groups      []string
	activeGroup string
	closed      bool
}

// New creates a session and starts hydrating the user's profile and
// group memberships in the background. Position updates arriving before
// hydration finishes are persisted but not relayed, since the wire
// shape needs profile fields.
func New(ctx context.Context, userID string, transport Transport, cfg Config) *Session {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	s := &Session{
		userID:      userID,
		transport:   transport,
		store:       cfg.Store,
		broker:      cfg.Broker,
		checker:     cfg.Checker,
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		activeGroup: models.NoGroupID,
	}
	metrics.SessionsActive.Inc()
	go s.hydrate(ctx)
	return s
}

func (s *Session) hydrate(ctx context.Context) {
	profile, err := s.store.Profile(ctx, s.userID)
	if err != nil {
		logging.Err(err).Str("user_id", s.userID).Msg("Failed to hydrate session profile")
		return
	}
	groups, err := s.store.UserGroupIDs(ctx, s.userID)
	if err != nil {
		logging.Err(err).Str("user_id", s.userID).Msg("Failed to hydrate session memberships")
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.profile = profile
		s.groups = groups
	}
	s.mu.Unlock()
}

// UserID implements broker.Subscriber.
func (s *Session) UserID() string { return s.userID }

// Deliver implements broker.Subscriber. The session's own updates come
// back through the topic and are suppressed here.
func (s *Session) Deliver(update models.PresenceUpdate) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed || update.UserID == s.userID {
		return
	}
	if err := s.transport.SendJSON(update); err != nil {
		logging.Err(err).Str("user_id", s.userID).Msg("Failed to relay presence update")
	}
}

// Publish processes one position report: persist it, relay it to every
// membership topic, and run a throttled proximity check against the
// user's beacons. Members watching any of the user's groups see the
// update, not just those sharing the user's own active group.
func (s *Session) Publish(ctx context.Context, lat, lon float64) {
	if !geo.ValidCoordinates(lat, lon) {
		metrics.RecordDroppedMessage("coordinates")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	var update *models.PresenceUpdate
	if s.profile != nil {
		s.profile.Latitude = lat
		s.profile.Longitude = lon
		update = &models.PresenceUpdate{
			UserID:         s.userID,
			FirstName:      s.profile.FirstName,
			LastName:       s.profile.LastName,
			Username:       s.profile.Username,
			ProfilePicture: s.profile.ProfilePicture,
			Longitude:      lon,
			Latitude:       lat,
		}
	}
	groups := s.groups
	s.mu.Unlock()

	// Persist off the hot path. A lost write is corrected by the next
	// report a few seconds later.
	go func() {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.store.UpdatePosition(persistCtx, s.userID, lon, lat); err != nil {
			logging.Err(err).Str("user_id", s.userID).Msg("Failed to persist position")
		}
	}()

	if update != nil {
		for _, groupID := range groups {
			s.broker.Publish(groupID, *update)
			metrics.PresenceBroadcasts.Inc()
		}
	}

	if s.limiter.Allow() {
		for _, res := range s.checker.CheckUser(ctx, s.userID, lat, lon) {
			ack := fmt.Sprintf("arrived %s +%d points", res.GroupID, res.Points)
			if res.GroupComplete {
				ack += " (group complete)"
			}
			if err := s.transport.SendText(ack); err != nil {
				logging.Err(err).Str("user_id", s.userID).Msg("Failed to send arrival ack")
			}
		}
	}
}

// SetActiveGroup switches the session to a new group topic. The
// no-group sentinel is always accepted; any other group requires
// membership. On a successful switch the client receives a snapshot of
// the group's last known positions and its active beacon.
func (s *Session) SetActiveGroup(ctx context.Context, groupID string) error {
	if groupID != models.NoGroupID {
		groupIDs, err := s.store.UserGroupIDs(ctx, s.userID)
		if err != nil {
			return fmt.Errorf("load memberships for %s: %w", s.userID, err)
		}
		if !slices.Contains(groupIDs, groupID) {
			return fmt.Errorf("%w: %s", ErrNotGroupMember, groupID)
		}
	}

	s.mu.Lock()
	if s.closed || s.activeGroup == groupID {
		s.mu.Unlock()
		return nil
	}
	previous := s.activeGroup
	s.activeGroup = groupID
	s.mu.Unlock()

	if previous != models.NoGroupID {
		s.broker.Unsubscribe(previous, s)
	}
	if groupID == models.NoGroupID {
		return nil
	}
	if err := s.broker.Subscribe(groupID, s); err != nil {
		return fmt.Errorf("subscribe to group %s: %w", groupID, err)
	}

	s.sendSnapshot(ctx, groupID)
	return nil
}

// sendSnapshot pushes the group's current state to the client: every
// member's last known position, then the active beacon as a presence
// row under the beacon sentinel id.
func (s *Session) sendSnapshot(ctx context.Context, groupID string) {
	presences, err := s.store.MemberPresences(ctx, groupID)
	if err != nil {
		logging.Err(err).Str("group_id", groupID).Msg("Failed to load group snapshot")
		return
	}
	for _, p := range presences {
		if p.UserID == s.userID {
			continue
		}
		if err := s.transport.SendJSON(p); err != nil {
			logging.Err(err).Str("user_id", s.userID).Msg("Failed to send snapshot row")
			return
		}
	}

	beacon, err := s.store.ActiveBeacon(ctx, groupID)
	if err != nil {
		logging.Err(err).Str("group_id", groupID).Msg("Failed to load beacon for snapshot")
		return
	}
	if beacon != nil {
		if err := s.transport.SendJSON(models.BeaconPresence(beacon.Latitude, beacon.Longitude)); err != nil {
			logging.Err(err).Str("user_id", s.userID).Msg("Failed to send beacon snapshot")
			return
		}
	}
	metrics.SnapshotsSent.Inc()
}

// ActiveGroup returns the group topic the session is viewing.
func (s *Session) ActiveGroup() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeGroup
}

// Disconnect tears the session down. Safe to call more than once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	groupID := s.activeGroup
	s.activeGroup = models.NoGroupID
	s.mu.Unlock()

	if groupID != models.NoGroupID {
		s.broker.Unsubscribe(groupID, s)
	}
	if err := s.transport.Close(); err != nil {
		logging.Err(err).Str("user_id", s.userID).Msg("Failed to close session transport")
	}
	metrics.SessionsActive.Dec()
}
