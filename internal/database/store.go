// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package database provides the persistence collaborator consumed by the
// presence core: profile positions, group memberships, beacon rows,
// arrival rows, and group scoring state.
//
// The core requires only two transactional guarantees from any
// implementation: insert-if-absent uniqueness for arrivals, and
// atomic beacon replacement that also removes arrivals tied to the
// superseded beacon. Everything else is last-write-wins.
package database

import (
	"context"
	"errors"

	"github.com/rallypoint-app/rallypoint/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface consumed by sessions, the arrival
// engine, the beacon scheduler, and the admin API.
type Store interface {
	// Profile returns a user's profile row, or ErrNotFound.
	Profile(ctx context.Context, userID string) (*models.Profile, error)

	// UpsertProfile creates or replaces a profile row.
	UpsertProfile(ctx context.Context, p *models.Profile) error

	// UpdatePosition stores a user's last known position (last-write-wins).
	UpdatePosition(ctx context.Context, userID string, lon, lat float64) error

	// UserGroupIDs returns the ids of all groups the user belongs to.
	UserGroupIDs(ctx context.Context, userID string) ([]string, error)

	// GroupMemberIDs returns the ids of all members of a group.
	GroupMemberIDs(ctx context.Context, groupID string) ([]string, error)

	// MemberPresences returns the last known positions of all group
	// members, in the presence wire shape.
	MemberPresences(ctx context.Context, groupID string) ([]models.PresenceUpdate, error)

	// CreateGroup creates a group with the given beacon spawn frequency.
	CreateGroup(ctx context.Context, groupID string, frequencySeconds int) error

	// AddMember adds a user to a group (no-op if already a member).
	AddMember(ctx context.Context, groupID, userID string) error

	// SetGroupFrequency updates a group's beacon spawn frequency.
	SetGroupFrequency(ctx context.Context, groupID string, frequencySeconds int) error

	// ScheduledGroups returns every group with a nonzero spawn frequency.
	ScheduledGroups(ctx context.Context) ([]models.GroupSchedule, error)

	// ActiveBeacon returns the group's most recently started beacon, or
	// (nil, nil) when the group has none.
	ActiveBeacon(ctx context.Context, groupID string) (*models.Beacon, error)

	// ReplaceBeacon atomically removes the group's previous beacon rows
	// and their arrival records, then inserts the new beacon.
	ReplaceBeacon(ctx context.Context, b *models.Beacon) error

	// InsertArrival records an arrival if none exists for the
	// (beacon_id, user_id) pair. Returns true when a row was inserted,
	// false when the pair was already recorded.
	InsertArrival(ctx context.Context, rec *models.ArrivalRecord) (bool, error)

	// ArrivalsForBeacon returns a beacon's arrivals ordered by
	// time_reached ascending.
	ArrivalsForBeacon(ctx context.Context, beaconID string) ([]models.ArrivalRecord, error)

	// SetMemberScore writes a member's recomputed points and rank.
	SetMemberScore(ctx context.Context, score models.MemberScore) error

	// MemberScores returns the group's per-member points and ranks.
	MemberScores(ctx context.Context, groupID string) ([]models.MemberScore, error)

	// AddGroupScore adds delta to the group's aggregate score.
	AddGroupScore(ctx context.Context, groupID string, delta int) error

	// GroupScore returns the group's aggregate score.
	GroupScore(ctx context.Context, groupID string) (int, error)

	// NotifyTargets returns the ids of group members who opted into
	// notifications.
	NotifyTargets(ctx context.Context, groupID string) ([]string, error)

	// DeviceToken returns a user's push device token, or ErrNotFound
	// when the user has no registered device.
	DeviceToken(ctx context.Context, userID string) (string, error)

	Close() error
}
