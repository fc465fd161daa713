// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package models defines the shared data types of the presence core:
// live presence state, beacons, arrival records, and the wire shapes
// exchanged with connected clients.
package models

import "time"

// BeaconUserID is the reserved sentinel user id used when relaying a
// beacon position over the presence wire shape. Name and avatar fields
// are empty for beacon rows.
const BeaconUserID = "BEACON"

// NoGroupID is the sentinel active-group id meaning "no group viewed".
// SetActiveGroup always accepts it regardless of memberships.
const NoGroupID = "-1"

// Profile is a user's stored profile row as read from the persistence
// collaborator: display identity plus last known position.
type Profile struct {
	UserID         string
	FirstName      string
	LastName       string
	Username       string
	ProfilePicture string
	Longitude      float64
	Latitude       float64
	DeviceToken    string
	NotifyOptIn    bool
}

// PresenceUpdate is the JSON presence object relayed to clients, both for
// member positions and (with UserID == BeaconUserID) beacon snapshots.
type PresenceUpdate struct {
	UserID         string  `json:"user_id"`
	FirstName      string  `json:"first_name"`
	LastName       string  `json:"last_name"`
	Username       string  `json:"username"`
	ProfilePicture string  `json:"profile_picture"`
	Longitude      float64 `json:"longitude"`
	Latitude       float64 `json:"latitude"`
}

// BeaconPresence wraps a beacon position in the presence wire shape.
func BeaconPresence(lat, lon float64) PresenceUpdate {
	return PresenceUpdate{
		UserID:    BeaconUserID,
		Latitude:  lat,
		Longitude: lon,
	}
}

// ClientUpdate is the periodic inbound message from a connected client.
// Longitude and latitude are pointers so a missing field is
// distinguishable from a zero coordinate and can be dropped.
type ClientUpdate struct {
	AuthToken     string   `json:"authToken"`
	Longitude     *float64 `json:"longitude"`
	Latitude      *float64 `json:"latitude"`
	ActiveGroupID string   `json:"activeGroupId"`
}

// Beacon is a rendezvous point for a group. At most one beacon is active
// per group at any time: the most recently started one. Respawning
// replaces the previous beacon and its arrival records.
type Beacon struct {
	ID        string
	GroupID   string
	CreatedAt time.Time
	StartedAt time.Time
	Latitude  float64
	Longitude float64
}

// ArrivalRecord marks a user having reached within the arrival radius of
// a beacon. Unique per (BeaconID, UserID); insertion is idempotent and
// the record is never updated after creation.
type ArrivalRecord struct {
	BeaconID    string
	GroupID     string
	UserID      string
	Reached     bool
	TimeReached time.Time
	Latitude    float64
	Longitude   float64
}

// GroupSchedule is a group's beacon spawn configuration as stored.
// FrequencySeconds of zero (or an unrecognized value) means unscheduled.
type GroupSchedule struct {
	GroupID          string
	FrequencySeconds int
}

// MemberScore is a per-membership score snapshot after a recompute:
// points from arrival order and the resulting rank within the group.
type MemberScore struct {
	GroupID string
	UserID  string
	Points  int
	Rank    int
}
