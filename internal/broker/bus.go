// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package broker

import "github.com/rallypoint-app/rallypoint/internal/models"

// Bus carries presence updates between broker instances. Updates
// published on one instance arrive at every instance holding an open
// subscription for the same group, the publisher included.
type Bus interface {
	Publish(groupID string, update models.PresenceUpdate) error
	Subscribe(groupID string, fn func(models.PresenceUpdate)) (BusSubscription, error)
	Close()
}

// BusSubscription is an open per-group bus subscription.
type BusSubscription interface {
	Unsubscribe() error
}
