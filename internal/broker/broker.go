// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package broker fans presence updates out to group topics. Each group
// id is a topic; sessions subscribe to the group they are viewing and
// every publish reaches all current subscribers of that topic.
//
// With a Bus attached, publishes are written through the bus and
// delivered locally by the bus callback, so updates reach subscribers
// on every process sharing the bus through one uniform path. Without a
// bus the broker degrades to direct in-process delivery.
package broker

import (
	"fmt"
	"sync"

	"github.com/rallypoint-app/rallypoint/internal/logging"
	"github.com/rallypoint-app/rallypoint/internal/models"
)

// Subscriber receives presence updates for a topic it subscribed to.
// Deliver must not block; slow consumers drop rather than stall the
// fan-out loop.
type Subscriber interface {
	UserID() string
	Deliver(update models.PresenceUpdate)
}

type topic struct {
	subscribers map[Subscriber]struct{}
	busSub      BusSubscription
}

// Broker routes presence updates between sessions by group topic.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topic
	bus    Bus
}

// New creates a broker. Pass a nil bus for single-process operation.
func New(bus Bus) *Broker {
	return &Broker{
		topics: make(map[string]*topic),
		bus:    bus,
	}
}

// Subscribe adds sub to the group's topic. The first local subscriber
// of a topic opens the matching bus subscription.
func (b *Broker) Subscribe(groupID string, sub Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[groupID]
	if !ok {
		t = &topic{subscribers: make(map[Subscriber]struct{})}
		if b.bus != nil {
			busSub, err := b.bus.Subscribe(groupID, func(update models.PresenceUpdate) {
				b.deliverLocal(groupID, update)
			})
			if err != nil {
				return fmt.Errorf("open bus subscription for group %s: %w", groupID, err)
			}
			t.busSub = busSub
		}
		b.topics[groupID] = t
	}

	t.subscribers[sub] = struct{}{}
	return nil
}

// Unsubscribe removes sub from the group's topic. The last local
// subscriber leaving tears the bus subscription down.
func (b *Broker) Unsubscribe(groupID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[groupID]
	if !ok {
		return
	}
	delete(t.subscribers, sub)
	if len(t.subscribers) > 0 {
		return
	}

	delete(b.topics, groupID)
	if t.busSub != nil {
		if err := t.busSub.Unsubscribe(); err != nil {
			logging.Err(err).Str("group_id", groupID).Msg("Failed to close bus subscription")
		}
	}
}

// Publish sends an update to the group's topic. With a bus attached the
// update goes through the bus and comes back via the subscription
// callback; without one it is delivered to local subscribers directly.
func (b *Broker) Publish(groupID string, update models.PresenceUpdate) {
	b.mu.RLock()
	bus := b.bus
	b.mu.RUnlock()

	if bus != nil {
		err := bus.Publish(groupID, update)
		if err == nil {
			return
		}
		logging.Err(err).Str("group_id", groupID).Msg("Bus publish failed, delivering locally")
	}
	b.deliverLocal(groupID, update)
}

// SubscriberCount reports the number of local subscribers on a topic.
func (b *Broker) SubscriberCount(groupID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[groupID]; ok {
		return len(t.subscribers)
	}
	return 0
}

func (b *Broker) deliverLocal(groupID string, update models.PresenceUpdate) {
	b.mu.RLock()
	t, ok := b.topics[groupID]
	if !ok {
		b.mu.RUnlock()
		return
	}
	subs := make([]Subscriber, 0, len(t.subscribers))
	for sub := range t.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.Deliver(update)
	}
}

// Close tears down every open bus subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for groupID, t := range b.topics {
		if t.busSub != nil {
			if err := t.busSub.Unsubscribe(); err != nil {
				logging.Err(err).Str("group_id", groupID).Msg("Failed to close bus subscription")
			}
		}
		delete(b.topics, groupID)
	}
}
