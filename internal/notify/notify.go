// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package notify delivers push notifications for beacon lifecycle
// events: a beacon spawning, a member arriving, and a group completing
// a rendezvous.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/rallypoint-app/rallypoint/internal/database"
	"github.com/rallypoint-app/rallypoint/internal/logging"
)

// Notifier delivers a push message to a single user. Implementations
// must tolerate users without a registered device and return nil.
type Notifier interface {
	Send(ctx context.Context, userID, title, body string) error
}

// Noop discards every notification. Used when no push provider is
// configured.
type Noop struct{}

func (Noop) Send(context.Context, string, string, string) error { return nil }

// WebhookConfig configures the webhook push relay.
type WebhookConfig struct {
	URL         string            `koanf:"url"`
	Headers     map[string]string `koanf:"headers"`
	RateLimitMs int               `koanf:"rate_limit_ms"`
}

// webhookPayload is the JSON body posted to the relay endpoint. The
// relay resolves the device token to the platform push service.
type webhookPayload struct {
	DeviceToken string    `json:"device_token"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
}

// WebhookNotifier posts push messages to an external relay endpoint,
// looking up device tokens in the store. Sends are rate limited so a
// burst of arrivals cannot flood the relay.
type WebhookNotifier struct {
	url     string
	headers map[string]string
	store   database.Store
	client  *http.Client

	mu        sync.Mutex
	lastSent  time.Time
	rateLimit time.Duration
}

// NewWebhookNotifier creates a notifier posting to cfg.URL. Device
// tokens are resolved through store at send time.
func NewWebhookNotifier(cfg WebhookConfig, store database.Store) *WebhookNotifier {
	rateLimit := time.Duration(cfg.RateLimitMs) * time.Millisecond
	if rateLimit == 0 {
		rateLimit = 200 * time.Millisecond
	}

	headers := make(map[string]string)
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &WebhookNotifier{
		url:       cfg.URL,
		headers:   headers,
		store:     store,
		rateLimit: rateLimit,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send posts a push message for userID. Users without a registered
// device token are skipped silently.
func (n *WebhookNotifier) Send(ctx context.Context, userID, title, body string) error {
	token, err := n.store.DeviceToken(ctx, userID)
	if err == database.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve device token for %s: %w", userID, err)
	}

	n.mu.Lock()
	wait := n.rateLimit - time.Since(n.lastSent)
	n.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	payload := webhookPayload{
		DeviceToken: token,
		UserID:      userID,
		Title:       title,
		Body:        body,
		Timestamp:   time.Now(),
		Source:      "rallypoint",
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range n.headers {
		req.Header.Set(key, value)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push for %s: %w", userID, err)
	}
	defer resp.Body.Close()

	n.mu.Lock()
	n.lastSent = time.Now()
	n.mu.Unlock()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push relay returned status %d", resp.StatusCode)
	}

	logging.Debug().Str("user_id", userID).Str("title", title).Msg("Push delivered")
	return nil
}

// Broadcast sends the same message to every opted-in member of a group.
// Individual failures are logged and do not stop the rest of the fan-out.
func Broadcast(ctx context.Context, n Notifier, store database.Store, groupID, title, body string) {
	targets, err := store.NotifyTargets(ctx, groupID)
	if err != nil {
		logging.Err(err).Str("group_id", groupID).Msg("Failed to resolve notification targets")
		return
	}
	for _, userID := range targets {
		if err := n.Send(ctx, userID, title, body); err != nil {
			logging.Err(err).
				Str("group_id", groupID).
				Str("user_id", userID).
				Msg("Failed to deliver push notification")
		}
	}
}
