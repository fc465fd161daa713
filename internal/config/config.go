// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package config holds all application configuration, loaded with Koanf v2
// from layered sources (highest priority wins):
//
//  1. Environment variables (SERVER_PORT, SECURITY_JWT_SECRET, ...)
//  2. Config file (config.yaml)
//  3. Built-in defaults
//
// Config is immutable after Load() and safe for concurrent reads.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the Rallypoint server.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	NATS     NATSConfig     `koanf:"nats"`
	Security SecurityConfig `koanf:"security"`
	Beacon   BeaconConfig   `koanf:"beacon"`
	Notify   NotifyConfig   `koanf:"notify"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// DatabaseConfig holds the SQLite store settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for tests.
	Path string `koanf:"path" validate:"required"`
}

// NATSConfig holds the external pub/sub bus settings. When Enabled is
// false the broker runs in single-process mode (local fan-out only).
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`

	// Embedded starts an in-process NATS server, for single-binary
	// deployments and integration tests.
	Embedded bool `koanf:"embedded"`

	// EmbeddedPort is the listen port of the embedded server. Use -1
	// for an ephemeral port.
	EmbeddedPort int `koanf:"embedded_port"`

	// SubjectPrefix namespaces the per-group subjects on the bus,
	// e.g. "locations" -> "locations.<group_id>".
	SubjectPrefix string `koanf:"subject_prefix" validate:"required"`
}

// SecurityConfig holds authentication and rate limiting settings.
type SecurityConfig struct {
	// JWTSecret signs/verifies client tokens. Required, 32+ characters.
	JWTSecret string `koanf:"jwt_secret" validate:"required,min=32"`

	// RateLimitReqs / RateLimitWindow bound inbound HTTP requests per IP.
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gt=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// BeaconConfig holds beacon lifecycle and arrival detection settings.
type BeaconConfig struct {
	// ArrivalRadiusM is the distance threshold in meters within which a
	// member counts as arrived at the beacon.
	ArrivalRadiusM float64 `koanf:"arrival_radius_m" validate:"gte=10,lte=1000"`

	// CheckInterval throttles proximity checks per session. Position
	// relay and storage are not throttled.
	CheckInterval time.Duration `koanf:"check_interval"`

	// SpawnPolicy selects the beacon placement policy:
	// "region"   - uniform random point in the default region
	// "centroid" - average of member positions with jitter, falling back
	//              to the default region when no member has a position
	SpawnPolicy string `koanf:"spawn_policy" validate:"oneof=region centroid"`

	// Default region: a RegionSpan-degree square anchored at
	// (RegionLat, RegionLon).
	RegionLat  float64 `koanf:"region_lat"`
	RegionLon  float64 `koanf:"region_lon"`
	RegionSpan float64 `koanf:"region_span" validate:"gt=0"`

	// CentroidJitterDeg is the max jitter applied to the member centroid.
	CentroidJitterDeg float64 `koanf:"centroid_jitter_deg"`

	// GroupBonus is added to the group score when every member has
	// reached the active beacon.
	GroupBonus int `koanf:"group_bonus" validate:"gte=0"`
}

// NotifyConfig holds push notification relay settings. When disabled,
// arrival and beacon notifications are dropped.
type NotifyConfig struct {
	Enabled bool `koanf:"enabled"`

	// WebhookURL is the relay endpoint that forwards notifications to
	// the platform push services.
	WebhookURL string `koanf:"webhook_url"`

	// Headers are added to every relay request, e.g. an Authorization
	// header.
	Headers map[string]string `koanf:"headers"`

	// RateLimitMs spaces out relay requests.
	RateLimitMs int `koanf:"rate_limit_ms"`
}

// LoggingConfig holds log level and output format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and environment.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    5001,
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "/data/rallypoint.db",
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			Embedded:      false,
			EmbeddedPort:  4222,
			SubjectPrefix: "locations",
		},
		Security: SecurityConfig{
			JWTSecret:       "",
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Beacon: BeaconConfig{
			ArrivalRadiusM:    200,
			CheckInterval:     10 * time.Second,
			SpawnPolicy:       "region",
			RegionLat:         32.7,
			RegionLon:         -117.2,
			RegionSpan:        0.1,
			CentroidJitterDeg: 0.002,
			GroupBonus:        50,
		},
		Notify: NotifyConfig{
			Enabled:     false,
			RateLimitMs: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for completeness and sane bounds.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Beacon.CheckInterval <= 0 {
		return fmt.Errorf("beacon.check_interval must be positive, got %v", c.Beacon.CheckInterval)
	}
	if c.NATS.Enabled && c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("nats.url is required when nats is enabled without an embedded server")
	}
	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("notify.webhook_url is required when notifications are enabled")
	}
	return nil
}
