// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWTSecret = testSecret
	return cfg
}

func TestDefaultsAreValidWithSecret(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5001, cfg.Server.Port)
	assert.Equal(t, 200.0, cfg.Beacon.ArrivalRadiusM)
	assert.Equal(t, 10*time.Second, cfg.Beacon.CheckInterval)
	assert.Equal(t, "region", cfg.Beacon.SpawnPolicy)
	assert.Equal(t, "locations", cfg.NATS.SubjectPrefix)
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := defaultConfig()
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsShortSecret(t *testing.T) {
	cfg := defaultConfig()
	cfg.Security.JWTSecret = "too-short"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadRadius(t *testing.T) {
	cfg := validConfig()
	cfg.Beacon.ArrivalRadiusM = 5
	assert.Error(t, cfg.Validate(), "radius below 10m")

	cfg = validConfig()
	cfg.Beacon.ArrivalRadiusM = 5000
	assert.Error(t, cfg.Validate(), "radius above 1000m")
}

func TestValidateRejectsUnknownSpawnPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Beacon.SpawnPolicy = "dartboard"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroCheckInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Beacon.CheckInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateNATSRequiresURLOrEmbedded(t *testing.T) {
	cfg := validConfig()
	cfg.NATS.Enabled = true
	cfg.NATS.URL = ""
	cfg.NATS.Embedded = false
	assert.Error(t, cfg.Validate())

	cfg.NATS.Embedded = true
	assert.NoError(t, cfg.Validate())
}

func TestEnvTransform(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SERVER_PORT", "server.port"},
		{"BEACON_ARRIVAL_RADIUS_M", "beacon.arrival_radius_m"},
		{"SECURITY_JWT_SECRET", "security.jwt_secret"},
		{"NATS_SUBJECT_PREFIX", "nats.subject_prefix"},
		{"PATH", ""},
		{"HOME", ""},
		{"SOME_RANDOM_VAR", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, envTransform(tc.in), tc.in)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("SECURITY_JWT_SECRET", testSecret)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("BEACON_ARRIVAL_RADIUS_M", "50")
	t.Setenv("NATS_EMBEDDED_PORT", "-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 50.0, cfg.Beacon.ArrivalRadiusM)
	assert.Equal(t, testSecret, cfg.Security.JWTSecret)
	assert.Equal(t, -1, cfg.NATS.EmbeddedPort)
}
