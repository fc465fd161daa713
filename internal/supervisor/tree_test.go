// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package supervisor

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingService struct {
	name   string
	starts atomic.Int32
}

func (c *countingService) Serve(ctx context.Context) error {
	c.starts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (c *countingService) String() string { return c.name }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	assert.Equal(t, 5.0, cfg.FailureThreshold)
	assert.Equal(t, 30.0, cfg.FailureDecay)
	assert.Equal(t, 15*time.Second, cfg.FailureBackoff)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestNewTreeAppliesDefaults(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{})
	assert.Equal(t, DefaultTreeConfig(), tree.config)
}

func TestTreeRunsServicesInAllLayers(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{})

	jobs := &countingService{name: "jobs-probe"}
	messaging := &countingService{name: "messaging-probe"}
	api := &countingService{name: "api-probe"}
	tree.AddJobService(jobs)
	tree.AddMessagingService(messaging)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		return jobs.starts.Load() == 1 &&
			messaging.starts.Load() == 1 &&
			api.starts.Load() == 1
	}, 2*time.Second, 10*time.Millisecond, "every layer starts its services")

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestTreeRestartsCrashedService(t *testing.T) {
	tree := NewTree(testLogger(), TreeConfig{
		FailureBackoff: 10 * time.Millisecond,
	})

	crashes := &crashingService{failures: 2}
	tree.AddJobService(crashes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool {
		return crashes.starts.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond, "the layer restarts the service after crashes")

	cancel()
	<-errCh
}

type crashingService struct {
	failures int32
	starts   atomic.Int32
}

func (c *crashingService) Serve(ctx context.Context) error {
	n := c.starts.Add(1)
	if n <= c.failures {
		return assert.AnError
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *crashingService) String() string { return "crash-probe" }
