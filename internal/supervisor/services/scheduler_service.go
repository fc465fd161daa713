// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package services

import (
	"context"
	"fmt"
)

// BeaconScheduler is the slice of the scheduler the wrapper needs.
type BeaconScheduler interface {
	ScheduleAll(ctx context.Context) error
	Stop()
}

// SchedulerService starts every group's beacon schedule and keeps the
// jobs running until shutdown. A failing initial load is returned to
// the supervisor so the restart policy retries it.
type SchedulerService struct {
	scheduler BeaconScheduler
}

func NewSchedulerService(scheduler BeaconScheduler) *SchedulerService {
	return &SchedulerService{scheduler: scheduler}
}

// Serve implements suture.Service. The scheduler runs its own job
// goroutines, so after starting them this only waits for cancellation.
func (s *SchedulerService) Serve(ctx context.Context) error {
	if err := s.scheduler.ScheduleAll(ctx); err != nil {
		return fmt.Errorf("start beacon schedules: %w", err)
	}

	<-ctx.Done()
	s.scheduler.Stop()
	return ctx.Err()
}

func (s *SchedulerService) String() string {
	return "beacon-scheduler"
}
