// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package services

import (
	"context"
)

// BusCloser is the slice of the message bus the wrapper needs. The bus
// connects at construction and reconnects on its own, so supervision
// only has to close it on shutdown.
type BusCloser interface {
	Close()
}

// BusService ties the bus lifetime to the supervisor tree so a clean
// shutdown drains in-flight publishes before the process exits.
type BusService struct {
	bus BusCloser
}

func NewBusService(bus BusCloser) *BusService {
	return &BusService{bus: bus}
}

// Serve implements suture.Service.
func (s *BusService) Serve(ctx context.Context) error {
	<-ctx.Done()
	s.bus.Close()
	return ctx.Err()
}

func (s *BusService) String() string {
	return "message-bus"
}
