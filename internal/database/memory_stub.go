// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package database

import (
	"context"
	"sort"
	"sync"

	"github.com/rallypoint-app/rallypoint/internal/models"
)

// MemStore is an in-memory Store used by package tests across the
// presence core. It mirrors the SQLite semantics, including
// insert-if-absent arrivals and atomic beacon replacement, and exposes
// per-method error injection for failure-path tests.
type MemStore struct {
	mu sync.Mutex

	profiles  map[string]models.Profile
	groups    map[string]*memGroup
	beacons   map[string]models.Beacon          // group id -> active beacon
	arrivals  map[string][]models.ArrivalRecord // beacon id -> ordered arrivals
	positions map[string][2]float64             // user id -> (lon, lat)

	// Error injection. When set, the corresponding method returns the
	// error without touching state.
	ProfileErr        error
	UpdatePositionErr error
	ActiveBeaconErr   error
	InsertArrivalErr  error
	ReplaceBeaconErr  error
	ArrivalsErr       error
	MemberScoreErr    error

	// Call counters for assertions.
	UpdatePositionCalls int
	InsertArrivalCalls  int
	ReplaceBeaconCalls  int
}

type memGroup struct {
	frequency int
	score     int
	members   []string
	points    map[string]int
	ranks     map[string]int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		profiles:  make(map[string]models.Profile),
		groups:    make(map[string]*memGroup),
		beacons:   make(map[string]models.Beacon),
		arrivals:  make(map[string][]models.ArrivalRecord),
		positions: make(map[string][2]float64),
	}
}

func (m *MemStore) Close() error { return nil }

// PositionWrites returns the UpdatePosition call count, safe to poll
// while writers run.
func (m *MemStore) PositionWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.UpdatePositionCalls
}

func (m *MemStore) Profile(_ context.Context, userID string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProfileErr != nil {
		return nil, m.ProfileErr
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if pos, ok := m.positions[userID]; ok {
		p.Longitude, p.Latitude = pos[0], pos[1]
	}
	return &p, nil
}

func (m *MemStore) UpsertProfile(_ context.Context, p *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = *p
	return nil
}

func (m *MemStore) UpdatePosition(_ context.Context, userID string, lon, lat float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdatePositionCalls++
	if m.UpdatePositionErr != nil {
		return m.UpdatePositionErr
	}
	m.positions[userID] = [2]float64{lon, lat}
	return nil
}

func (m *MemStore) UserGroupIDs(_ context.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, g := range m.groups {
		for _, member := range g.members {
			if member == userID {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) GroupMemberIDs(_ context.Context, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), g.members...), nil
}

func (m *MemStore) MemberPresences(_ context.Context, groupID string) ([]models.PresenceUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, nil
	}
	var out []models.PresenceUpdate
	for _, userID := range g.members {
		p, ok := m.profiles[userID]
		if !ok {
			continue
		}
		lon, lat := p.Longitude, p.Latitude
		if pos, ok := m.positions[userID]; ok {
			lon, lat = pos[0], pos[1]
		}
		out = append(out, models.PresenceUpdate{
			UserID:         userID,
			FirstName:      p.FirstName,
			LastName:       p.LastName,
			Username:       p.Username,
			ProfilePicture: p.ProfilePicture,
			Longitude:      lon,
			Latitude:       lat,
		})
	}
	return out, nil
}

func (m *MemStore) CreateGroup(_ context.Context, groupID string, frequencySeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[groupID]; !ok {
		m.groups[groupID] = &memGroup{
			frequency: frequencySeconds,
			points:    make(map[string]int),
			ranks:     make(map[string]int),
		}
	}
	return nil
}

func (m *MemStore) AddMember(_ context.Context, groupID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		g = &memGroup{points: make(map[string]int), ranks: make(map[string]int)}
		m.groups[groupID] = g
	}
	for _, member := range g.members {
		if member == userID {
			return nil
		}
	}
	g.members = append(g.members, userID)
	return nil
}

func (m *MemStore) SetGroupFrequency(_ context.Context, groupID string, frequencySeconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	g.frequency = frequencySeconds
	return nil
}

func (m *MemStore) ScheduledGroups(_ context.Context) ([]models.GroupSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.GroupSchedule
	for id, g := range m.groups {
		if g.frequency > 0 {
			out = append(out, models.GroupSchedule{GroupID: id, FrequencySeconds: g.frequency})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out, nil
}

func (m *MemStore) ActiveBeacon(_ context.Context, groupID string) (*models.Beacon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ActiveBeaconErr != nil {
		return nil, m.ActiveBeaconErr
	}
	b, ok := m.beacons[groupID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemStore) ReplaceBeacon(_ context.Context, b *models.Beacon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReplaceBeaconCalls++
	if m.ReplaceBeaconErr != nil {
		return m.ReplaceBeaconErr
	}
	if old, ok := m.beacons[b.GroupID]; ok {
		delete(m.arrivals, old.ID)
	}
	m.beacons[b.GroupID] = *b
	return nil
}

func (m *MemStore) InsertArrival(_ context.Context, rec *models.ArrivalRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertArrivalCalls++
	if m.InsertArrivalErr != nil {
		return false, m.InsertArrivalErr
	}
	for _, existing := range m.arrivals[rec.BeaconID] {
		if existing.UserID == rec.UserID {
			return false, nil
		}
	}
	m.arrivals[rec.BeaconID] = append(m.arrivals[rec.BeaconID], *rec)
	return true, nil
}

func (m *MemStore) ArrivalsForBeacon(_ context.Context, beaconID string) ([]models.ArrivalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ArrivalsErr != nil {
		return nil, m.ArrivalsErr
	}
	recs := append([]models.ArrivalRecord(nil), m.arrivals[beaconID]...)
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].TimeReached.Before(recs[j].TimeReached)
	})
	return recs, nil
}

func (m *MemStore) SetMemberScore(_ context.Context, score models.MemberScore) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MemberScoreErr != nil {
		return m.MemberScoreErr
	}
	g, ok := m.groups[score.GroupID]
	if !ok {
		return ErrNotFound
	}
	g.points[score.UserID] = score.Points
	g.ranks[score.UserID] = score.Rank
	return nil
}

func (m *MemStore) MemberScores(_ context.Context, groupID string) ([]models.MemberScore, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, nil
	}
	var out []models.MemberScore
	for _, userID := range g.members {
		out = append(out, models.MemberScore{
			GroupID: groupID,
			UserID:  userID,
			Points:  g.points[userID],
			Rank:    g.ranks[userID],
		})
	}
	// Rank 0 marks a member who has not arrived; those sort after the
	// ranked arrivals.
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Rank, out[j].Rank
		if (ri == 0) != (rj == 0) {
			return rj == 0
		}
		return ri < rj
	})
	return out, nil
}

func (m *MemStore) AddGroupScore(_ context.Context, groupID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	g.score += delta
	return nil
}

func (m *MemStore) GroupScore(_ context.Context, groupID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return 0, ErrNotFound
	}
	return g.score, nil
}

func (m *MemStore) NotifyTargets(_ context.Context, groupID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return nil, nil
	}
	var out []string
	for _, userID := range g.members {
		p, ok := m.profiles[userID]
		if ok && p.NotifyOptIn && p.DeviceToken != "" {
			out = append(out, userID)
		}
	}
	return out, nil
}

func (m *MemStore) DeviceToken(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok || p.DeviceToken == "" {
		return "", ErrNotFound
	}
	return p.DeviceToken, nil
}
