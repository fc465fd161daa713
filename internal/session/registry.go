// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package session

import "sync"

// Registry tracks at most one live session per user. A reconnect for a
// user replaces the earlier session, which the caller must disconnect.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put registers s for its user and returns the session it replaced, or
// nil when the user had none.
func (r *Registry) Put(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.sessions[s.userID]
	r.sessions[s.userID] = s
	return previous
}

// Get returns the user's live session, or nil.
func (r *Registry) Get(userID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

// Remove drops s from the registry. A newer session registered for the
// same user is left in place.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.userID] == s {
		delete(r.sessions, s.userID)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
