// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/rallypoint-app/rallypoint/internal/arrival"
	"github.com/rallypoint-app/rallypoint/internal/database"
	"github.com/rallypoint-app/rallypoint/internal/logging"
	"github.com/rallypoint-app/rallypoint/internal/scheduler"
)

type frequencyRequest struct {
	FrequencySeconds int `json:"frequency_seconds"`
}

type confirmArrivalRequest struct {
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (rt *Router) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSpawnBeacon forces an immediate beacon for the group, replacing
// the active one and resetting its arrivals.
func (rt *Router) handleSpawnBeacon(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	beacon, err := rt.scheduler.SpawnBeacon(r.Context(), groupID, "admin")
	if err != nil {
		logging.Err(err).Str("group_id", groupID).Msg("Admin beacon spawn failed")
		writeError(w, http.StatusInternalServerError, "failed to spawn beacon")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         beacon.ID,
		"group_id":   beacon.GroupID,
		"latitude":   beacon.Latitude,
		"longitude":  beacon.Longitude,
		"started_at": beacon.StartedAt,
	})
}

// handleSetFrequency updates the group's spawn frequency and restarts
// its schedule.
func (rt *Router) handleSetFrequency(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	var req frequencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !scheduler.ValidFrequency(req.FrequencySeconds) {
		writeError(w, http.StatusBadRequest, "unknown beacon frequency")
		return
	}

	if err := rt.store.SetGroupFrequency(r.Context(), groupID, req.FrequencySeconds); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "group not found")
			return
		}
		logging.Err(err).Str("group_id", groupID).Msg("Failed to persist frequency")
		writeError(w, http.StatusInternalServerError, "failed to update frequency")
		return
	}
	if err := rt.scheduler.Schedule(r.Context(), groupID, req.FrequencySeconds); err != nil {
		logging.Err(err).Str("group_id", groupID).Msg("Failed to restart schedule")
		writeError(w, http.StatusInternalServerError, "failed to reschedule")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"group_id":          groupID,
		"frequency_seconds": req.FrequencySeconds,
	})
}

// handleConfirmArrival records an arrival based on the user's stored
// position, for clients confirming explicitly instead of relying on
// the passive proximity checks.
func (rt *Router) handleConfirmArrival(w http.ResponseWriter, r *http.Request) {
	var req confirmArrivalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.GroupID == "" {
		writeError(w, http.StatusBadRequest, "user_id and group_id are required")
		return
	}

	res, err := rt.checker.Confirm(r.Context(), req.GroupID, req.UserID)
	switch {
	case errors.Is(err, arrival.ErrNoActiveBeacon):
		writeError(w, http.StatusNotFound, "no active beacon for this group")
		return
	case errors.Is(err, arrival.ErrTooFar):
		writeError(w, http.StatusBadRequest, "too far from the beacon to confirm arrival")
		return
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
		return
	case err != nil:
		logging.Err(err).Str("group_id", req.GroupID).Str("user_id", req.UserID).Msg("Arrival confirmation failed")
		writeError(w, http.StatusInternalServerError, "failed to confirm arrival")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "arrival confirmed",
		"first_arrival":  res.FirstArrival,
		"points":         res.Points,
		"rank":           res.Rank,
		"group_complete": res.GroupComplete,
	})
}

// handleGroupScores returns the group's member standings and aggregate
// score.
func (rt *Router) handleGroupScores(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")

	scores, err := rt.store.MemberScores(r.Context(), groupID)
	if err != nil {
		logging.Err(err).Str("group_id", groupID).Msg("Failed to load member scores")
		writeError(w, http.StatusInternalServerError, "failed to load scores")
		return
	}
	total, err := rt.store.GroupScore(r.Context(), groupID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		logging.Err(err).Str("group_id", groupID).Msg("Failed to load group score")
		writeError(w, http.StatusInternalServerError, "failed to load scores")
		return
	}

	type memberScore struct {
		UserID string `json:"user_id"`
		Points int    `json:"points"`
		Rank   int    `json:"rank"`
	}
	out := make([]memberScore, 0, len(scores))
	for _, s := range scores {
		out = append(out, memberScore{UserID: s.UserID, Points: s.Points, Rank: s.Rank})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group_id":    groupID,
		"group_score": total,
		"members":     out,
	})
}
