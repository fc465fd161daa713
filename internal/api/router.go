// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package api assembles the HTTP surface: the websocket presence
// endpoint, health and metrics, and the beacon admin endpoints.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rallypoint-app/rallypoint/internal/arrival"
	"github.com/rallypoint-app/rallypoint/internal/config"
	"github.com/rallypoint-app/rallypoint/internal/database"
	"github.com/rallypoint-app/rallypoint/internal/gateway"
	"github.com/rallypoint-app/rallypoint/internal/metrics"
	"github.com/rallypoint-app/rallypoint/internal/middleware"
	"github.com/rallypoint-app/rallypoint/internal/scheduler"
)

// Router wires handlers to their collaborators.
type Router struct {
	store     database.Store
	scheduler *scheduler.Scheduler
	checker   *arrival.Checker
	gateway   *gateway.Gateway
}

// NewRouter builds the chi handler tree.
func NewRouter(store database.Store, sched *scheduler.Scheduler, checker *arrival.Checker, gw *gateway.Gateway, sec config.SecurityConfig) http.Handler {
	router := &Router{
		store:     store,
		scheduler: sched,
		checker:   checker,
		gateway:   gw,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", router.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// The websocket endpoint is long-lived; request rate limiting
	// applies to the upgrade only.
	r.Get("/ws/locations", gw.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		window := sec.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(sec.RateLimitReqs, window))
		r.Use(middleware.RequestLogger)
		r.Use(requestMetrics)

		r.Post("/groups/{groupID}/beacon/spawn", router.handleSpawnBeacon)
		r.Put("/groups/{groupID}/beacon/frequency", router.handleSetFrequency)
		r.Post("/beacon/arrival", router.handleConfirmArrival)
		r.Get("/groups/{groupID}/scores", router.handleGroupScores)
	})

	return r
}

// requestMetrics records one Prometheus sample per completed request,
// labeled by the chi route pattern to keep cardinality bounded.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			if pattern := routeCtx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		metrics.RecordAPIRequest(r.Method, endpoint, ww.Status(), time.Since(start))
	})
}
