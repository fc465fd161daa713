// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package main is the entry point for the Rallypoint server.
//
// The server initializes components in the following order:
//
//  1. Configuration: layered load from defaults, config.yaml, and
//     environment variables (Koanf v2)
//  2. Database: SQLite store for profiles, groups, beacons, arrivals,
//     and scores
//  3. Message bus: NATS (external or embedded) when enabled, local
//     fan-out otherwise
//  4. Beacon scheduler: restores every group's spawn schedule
//  5. HTTP server: websocket presence endpoint, beacon admin API,
//     health and metrics
//
// Shutdown on SIGINT/SIGTERM cancels the supervisor tree, which drains
// the HTTP server, stops the schedule jobs, and closes the bus.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rallypoint-app/rallypoint/internal/api"
	"github.com/rallypoint-app/rallypoint/internal/arrival"
	"github.com/rallypoint-app/rallypoint/internal/auth"
	"github.com/rallypoint-app/rallypoint/internal/broker"
	"github.com/rallypoint-app/rallypoint/internal/config"
	"github.com/rallypoint-app/rallypoint/internal/database"
	"github.com/rallypoint-app/rallypoint/internal/gateway"
	"github.com/rallypoint-app/rallypoint/internal/logging"
	"github.com/rallypoint-app/rallypoint/internal/notify"
	"github.com/rallypoint-app/rallypoint/internal/scheduler"
	"github.com/rallypoint-app/rallypoint/internal/session"
	"github.com/rallypoint-app/rallypoint/internal/supervisor"
	"github.com/rallypoint-app/rallypoint/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		logging.Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Bool("nats", cfg.NATS.Enabled).
		Msg("Starting Rallypoint")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := database.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Err(err).Msg("Failed to close database")
		}
	}()

	var bus broker.Bus
	if cfg.NATS.Enabled {
		natsBus, err := broker.NewNATSBus(broker.NATSConfig{
			URL:           cfg.NATS.URL,
			Embedded:      cfg.NATS.Embedded,
			EmbeddedPort:  cfg.NATS.EmbeddedPort,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
		if err != nil {
			return fmt.Errorf("connect message bus: %w", err)
		}
		bus = natsBus
	}
	topics := broker.New(bus)
	defer topics.Close()

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Notify.Enabled {
		notifier = notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:         cfg.Notify.WebhookURL,
			Headers:     cfg.Notify.Headers,
			RateLimitMs: cfg.Notify.RateLimitMs,
		}, store)
	}

	checker := arrival.NewChecker(store, notifier, cfg.Beacon.ArrivalRadiusM, cfg.Beacon.GroupBonus)
	sched := scheduler.New(store, topics, notifier, cfg.Beacon)

	gw := gateway.New(
		auth.NewJWTVerifier(cfg.Security.JWTSecret),
		session.NewRegistry(),
		session.Config{
			Store:         store,
			Broker:        topics,
			Checker:       checker,
			CheckInterval: cfg.Beacon.CheckInterval,
		},
	)

	handler := api.NewRouter(store, sched, checker, gw, cfg.Security)
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(slog.Default(), supervisor.DefaultTreeConfig())
	tree.AddJobService(services.NewSchedulerService(sched))
	if bus != nil {
		tree.AddMessagingService(services.NewBusService(bus))
	}
	tree.AddAPIService(services.NewHTTPService(server, cfg.Server.Timeout))

	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor tree failed: %w", err)
	}

	if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", fmt.Sprint(svc.Service)).Msg("Service did not stop in time")
		}
	}

	logging.Info().Msg("Shutdown complete")
	return nil
}
