// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package broker

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/rallypoint-app/rallypoint/internal/logging"
	"github.com/rallypoint-app/rallypoint/internal/models"
)

// NATSConfig configures the NATS presence bus.
type NATSConfig struct {
	// URL of an external NATS server. Ignored when Embedded is set.
	URL string `koanf:"url"`

	// Embedded starts an in-process NATS server instead of dialing out.
	Embedded bool `koanf:"embedded"`

	// EmbeddedPort is the listen port of the embedded server. Use -1
	// for an ephemeral port.
	EmbeddedPort int `koanf:"embedded_port"`

	// SubjectPrefix namespaces the per-group subjects.
	SubjectPrefix string `koanf:"subject_prefix"`
}

// NATSBus implements Bus on NATS core subjects, one subject per group
// under the configured prefix.
type NATSBus struct {
	conn     *nats.Conn
	embedded *server.Server
	prefix   string
}

// NewNATSBus connects to the configured NATS server, starting an
// embedded one first when requested.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "locations"
	}

	url := cfg.URL
	var embedded *server.Server
	if cfg.Embedded {
		ns, err := startEmbeddedServer(cfg.EmbeddedPort)
		if err != nil {
			return nil, err
		}
		embedded = ns
		url = ns.ClientURL()
	}

	conn, err := nats.Connect(url,
		nats.Name("rallypoint-presence"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return &NATSBus{conn: conn, embedded: embedded, prefix: prefix}, nil
}

func startEmbeddedServer(port int) (*server.Server, error) {
	opts := &server.Options{
		ServerName: "rallypoint-presence",
		Host:       "127.0.0.1",
		Port:       port,
		NoLog:      true,
		NoSigs:     true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready within timeout")
	}
	return ns, nil
}

func (b *NATSBus) subject(groupID string) string {
	return b.prefix + "." + groupID
}

// Publish marshals the update and writes it to the group's subject.
func (b *NATSBus) Publish(groupID string, update models.PresenceUpdate) error {
	raw, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal presence update: %w", err)
	}
	if err := b.conn.Publish(b.subject(groupID), raw); err != nil {
		return fmt.Errorf("publish to %s: %w", b.subject(groupID), err)
	}
	return nil
}

// Subscribe opens a subscription on the group's subject. Messages that
// fail to unmarshal are dropped with a log line.
func (b *NATSBus) Subscribe(groupID string, fn func(models.PresenceUpdate)) (BusSubscription, error) {
	sub, err := b.conn.Subscribe(b.subject(groupID), func(msg *nats.Msg) {
		var update models.PresenceUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			logging.Err(err).Str("subject", msg.Subject).Msg("Dropping malformed bus message")
			return
		}
		fn(update)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", b.subject(groupID), err)
	}
	return sub, nil
}

// Close drains the connection and stops the embedded server if one was
// started.
func (b *NATSBus) Close() {
	if err := b.conn.Drain(); err != nil {
		logging.Err(err).Msg("Failed to drain NATS connection")
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}
