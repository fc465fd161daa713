// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

// Package gateway terminates the websocket endpoint. Every inbound
// message carries its own auth token; the first verified message binds
// the connection to a user session, later messages are routed to it.
package gateway

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/rallypoint-app/rallypoint/internal/auth"
	"github.com/rallypoint-app/rallypoint/internal/geo"
	"github.com/rallypoint-app/rallypoint/internal/logging"
	"github.com/rallypoint-app/rallypoint/internal/metrics"
	"github.com/rallypoint-app/rallypoint/internal/models"
	"github.com/rallypoint-app/rallypoint/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Gateway upgrades HTTP requests to presence websocket connections.
type Gateway struct {
	verifier   auth.Verifier
	registry   *session.Registry
	sessionCfg session.Config
	upgrader   websocket.Upgrader
}

// New creates a gateway that builds sessions with cfg.
func New(verifier auth.Verifier, registry *session.Registry, cfg session.Config) *Gateway {
	return &Gateway{
		verifier:   verifier,
		registry:   registry,
		sessionCfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tokens authenticate every message; the origin adds nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS is the http.HandlerFunc for the presence endpoint.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)
	g.readLoop(r, conn)
}

// readLoop processes inbound messages in arrival order. The session is
// created lazily on the first authenticated message; a connection whose
// very first message fails authentication is closed, while later bad
// messages are dropped without losing the session.
func (g *Gateway) readLoop(r *http.Request, conn *websocket.Conn) {
	ctx := r.Context()
	transport := newWSTransport(conn)

	var sess *session.Session
	defer func() {
		if sess != nil {
			g.registry.Remove(sess)
			sess.Disconnect()
		} else {
			_ = conn.Close()
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket closed")
			}
			return
		}
		metrics.MessagesReceived.Inc()

		var update models.ClientUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			metrics.RecordDroppedMessage("malformed")
			continue
		}

		userID, err := g.verifier.Verify(update.AuthToken)
		if err != nil {
			metrics.RecordDroppedMessage("auth")
			if sess == nil {
				// No identity was ever established on this connection.
				return
			}
			continue
		}

		if sess == nil {
			sess = session.New(ctx, userID, transport, g.sessionCfg)
			if old := g.registry.Put(sess); old != nil {
				old.Disconnect()
				metrics.SessionsReplaced.Inc()
				logging.Info().Str("user_id", userID).Msg("Replaced stale session")
			}
		} else if sess.UserID() != userID {
			metrics.RecordDroppedMessage("auth")
			continue
		}

		if update.ActiveGroupID != "" && update.ActiveGroupID != sess.ActiveGroup() {
			if err := sess.SetActiveGroup(ctx, update.ActiveGroupID); err != nil {
				logging.Warn().Err(err).
					Str("user_id", userID).
					Str("group_id", update.ActiveGroupID).
					Msg("Active group change refused")
			}
		}

		if update.Latitude != nil && update.Longitude != nil {
			lat, lon := *update.Latitude, *update.Longitude
			if !geo.ValidCoordinates(lat, lon) {
				metrics.RecordDroppedMessage("coordinates")
				continue
			}
			sess.Publish(ctx, lat, lon)
		}
	}
}

// wsTransport adapts a gorilla connection to the session Transport.
// Gorilla connections allow one concurrent writer, so writes from the
// read loop and from broker deliveries are serialized here.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) write(messageType int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.conn.WriteMessage(messageType, data)
}

func (t *wsTransport) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.write(websocket.TextMessage, raw)
}

func (t *wsTransport) SendText(msg string) error {
	return t.write(websocket.TextMessage, []byte(msg))
}

func (t *wsTransport) Close() error {
	deadline := time.Now().Add(writeWait)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
