// Rallypoint - Group Meetup Presence and Beacon Service
// Copyright 2026 Rallypoint contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/rallypoint-app/rallypoint

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/rallypoint-app/rallypoint/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS profile (
	id              TEXT PRIMARY KEY,
	first_name      TEXT NOT NULL DEFAULT '',
	last_name       TEXT NOT NULL DEFAULT '',
	username        TEXT NOT NULL DEFAULT '',
	profile_picture TEXT NOT NULL DEFAULT '',
	longitude       REAL NOT NULL DEFAULT 0,
	latitude        REAL NOT NULL DEFAULT 0,
	device_token    TEXT NOT NULL DEFAULT '',
	notify_opt_in   INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS groups (
	id               TEXT PRIMARY KEY,
	beacon_frequency INTEGER NOT NULL DEFAULT 0,
	group_score      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS user_group (
	user_id  TEXT NOT NULL,
	group_id TEXT NOT NULL,
	points   INTEGER NOT NULL DEFAULT 0,
	rank     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, group_id)
);

CREATE TABLE IF NOT EXISTS beacon (
	id         TEXT PRIMARY KEY,
	group_id   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP NOT NULL,
	longitude  REAL NOT NULL,
	latitude   REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_beacon_group ON beacon (group_id, started_at);

CREATE TABLE IF NOT EXISTS beacon_arrivals (
	beacon_id    TEXT NOT NULL,
	group_id     TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	reached      INTEGER NOT NULL DEFAULT 1,
	time_reached TIMESTAMP NOT NULL,
	longitude    REAL NOT NULL DEFAULT 0,
	latitude     REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (beacon_id, user_id)
);
`

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies the
// schema. Use ":memory:" for an ephemeral store.
func New(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}

	// modernc sqlite serializes writes internally; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, username, profile_picture,
		       longitude, latitude, device_token, notify_opt_in
		FROM profile WHERE id = ?`, userID)

	var p models.Profile
	err := row.Scan(&p.UserID, &p.FirstName, &p.LastName, &p.Username,
		&p.ProfilePicture, &p.Longitude, &p.Latitude, &p.DeviceToken, &p.NotifyOptIn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query profile %s: %w", userID, err)
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *models.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile (id, first_name, last_name, username, profile_picture,
		                     longitude, latitude, device_token, notify_opt_in)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			username = excluded.username,
			profile_picture = excluded.profile_picture,
			longitude = excluded.longitude,
			latitude = excluded.latitude,
			device_token = excluded.device_token,
			notify_opt_in = excluded.notify_opt_in`,
		p.UserID, p.FirstName, p.LastName, p.Username, p.ProfilePicture,
		p.Longitude, p.Latitude, p.DeviceToken, p.NotifyOptIn)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdatePosition(ctx context.Context, userID string, lon, lat float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE profile SET longitude = ?, latitude = ? WHERE id = ?`, lon, lat, userID)
	if err != nil {
		return fmt.Errorf("update position for %s: %w", userID, err)
	}
	return nil
}

func (s *SQLiteStore) UserGroupIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id FROM user_group WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("query groups for %s: %w", userID, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStore) GroupMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM user_group WHERE group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query members of %s: %w", groupID, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStore) MemberPresences(ctx context.Context, groupID string) ([]models.PresenceUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ug.user_id, p.first_name, p.last_name, p.username,
		       p.profile_picture, p.longitude, p.latitude
		FROM user_group ug
		JOIN profile p ON ug.user_id = p.id
		WHERE ug.group_id = ?`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query member presences of %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []models.PresenceUpdate
	for rows.Next() {
		var u models.PresenceUpdate
		if err := rows.Scan(&u.UserID, &u.FirstName, &u.LastName, &u.Username,
			&u.ProfilePicture, &u.Longitude, &u.Latitude); err != nil {
			return nil, fmt.Errorf("scan member presence: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateGroup(ctx context.Context, groupID string, frequencySeconds int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO groups (id, beacon_frequency) VALUES (?, ?)`,
		groupID, frequencySeconds)
	if err != nil {
		return fmt.Errorf("create group %s: %w", groupID, err)
	}
	return nil
}

func (s *SQLiteStore) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_group (user_id, group_id) VALUES (?, ?)`,
		userID, groupID)
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", userID, groupID, err)
	}
	return nil
}

func (s *SQLiteStore) SetGroupFrequency(ctx context.Context, groupID string, frequencySeconds int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE groups SET beacon_frequency = ? WHERE id = ?`, frequencySeconds, groupID)
	if err != nil {
		return fmt.Errorf("set frequency for %s: %w", groupID, err)
	}
	return nil
}

func (s *SQLiteStore) ScheduledGroups(ctx context.Context) ([]models.GroupSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, beacon_frequency FROM groups WHERE beacon_frequency > 0`)
	if err != nil {
		return nil, fmt.Errorf("query scheduled groups: %w", err)
	}
	defer rows.Close()

	var out []models.GroupSchedule
	for rows.Next() {
		var g models.GroupSchedule
		if err := rows.Scan(&g.GroupID, &g.FrequencySeconds); err != nil {
			return nil, fmt.Errorf("scan scheduled group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ActiveBeacon(ctx context.Context, groupID string) (*models.Beacon, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, created_at, started_at, longitude, latitude
		FROM beacon WHERE group_id = ?
		ORDER BY started_at DESC LIMIT 1`, groupID)

	var b models.Beacon
	err := row.Scan(&b.ID, &b.GroupID, &b.CreatedAt, &b.StartedAt, &b.Longitude, &b.Latitude)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query active beacon for %s: %w", groupID, err)
	}
	return &b, nil
}

// ReplaceBeacon supersedes the group's previous beacon in one
// transaction: stale arrivals are removed with the old beacon rows so
// scoring state resets each beacon cycle.
func (s *SQLiteStore) ReplaceBeacon(ctx context.Context, b *models.Beacon) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace beacon: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM beacon_arrivals WHERE group_id = ?`, b.GroupID); err != nil {
		return fmt.Errorf("clear arrivals for %s: %w", b.GroupID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM beacon WHERE group_id = ?`, b.GroupID); err != nil {
		return fmt.Errorf("clear beacons for %s: %w", b.GroupID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO beacon (id, group_id, created_at, started_at, longitude, latitude)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.GroupID, b.CreatedAt, b.StartedAt, b.Longitude, b.Latitude); err != nil {
		return fmt.Errorf("insert beacon for %s: %w", b.GroupID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace beacon: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertArrival(ctx context.Context, rec *models.ArrivalRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO beacon_arrivals
			(beacon_id, group_id, user_id, reached, time_reached, longitude, latitude)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.BeaconID, rec.GroupID, rec.UserID, rec.Reached, rec.TimeReached,
		rec.Longitude, rec.Latitude)
	if err != nil {
		return false, fmt.Errorf("insert arrival (%s, %s): %w", rec.BeaconID, rec.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert arrival rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ArrivalsForBeacon(ctx context.Context, beaconID string) ([]models.ArrivalRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT beacon_id, group_id, user_id, reached, time_reached, longitude, latitude
		FROM beacon_arrivals WHERE beacon_id = ?
		ORDER BY time_reached ASC`, beaconID)
	if err != nil {
		return nil, fmt.Errorf("query arrivals for %s: %w", beaconID, err)
	}
	defer rows.Close()

	var out []models.ArrivalRecord
	for rows.Next() {
		var r models.ArrivalRecord
		if err := rows.Scan(&r.BeaconID, &r.GroupID, &r.UserID, &r.Reached,
			&r.TimeReached, &r.Longitude, &r.Latitude); err != nil {
			return nil, fmt.Errorf("scan arrival: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetMemberScore(ctx context.Context, score models.MemberScore) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_group SET points = ?, rank = ? WHERE group_id = ? AND user_id = ?`,
		score.Points, score.Rank, score.GroupID, score.UserID)
	if err != nil {
		return fmt.Errorf("set member score (%s, %s): %w", score.GroupID, score.UserID, err)
	}
	return nil
}

func (s *SQLiteStore) MemberScores(ctx context.Context, groupID string) ([]models.MemberScore, error) {
	// Rank 0 marks a member who has not arrived; those sort after the
	// ranked arrivals.
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id, user_id, points, rank FROM user_group
		WHERE group_id = ? ORDER BY rank = 0, rank`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query member scores of %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []models.MemberScore
	for rows.Next() {
		var m models.MemberScore
		if err := rows.Scan(&m.GroupID, &m.UserID, &m.Points, &m.Rank); err != nil {
			return nil, fmt.Errorf("scan member score: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddGroupScore(ctx context.Context, groupID string, delta int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE groups SET group_score = group_score + ? WHERE id = ?`, delta, groupID)
	if err != nil {
		return fmt.Errorf("add group score for %s: %w", groupID, err)
	}
	return nil
}

func (s *SQLiteStore) GroupScore(ctx context.Context, groupID string) (int, error) {
	var score int
	err := s.db.QueryRowContext(ctx,
		`SELECT group_score FROM groups WHERE id = ?`, groupID).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("query group score for %s: %w", groupID, err)
	}
	return score, nil
}

func (s *SQLiteStore) NotifyTargets(ctx context.Context, groupID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ug.user_id FROM user_group ug
		JOIN profile p ON ug.user_id = p.id
		WHERE ug.group_id = ? AND p.notify_opt_in = 1 AND p.device_token != ''`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query notify targets of %s: %w", groupID, err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (s *SQLiteStore) DeviceToken(ctx context.Context, userID string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT device_token FROM profile WHERE id = ?`, userID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query device token for %s: %w", userID, err)
	}
	if token == "" {
		return "", ErrNotFound
	}
	return token, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan string column: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
