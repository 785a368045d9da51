package db

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/uwb.report/internal/anchor"
	"github.com/banshee-data/uwb.report/internal/telemetry"
	"github.com/banshee-data/uwb.report/internal/zone"
)

// LoadCounters returns the persisted anchor counters keyed by anchor ID.
// Anchors without a row are absent from the map.
func (db *DB) LoadCounters(ctx context.Context) (map[int]anchor.Counters, error) {
	rows, err := db.QueryContext(ctx, `SELECT anchor_id, exchanges, failures, rejections FROM anchor_counters`)
	if err != nil {
		return nil, fmt.Errorf("%w: load counters: %v", ErrPersistence, err)
	}
	defer rows.Close()

	out := make(map[int]anchor.Counters)
	for rows.Next() {
		var id int
		var c anchor.Counters
		if err := rows.Scan(&id, &c.Exchanges, &c.Failures, &c.Rejections); err != nil {
			return nil, fmt.Errorf("%w: scan counters: %v", ErrPersistence, err)
		}
		out[id] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load counters: %v", ErrPersistence, err)
	}
	return out, nil
}

// SaveCounters upserts every anchor's counters in one transaction.
func (db *DB) SaveCounters(ctx context.Context, counters map[int]anchor.Counters) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: save counters: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	for id, c := range counters {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO anchor_counters (anchor_id, exchanges, failures, rejections, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(anchor_id) DO UPDATE SET
				exchanges = excluded.exchanges,
				failures = excluded.failures,
				rejections = excluded.rejections,
				updated_at = excluded.updated_at`,
			id, c.Exchanges, c.Failures, c.Rejections, now)
		if err != nil {
			return fmt.Errorf("%w: save counters for anchor %d: %v", ErrPersistence, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: save counters: %v", ErrPersistence, err)
	}
	return nil
}

// Session is one run of the service.
type Session struct {
	ID        string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	Profile   string    `json:"profile"`
	TagID     int       `json:"tag_id"`
	Version   string    `json:"version"`
}

// CreateSession records the start of a session.
func (db *DB) CreateSession(ctx context.Context, s Session) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, started_at, profile, tag_id, version) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.StartedAt.UnixNano(), s.Profile, s.TagID, s.Version)
	if err != nil {
		return fmt.Errorf("%w: create session: %v", ErrPersistence, err)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT session_id, started_at, profile, tag_id, version FROM sessions ORDER BY started_at DESC LIMIT ?`,
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: sessions: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started int64
		if err := rows.Scan(&s.ID, &started, &s.Profile, &s.TagID, &s.Version); err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", ErrPersistence, err)
		}
		s.StartedAt = time.Unix(0, started).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertZoneEvent records a committed zone transition.
func (db *DB) InsertZoneEvent(ctx context.Context, sessionID string, ev zone.Event) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO zone_events (session_id, from_zone, to_zone, at_unix_nanos, dwell_ms) VALUES (?, ?, ?, ?, ?)`,
		sessionID, ev.From, ev.To, ev.At.UnixNano(), ev.Dwell.Milliseconds())
	if err != nil {
		return fmt.Errorf("%w: insert zone event: %v", ErrPersistence, err)
	}
	return nil
}

// ZoneEvents returns the latest events of a session, oldest first.
func (db *DB) ZoneEvents(ctx context.Context, sessionID string, limit int) ([]zone.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT from_zone, to_zone, at_unix_nanos, dwell_ms FROM (
			SELECT id, from_zone, to_zone, at_unix_nanos, dwell_ms FROM zone_events
			WHERE session_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: zone events: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []zone.Event
	for rows.Next() {
		var ev zone.Event
		var at, dwell int64
		if err := rows.Scan(&ev.From, &ev.To, &at, &dwell); err != nil {
			return nil, fmt.Errorf("%w: scan zone event: %v", ErrPersistence, err)
		}
		ev.At = time.Unix(0, at).UTC()
		ev.Dwell = time.Duration(dwell) * time.Millisecond
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Position is one row of the position log.
type Position struct {
	At          time.Time `json:"at"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	VX          float64   `json:"vx"`
	VY          float64   `json:"vy"`
	Zone        string    `json:"zone"`
	AnchorsUsed int       `json:"anchors_used"`
}

// InsertPosition appends a smoothed position to the log.
func (db *DB) InsertPosition(ctx context.Context, sessionID string, r telemetry.Record) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO positions (session_id, at_unix_nanos, x, y, vx, vy, zone, anchors_used) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, r.Timestamp.UnixNano(), r.Position.X, r.Position.Y, r.Velocity.X, r.Velocity.Y, r.Zone, r.AnchorsUsed)
	if err != nil {
		return fmt.Errorf("%w: insert position: %v", ErrPersistence, err)
	}
	return nil
}

// Positions returns the latest positions of a session, oldest first.
func (db *DB) Positions(ctx context.Context, sessionID string, limit int) ([]Position, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT at_unix_nanos, x, y, vx, vy, zone, anchors_used FROM (
			SELECT at_unix_nanos, x, y, vx, vy, zone, anchors_used FROM positions
			WHERE session_id = ? ORDER BY at_unix_nanos DESC LIMIT ?
		) ORDER BY at_unix_nanos ASC`,
		sessionID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: positions: %v", ErrPersistence, err)
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		var p Position
		var at int64
		if err := rows.Scan(&at, &p.X, &p.Y, &p.VX, &p.VY, &p.Zone, &p.AnchorsUsed); err != nil {
			return nil, fmt.Errorf("%w: scan position: %v", ErrPersistence, err)
		}
		p.At = time.Unix(0, at).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

const maxLimit = 10000

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxLimit {
		return maxLimit
	}
	return limit
}
