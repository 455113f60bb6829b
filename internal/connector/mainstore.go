// Package connector promotes article segments from the repository into the
// main historical-events store and keeps the two stores linked. The link
// table lives in the repository index and is authoritative: duplicate
// detection reduces repeat promotions but reconciliation converges on
// exactly one link per promoted segment.
package connector

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

const mainSchema = `
CREATE TABLE IF NOT EXISTS events (
    event_id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    date TEXT,
    body TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '{}',
    content_hash TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_date ON events(date);
CREATE INDEX IF NOT EXISTS idx_events_hash ON events(content_hash);
`

// Event is one record in the main store.
type Event struct {
	ID          string `json:"event_id"`
	Title       string `json:"title"`
	Date        string `json:"date,omitempty"` // ISO date
	Body        string `json:"body"`
	Source      string `json:"source"` // JSON provenance pointer
	ContentHash string `json:"content_hash"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// OpenMain opens (creating if needed) the main events database.
func OpenMain(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open main database: %w", err)
	}
	if _, err := db.ExecContext(ctx, mainSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply main schema: %w", err)
	}
	return db, nil
}

// ContentHash is the canonical hash linking a segment's text to an event.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// GetEvent fetches one event from the main store.
func (c *Connector) GetEvent(ctx context.Context, eventID string) (*Event, error) {
	var e Event
	var date sql.NullString
	err := c.main.QueryRowContext(ctx, `
		SELECT event_id, title, date, body, source, content_hash, created_at, updated_at
		FROM events WHERE event_id = ?`, eventID).
		Scan(&e.ID, &e.Title, &date, &e.Body, &e.Source, &e.ContentHash, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errkind.New(errkind.NotFound, "event %s not found", eventID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	e.Date = date.String
	return &e, nil
}

// ListEvents returns events, newest date first. A non-positive limit
// returns everything.
func (c *Connector) ListEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := c.main.QueryContext(ctx, `
		SELECT event_id, title, date, body, source, content_hash, created_at, updated_at
		FROM events ORDER BY date DESC, event_id LIMIT ?`, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var date sql.NullString
		if err := rows.Scan(&e.ID, &e.Title, &date, &e.Body, &e.Source,
			&e.ContentHash, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		e.Date = date.String
		events = append(events, &e)
	}
	return events, rows.Err()
}
