package repo

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schema is the repository index DDL. The queue tables live here too: the
// work queue persists in the repository's relational index and the queue
// package receives this handle.
const schema = `
CREATE TABLE IF NOT EXISTS publications (
    lccn TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    place TEXT NOT NULL DEFAULT '',
    first_issue_date TEXT,
    last_issue_date TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS newspaper_pages (
    page_id TEXT PRIMARY KEY,
    lccn TEXT NOT NULL REFERENCES publications(lccn) ON DELETE CASCADE,
    issue_date TEXT NOT NULL,
    sequence INTEGER NOT NULL CHECK(sequence >= 1),
    source_system TEXT NOT NULL,
    image_path TEXT NOT NULL,
    image_width INTEGER NOT NULL DEFAULT 0,
    image_height INTEGER NOT NULL DEFAULT 0,
    ocr_text_path TEXT,
    hocr_path TEXT,
    ocr_text TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'new',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE (lccn, issue_date, sequence, source_system)
);

CREATE INDEX IF NOT EXISTS idx_pages_lccn_date ON newspaper_pages(lccn, issue_date);
CREATE INDEX IF NOT EXISTS idx_pages_status ON newspaper_pages(status);

CREATE TABLE IF NOT EXISTS article_segments (
    segment_id TEXT PRIMARY KEY,
    page_id TEXT NOT NULL REFERENCES newspaper_pages(page_id) ON DELETE CASCADE,
    kind TEXT NOT NULL DEFAULT 'article',
    x INTEGER NOT NULL DEFAULT 0,
    y INTEGER NOT NULL DEFAULT 0,
    w INTEGER NOT NULL DEFAULT 0,
    h INTEGER NOT NULL DEFAULT 0,
    text TEXT NOT NULL DEFAULT '',
    confidence REAL NOT NULL DEFAULT 0 CHECK(confidence >= 0 AND confidence <= 1),
    clip_path TEXT,
    status TEXT NOT NULL DEFAULT 'draft',
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_segments_page ON article_segments(page_id);

CREATE TABLE IF NOT EXISTS newspaper_articles (
    article_id TEXT PRIMARY KEY,
    page_id TEXT NOT NULL REFERENCES newspaper_pages(page_id) ON DELETE CASCADE,
    segment_ids TEXT NOT NULL DEFAULT '[]',
    title TEXT NOT NULL DEFAULT '',
    combined_text TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bulk_processing_tasks (
    bulk_id TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    operation TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS processing_queue (
    task_id TEXT PRIMARY KEY,
    page_id TEXT REFERENCES newspaper_pages(page_id) ON DELETE CASCADE,
    operation TEXT NOT NULL,
    parameters TEXT NOT NULL DEFAULT '{}',
    priority INTEGER NOT NULL DEFAULT 10,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    last_error TEXT,
    result TEXT,
    worker_id TEXT,
    lease_expires_at TEXT,
    next_eligible_at TEXT,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    lost_leases INTEGER NOT NULL DEFAULT 0,
    bulk_id TEXT REFERENCES bulk_processing_tasks(bulk_id) ON DELETE SET NULL,
    enqueued_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_pending ON processing_queue(status, priority, enqueued_at);
CREATE INDEX IF NOT EXISTS idx_queue_bulk ON processing_queue(bulk_id);

CREATE TABLE IF NOT EXISTS event_links (
    segment_id TEXT PRIMARY KEY REFERENCES article_segments(segment_id) ON DELETE CASCADE,
    event_id TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_event_links_event ON event_links(event_id);
`

// OpenDB opens the repository index database, applying the pragmas and
// schema. The caller owns the returned handle.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return db, nil
}
