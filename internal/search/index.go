// Package search maintains a secondary full-text index over the
// repository (pages, segments, articles) and the main events store. The
// index lives in its own SQLite file: a documents table plus an inverted
// postings table and a facets table. It is rebuildable at any time from
// the primary stores, so losing it is never data loss.
package search

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

// Source identifies which primary store a document came from.
const (
	SourceRepository = "repository"
	SourceMain       = "main"
)

// Entry is one document to index.
type Entry struct {
	Source   string            `json:"source"` // repository | main
	SourceID string            `json:"source_id"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Date     string            `json:"date,omitempty"` // ISO date
	Type     string            `json:"type,omitempty"` // page, segment, article, event
	Facets   map[string]string `json:"facets,omitempty"`
}

// titleWeight is how many body occurrences one title occurrence counts as.
const titleWeight = 2

const indexSchema = `
CREATE TABLE IF NOT EXISTS documents (
    doc_id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    source_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    date TEXT,
    type TEXT NOT NULL DEFAULT '',
    UNIQUE (source, source_id)
);

CREATE TABLE IF NOT EXISTS postings (
    token TEXT NOT NULL,
    doc_id INTEGER NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
    tf INTEGER NOT NULL,
    PRIMARY KEY (token, doc_id)
);

CREATE TABLE IF NOT EXISTS facets (
    doc_id INTEGER NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    value TEXT NOT NULL,
    PRIMARY KEY (doc_id, name, value)
);

CREATE INDEX IF NOT EXISTS idx_postings_doc ON postings(doc_id);
CREATE INDEX IF NOT EXISTS idx_facets_name_value ON facets(name, value);
CREATE INDEX IF NOT EXISTS idx_documents_date ON documents(date);
`

// Index is the search index.
type Index struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the search index at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open search index: %w", err)
	}
	if _, err := db.ExecContext(ctx, indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply search schema: %w", err)
	}
	return &Index{db: db, logger: logger.With("component", "search")}, nil
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Checkpoint folds the write-ahead log into the index file so an external
// copy of the file is complete.
func (ix *Index) Checkpoint(ctx context.Context) error {
	if _, err := ix.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// IndexDocument adds or replaces one document. Idempotent: indexing the
// same (source, source_id) twice leaves one copy.
func (ix *Index) IndexDocument(ctx context.Context, e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	defer tx.Rollback()

	if err := indexDocumentTx(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

func validateEntry(e Entry) error {
	if e.Source != SourceRepository && e.Source != SourceMain {
		return errkind.New(errkind.Validation, "unknown source %q", e.Source)
	}
	if e.SourceID == "" {
		return errkind.New(errkind.Validation, "source_id is required")
	}
	return nil
}

func indexDocumentTx(ctx context.Context, tx *sql.Tx, e Entry) error {
	// Replace any previous version; postings and facets cascade.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE source = ? AND source_id = ?`,
		e.Source, e.SourceID); err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (source, source_id, title, body, date, type)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Source, e.SourceID, e.Title, e.Body, nullableStr(e.Date), e.Type)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	docID, err := res.LastInsertId()
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}

	freq := make(map[string]int)
	for _, tok := range Tokenize(e.Body) {
		freq[tok]++
	}
	for _, tok := range Tokenize(e.Title) {
		freq[tok] += titleWeight
	}
	for tok, tf := range freq {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO postings (token, doc_id, tf) VALUES (?, ?, ?)`,
			tok, docID, tf); err != nil {
			return errkind.Wrap(errkind.Internal, err)
		}
	}

	for name, value := range e.Facets {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO facets (doc_id, name, value) VALUES (?, ?, ?)`,
			docID, name, value); err != nil {
			return errkind.Wrap(errkind.Internal, err)
		}
	}
	return nil
}

// DeleteDocument removes one document. Deleting an absent document is a
// no-op.
func (ix *Index) DeleteDocument(ctx context.Context, source, sourceID string) error {
	_, err := ix.db.ExecContext(ctx,
		`DELETE FROM documents WHERE source = ? AND source_id = ?`, source, sourceID)
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// Reindex replaces every document of a source with the given entries in
// one transaction and returns the number indexed.
func (ix *Index) Reindex(ctx context.Context, source string, entries []Entry) (int, error) {
	if source != SourceRepository && source != SourceMain {
		return 0, errkind.New(errkind.Validation, "unknown source %q", source)
	}

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errkind.Wrap(errkind.Internal, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE source = ?`, source); err != nil {
		return 0, errkind.Wrap(errkind.Internal, err)
	}
	for _, e := range entries {
		if e.Source == "" {
			e.Source = source
		}
		if e.Source != source {
			return 0, errkind.New(errkind.Validation,
				"entry %s belongs to source %q, reindexing %q", e.SourceID, e.Source, source)
		}
		if err := validateEntry(e); err != nil {
			return 0, err
		}
		if err := indexDocumentTx(ctx, tx, e); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errkind.Wrap(errkind.Internal, err)
	}

	ix.logger.Info("source reindexed", "source", source, "documents", len(entries))
	return len(entries), nil
}

// DocumentCount reports indexed documents per source.
func (ix *Index) DocumentCount(ctx context.Context) (map[string]int, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM documents GROUP BY source`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		counts[source] = n
	}
	return counts, rows.Err()
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Tokenize lowercases text and splits it into alphanumeric runs.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	return strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r >= 0x80)
	})
}
