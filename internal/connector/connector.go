package connector

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/repo"
)

// DefaultDuplicateThreshold is the token-set similarity above which two
// texts are considered the same event.
const DefaultDuplicateThreshold = 0.8

// Connector bridges the repository and the main events store.
type Connector struct {
	store  *repo.Store
	main   *sql.DB
	logger *slog.Logger
}

// New creates a Connector over an open repository store and main database.
func New(store *repo.Store, main *sql.DB, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		store:  store,
		main:   main,
		logger: logger.With("component", "connector"),
	}
}

// Link is one row of the segment-to-event mapping.
type Link struct {
	SegmentID   string `json:"segment_id"`
	EventID     string `json:"event_id"`
	ContentHash string `json:"content_hash"`
	CreatedAt   string `json:"created_at"`
}

// Candidate is one possible duplicate of a text being promoted.
type Candidate struct {
	EventID    string  `json:"event_id"`
	Title      string  `json:"title"`
	Date       string  `json:"date,omitempty"`
	Similarity float64 `json:"similarity"`
}

// Promote turns a segment into an event in the main store and records the
// link. Promoting an already-linked segment returns the existing event.
// When duplicate detection finds an existing event for the same content,
// the segment is linked to it instead of inserting a second copy.
//
// Ordering is insert-then-link: a crash between the two leaves an orphan
// event that Reconcile later attaches or removes, so promotion is
// at-least-once with convergence.
func (c *Connector) Promote(ctx context.Context, segmentID string, overrides map[string]string) (string, error) {
	seg, err := c.store.GetSegment(ctx, segmentID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(seg.Text) == "" {
		return "", errkind.New(errkind.Validation, "segment %s has no text to promote", segmentID)
	}

	// The link table is authoritative; an existing link wins outright.
	if link, err := c.GetLink(ctx, segmentID); err == nil {
		return link.EventID, nil
	} else if !errkind.Is(err, errkind.NotFound) {
		return "", err
	}

	page, err := c.store.GetPage(ctx, seg.PageID)
	if err != nil {
		return "", err
	}

	title := overrides["title"]
	if title == "" {
		title = firstLine(seg.Text)
	}
	date := overrides["date"]
	if date == "" {
		date = page.IssueDate
	}
	hash := ContentHash(seg.Text)

	sourcePtr, _ := json.Marshal(map[string]any{
		"lccn":          page.LCCN,
		"issue_date":    page.IssueDate,
		"sequence":      page.Sequence,
		"source_system": page.SourceSystem,
		"page_id":       page.ID,
		"segment_id":    seg.ID,
		"clip_path":     seg.ClipPath,
	})

	eventID := ""
	dups, err := c.FindDuplicates(ctx, seg.Text, title, date, DefaultDuplicateThreshold)
	if err != nil {
		return "", err
	}
	if len(dups) > 0 {
		eventID = dups[0].EventID
		c.logger.Info("promotion matched existing event",
			"segment_id", segmentID, "event_id", eventID,
			"similarity", dups[0].Similarity)
	} else {
		eventID = uuid.NewString()
		now := nowStamp()
		_, err = c.main.ExecContext(ctx, `
			INSERT INTO events (event_id, title, date, body, source, content_hash, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID, title, nullable(date), seg.Text, string(sourcePtr), hash, now, now)
		if err != nil {
			return "", errkind.Wrap(errkind.Internal, err)
		}
	}

	if err := c.putLink(ctx, segmentID, eventID, hash); err != nil {
		return "", err
	}
	if seg.Status != repo.SegmentStatusPromoted {
		if err := c.store.UpdateSegmentStatus(ctx, segmentID, repo.SegmentStatusPromoted); err != nil {
			return "", err
		}
	}

	c.logger.Info("segment promoted", "segment_id", segmentID, "event_id", eventID)
	return eventID, nil
}

// FindDuplicates returns events whose date is within one day of the given
// date and whose token-set similarity to text clears the threshold,
// best match first.
func (c *Connector) FindDuplicates(ctx context.Context, text, title, date string, threshold float64) ([]Candidate, error) {
	if threshold <= 0 {
		threshold = DefaultDuplicateThreshold
	}

	query := `SELECT event_id, title, COALESCE(date, ''), body FROM events`
	var args []any
	if date != "" {
		d, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, errkind.New(errkind.Validation, "invalid date %q", date)
		}
		query += ` WHERE date >= ? AND date <= ?`
		args = append(args,
			d.AddDate(0, 0, -1).Format("2006-01-02"),
			d.AddDate(0, 0, 1).Format("2006-01-02"))
	}

	rows, err := c.main.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	want := tokenSet(text)
	var out []Candidate
	for rows.Next() {
		var cand Candidate
		var body string
		if err := rows.Scan(&cand.EventID, &cand.Title, &cand.Date, &body); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		cand.Similarity = jaccard(want, tokenSet(body))
		if cand.Similarity >= threshold {
			out = append(out, cand)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}

	// Best match first.
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

// GetLink returns the link for a segment.
func (c *Connector) GetLink(ctx context.Context, segmentID string) (*Link, error) {
	var l Link
	err := c.store.DB().QueryRowContext(ctx, `
		SELECT segment_id, event_id, content_hash, created_at
		FROM event_links WHERE segment_id = ?`, segmentID).
		Scan(&l.SegmentID, &l.EventID, &l.ContentHash, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errkind.New(errkind.NotFound, "no link for segment %s", segmentID)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	return &l, nil
}

func (c *Connector) putLink(ctx context.Context, segmentID, eventID, hash string) error {
	_, err := c.store.DB().ExecContext(ctx, `
		INSERT INTO event_links (segment_id, event_id, content_hash, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(segment_id) DO UPDATE SET event_id = excluded.event_id,
			content_hash = excluded.content_hash`,
		segmentID, eventID, hash, nowStamp())
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	return nil
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Attached int `json:"attached"` // orphan events linked to their segment
	Removed  int `json:"removed"`  // orphan events with no matching segment
}

// Reconcile finds events in the main store that no link references. An
// orphan whose content hash matches a segment's text is attached; one
// matching nothing is removed. After any sequence of crashed promotions
// this converges on exactly one link per promoted segment.
func (c *Connector) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	linked := make(map[string]bool)
	rows, err := c.store.DB().QueryContext(ctx, `SELECT event_id FROM event_links`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		linked[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}

	events, err := c.ListEvents(ctx, 0)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for _, ev := range events {
		if linked[ev.ID] {
			continue
		}

		segmentID, err := c.segmentByHash(ctx, ev.ContentHash)
		if err != nil {
			return nil, err
		}
		if segmentID != "" {
			if err := c.putLink(ctx, segmentID, ev.ID, ev.ContentHash); err != nil {
				return nil, err
			}
			_ = c.store.UpdateSegmentStatus(ctx, segmentID, repo.SegmentStatusPromoted)
			report.Attached++
			c.logger.Info("reconcile attached orphan event",
				"event_id", ev.ID, "segment_id", segmentID)
			continue
		}

		if _, err := c.main.ExecContext(ctx,
			`DELETE FROM events WHERE event_id = ?`, ev.ID); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		report.Removed++
		c.logger.Warn("reconcile removed orphan event", "event_id", ev.ID)
	}
	return report, nil
}

// segmentByHash finds the unlinked segment whose text hashes to hash.
func (c *Connector) segmentByHash(ctx context.Context, hash string) (string, error) {
	rows, err := c.store.DB().QueryContext(ctx, `
		SELECT s.segment_id, s.text FROM article_segments s
		LEFT JOIN event_links l ON l.segment_id = s.segment_id
		WHERE l.segment_id IS NULL`)
	if err != nil {
		return "", errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, text string
		if err := rows.Scan(&id, &text); err != nil {
			return "", errkind.Wrap(errkind.Internal, err)
		}
		if ContentHash(text) == hash {
			return id, nil
		}
	}
	return "", rows.Err()
}

// SyncToMain pushes segment text changes through existing links: any
// linked event whose content hash no longer matches its segment's text is
// rewritten from the segment. Returns the number of events updated.
func (c *Connector) SyncToMain(ctx context.Context) (int, error) {
	links, err := c.listLinks(ctx)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, link := range links {
		seg, err := c.store.GetSegment(ctx, link.SegmentID)
		if err != nil {
			if errkind.Is(err, errkind.NotFound) {
				continue // handled by SyncFromMain
			}
			return updated, err
		}
		hash := ContentHash(seg.Text)
		if hash == link.ContentHash {
			continue
		}

		_, err = c.main.ExecContext(ctx, `
			UPDATE events SET body = ?, content_hash = ?, updated_at = ?
			WHERE event_id = ?`,
			seg.Text, hash, nowStamp(), link.EventID)
		if err != nil {
			return updated, errkind.Wrap(errkind.Internal, err)
		}
		if _, err := c.store.DB().ExecContext(ctx,
			`UPDATE event_links SET content_hash = ? WHERE segment_id = ?`,
			hash, link.SegmentID); err != nil {
			return updated, errkind.Wrap(errkind.Internal, err)
		}
		updated++
	}
	if updated > 0 {
		c.logger.Info("synced segment changes to main", "events_updated", updated)
	}
	return updated, nil
}

// SyncFromMain drops links whose event no longer exists in the main store
// and returns the affected segments to reviewed. Returns the number of
// links removed.
func (c *Connector) SyncFromMain(ctx context.Context) (int, error) {
	links, err := c.listLinks(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, link := range links {
		var one int
		err := c.main.QueryRowContext(ctx,
			`SELECT 1 FROM events WHERE event_id = ?`, link.EventID).Scan(&one)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return removed, errkind.Wrap(errkind.Internal, err)
		}

		if _, err := c.store.DB().ExecContext(ctx,
			`DELETE FROM event_links WHERE segment_id = ?`, link.SegmentID); err != nil {
			return removed, errkind.Wrap(errkind.Internal, err)
		}
		_ = c.store.UpdateSegmentStatus(ctx, link.SegmentID, repo.SegmentStatusReviewed)
		removed++
		c.logger.Warn("dropped link to deleted event",
			"segment_id", link.SegmentID, "event_id", link.EventID)
	}
	return removed, nil
}

func (c *Connector) listLinks(ctx context.Context) ([]Link, error) {
	rows, err := c.store.DB().QueryContext(ctx, `
		SELECT segment_id, event_id, content_hash, created_at FROM event_links`)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.SegmentID, &l.EventID, &l.ContentHash, &l.CreatedAt); err != nil {
			return nil, errkind.Wrap(errkind.Internal, err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, `.,;:!?'"()[]`)
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
