// Package repo implements the repository store: newspaper page images, OCR
// artifacts, and derived segments on disk, indexed in SQLite with enforced
// referential invariants. The store exclusively owns files under its base
// directory; other components read through its API.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

// Store owns the repository base directory and its relational index.
type Store struct {
	db     *sql.DB
	layout Layout
	logger *slog.Logger
}

// New opens (creating if needed) a repository store rooted at basePath with
// its index at dbPath.
func New(ctx context.Context, basePath, dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repository directory: %w", err)
	}

	db, err := OpenDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:     db,
		layout: NewLayout(basePath),
		logger: logger.With("component", "repo"),
	}, nil
}

// DB exposes the index handle. The work queue persists in this database;
// other components must not write repository tables directly.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Layout returns the on-disk path layout.
func (s *Store) Layout() Layout {
	return s.layout
}

// Close closes the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// UpsertPublication inserts or updates a publication record.
func (s *Store) UpsertPublication(ctx context.Context, pub Publication) error {
	if pub.LCCN == "" {
		return errkind.New(errkind.Validation, "publication lccn is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publications (lccn, title, place, first_issue_date, last_issue_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(lccn) DO UPDATE SET
			title = excluded.title,
			place = excluded.place,
			first_issue_date = COALESCE(excluded.first_issue_date, publications.first_issue_date),
			last_issue_date = COALESCE(excluded.last_issue_date, publications.last_issue_date)`,
		pub.LCCN, pub.Title, pub.Place,
		nullString(pub.FirstIssueDate), nullString(pub.LastIssueDate),
		fmtTime(nowUTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert publication %s: %w", pub.LCCN, err)
	}
	return nil
}

// GetPublication returns a publication by LCCN.
func (s *Store) GetPublication(ctx context.Context, lccn string) (*Publication, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT lccn, title, place,
		       COALESCE(first_issue_date, ''), COALESCE(last_issue_date, ''), created_at
		FROM publications WHERE lccn = ?`, lccn)

	var pub Publication
	var created string
	err := row.Scan(&pub.LCCN, &pub.Title, &pub.Place, &pub.FirstIssueDate, &pub.LastIssueDate, &created)
	if err == sql.ErrNoRows {
		return nil, errkind.New(errkind.NotFound, "publication not found: %s", lccn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load publication %s: %w", lccn, err)
	}
	pub.CreatedAt = parseTime(created)
	return &pub, nil
}

// ListPublications returns all publications ordered by LCCN.
func (s *Store) ListPublications(ctx context.Context) ([]Publication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT lccn, title, place,
		       COALESCE(first_issue_date, ''), COALESCE(last_issue_date, ''), created_at
		FROM publications ORDER BY lccn`)
	if err != nil {
		return nil, fmt.Errorf("failed to list publications: %w", err)
	}
	defer rows.Close()

	var pubs []Publication
	for rows.Next() {
		var pub Publication
		var created string
		if err := rows.Scan(&pub.LCCN, &pub.Title, &pub.Place, &pub.FirstIssueDate, &pub.LastIssueDate, &created); err != nil {
			return nil, err
		}
		pub.CreatedAt = parseTime(created)
		pubs = append(pubs, pub)
	}
	return pubs, rows.Err()
}

// AddPageInput describes a page to add. Exactly one of ImageBytes or
// ImageSourcePath must be set. RawMetadata, when present, is written to the
// .meta.json provenance sidecar verbatim.
type AddPageInput struct {
	LCCN            string
	Title           string // publication title, used when auto-creating the publication
	IssueDate       string // ISO date
	Sequence        int
	SourceSystem    string
	ImageExt        string // file extension without dot, e.g. "jp2", "pdf"
	ImageBytes      []byte
	ImageSourcePath string
	ImageWidth      int
	ImageHeight     int
	Metadata        map[string]any
	RawMetadata     json.RawMessage
}

func (in *AddPageInput) validate() error {
	if in.LCCN == "" {
		return errkind.New(errkind.Validation, "lccn is required")
	}
	if _, err := time.Parse(ISODate, in.IssueDate); err != nil {
		return errkind.New(errkind.Validation, "invalid issue date %q: must be yyyy-mm-dd", in.IssueDate)
	}
	if in.Sequence < 1 {
		return errkind.New(errkind.Validation, "sequence must be >= 1, got %d", in.Sequence)
	}
	if in.SourceSystem == "" {
		return errkind.New(errkind.Validation, "source system is required")
	}
	if len(in.ImageBytes) == 0 && in.ImageSourcePath == "" {
		return errkind.New(errkind.Validation, "image bytes or image path required")
	}
	if in.ImageExt == "" {
		return errkind.New(errkind.Validation, "image extension is required")
	}
	return nil
}

// AddPage stores an original page image and creates its index row. The file
// and the row are created together or neither is. A colliding
// (lccn, issue_date, sequence, source_system) key fails with a conflict.
func (s *Store) AddPage(ctx context.Context, in AddPageInput) (string, error) {
	if err := in.validate(); err != nil {
		return "", err
	}

	pageID := uuid.NewString()
	imagePath := s.layout.OriginalPath(in.SourceSystem, in.LCCN, in.IssueDate, in.Sequence, in.ImageExt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Auto-create the publication row so the page FK holds.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO publications (lccn, title, created_at) VALUES (?, ?, ?)
		ON CONFLICT(lccn) DO NOTHING`,
		in.LCCN, in.Title, fmtTime(nowUTC()),
	); err != nil {
		return "", fmt.Errorf("failed to ensure publication: %w", err)
	}

	// Keep the first-issue invariant: first_issue_date <= every page issue_date.
	if _, err := tx.ExecContext(ctx, `
		UPDATE publications SET first_issue_date = ?
		WHERE lccn = ? AND (first_issue_date IS NULL OR first_issue_date > ?)`,
		in.IssueDate, in.LCCN, in.IssueDate,
	); err != nil {
		return "", fmt.Errorf("failed to update first issue date: %w", err)
	}

	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return "", errkind.New(errkind.Validation, "metadata not serializable: %v", err)
	}
	if in.Metadata == nil {
		meta = []byte("{}")
	}

	now := fmtTime(nowUTC())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO newspaper_pages
			(page_id, lccn, issue_date, sequence, source_system, image_path,
			 image_width, image_height, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pageID, in.LCCN, in.IssueDate, in.Sequence, in.SourceSystem, imagePath,
		in.ImageWidth, in.ImageHeight, string(PageStatusNew), string(meta), now, now,
	)
	if isUniqueViolation(err) {
		existing, lookupErr := s.GetPageByKey(ctx, in.SourceSystem, in.LCCN, in.IssueDate, in.Sequence)
		if lookupErr == nil {
			return "", errkind.New(errkind.Conflict,
				"duplicate page %s %s seq %d (existing page %s)", in.LCCN, in.IssueDate, in.Sequence, existing.ID)
		}
		return "", errkind.New(errkind.Conflict, "duplicate page %s %s seq %d", in.LCCN, in.IssueDate, in.Sequence)
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert page: %w", err)
	}

	// Write the image (and sidecar) before committing the row; a failed
	// write rolls the row back, a failed commit removes the file.
	if err := s.writeOriginal(in, imagePath); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		os.Remove(imagePath)
		os.Remove(s.layout.MetaSidecarPath(imagePath))
		return "", fmt.Errorf("failed to commit page: %w", err)
	}

	s.logger.Info("page added", "page_id", pageID, "lccn", in.LCCN,
		"issue_date", in.IssueDate, "sequence", in.Sequence)
	return pageID, nil
}

func (s *Store) writeOriginal(in AddPageInput, imagePath string) error {
	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return errkind.Wrap(errkind.ResourceExhausted, err)
	}

	if len(in.ImageBytes) > 0 {
		if err := atomicWrite(imagePath, in.ImageBytes); err != nil {
			return errkind.Wrap(errkind.ResourceExhausted, err)
		}
	} else {
		data, err := os.ReadFile(in.ImageSourcePath)
		if err != nil {
			return errkind.New(errkind.Validation, "cannot read source image %s: %v", in.ImageSourcePath, err)
		}
		if err := atomicWrite(imagePath, data); err != nil {
			return errkind.Wrap(errkind.ResourceExhausted, err)
		}
	}

	if len(in.RawMetadata) > 0 {
		if err := atomicWrite(s.layout.MetaSidecarPath(imagePath), in.RawMetadata); err != nil {
			return errkind.Wrap(errkind.ResourceExhausted, err)
		}
	}
	return nil
}

// atomicWrite writes via a temp file and rename so readers never observe a
// partial file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func scanPage(scanner interface{ Scan(...any) error }) (*Page, error) {
	var p Page
	var ocrText, hocr sql.NullString
	var meta, created, updated string
	err := scanner.Scan(
		&p.ID, &p.LCCN, &p.IssueDate, &p.Sequence, &p.SourceSystem,
		&p.ImagePath, &p.ImageWidth, &p.ImageHeight,
		&ocrText, &hocr, &p.Status, &meta, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	p.OCRTextPath = ocrText.String
	p.HOCRPath = hocr.String
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	if meta != "" {
		_ = json.Unmarshal([]byte(meta), &p.Metadata)
	}
	return &p, nil
}

const pageColumns = `page_id, lccn, issue_date, sequence, source_system,
	image_path, image_width, image_height,
	ocr_text_path, hocr_path, status, metadata, created_at, updated_at`

// GetPage returns a page by ID.
func (s *Store) GetPage(ctx context.Context, pageID string) (*Page, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM newspaper_pages WHERE page_id = ?`, pageID)
	p, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, errkind.New(errkind.NotFound, "page not found: %s", pageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load page %s: %w", pageID, err)
	}
	return p, nil
}

// GetPageByKey returns a page by its natural unique key.
func (s *Store) GetPageByKey(ctx context.Context, source, lccn, issueDate string, sequence int) (*Page, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM newspaper_pages
		 WHERE source_system = ? AND lccn = ? AND issue_date = ? AND sequence = ?`,
		source, lccn, issueDate, sequence)
	p, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, errkind.New(errkind.NotFound, "page not found: %s %s seq %d", lccn, issueDate, sequence)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load page: %w", err)
	}
	return p, nil
}

// SearchPages returns pages matching the filter, newest issue first.
func (s *Store) SearchPages(ctx context.Context, filter PageFilter) ([]*Page, error) {
	where := []string{"1=1"}
	args := []any{}

	if filter.LCCN != "" {
		where = append(where, "lccn = ?")
		args = append(args, filter.LCCN)
	}
	if filter.DateStart != "" {
		where = append(where, "issue_date >= ?")
		args = append(args, filter.DateStart)
	}
	if filter.DateEnd != "" {
		where = append(where, "issue_date <= ?")
		args = append(args, filter.DateEnd)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.FreeText != "" {
		where = append(where, "ocr_text LIKE ?")
		args = append(args, "%"+filter.FreeText+"%")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM newspaper_pages
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY issue_date DESC, lccn, sequence
		 LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search pages: %w", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// PageText returns the OCR text for a page from the index copy.
func (s *Store) PageText(ctx context.Context, pageID string) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx,
		`SELECT ocr_text FROM newspaper_pages WHERE page_id = ?`, pageID).Scan(&text)
	if err == sql.ErrNoRows {
		return "", errkind.New(errkind.NotFound, "page not found: %s", pageID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load page text: %w", err)
	}
	return text, nil
}

// UpdatePageStatus transitions a page's status, enforcing monotonicity.
func (s *Store) UpdatePageStatus(ctx context.Context, pageID string, status PageStatus) error {
	page, err := s.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if !CanTransition(page.Status, status) {
		return errkind.New(errkind.Conflict,
			"illegal page status transition %s -> %s for page %s", page.Status, status, pageID)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE newspaper_pages SET status = ?, updated_at = ? WHERE page_id = ?`,
		string(status), fmtTime(nowUTC()), pageID)
	if err != nil {
		return fmt.Errorf("failed to update page status: %w", err)
	}
	return nil
}

// MergePageMetadata folds the patch into a page's metadata map. Existing
// keys not named in the patch are kept.
func (s *Store) MergePageMetadata(ctx context.Context, pageID string, patch map[string]any) error {
	if len(patch) == 0 {
		return nil
	}
	page, err := s.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	merged := page.Metadata
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		merged[k] = v
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return errkind.Wrap(errkind.Validation, err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE newspaper_pages SET metadata = ?, updated_at = ? WHERE page_id = ?`,
		string(raw), fmtTime(nowUTC()), pageID)
	if err != nil {
		return fmt.Errorf("failed to update page metadata: %w", err)
	}
	return nil
}

// AttachOCR writes a page's OCR text and HOCR artifacts and transitions the
// page to ocr_done. The page must be queued or processing.
func (s *Store) AttachOCR(ctx context.Context, pageID, text, hocr string) error {
	page, err := s.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	if page.Status != PageStatusQueued && page.Status != PageStatusProcessing {
		return errkind.New(errkind.Conflict,
			"cannot attach OCR to page %s in status %s", pageID, page.Status)
	}

	textPath := s.layout.OCRTextPath(page.SourceSystem, page.LCCN, page.IssueDate, page.Sequence)
	hocrPath := s.layout.HOCRPath(page.SourceSystem, page.LCCN, page.IssueDate, page.Sequence)

	for _, p := range []string{textPath, hocrPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return errkind.Wrap(errkind.ResourceExhausted, err)
		}
	}
	if err := atomicWrite(textPath, []byte(text)); err != nil {
		return errkind.Wrap(errkind.ResourceExhausted, err)
	}
	if err := atomicWrite(hocrPath, []byte(hocr)); err != nil {
		return errkind.Wrap(errkind.ResourceExhausted, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE newspaper_pages
		SET ocr_text_path = ?, hocr_path = ?, ocr_text = ?, status = ?, updated_at = ?
		WHERE page_id = ?`,
		textPath, hocrPath, text, string(PageStatusOCRDone), fmtTime(nowUTC()), pageID)
	if err != nil {
		return fmt.Errorf("failed to record OCR artifacts: %w", err)
	}

	s.logger.Info("ocr attached", "page_id", pageID, "text_bytes", len(text))
	return nil
}

// SegmentInput carries a segment plus its optional image clip bytes.
type SegmentInput struct {
	Segment
	ClipBytes []byte
}

// AddSegments inserts segments for a page transactionally and transitions
// the page to segmented. Bounding boxes are validated against the page
// image dimensions when those are known.
func (s *Store) AddSegments(ctx context.Context, pageID string, inputs []SegmentInput) ([]string, error) {
	page, err := s.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(page.Status, PageStatusSegmented) {
		return nil, errkind.New(errkind.Conflict,
			"cannot add segments to page %s in status %s", pageID, page.Status)
	}

	for i := range inputs {
		seg := &inputs[i].Segment
		if seg.Confidence < 0 || seg.Confidence > 1 {
			return nil, errkind.New(errkind.Validation,
				"segment confidence %v out of range [0,1]", seg.Confidence)
		}
		if page.ImageWidth > 0 && page.ImageHeight > 0 &&
			!seg.BBox.Inside(page.ImageWidth, page.ImageHeight) {
			return nil, errkind.New(errkind.Validation,
				"segment bbox %+v outside page image %dx%d", seg.BBox, page.ImageWidth, page.ImageHeight)
		}
		if seg.ID == "" {
			seg.ID = uuid.NewString()
		}
		if seg.Kind == "" {
			seg.Kind = SegmentKindArticle
		}
		if seg.Status == "" {
			seg.Status = SegmentStatusDraft
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(nowUTC())
	ids := make([]string, 0, len(inputs))
	var written []string

	cleanup := func() {
		for _, p := range written {
			os.Remove(p)
		}
	}

	for i := range inputs {
		seg := &inputs[i].Segment

		clipPath := ""
		if len(inputs[i].ClipBytes) > 0 {
			clipPath = s.layout.SegmentClipPath(page.SourceSystem, page.IssueDate, seg.ID)
			if err := os.MkdirAll(filepath.Dir(clipPath), 0o755); err != nil {
				cleanup()
				return nil, errkind.Wrap(errkind.ResourceExhausted, err)
			}
			if err := atomicWrite(clipPath, inputs[i].ClipBytes); err != nil {
				cleanup()
				return nil, errkind.Wrap(errkind.ResourceExhausted, err)
			}
			written = append(written, clipPath)
		}
		if seg.Text != "" {
			textPath := s.layout.SegmentTextPath(page.SourceSystem, page.IssueDate, seg.ID)
			if err := os.MkdirAll(filepath.Dir(textPath), 0o755); err != nil {
				cleanup()
				return nil, errkind.Wrap(errkind.ResourceExhausted, err)
			}
			if err := atomicWrite(textPath, []byte(seg.Text)); err != nil {
				cleanup()
				return nil, errkind.Wrap(errkind.ResourceExhausted, err)
			}
			written = append(written, textPath)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO article_segments
				(segment_id, page_id, kind, x, y, w, h, text, confidence, clip_path, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			seg.ID, pageID, string(seg.Kind),
			seg.BBox.X, seg.BBox.Y, seg.BBox.W, seg.BBox.H,
			seg.Text, seg.Confidence, nullString(clipPath), string(seg.Status), now,
		)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to insert segment: %w", err)
		}
		ids = append(ids, seg.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE newspaper_pages SET status = ?, updated_at = ? WHERE page_id = ?`,
		string(PageStatusSegmented), now, pageID); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to update page status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to commit segments: %w", err)
	}

	s.logger.Info("segments added", "page_id", pageID, "count", len(ids))
	return ids, nil
}

func scanSegment(scanner interface{ Scan(...any) error }) (*Segment, error) {
	var seg Segment
	var clip sql.NullString
	var created string
	err := scanner.Scan(
		&seg.ID, &seg.PageID, &seg.Kind,
		&seg.BBox.X, &seg.BBox.Y, &seg.BBox.W, &seg.BBox.H,
		&seg.Text, &seg.Confidence, &clip, &seg.Status, &created,
	)
	if err != nil {
		return nil, err
	}
	seg.ClipPath = clip.String
	seg.CreatedAt = parseTime(created)
	return &seg, nil
}

const segmentColumns = `segment_id, page_id, kind, x, y, w, h, text, confidence, clip_path, status, created_at`

// GetSegment returns a segment by ID.
func (s *Store) GetSegment(ctx context.Context, segmentID string) (*Segment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+segmentColumns+` FROM article_segments WHERE segment_id = ?`, segmentID)
	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return nil, errkind.New(errkind.NotFound, "segment not found: %s", segmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load segment %s: %w", segmentID, err)
	}
	return seg, nil
}

// ListSegments returns all segments of a page in insertion order.
func (s *Store) ListSegments(ctx context.Context, pageID string) ([]*Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM article_segments WHERE page_id = ? ORDER BY created_at, segment_id`,
		pageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	var segs []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// UpdateSegmentStatus sets a segment's review status.
func (s *Store) UpdateSegmentStatus(ctx context.Context, segmentID string, status SegmentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE article_segments SET status = ? WHERE segment_id = ?`,
		string(status), segmentID)
	if err != nil {
		return fmt.Errorf("failed to update segment status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.New(errkind.NotFound, "segment not found: %s", segmentID)
	}
	return nil
}

// AddArticle inserts an article composed of segments from one page.
func (s *Store) AddArticle(ctx context.Context, article Article) (string, error) {
	if article.PageID == "" {
		return "", errkind.New(errkind.Validation, "article page_id is required")
	}
	if len(article.SegmentIDs) == 0 {
		return "", errkind.New(errkind.Validation, "article must reference at least one segment")
	}

	// All referenced segments must share the article's page.
	for _, segID := range article.SegmentIDs {
		seg, err := s.GetSegment(ctx, segID)
		if err != nil {
			return "", err
		}
		if seg.PageID != article.PageID {
			return "", errkind.New(errkind.Validation,
				"segment %s belongs to page %s, not %s", segID, seg.PageID, article.PageID)
		}
	}

	if article.ID == "" {
		article.ID = uuid.NewString()
	}
	segIDs, _ := json.Marshal(article.SegmentIDs)
	meta, _ := json.Marshal(article.Metadata)
	if article.Metadata == nil {
		meta = []byte("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO newspaper_articles (article_id, page_id, segment_ids, title, combined_text, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		article.ID, article.PageID, string(segIDs), article.Title, article.Text, string(meta), fmtTime(nowUTC()))
	if err != nil {
		return "", fmt.Errorf("failed to insert article: %w", err)
	}
	return article.ID, nil
}

// GetArticle returns an article by ID.
func (s *Store) GetArticle(ctx context.Context, articleID string) (*Article, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT article_id, page_id, segment_ids, title, combined_text, metadata, created_at
		FROM newspaper_articles WHERE article_id = ?`, articleID)

	var a Article
	var segIDs, meta, created string
	err := row.Scan(&a.ID, &a.PageID, &segIDs, &a.Title, &a.Text, &meta, &created)
	if err == sql.ErrNoRows {
		return nil, errkind.New(errkind.NotFound, "article not found: %s", articleID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load article %s: %w", articleID, err)
	}
	_ = json.Unmarshal([]byte(segIDs), &a.SegmentIDs)
	_ = json.Unmarshal([]byte(meta), &a.Metadata)
	a.CreatedAt = parseTime(created)
	return &a, nil
}

// ListArticles returns every article, oldest first. pageID narrows the
// listing to one page when non-empty.
func (s *Store) ListArticles(ctx context.Context, pageID string) ([]*Article, error) {
	query := `SELECT article_id, page_id, segment_ids, title, combined_text, metadata, created_at
		FROM newspaper_articles`
	args := []any{}
	if pageID != "" {
		query += ` WHERE page_id = ?`
		args = append(args, pageID)
	}
	query += ` ORDER BY created_at, article_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	defer rows.Close()

	var articles []*Article
	for rows.Next() {
		var a Article
		var segIDs, meta, created string
		if err := rows.Scan(&a.ID, &a.PageID, &segIDs, &a.Title, &a.Text, &meta, &created); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(segIDs), &a.SegmentIDs)
		_ = json.Unmarshal([]byte(meta), &a.Metadata)
		a.CreatedAt = parseTime(created)
		articles = append(articles, &a)
	}
	return articles, rows.Err()
}

// DeletePage removes a page, its on-disk artifacts, and (via cascade) its
// segments, articles, and queued tasks.
func (s *Store) DeletePage(ctx context.Context, pageID string) error {
	page, err := s.GetPage(ctx, pageID)
	if err != nil {
		return err
	}
	segs, err := s.ListSegments(ctx, pageID)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM newspaper_pages WHERE page_id = ?`, pageID); err != nil {
		return fmt.Errorf("failed to delete page row: %w", err)
	}

	// Row is gone; best-effort removal of artifacts.
	paths := []string{
		page.ImagePath,
		s.layout.MetaSidecarPath(page.ImagePath),
		page.OCRTextPath,
		page.HOCRPath,
	}
	for _, seg := range segs {
		paths = append(paths,
			seg.ClipPath,
			s.layout.SegmentTextPath(page.SourceSystem, page.IssueDate, seg.ID))
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove artifact", "path", p, "error", err)
		}
	}

	s.logger.Info("page deleted", "page_id", pageID)
	return nil
}

// PageStatusCounts tallies a publication's pages by status.
// An empty lccn tallies the whole repository.
func (s *Store) PageStatusCounts(ctx context.Context, lccn string) ([]StatusCount, error) {
	query := `SELECT status, COUNT(*) FROM newspaper_pages`
	args := []any{}
	if lccn != "" {
		query += ` WHERE lccn = ?`
		args = append(args, lccn)
	}
	query += ` GROUP BY status ORDER BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count pages: %w", err)
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, sc)
	}
	return counts, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
