// Package transfer moves repository contents across system boundaries:
// export to JSON or CSV files, import from CSV, SQLite, or a previous JSON
// export. Imports take a column mapping validated against a JSON Schema.
package transfer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/repo"
)

// Transfer runs export and import jobs against a repository store.
type Transfer struct {
	store  *repo.Store
	logger *slog.Logger
}

// New creates a Transfer over an open store.
func New(store *repo.Store, logger *slog.Logger) *Transfer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transfer{store: store, logger: logger.With("component", "transfer")}
}

// exportPage is one page in an export document, with its OCR text inlined
// and its segments nested.
type exportPage struct {
	PageID       string          `json:"page_id"`
	LCCN         string          `json:"lccn"`
	Title        string          `json:"title,omitempty"`
	IssueDate    string          `json:"issue_date"`
	Sequence     int             `json:"sequence"`
	SourceSystem string          `json:"source_system"`
	Status       string          `json:"status"`
	ImagePath    string          `json:"image_path,omitempty"`
	ImageWidth   int             `json:"image_width,omitempty"`
	ImageHeight  int             `json:"image_height,omitempty"`
	Text         string          `json:"text,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Segments     []exportSegment `json:"segments,omitempty"`
}

type exportSegment struct {
	SegmentID  string    `json:"segment_id"`
	Kind       string    `json:"kind"`
	BBox       repo.BBox `json:"bbox"`
	Text       string    `json:"text,omitempty"`
	Confidence float64   `json:"confidence"`
	Status     string    `json:"status"`
}

type exportDoc struct {
	ExportedAt string       `json:"exported_at"`
	Pages      []exportPage `json:"pages"`
}

const csvHeader = "page_id,lccn,title,issue_date,sequence,source_system,status,image_path,text"

// Export writes every page in the repository to destination in the given
// format ("json" or "csv") and returns the number of pages written. JSON
// exports carry segments and can be re-imported losslessly; CSV flattens to
// one row per page.
func (t *Transfer) Export(ctx context.Context, format, destination string) (int, error) {
	switch format {
	case "json", "csv":
	default:
		return 0, errkind.New(errkind.Validation, "unsupported export format %q", format)
	}

	pages, err := t.allPages(ctx)
	if err != nil {
		return 0, err
	}
	titles, err := t.publicationTitles(ctx)
	if err != nil {
		return 0, err
	}

	out := make([]exportPage, 0, len(pages))
	for _, p := range pages {
		ep := exportPage{
			PageID:       p.ID,
			LCCN:         p.LCCN,
			Title:        titles[p.LCCN],
			IssueDate:    p.IssueDate,
			Sequence:     p.Sequence,
			SourceSystem: p.SourceSystem,
			Status:       string(p.Status),
			ImagePath:    p.ImagePath,
			ImageWidth:   p.ImageWidth,
			ImageHeight:  p.ImageHeight,
			Metadata:     p.Metadata,
		}
		if text, err := t.store.PageText(ctx, p.ID); err == nil {
			ep.Text = text
		}
		segs, err := t.store.ListSegments(ctx, p.ID)
		if err != nil {
			return 0, err
		}
		for _, s := range segs {
			ep.Segments = append(ep.Segments, exportSegment{
				SegmentID:  s.ID,
				Kind:       string(s.Kind),
				BBox:       s.BBox,
				Text:       s.Text,
				Confidence: s.Confidence,
				Status:     string(s.Status),
			})
		}
		out = append(out, ep)
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return 0, errkind.Wrap(errkind.ResourceExhausted, err)
	}
	f, err := os.Create(destination)
	if err != nil {
		return 0, errkind.Wrap(errkind.ResourceExhausted, err)
	}
	defer f.Close()

	switch format {
	case "json":
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(exportDoc{
			ExportedAt: time.Now().UTC().Format(time.RFC3339),
			Pages:      out,
		}); err != nil {
			return 0, errkind.Wrap(errkind.Internal, err)
		}
	case "csv":
		w := csv.NewWriter(f)
		if err := w.Write(strings.Split(csvHeader, ",")); err != nil {
			return 0, errkind.Wrap(errkind.Internal, err)
		}
		for _, ep := range out {
			record := []string{
				ep.PageID, ep.LCCN, ep.Title, ep.IssueDate,
				strconv.Itoa(ep.Sequence), ep.SourceSystem, ep.Status,
				ep.ImagePath, ep.Text,
			}
			if err := w.Write(record); err != nil {
				return 0, errkind.Wrap(errkind.Internal, err)
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return 0, errkind.Wrap(errkind.Internal, err)
		}
	}

	t.logger.Info("export complete", "format", format,
		"destination", destination, "pages", len(out))
	return len(out), nil
}

// Import loads pages from source into the repository. The source type is
// taken from the file extension: .csv, .db/.sqlite/.sqlite3, or .json (a
// previous Export). mappingPath names an optional column mapping document;
// when empty, canonical column names are assumed. Returns the number of
// pages imported. Rows that collide with existing pages or lack a readable
// image are skipped with a warning, not fatal.
func (t *Transfer) Import(ctx context.Context, source, mappingPath string) (int, error) {
	mapping, err := LoadMapping(mappingPath)
	if err != nil {
		return 0, err
	}

	switch strings.ToLower(filepath.Ext(source)) {
	case ".csv":
		return t.importRows(ctx, mapping, readCSVRows(source, mapping))
	case ".db", ".sqlite", ".sqlite3":
		return t.importRows(ctx, mapping, readSQLiteRows(ctx, source, mapping))
	case ".json":
		return t.importJSON(ctx, source)
	default:
		return 0, errkind.New(errkind.Validation,
			"cannot infer source type from %q: want .csv, .sqlite, .db, or .json", source)
	}
}

// row is one source record keyed by canonical field name.
type row map[string]string

// rowSource yields rows until it returns nil with done true.
type rowSource func() (row, bool, error)

func (t *Transfer) importRows(ctx context.Context, mapping *Mapping, next rowSource) (int, error) {
	imported, skipped := 0, 0
	for {
		r, done, err := next()
		if err != nil {
			return imported, err
		}
		if done {
			break
		}

		for field, def := range mapping.Defaults {
			if r[field] == "" {
				r[field] = def
			}
		}

		if err := t.importRow(ctx, r); err != nil {
			skipped++
			t.logger.Warn("skipping row", "lccn", r["lccn"],
				"issue_date", r["issue_date"], "error", err)
			continue
		}
		imported++
	}

	t.logger.Info("import complete", "imported", imported, "skipped", skipped)
	return imported, nil
}

func (t *Transfer) importRow(ctx context.Context, r row) error {
	imagePath := r["image_path"]
	if imagePath == "" {
		return errkind.New(errkind.Validation, "row has no image_path")
	}
	sequence, err := strconv.Atoi(r["sequence"])
	if err != nil {
		return errkind.New(errkind.Validation, "invalid sequence %q", r["sequence"])
	}
	sourceSystem := r["source_system"]
	if sourceSystem == "" {
		sourceSystem = "import"
	}

	pageID, err := t.store.AddPage(ctx, repo.AddPageInput{
		LCCN:            r["lccn"],
		Title:           r["title"],
		IssueDate:       r["issue_date"],
		Sequence:        sequence,
		SourceSystem:    sourceSystem,
		ImageExt:        strings.TrimPrefix(filepath.Ext(imagePath), "."),
		ImageSourcePath: imagePath,
	})
	if err != nil {
		return err
	}

	if text := r["text"]; text != "" {
		if err := t.attachText(ctx, pageID, text); err != nil {
			return err
		}
	}
	return nil
}

// importJSON re-ingests a previous JSON export, segments included.
func (t *Transfer) importJSON(ctx context.Context, source string) (int, error) {
	f, err := os.Open(source)
	if err != nil {
		return 0, errkind.New(errkind.Validation, "cannot open %s: %v", source, err)
	}
	defer f.Close()

	var doc exportDoc
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return 0, errkind.New(errkind.CorruptData, "decoding export document: %v", err)
	}

	imported, skipped := 0, 0
	for _, ep := range doc.Pages {
		pageID, err := t.store.AddPage(ctx, repo.AddPageInput{
			LCCN:            ep.LCCN,
			Title:           ep.Title,
			IssueDate:       ep.IssueDate,
			Sequence:        ep.Sequence,
			SourceSystem:    ep.SourceSystem,
			ImageExt:        strings.TrimPrefix(filepath.Ext(ep.ImagePath), "."),
			ImageSourcePath: ep.ImagePath,
			ImageWidth:      ep.ImageWidth,
			ImageHeight:     ep.ImageHeight,
			Metadata:        ep.Metadata,
		})
		if err != nil {
			skipped++
			t.logger.Warn("skipping page", "lccn", ep.LCCN,
				"issue_date", ep.IssueDate, "sequence", ep.Sequence, "error", err)
			continue
		}

		if ep.Text != "" {
			if err := t.attachText(ctx, pageID, ep.Text); err != nil {
				return imported, err
			}
		}
		if len(ep.Segments) > 0 {
			inputs := make([]repo.SegmentInput, 0, len(ep.Segments))
			for _, s := range ep.Segments {
				inputs = append(inputs, repo.SegmentInput{Segment: repo.Segment{
					Kind:       repo.SegmentKind(s.Kind),
					BBox:       s.BBox,
					Text:       s.Text,
					Confidence: s.Confidence,
				}})
			}
			if _, err := t.store.AddSegments(ctx, pageID, inputs); err != nil {
				return imported, err
			}
		}
		imported++
	}

	t.logger.Info("import complete", "imported", imported, "skipped", skipped)
	return imported, nil
}

func (t *Transfer) attachText(ctx context.Context, pageID, text string) error {
	if err := t.store.UpdatePageStatus(ctx, pageID, repo.PageStatusQueued); err != nil {
		return err
	}
	return t.store.AttachOCR(ctx, pageID, text, "")
}

// allPages pages through the store until exhausted.
func (t *Transfer) allPages(ctx context.Context) ([]*repo.Page, error) {
	const batch = 500
	var all []*repo.Page
	for offset := 0; ; offset += batch {
		pages, err := t.store.SearchPages(ctx, repo.PageFilter{Limit: batch, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, pages...)
		if len(pages) < batch {
			return all, nil
		}
	}
}

func (t *Transfer) publicationTitles(ctx context.Context) (map[string]string, error) {
	pubs, err := t.store.ListPublications(ctx)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(pubs))
	for _, pub := range pubs {
		titles[pub.LCCN] = pub.Title
	}
	return titles, nil
}
