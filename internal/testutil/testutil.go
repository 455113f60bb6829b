// Package testutil holds helpers shared by package tests: temporary
// repository stores seeded with realistic newspaper fixtures.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/jackzampolin/broadsheet/internal/repo"
)

// Logger returns a silent slog.Logger for tests.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewStore creates a repository store under a temporary directory.
func NewStore(t *testing.T) *repo.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := repo.New(context.Background(),
		filepath.Join(dir, "repository"),
		filepath.Join(dir, "repository.db"),
		Logger())
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// PageFixture describes a page seeded by SeedPage.
type PageFixture struct {
	LCCN      string
	IssueDate string
	Sequence  int
	Text      string // OCR text attached to the page
}

// SeedPage adds a page through the normal ingest path, walks it to
// ocr_done with the given text, and returns the page ID.
func SeedPage(t *testing.T, store *repo.Store, f PageFixture) string {
	t.Helper()
	ctx := context.Background()

	if f.LCCN == "" {
		f.LCCN = "sn83045604"
	}
	if f.IssueDate == "" {
		f.IssueDate = "1897-07-17"
	}
	if f.Sequence == 0 {
		f.Sequence = 1
	}

	pageID, err := store.AddPage(ctx, repo.AddPageInput{
		LCCN:         f.LCCN,
		Title:        "The Seattle post-intelligencer",
		IssueDate:    f.IssueDate,
		Sequence:     f.Sequence,
		SourceSystem: "chroniclingamerica",
		ImageExt:     "jp2",
		ImageBytes:   []byte("fake image bytes"),
		ImageWidth:   2000,
		ImageHeight:  3000,
	})
	if err != nil {
		t.Fatalf("seeding page: %v", err)
	}

	if f.Text != "" {
		if err := store.UpdatePageStatus(ctx, pageID, repo.PageStatusQueued); err != nil {
			t.Fatalf("queueing page: %v", err)
		}
		if err := store.AttachOCR(ctx, pageID, f.Text, "<html></html>"); err != nil {
			t.Fatalf("attaching OCR: %v", err)
		}
	}
	return pageID
}

// SeedSegment adds one article segment to an ocr_done page and returns its
// ID.
func SeedSegment(t *testing.T, store *repo.Store, pageID, text string) string {
	t.Helper()
	ids, err := store.AddSegments(context.Background(), pageID, []repo.SegmentInput{{
		Segment: repo.Segment{
			Kind:       repo.SegmentKindArticle,
			BBox:       repo.BBox{X: 100, Y: 100, W: 800, H: 600},
			Text:       text,
			Confidence: 0.9,
		},
	}})
	if err != nil {
		t.Fatalf("seeding segment: %v", err)
	}
	return ids[0]
}
