package indexer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jackzampolin/broadsheet/internal/connector"
	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/search"
	"github.com/jackzampolin/broadsheet/internal/testutil"
)

func TestReindexRepositoryAndMain(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	pageID := testutil.SeedPage(t, store, testutil.PageFixture{
		IssueDate: "1897-07-17",
		Text:      "Gold arrives from the Klondike.",
	})
	segID := testutil.SeedSegment(t, store, pageID, "Gold arrives from the Klondike.")

	main, err := connector.OpenMain(ctx, filepath.Join(t.TempDir(), "main.db"))
	if err != nil {
		t.Fatalf("OpenMain: %v", err)
	}
	t.Cleanup(func() { main.Close() })
	conn := connector.New(store, main, testutil.Logger())
	if _, err := conn.Promote(ctx, segID, nil); err != nil {
		t.Fatalf("Promote: %v", err)
	}

	index, err := search.Open(ctx, filepath.Join(t.TempDir(), "search.db"), testutil.Logger())
	if err != nil {
		t.Fatalf("opening index: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	ix := New(store, conn, index, testutil.Logger())
	n, err := ix.Reindex(ctx, "all")
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	// Page + segment from the repository, one promoted event from main.
	if n != 3 {
		t.Fatalf("indexed = %d, want 3", n)
	}

	counts, err := index.DocumentCount(ctx)
	if err != nil {
		t.Fatalf("DocumentCount: %v", err)
	}
	if counts[search.SourceRepository] != 2 || counts[search.SourceMain] != 1 {
		t.Errorf("counts = %v", counts)
	}

	resp, err := index.Search(ctx, search.Options{Query: "klondike"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Errorf("results = %d, want 3", len(resp.Results))
	}
}

func TestReindexIsRepeatable(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	testutil.SeedPage(t, store, testutil.PageFixture{Text: "Some page text."})

	index, err := search.Open(ctx, filepath.Join(t.TempDir(), "search.db"), testutil.Logger())
	if err != nil {
		t.Fatalf("opening index: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	ix := New(store, nil, index, testutil.Logger())
	for i := 0; i < 2; i++ {
		if _, err := ix.Reindex(ctx, "repo"); err != nil {
			t.Fatalf("Reindex pass %d: %v", i+1, err)
		}
	}

	counts, err := index.DocumentCount(ctx)
	if err != nil {
		t.Fatalf("DocumentCount: %v", err)
	}
	if counts[search.SourceRepository] != 1 {
		t.Errorf("repository docs = %d, want 1", counts[search.SourceRepository])
	}
}

func TestReindexRejectsUnknownSource(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore(t)
	index, err := search.Open(ctx, filepath.Join(t.TempDir(), "search.db"), testutil.Logger())
	if err != nil {
		t.Fatalf("opening index: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	ix := New(store, nil, index, testutil.Logger())
	if _, err := ix.Reindex(ctx, "elsewhere"); !errkind.Is(err, errkind.Validation) {
		t.Errorf("err = %v, want Validation", err)
	}
}
