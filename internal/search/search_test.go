package search

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ix, err := Open(context.Background(), filepath.Join(t.TempDir(), "search.db"), logger)
	if err != nil {
		t.Fatalf("opening index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func seedIndex(t *testing.T, ix *Index) {
	t.Helper()
	ctx := context.Background()
	entries := []Entry{
		{
			Source: SourceRepository, SourceID: "page-1", Type: "page",
			Title: "The Seattle post-intelligencer",
			Body:  "KLONDIKE GOLD ARRIVES. The steamer Portland docks with a ton of gold from the north.",
			Date:  "1897-07-17",
			Facets: map[string]string{"state": "Washington", "kind": "page"},
		},
		{
			Source: SourceRepository, SourceID: "seg-1", Type: "segment",
			Title: "Railway expansion",
			Body:  "The Northern Pacific railway announces a new spur line to Tacoma.",
			Date:  "1891-04-12",
			Facets: map[string]string{"state": "Washington", "kind": "segment"},
		},
		{
			Source: SourceMain, SourceID: "event-1", Type: "event",
			Title: "Gold rush begins",
			Body:  "Word of Klondyke riches spreads through the port towns.",
			Date:  "1897-07-18",
			Facets: map[string]string{"kind": "event"},
		},
	}
	for _, e := range entries {
		if err := ix.IndexDocument(ctx, e); err != nil {
			t.Fatalf("IndexDocument(%s): %v", e.SourceID, err)
		}
	}
}

func TestIndexDocumentIdempotent(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	e := Entry{Source: SourceRepository, SourceID: "page-1", Body: "first version"}
	if err := ix.IndexDocument(ctx, e); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}
	e.Body = "second version"
	if err := ix.IndexDocument(ctx, e); err != nil {
		t.Fatalf("IndexDocument again: %v", err)
	}

	counts, err := ix.DocumentCount(ctx)
	if err != nil {
		t.Fatalf("DocumentCount: %v", err)
	}
	if counts[SourceRepository] != 1 {
		t.Errorf("document count = %d, want 1", counts[SourceRepository])
	}

	resp, err := ix.Search(ctx, Options{Query: "second"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("stale postings: total = %d searching for new body", resp.Total)
	}
	resp, _ = ix.Search(ctx, Options{Query: "first"})
	if resp.Total != 0 {
		t.Errorf("old postings survive: total = %d searching for old body", resp.Total)
	}
}

func TestSearchAndSemantics(t *testing.T) {
	ix := newTestIndex(t)
	seedIndex(t, ix)
	ctx := context.Background()

	// Both tokens must appear.
	resp, err := ix.Search(ctx, Options{Query: "klondike gold"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Total != 1 || resp.Results[0].SourceID != "page-1" {
		t.Fatalf("got %+v, want just page-1", resp.Results)
	}

	// The explicit AND keyword behaves the same.
	resp, _ = ix.Search(ctx, Options{Query: "klondike AND gold"})
	if resp.Total != 1 {
		t.Errorf("AND keyword: total = %d, want 1", resp.Total)
	}

	// A token missing from every document matches nothing.
	resp, _ = ix.Search(ctx, Options{Query: "klondike zeppelin"})
	if resp.Total != 0 {
		t.Errorf("total = %d, want 0", resp.Total)
	}
}

func TestSearchOrAndPhrases(t *testing.T) {
	ix := newTestIndex(t)
	seedIndex(t, ix)
	ctx := context.Background()

	resp, err := ix.Search(ctx, Options{Query: "klondike OR railway"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("OR total = %d, want 2", resp.Total)
	}

	resp, _ = ix.Search(ctx, Options{Query: `"gold arrives"`})
	if resp.Total != 1 || resp.Results[0].SourceID != "page-1" {
		t.Fatalf("phrase match = %+v, want page-1 only", resp.Results)
	}

	// Same words, different order: not a phrase match.
	resp, _ = ix.Search(ctx, Options{Query: `"arrives gold"`})
	if resp.Total != 0 {
		t.Errorf("reversed phrase total = %d, want 0", resp.Total)
	}
}

func TestSearchFuzzyRanksBelowExact(t *testing.T) {
	ix := newTestIndex(t)
	seedIndex(t, ix)
	ctx := context.Background()

	// Without fuzzy only the exact spelling matches.
	resp, err := ix.Search(ctx, Options{Query: "klondike"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("exact total = %d, want 1", resp.Total)
	}

	// With fuzzy the Klondyke variant matches too, ranked after.
	resp, err = ix.Search(ctx, Options{Query: "klondike", Fuzzy: true})
	if err != nil {
		t.Fatalf("fuzzy Search: %v", err)
	}
	if resp.Total != 2 {
		t.Fatalf("fuzzy total = %d, want 2", resp.Total)
	}
	if resp.Results[0].SourceID != "page-1" || resp.Results[0].Fuzzy {
		t.Errorf("first result = %+v, want exact page-1", resp.Results[0])
	}
	if resp.Results[1].SourceID != "event-1" || !resp.Results[1].Fuzzy {
		t.Errorf("second result = %+v, want fuzzy event-1", resp.Results[1])
	}

	// A strict threshold excludes the variant again.
	resp, _ = ix.Search(ctx, Options{Query: "klondike", Fuzzy: true, FuzzyThreshold: 95})
	if resp.Total != 1 {
		t.Errorf("strict fuzzy total = %d, want 1", resp.Total)
	}
}

func TestSearchFiltersAndFacets(t *testing.T) {
	ix := newTestIndex(t)
	seedIndex(t, ix)
	ctx := context.Background()

	resp, err := ix.Search(ctx, Options{Query: "gold", Source: SourceMain})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Total != 1 || resp.Results[0].SourceID != "event-1" {
		t.Errorf("source filter results = %+v", resp.Results)
	}

	resp, _ = ix.Search(ctx, Options{
		Query:     "",
		DateStart: "1897-01-01",
		DateEnd:   "1897-12-31",
	})
	if resp.Total != 2 {
		t.Errorf("date range total = %d, want 2", resp.Total)
	}

	resp, _ = ix.Search(ctx, Options{
		Query:   "",
		Filters: map[string]string{"state": "Washington"},
		Facets:  []string{"kind"},
	})
	if resp.Total != 2 {
		t.Fatalf("facet filter total = %d, want 2", resp.Total)
	}
	if resp.Facets["kind"]["page"] != 1 || resp.Facets["kind"]["segment"] != 1 {
		t.Errorf("facet counts = %v", resp.Facets)
	}
}

func TestSearchSnippetHighlighting(t *testing.T) {
	ix := newTestIndex(t)
	seedIndex(t, ix)

	resp, err := ix.Search(context.Background(), Options{Query: "steamer"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.Total != 1 {
		t.Fatalf("total = %d, want 1", resp.Total)
	}
	if !strings.Contains(resp.Results[0].Snippet, "[[steamer]]") {
		t.Errorf("snippet = %q, want [[steamer]] highlighted", resp.Results[0].Snippet)
	}
}

func TestReindexReplacesSource(t *testing.T) {
	ix := newTestIndex(t)
	seedIndex(t, ix)
	ctx := context.Background()

	n, err := ix.Reindex(ctx, SourceRepository, []Entry{
		{SourceID: "page-9", Body: "entirely new corpus"},
	})
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if n != 1 {
		t.Errorf("reindexed %d, want 1", n)
	}

	counts, _ := ix.DocumentCount(ctx)
	if counts[SourceRepository] != 1 {
		t.Errorf("repository count = %d, want 1 after rebuild", counts[SourceRepository])
	}
	if counts[SourceMain] != 1 {
		t.Errorf("main count = %d, want 1 (other source untouched)", counts[SourceMain])
	}

	resp, _ := ix.Search(ctx, Options{Query: "railway"})
	if resp.Total != 0 {
		t.Errorf("old repository documents still searchable")
	}
}

func TestDeleteDocument(t *testing.T) {
	ix := newTestIndex(t)
	seedIndex(t, ix)
	ctx := context.Background()

	if err := ix.DeleteDocument(ctx, SourceRepository, "page-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	resp, _ := ix.Search(ctx, Options{Query: "klondike"})
	if resp.Total != 0 {
		t.Errorf("deleted document still matches")
	}

	// Deleting again is a no-op.
	if err := ix.DeleteDocument(ctx, SourceRepository, "page-1"); err != nil {
		t.Errorf("repeat delete: %v", err)
	}
}

func TestSimilarity(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"klondike", "klondike", 100},
		{"klondike", "klondyke", 87},
		{"gold", "bold", 75},
		{"gold", "", 0},
		{"abc", "xyz", 0},
	}
	for _, tc := range cases {
		if got := Similarity(tc.a, tc.b); got != tc.want {
			t.Errorf("Similarity(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestParseQuery(t *testing.T) {
	clauses := parseQuery(`klondike gold OR "new spur line" railway`)
	if len(clauses) != 2 {
		t.Fatalf("got %d clauses, want 2", len(clauses))
	}
	if len(clauses[0].terms) != 2 {
		t.Errorf("first clause has %d terms, want 2", len(clauses[0].terms))
	}
	if len(clauses[1].terms) != 2 {
		t.Fatalf("second clause has %d terms, want 2", len(clauses[1].terms))
	}
	if !clauses[1].terms[0].phrase || clauses[1].terms[0].text != "new spur line" {
		t.Errorf("phrase term = %+v", clauses[1].terms[0])
	}

	if got := parseQuery("   "); got != nil {
		t.Errorf("blank query parsed to %+v", got)
	}
}
