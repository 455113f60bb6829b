package chronam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, server *httptest.Server, rate float64) *Client {
	t.Helper()
	return New(Config{
		BaseURL:       server.URL,
		RateLimit:     rate,
		RetryAttempts: 3,
		HTTPTimeout:   5 * time.Second,
		Logger:        testLogger(),
	})
}

func searchResultsJSON(total int, dates ...string) string {
	items := make([]map[string]any, 0, len(dates))
	for i, d := range dates {
		items = append(items, map[string]any{
			"id":       fmt.Sprintf("/lccn/sn83045604/%s/ed-1/seq-%d/", d, i+1),
			"lccn":     "sn83045604",
			"title":    "The Seattle post-intelligencer",
			"date":     strings.ReplaceAll(d, "-", ""),
			"edition":  1,
			"sequence": i + 1,
			"state":    []string{"Washington"},
		})
	}
	out, _ := json.Marshal(map[string]any{
		"totalItems":   total,
		"itemsPerPage": 20,
		"items":        items,
	})
	return string(out)
}

func TestValidLCCN(t *testing.T) {
	valid := []string{"sn83045604", "2010218500", "sn86069873"}
	for _, s := range valid {
		if !ValidLCCN(s) {
			t.Errorf("ValidLCCN(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "SN83045604", "sn83", "not-an-lccn", "sn830456041234"}
	for _, s := range invalid {
		if ValidLCCN(s) {
			t.Errorf("ValidLCCN(%q) = true, want false", s)
		}
	}
}

func TestAdvancedSearchURL(t *testing.T) {
	c := New(Config{BaseURL: "https://example.org", Logger: testLogger()})
	raw := c.AdvancedSearchURL(SearchRequest{
		LCCN:      "sn83045604",
		DateStart: "1891-04-01",
		DateEnd:   "1891-04-30",
		Page:      1,
		PageSize:  20,
	})

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing URL: %v", err)
	}
	q := u.Query()

	want := map[string]string{
		"date1":          "04/01/1891",
		"date2":          "04/30/1891",
		"dateFilterType": "range",
		"searchType":     "advanced",
		"lccn":           "sn83045604",
		"page":           "1",
		"format":         "json",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("param %s = %q, want %q", k, got, v)
		}
	}
	if q.Get("andtext") != "" {
		t.Errorf("andtext should be absent without keywords, got %q", q.Get("andtext"))
	}
}

func TestSearchAdvancedStrategy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/search/pages/results/") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, searchResultsJSON(2, "1891-04-12", "1891-04-13"))
	}))
	defer server.Close()

	c := testClient(t, server, 100)
	result, err := c.Search(context.Background(), SearchRequest{
		LCCN:      "sn83045604",
		DateStart: "1891-04-01",
		DateEnd:   "1891-04-30",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Strategy != "advanced" {
		t.Errorf("strategy = %q, want advanced", result.Strategy)
	}
	if len(result.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(result.Items))
	}
	if result.Items[0].IssueDate != "1891-04-12" {
		t.Errorf("first item date = %q, want 1891-04-12", result.Items[0].IssueDate)
	}
	if result.Pagination.TotalItems != 2 || result.Pagination.TotalPages != 1 {
		t.Errorf("pagination = %+v", result.Pagination)
	}
}

func TestSearchPrunesDateRangeToEarliestIssue(t *testing.T) {
	var sawDate1 string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/search/pages/results/") {
			sawDate1 = r.URL.Query().Get("date1")
			fmt.Fprint(w, searchResultsJSON(1, "1891-04-12"))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := testClient(t, server, 100)
	result, err := c.Search(context.Background(), SearchRequest{
		LCCN:      "sn83045604", // bundled earliest date 1888-05-11
		DateStart: "1800-01-01",
		DateEnd:   "1891-12-31",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	if result.Adjustment == nil {
		t.Fatal("expected a date adjustment")
	}
	if result.Adjustment.Original != "1800-01-01" {
		t.Errorf("adjustment original = %q, want 1800-01-01", result.Adjustment.Original)
	}
	if result.Adjustment.Adjusted != "1888-05-11" {
		t.Errorf("adjustment adjusted = %q, want 1888-05-11", result.Adjustment.Adjusted)
	}
	if sawDate1 != "05/11/1888" {
		t.Errorf("upstream date1 = %q, want 05/11/1888", sawDate1)
	}
}

func TestSearchNoAdjustmentWhenRangeStartsLater(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, searchResultsJSON(1, "1891-04-12"))
	}))
	defer server.Close()

	c := testClient(t, server, 100)
	result, err := c.Search(context.Background(), SearchRequest{
		LCCN:      "sn83045604",
		DateStart: "1891-04-01",
		DateEnd:   "1891-04-30",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Adjustment != nil {
		t.Errorf("unexpected adjustment %+v", result.Adjustment)
	}
}

func TestSearchFallsBackToPerDay(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/search/pages/results/"):
			// Advanced search yields nothing, forcing the fallback.
			fmt.Fprint(w, searchResultsJSON(0))
		case r.URL.Path == "/lccn/sn83045604/1891-04-12/ed-1.json":
			fmt.Fprint(w, `{
				"title": {"name": "The Seattle post-intelligencer"},
				"edition": 1,
				"pages": [
					{"url": "/lccn/sn83045604/1891-04-12/ed-1/seq-1.json", "sequence": 1},
					{"url": "/lccn/sn83045604/1891-04-12/ed-1/seq-2.json", "sequence": 2}
				]
			}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := testClient(t, server, 200)
	result, err := c.Search(context.Background(), SearchRequest{
		LCCN:      "sn83045604",
		DateStart: "1891-04-11",
		DateEnd:   "1891-04-13",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result.Strategy != "per_day" {
		t.Errorf("strategy = %q, want per_day", result.Strategy)
	}
	if len(result.Items) != 2 {
		t.Fatalf("got %d items, want 2", len(result.Items))
	}
	for i, item := range result.Items {
		if item.Sequence != i+1 {
			t.Errorf("item %d sequence = %d", i, item.Sequence)
		}
		if item.IssueDate != "1891-04-12" {
			t.Errorf("item %d date = %q", i, item.IssueDate)
		}
	}
}

func TestSearchRejectsBadInput(t *testing.T) {
	c := New(Config{BaseURL: "https://example.org", Logger: testLogger()})
	cases := []SearchRequest{
		{LCCN: "NOT-VALID"},
		{Keywords: "gold", DateStart: "April 1891"},
		{Keywords: "gold", DateEnd: "1891/04/30"},
	}
	for _, req := range cases {
		if _, err := c.Search(context.Background(), req); err == nil {
			t.Errorf("Search(%+v) succeeded, want validation error", req)
		}
	}
}

func TestParseSearchResponsePagination(t *testing.T) {
	body := []byte(`{"totalItems": 45, "itemsPerPage": 20, "items": []}`)
	result, err := ParseSearchResponse(body, 2, 20)
	if err != nil {
		t.Fatalf("ParseSearchResponse: %v", err)
	}
	if result.Pagination.TotalPages != 3 {
		t.Errorf("total pages = %d, want 3", result.Pagination.TotalPages)
	}
	if result.Pagination.CurrentPage != 2 {
		t.Errorf("current page = %d, want 2", result.Pagination.CurrentPage)
	}

	if _, err := ParseSearchResponse([]byte("<html>"), 1, 20); err == nil {
		t.Error("expected error for non-JSON body")
	}
}

func TestFilterDateRange(t *testing.T) {
	items := []PageMetadata{
		{IssueDate: "1891-03-31"},
		{IssueDate: "1891-04-01"},
		{IssueDate: "1891-04-30"},
		{IssueDate: "1891-05-01"},
	}
	got := FilterDateRange(items, "1891-04-01", "1891-04-30")
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
	if got[0].IssueDate != "1891-04-01" || got[1].IssueDate != "1891-04-30" {
		t.Errorf("wrong items survived: %+v", got)
	}
}

func TestEarliestIssueDateDataset(t *testing.T) {
	// Must not hit the network for a bundled publication.
	c := New(Config{BaseURL: "http://127.0.0.1:1", Logger: testLogger()})
	date, source, err := c.EarliestIssueDate(context.Background(), "sn83045604")
	if err != nil {
		t.Fatalf("EarliestIssueDate: %v", err)
	}
	if date != "1888-05-11" {
		t.Errorf("date = %q, want 1888-05-11", date)
	}
	if source != "dataset" {
		t.Errorf("source = %q, want dataset", source)
	}

	// Second resolve comes from cache.
	_, source, err = c.EarliestIssueDate(context.Background(), "sn83045604")
	if err != nil {
		t.Fatalf("second EarliestIssueDate: %v", err)
	}
	if source != "cache" {
		t.Errorf("source = %q, want cache", source)
	}
}

func TestEarliestIssueDateJSONEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/lccn/sn99999999.json" {
			fmt.Fprint(w, `{"issues": [
				{"date_issued": "1902-07-04"},
				{"date_issued": "1899-01-15"},
				{"date_issued": "1905-12-31"}
			]}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := testClient(t, server, 100)
	date, source, err := c.EarliestIssueDate(context.Background(), "sn99999999")
	if err != nil {
		t.Fatalf("EarliestIssueDate: %v", err)
	}
	if date != "1899-01-15" {
		t.Errorf("date = %q, want 1899-01-15", date)
	}
	if source != "json" {
		t.Errorf("source = %q, want json", source)
	}
}

func TestEarliestIssueDateHTMLFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/lccn/sn99999998.json":
			http.NotFound(w, r)
		case "/lccn/sn99999998/issues/":
			fmt.Fprint(w, `<html><body>
				<a href="/lccn/sn99999998/1876-11-02/ed-1/">Nov 2</a>
				<a href="/lccn/sn99999998/1874-06-19/ed-1/">Jun 19</a>
				<a href="/about/">About</a>
			</body></html>`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := testClient(t, server, 100)
	date, source, err := c.EarliestIssueDate(context.Background(), "sn99999998")
	if err != nil {
		t.Fatalf("EarliestIssueDate: %v", err)
	}
	if date != "1874-06-19" {
		t.Errorf("date = %q, want 1874-06-19", date)
	}
	if source != "html" {
		t.Errorf("source = %q, want html", source)
	}
}

func TestEarliestFromPublicationJSONEmpty(t *testing.T) {
	if _, err := EarliestFromPublicationJSON([]byte(`{"issues": []}`)); err == nil {
		t.Error("expected error for empty issue list")
	}
	if _, err := EarliestFromPublicationJSON([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestGetRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	c := testClient(t, server, 100)
	start := time.Now()
	body, _, err := c.get(context.Background(), server.URL+"/thing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("retried after %v, want at least the Retry-After of 1s", elapsed)
	}
}

func TestGetDoesNotRetry404(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := testClient(t, server, 100)
	if _, _, err := c.get(context.Background(), server.URL+"/missing"); err == nil {
		t.Fatal("expected error for 404")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestRateLimiterPacesRequests(t *testing.T) {
	l := NewRateLimiter(2)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 4; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	// One token up front, three more spaced 500ms apart at 2/s.
	if elapsed := time.Since(start); elapsed < 1400*time.Millisecond {
		t.Errorf("4 requests at 2/s took %v, want roughly 1.5s", elapsed)
	}
}

func TestRateLimiterCapsStartsPerWindow(t *testing.T) {
	l := NewRateLimiter(2)
	ctx := context.Background()

	starts := make([]time.Time, 6)
	for i := range starts {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait: %v", err)
		}
		starts[i] = time.Now()
	}

	// At 2/s, no one-second window may contain more than 2 starts.
	for i, from := range starts {
		n := 0
		for _, s := range starts {
			if !s.Before(from) && s.Sub(from) < time.Second {
				n++
			}
		}
		if n > 2 {
			t.Errorf("%d requests began within 1s of request %d, want at most 2", n, i)
		}
	}
}

func TestRateLimiterRecord429DrainsBucket(t *testing.T) {
	l := NewRateLimiter(2)
	if !l.TryConsume() {
		t.Fatal("fresh limiter should have a token")
	}
	l.Record429()
	if l.TryConsume() {
		t.Error("bucket should be empty right after a 429")
	}
	st := l.Status()
	if st.Last429Time.IsZero() {
		t.Error("Last429Time not recorded")
	}
}

func TestArtifactURL(t *testing.T) {
	c := New(Config{BaseURL: "https://example.org", Logger: testLogger()})
	page := PageMetadata{LCCN: "sn83045604", IssueDate: "1891-04-12", Edition: 1, Sequence: 3}

	cases := []struct {
		format Format
		want   string
	}{
		{FormatPDF, "https://example.org/lccn/sn83045604/1891-04-12/ed-1/seq-3.pdf"},
		{FormatJP2, "https://example.org/lccn/sn83045604/1891-04-12/ed-1/seq-3.jp2"},
		{FormatOCRText, "https://example.org/lccn/sn83045604/1891-04-12/ed-1/seq-3/ocr.txt"},
		{FormatJSON, "https://example.org/lccn/sn83045604/1891-04-12/ed-1/seq-3.json"},
	}
	for _, tc := range cases {
		got, err := c.ArtifactURL(page, tc.format)
		if err != nil {
			t.Fatalf("ArtifactURL(%s): %v", tc.format, err)
		}
		if got != tc.want {
			t.Errorf("ArtifactURL(%s) = %q, want %q", tc.format, got, tc.want)
		}
	}

	if _, err := c.ArtifactURL(page, Format("tiff")); err == nil {
		t.Error("expected error for unknown format")
	}
	if _, err := c.ArtifactURL(PageMetadata{}, FormatPDF); err == nil {
		t.Error("expected error for incomplete metadata")
	}
}

func TestDownloadPageRejectsCorruptPDF(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "this is not a pdf")
	}))
	defer server.Close()

	c := testClient(t, server, 100)
	page := PageMetadata{LCCN: "sn83045604", IssueDate: "1891-04-12", Edition: 1, Sequence: 1}
	if _, err := c.DownloadPage(context.Background(), page, []Format{FormatPDF}); err == nil {
		t.Fatal("expected error for corrupt PDF")
	}
}

func TestDownloadPageFetchesText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/ocr.txt") {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "KLONDIKE GOLD ARRIVES")
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	c := testClient(t, server, 100)
	page := PageMetadata{LCCN: "sn83045604", IssueDate: "1891-04-12", Edition: 1, Sequence: 1}
	m, err := c.DownloadPage(context.Background(), page, []Format{FormatOCRText})
	if err != nil {
		t.Fatalf("DownloadPage: %v", err)
	}
	f, ok := m.Files[FormatOCRText]
	if !ok {
		t.Fatal("manifest missing ocr_text file")
	}
	if string(f.Bytes) != "KLONDIKE GOLD ARRIVES" {
		t.Errorf("bytes = %q", f.Bytes)
	}
	if m.TotalBytes != len(f.Bytes) {
		t.Errorf("TotalBytes = %d, want %d", m.TotalBytes, len(f.Bytes))
	}
}
