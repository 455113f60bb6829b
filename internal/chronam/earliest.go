package chronam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

// EarliestResolver finds the earliest issue date the archive knows for a
// publication. Strategies run in order until one succeeds:
//
//  1. local cache (in-memory, persisted to disk when a cache path is set)
//  2. bundled dataset of well-known publications
//  3. the archive's per-publication JSON endpoint (/lccn/<lccn>.json)
//  4. HTML scrape of the publication's issue listing page
//
// Each strategy is a small pure function over fetched bytes so it can be
// tested in isolation.
type EarliestResolver struct {
	mu        sync.Mutex
	cache     map[string]string
	cachePath string
	client    *Client
	logger    *slog.Logger
}

// NewEarliestResolver creates a resolver. cachePath may be empty for an
// in-memory-only cache.
func NewEarliestResolver(client *Client, cachePath string, logger *slog.Logger) *EarliestResolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &EarliestResolver{
		cache:     make(map[string]string),
		cachePath: cachePath,
		client:    client,
		logger:    logger.With("component", "chronam.earliest"),
	}
	r.loadCache()
	return r
}

// Resolve returns the earliest issue date (ISO) for lccn and the name of
// the strategy that produced it.
func (r *EarliestResolver) Resolve(ctx context.Context, lccn string) (string, string, error) {
	if !ValidLCCN(lccn) {
		return "", "", errkind.New(errkind.Validation, "invalid LCCN %q", lccn)
	}

	r.mu.Lock()
	if d, ok := r.cache[lccn]; ok {
		r.mu.Unlock()
		return d, "cache", nil
	}
	r.mu.Unlock()

	if d, ok := WellKnownEarliestDate(lccn); ok {
		r.store(lccn, d)
		return d, "dataset", nil
	}

	if d, err := r.fromJSONEndpoint(ctx, lccn); err == nil {
		r.store(lccn, d)
		return d, "json", nil
	} else {
		r.logger.Debug("json endpoint strategy failed", "lccn", lccn, "error", err)
	}

	if d, err := r.fromHTMLListing(ctx, lccn); err == nil {
		r.store(lccn, d)
		return d, "html", nil
	} else {
		r.logger.Debug("html listing strategy failed", "lccn", lccn, "error", err)
	}

	return "", "", errkind.New(errkind.NotFound, "no earliest issue date found for %s", lccn)
}

// fromJSONEndpoint fetches /lccn/<lccn>.json and returns its earliest issue.
func (r *EarliestResolver) fromJSONEndpoint(ctx context.Context, lccn string) (string, error) {
	body, _, err := r.client.get(ctx, fmt.Sprintf("%s/lccn/%s.json", r.client.baseURL, lccn))
	if err != nil {
		return "", err
	}
	return EarliestFromPublicationJSON(body)
}

// EarliestFromPublicationJSON extracts the earliest date_issued from a
// per-publication JSON document.
func EarliestFromPublicationJSON(body []byte) (string, error) {
	var doc struct {
		Issues []struct {
			DateIssued string `json:"date_issued"`
		} `json:"issues"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", errkind.New(errkind.CorruptData, "malformed publication JSON: %v", err)
	}

	earliest := ""
	for _, issue := range doc.Issues {
		if _, err := time.Parse(ISODate, issue.DateIssued); err != nil {
			continue
		}
		if earliest == "" || issue.DateIssued < earliest {
			earliest = issue.DateIssued
		}
	}
	if earliest == "" {
		return "", errkind.New(errkind.NotFound, "publication JSON lists no issues")
	}
	return earliest, nil
}

// fromHTMLListing scrapes the publication's issues page.
func (r *EarliestResolver) fromHTMLListing(ctx context.Context, lccn string) (string, error) {
	body, _, err := r.client.get(ctx, fmt.Sprintf("%s/lccn/%s/issues/", r.client.baseURL, lccn))
	if err != nil {
		return "", err
	}
	return EarliestFromIssueListingHTML(body)
}

var issueHrefPattern = regexp.MustCompile(`/(\d{4}-\d{2}-\d{2})/`)

// EarliestFromIssueListingHTML extracts the earliest issue date linked from
// an issue listing page.
func EarliestFromIssueListingHTML(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", errkind.New(errkind.CorruptData, "malformed listing HTML: %v", err)
	}

	earliest := ""
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		m := issueHrefPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		date := m[1]
		if _, err := time.Parse(ISODate, date); err != nil {
			return
		}
		if earliest == "" || date < earliest {
			earliest = date
		}
	})

	if earliest == "" {
		return "", errkind.New(errkind.NotFound, "listing page links no issues")
	}
	return earliest, nil
}

// store caches a resolved date and persists the cache when configured.
func (r *EarliestResolver) store(lccn, date string) {
	r.mu.Lock()
	r.cache[lccn] = date
	snapshot := make(map[string]string, len(r.cache))
	for k, v := range r.cache {
		snapshot[k] = v
	}
	path := r.cachePath
	r.mu.Unlock()

	if path == "" {
		return
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.logger.Warn("failed to create cache directory", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.Warn("failed to persist earliest-date cache", "error", err)
	}
}

func (r *EarliestResolver) loadCache() {
	if r.cachePath == "" {
		return
	}
	data, err := os.ReadFile(r.cachePath)
	if err != nil {
		return
	}
	var cached map[string]string
	if err := json.Unmarshal(data, &cached); err != nil {
		return
	}
	r.mu.Lock()
	for k, v := range cached {
		r.cache[k] = v
	}
	r.mu.Unlock()
}
