package chronam

import (
	"encoding/json"
	"time"
)

// ISODate is the calendar-date layout used throughout the client.
const ISODate = "2006-01-02"

// usDate is the MM/DD/YYYY layout the archive's advanced search requires.
const usDate = "01/02/2006"

// PageMetadata describes one newspaper page as reported by the archive.
type PageMetadata struct {
	LCCN      string `json:"lccn"`
	Title     string `json:"title"`
	IssueDate string `json:"issue_date"` // ISO date
	Edition   int    `json:"edition"`
	Sequence  int    `json:"sequence"`
	State     string `json:"state,omitempty"`
	PageURL   string `json:"page_url"` // canonical page path on the archive

	// Raw is the upstream item verbatim, kept for the provenance sidecar.
	Raw json.RawMessage `json:"-"`
}

// Pagination summarizes a search result page.
type Pagination struct {
	CurrentPage int `json:"current_page"`
	TotalPages  int `json:"total_pages"`
	TotalItems  int `json:"total_items"`
}

// DateAdjustment records an earliest-issue-date pruning of the requested range.
type DateAdjustment struct {
	Original string `json:"original"`
	Adjusted string `json:"adjusted"`
}

// SearchRequest selects pages from the archive.
type SearchRequest struct {
	Keywords  string
	LCCN      string
	State     string
	DateStart string // ISO date, inclusive
	DateEnd   string // ISO date, inclusive
	Page      int    // 1-based result page
	PageSize  int    // defaults to 20
}

// SearchResult is one page of search results.
type SearchResult struct {
	Items      []PageMetadata  `json:"items"`
	Pagination Pagination      `json:"pagination"`
	Strategy   string          `json:"strategy"` // which search strategy produced the items
	Adjustment *DateAdjustment `json:"adjustment,omitempty"`
}

// Format identifies a downloadable artifact for a page.
type Format string

const (
	FormatPDF     Format = "pdf"
	FormatJP2     Format = "jp2"
	FormatOCRText Format = "ocr_text"
	FormatJSON    Format = "json"
)

// DownloadedFile is one fetched artifact.
type DownloadedFile struct {
	Format      Format `json:"format"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Bytes       []byte `json:"-"`
}

// Manifest is the result of downloading a page's artifacts.
type Manifest struct {
	Page       PageMetadata              `json:"page"`
	Files      map[Format]DownloadedFile `json:"files"`
	FetchedAt  time.Time                 `json:"fetched_at"`
	TotalBytes int                       `json:"total_bytes"`
}
