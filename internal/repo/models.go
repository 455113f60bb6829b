package repo

import (
	"time"
)

// PageStatus is the processing state of a newspaper page.
// Transitions are monotonic (new -> queued -> processing -> ocr_done ->
// segmented) except failed, which may be re-queued back to queued.
type PageStatus string

const (
	PageStatusNew        PageStatus = "new"
	PageStatusQueued     PageStatus = "queued"
	PageStatusProcessing PageStatus = "processing"
	PageStatusOCRDone    PageStatus = "ocr_done"
	PageStatusSegmented  PageStatus = "segmented"
	PageStatusFailed     PageStatus = "failed"
)

// pageStatusRank orders the monotonic statuses. failed sits outside the order.
var pageStatusRank = map[PageStatus]int{
	PageStatusNew:        0,
	PageStatusQueued:     1,
	PageStatusProcessing: 2,
	PageStatusOCRDone:    3,
	PageStatusSegmented:  4,
}

// CanTransition reports whether a page status change is legal.
func CanTransition(from, to PageStatus) bool {
	if from == to {
		return true
	}
	if to == PageStatusFailed {
		return true
	}
	if from == PageStatusFailed {
		return to == PageStatusQueued
	}
	fromRank, ok1 := pageStatusRank[from]
	toRank, ok2 := pageStatusRank[to]
	return ok1 && ok2 && toRank > fromRank
}

// SegmentStatus is the review state of an article segment.
type SegmentStatus string

const (
	SegmentStatusDraft    SegmentStatus = "draft"
	SegmentStatusReviewed SegmentStatus = "reviewed"
	SegmentStatusPromoted SegmentStatus = "promoted"
)

// SegmentKind classifies a page region.
type SegmentKind string

const (
	SegmentKindArticle  SegmentKind = "article"
	SegmentKindHeadline SegmentKind = "headline"
	SegmentKindImage    SegmentKind = "image"
)

// Publication is a newspaper title known to the repository,
// identified by its Library of Congress control number.
type Publication struct {
	LCCN           string    `json:"lccn"`
	Title          string    `json:"title"`
	Place          string    `json:"place"`
	FirstIssueDate string    `json:"first_issue_date,omitempty"` // ISO date
	LastIssueDate  string    `json:"last_issue_date,omitempty"`  // ISO date
	CreatedAt      time.Time `json:"created_at"`
}

// Page is an original newspaper page held in the repository.
type Page struct {
	ID           string         `json:"page_id"`
	LCCN         string         `json:"publication_id"`
	IssueDate    string         `json:"issue_date"` // ISO date (yyyy-mm-dd)
	Sequence     int            `json:"sequence"`   // 1-based page number within issue
	SourceSystem string         `json:"source_system"`
	ImagePath    string         `json:"image_path"`
	ImageWidth   int            `json:"image_width"`
	ImageHeight  int            `json:"image_height"`
	OCRTextPath  string         `json:"ocr_text_path,omitempty"`
	HOCRPath     string         `json:"hocr_path,omitempty"`
	OCRText      string         `json:"-"` // index copy of OCR text, loaded on demand
	Status       PageStatus     `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// BBox is a rectangle in page-image pixel coordinates.
type BBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Inside reports whether the box lies fully within a width x height image.
func (b BBox) Inside(width, height int) bool {
	return b.X >= 0 && b.Y >= 0 && b.W > 0 && b.H > 0 &&
		b.X+b.W <= width && b.Y+b.H <= height
}

// Segment is a classified region of a page.
type Segment struct {
	ID         string        `json:"segment_id"`
	PageID     string        `json:"page_id"`
	Kind       SegmentKind   `json:"kind"`
	BBox       BBox          `json:"bbox"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	ClipPath   string        `json:"clip_path,omitempty"`
	Status     SegmentStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Article is a composition of segments from the same page.
type Article struct {
	ID         string         `json:"article_id"`
	PageID     string         `json:"page_id"`
	SegmentIDs []string       `json:"segment_ids"`
	Title      string         `json:"title"`
	Text       string         `json:"text"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// PageFilter selects pages for SearchPages.
type PageFilter struct {
	LCCN      string
	DateStart string // ISO date, inclusive
	DateEnd   string // ISO date, inclusive
	Status    PageStatus
	FreeText  string // matched against indexed OCR text
	Limit     int
	Offset    int
}

// StatusCount is a per-status page tally for a publication.
type StatusCount struct {
	Status PageStatus `json:"status"`
	Count  int        `json:"count"`
}

// ISODate is the date layout used in the index and on disk.
const ISODate = "2006-01-02"
