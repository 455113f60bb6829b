package repo

import (
	"fmt"
	"path/filepath"
)

// Layout computes deterministic on-disk paths under the repository base
// directory. Paths are content-keyed by (source, lccn, issue date, sequence)
// so re-adding the same page always lands on the same file.
//
//	<base>/originals/<source>/<yyyy>/<mm>/<lccn>_<yyyy-mm-dd>_<nnnn>.<ext>
//	<base>/ocr/text/<source>/<yyyy>/<lccn>_<yyyy-mm-dd>_<nnnn>.txt
//	<base>/ocr/hocr/<source>/<yyyy>/<lccn>_<yyyy-mm-dd>_<nnnn>.hocr
//	<base>/segments/<source>/<yyyy>/<shard>/<segment_id>.<ext>
//
// Segment directories are sharded by the first two characters of the
// segment ID so no single directory grows past the 10,000-entry mark.
type Layout struct {
	base string
}

// NewLayout creates a layout rooted at base.
func NewLayout(base string) Layout {
	return Layout{base: base}
}

// Base returns the repository base directory.
func (l Layout) Base() string {
	return l.base
}

// pageStem is the shared filename stem for a page's artifacts.
func pageStem(lccn, issueDate string, sequence int) string {
	return fmt.Sprintf("%s_%s_%04d", lccn, issueDate, sequence)
}

// issueYear extracts yyyy from an ISO date string.
func issueYear(issueDate string) string {
	if len(issueDate) >= 4 {
		return issueDate[:4]
	}
	return "0000"
}

// issueMonth extracts mm from an ISO date string.
func issueMonth(issueDate string) string {
	if len(issueDate) >= 7 {
		return issueDate[5:7]
	}
	return "00"
}

// OriginalPath returns the path for a page's original image.
func (l Layout) OriginalPath(source, lccn, issueDate string, sequence int, ext string) string {
	return filepath.Join(
		l.base, "originals", source,
		issueYear(issueDate), issueMonth(issueDate),
		pageStem(lccn, issueDate, sequence)+"."+ext,
	)
}

// MetaSidecarPath returns the provenance sidecar path for an original.
func (l Layout) MetaSidecarPath(originalPath string) string {
	return originalPath + ".meta.json"
}

// OCRTextPath returns the path for a page's OCR text.
func (l Layout) OCRTextPath(source, lccn, issueDate string, sequence int) string {
	return filepath.Join(
		l.base, "ocr", "text", source, issueYear(issueDate),
		pageStem(lccn, issueDate, sequence)+".txt",
	)
}

// HOCRPath returns the path for a page's HOCR output.
func (l Layout) HOCRPath(source, lccn, issueDate string, sequence int) string {
	return filepath.Join(
		l.base, "ocr", "hocr", source, issueYear(issueDate),
		pageStem(lccn, issueDate, sequence)+".hocr",
	)
}

// segmentShard returns the two-character shard directory for a segment ID.
func segmentShard(segmentID string) string {
	if len(segmentID) >= 2 {
		return segmentID[:2]
	}
	return "00"
}

// SegmentClipPath returns the path for a segment's image clip.
func (l Layout) SegmentClipPath(source, issueDate, segmentID string) string {
	return filepath.Join(
		l.base, "segments", source, issueYear(issueDate),
		segmentShard(segmentID), segmentID+".jpg",
	)
}

// SegmentTextPath returns the path for a segment's extracted text.
func (l Layout) SegmentTextPath(source, issueDate, segmentID string) string {
	return filepath.Join(
		l.base, "segments", source, issueYear(issueDate),
		segmentShard(segmentID), segmentID+".txt",
	)
}
