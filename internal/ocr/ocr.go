// Package ocr wraps an external OCR tool behind a narrow interface and
// turns its HOCR output into classified page segments. The interface is
// synchronous; the pipeline provides concurrency.
package ocr

import (
	"context"

	"github.com/jackzampolin/broadsheet/internal/repo"
)

// Result is the output of running OCR over one page image.
type Result struct {
	Text       string  `json:"text"`
	HOCR       string  `json:"hocr"`
	Confidence float64 `json:"confidence"` // mean word confidence in [0,1]
}

// Engine runs OCR and layout analysis.
type Engine interface {
	// RunOCR extracts plain text and HOCR from a page image.
	RunOCR(ctx context.Context, image []byte, language string) (*Result, error)

	// AnalyzeLayout derives classified segments from HOCR output. The
	// returned segments have no IDs or page association; the caller sets
	// those before storing.
	AnalyzeLayout(ctx context.Context, hocr []byte, image []byte) ([]repo.Segment, error)
}

// Options tune layout analysis.
type Options struct {
	// MinSegmentSide drops segments whose shorter bbox side is below this
	// many pixels. Default 100.
	MinSegmentSide int

	// MinConfidence drops segments below this mean word confidence.
	// Default 0.5.
	MinConfidence float64
}

// DefaultOptions returns the standard layout-analysis filters.
func DefaultOptions() Options {
	return Options{
		MinSegmentSide: 100,
		MinConfidence:  0.5,
	}
}

func (o Options) withDefaults() Options {
	if o.MinSegmentSide <= 0 {
		o.MinSegmentSide = 100
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = 0.5
	}
	return o
}
