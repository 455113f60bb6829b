package ocr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jackzampolin/broadsheet/internal/repo"
)

// Mock is a deterministic in-process engine for tests. Output is derived
// from a hash of the image bytes so the same input always produces the
// same text, and different inputs differ.
type Mock struct {
	// Err, when set, is returned by every call.
	Err error

	// Opts are the layout filters; zero value uses the defaults.
	Opts Options
}

// RunOCR implements Engine.
func (m *Mock) RunOCR(_ context.Context, image []byte, language string) (*Result, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	digest := sha256.Sum256(image)
	stamp := hex.EncodeToString(digest[:6])
	text := fmt.Sprintf("MOCK HEADLINE %s\nMock body text for input %s in language %s.\n",
		stamp, stamp, language)
	return &Result{
		Text:       text,
		HOCR:       mockHOCR(stamp),
		Confidence: 0.93,
	}, nil
}

// AnalyzeLayout implements Engine.
func (m *Mock) AnalyzeLayout(_ context.Context, hocr []byte, _ []byte) ([]repo.Segment, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	page, err := ParseHOCR(hocr)
	if err != nil {
		return nil, err
	}
	return SegmentsFromHOCR(page, m.Opts), nil
}

// mockHOCR builds a two-block page: a large-type headline and a body
// paragraph, both comfortably above the default layout filters.
func mockHOCR(stamp string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
 <body>
  <div class="ocr_page" title="bbox 0 0 2000 3000">
   <div class="ocr_carea" title="bbox 100 100 1900 300">
    <span class="ocr_line" title="bbox 100 100 1900 300">
     <span class="ocrx_word" title="bbox 100 100 700 300; x_wconf 95">MOCK</span>
     <span class="ocrx_word" title="bbox 750 100 1500 300; x_wconf 95">HEADLINE</span>
     <span class="ocrx_word" title="bbox 1550 100 1900 300; x_wconf 90">%s</span>
    </span>
   </div>
   <div class="ocr_carea" title="bbox 100 400 1900 2800">
    <span class="ocr_line" title="bbox 100 400 1900 480">
     <span class="ocrx_word" title="bbox 100 400 400 480; x_wconf 92">Mock</span>
     <span class="ocrx_word" title="bbox 420 400 700 480; x_wconf 92">body</span>
     <span class="ocrx_word" title="bbox 720 400 1000 480; x_wconf 92">text</span>
    </span>
    <span class="ocr_line" title="bbox 100 500 1900 580">
     <span class="ocrx_word" title="bbox 100 500 400 580; x_wconf 93">for</span>
     <span class="ocrx_word" title="bbox 420 500 700 580; x_wconf 93">input</span>
     <span class="ocrx_word" title="bbox 720 500 1200 580; x_wconf 93">%s</span>
    </span>
   </div>
  </div>
 </body>
</html>`, stamp, stamp)
}
