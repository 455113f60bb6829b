package ocr

import (
	"context"
	"strings"
	"testing"

	"github.com/jackzampolin/broadsheet/internal/repo"
)

const sampleHOCR = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
 <body>
  <div class="ocr_page" id="page_1" title="image page.jp2; bbox 0 0 2000 3000; ppageno 0">
   <div class="ocr_carea" id="block_1" title="bbox 100 100 1900 300">
    <span class="ocr_line" title="bbox 100 100 1900 300">
     <span class="ocrx_word" title="bbox 100 100 700 300; x_wconf 95">KLONDIKE</span>
     <span class="ocrx_word" title="bbox 750 100 1500 300; x_wconf 91">GOLD</span>
    </span>
   </div>
   <div class="ocr_carea" id="block_2" title="bbox 100 400 1900 1000">
    <span class="ocr_line" title="bbox 100 400 1900 480">
     <span class="ocrx_word" title="bbox 100 400 400 480; x_wconf 88">Steamer</span>
     <span class="ocrx_word" title="bbox 420 400 760 480; x_wconf 90">Portland</span>
     <span class="ocrx_word" title="bbox 780 400 1100 480; x_wconf 85">arrives</span>
    </span>
    <span class="ocr_line" title="bbox 100 500 1900 580">
     <span class="ocrx_word" title="bbox 100 500 400 580; x_wconf 87">with</span>
     <span class="ocrx_word" title="bbox 420 500 760 580; x_wconf 89">treasure</span>
    </span>
   </div>
   <div class="ocr_carea" id="block_3" title="bbox 100 1200 900 2200">
   </div>
  </div>
 </body>
</html>`

func TestParseHOCR(t *testing.T) {
	page, err := ParseHOCR([]byte(sampleHOCR))
	if err != nil {
		t.Fatalf("ParseHOCR: %v", err)
	}
	if page.Width != 2000 || page.Height != 3000 {
		t.Errorf("page dims = %dx%d, want 2000x3000", page.Width, page.Height)
	}
	if len(page.Blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(page.Blocks))
	}

	head := page.Blocks[0]
	if len(head.Lines) != 1 || len(head.Lines[0].Words) != 2 {
		t.Fatalf("headline block shape wrong: %+v", head)
	}
	w := head.Lines[0].Words[0]
	if w.Text != "KLONDIKE" {
		t.Errorf("word text = %q", w.Text)
	}
	if w.Confidence != 0.95 {
		t.Errorf("word confidence = %v, want 0.95", w.Confidence)
	}
	want := repo.BBox{X: 100, Y: 100, W: 600, H: 200}
	if w.BBox != want {
		t.Errorf("word bbox = %+v, want %+v", w.BBox, want)
	}

	if len(page.Blocks[2].Lines) != 0 {
		t.Errorf("empty block should carry no lines, got %d", len(page.Blocks[2].Lines))
	}

	text := page.Text()
	if !strings.Contains(text, "KLONDIKE GOLD") {
		t.Errorf("Text() missing headline: %q", text)
	}
	if !strings.Contains(text, "Steamer Portland arrives") {
		t.Errorf("Text() missing body line: %q", text)
	}

	mean := page.MeanConfidence()
	if mean < 0.85 || mean > 0.95 {
		t.Errorf("mean confidence = %v, want within [0.85, 0.95]", mean)
	}
}

func TestParseHOCRRejectsBadInput(t *testing.T) {
	if _, err := ParseHOCR([]byte(`<html><body><p>no ocr markup</p></body></html>`)); err == nil {
		t.Error("expected error for document without ocr_page")
	}
}

func TestSegmentsFromHOCRClassification(t *testing.T) {
	page, err := ParseHOCR([]byte(sampleHOCR))
	if err != nil {
		t.Fatalf("ParseHOCR: %v", err)
	}
	segments := SegmentsFromHOCR(page, DefaultOptions())
	if len(segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(segments))
	}

	if segments[0].Kind != repo.SegmentKindHeadline {
		t.Errorf("block 1 kind = %s, want headline", segments[0].Kind)
	}
	if segments[0].Text != "KLONDIKE GOLD" {
		t.Errorf("headline text = %q", segments[0].Text)
	}
	if segments[1].Kind != repo.SegmentKindArticle {
		t.Errorf("block 2 kind = %s, want article", segments[1].Kind)
	}
	if segments[2].Kind != repo.SegmentKindImage {
		t.Errorf("block 3 kind = %s, want image", segments[2].Kind)
	}

	for i, seg := range segments {
		if seg.Confidence < 0 || seg.Confidence > 1 {
			t.Errorf("segment %d confidence %v out of range", i, seg.Confidence)
		}
	}
}

func TestSegmentsFromHOCRFilters(t *testing.T) {
	hocr := `<html><body>
	 <div class="ocr_page" title="bbox 0 0 2000 3000">
	  <div class="ocr_carea" title="bbox 0 0 60 60">
	   <span class="ocr_line" title="bbox 0 0 60 60">
	    <span class="ocrx_word" title="bbox 0 0 60 60; x_wconf 99">tiny</span>
	   </span>
	  </div>
	  <div class="ocr_carea" title="bbox 0 100 500 600">
	   <span class="ocr_line" title="bbox 0 100 500 180">
	    <span class="ocrx_word" title="bbox 0 100 200 180; x_wconf 20">garbled</span>
	   </span>
	  </div>
	  <div class="ocr_carea" title="bbox 0 700 500 1200">
	   <span class="ocr_line" title="bbox 0 700 500 780">
	    <span class="ocrx_word" title="bbox 0 700 200 780; x_wconf 90">keeper</span>
	   </span>
	  </div>
	 </div>
	</body></html>`

	page, err := ParseHOCR([]byte(hocr))
	if err != nil {
		t.Fatalf("ParseHOCR: %v", err)
	}
	segments := SegmentsFromHOCR(page, DefaultOptions())
	if len(segments) != 1 {
		t.Fatalf("got %d segments, want 1 (size and confidence filters)", len(segments))
	}
	if segments[0].Text != "keeper" {
		t.Errorf("surviving segment text = %q, want keeper", segments[0].Text)
	}
}

func TestMockEngineDeterministic(t *testing.T) {
	m := &Mock{}
	ctx := context.Background()

	a1, err := m.RunOCR(ctx, []byte("image-a"), "eng")
	if err != nil {
		t.Fatalf("RunOCR: %v", err)
	}
	a2, err := m.RunOCR(ctx, []byte("image-a"), "eng")
	if err != nil {
		t.Fatalf("RunOCR: %v", err)
	}
	if a1.Text != a2.Text || a1.HOCR != a2.HOCR {
		t.Error("mock output not deterministic for identical input")
	}

	b, err := m.RunOCR(ctx, []byte("image-b"), "eng")
	if err != nil {
		t.Fatalf("RunOCR: %v", err)
	}
	if b.Text == a1.Text {
		t.Error("mock output identical for different inputs")
	}

	segments, err := m.AnalyzeLayout(ctx, []byte(a1.HOCR), nil)
	if err != nil {
		t.Fatalf("AnalyzeLayout: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(segments))
	}
	if segments[0].Kind != repo.SegmentKindHeadline || segments[1].Kind != repo.SegmentKindArticle {
		t.Errorf("kinds = %s, %s", segments[0].Kind, segments[1].Kind)
	}
}
