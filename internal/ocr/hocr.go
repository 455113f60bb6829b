package ocr

import (
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/repo"
)

// HOCRWord is one recognized word with its box and confidence.
type HOCRWord struct {
	Text       string
	BBox       repo.BBox
	Confidence float64 // 0..1
}

// HOCRLine is one text line.
type HOCRLine struct {
	BBox  repo.BBox
	Words []HOCRWord
}

// HOCRBlock is one content area (ocr_carea) on the page.
type HOCRBlock struct {
	BBox  repo.BBox
	Lines []HOCRLine
}

// HOCRPage is a parsed HOCR document for a single page.
type HOCRPage struct {
	Width  int
	Height int
	Blocks []HOCRBlock
}

// Text joins all words in reading order.
func (p *HOCRPage) Text() string {
	var sb strings.Builder
	for _, block := range p.Blocks {
		for _, line := range block.Lines {
			for i, w := range line.Words {
				if i > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(w.Text)
			}
			sb.WriteByte('\n')
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}

// MeanConfidence averages word confidence over the whole page.
func (p *HOCRPage) MeanConfidence() float64 {
	sum, n := 0.0, 0
	for _, block := range p.Blocks {
		for _, line := range block.Lines {
			for _, w := range line.Words {
				sum += w.Confidence
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ParseHOCR decodes an HOCR (XHTML) document. Elements are recognized by
// their class attribute: ocr_page, ocr_carea, ocr_line, ocrx_word. Unknown
// markup is skipped.
func ParseHOCR(data []byte) (*HOCRPage, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity

	page := &HOCRPage{}
	var (
		block   *HOCRBlock
		line    *HOCRLine
		word    *HOCRWord
		sawPage bool
	)

	flushWord := func() {
		if word != nil && line != nil && word.Text != "" {
			line.Words = append(line.Words, *word)
		}
		word = nil
	}
	flushLine := func() {
		flushWord()
		if line != nil && block != nil && len(line.Words) > 0 {
			block.Lines = append(block.Lines, *line)
		}
		line = nil
	}
	flushBlock := func() {
		flushLine()
		if block != nil {
			page.Blocks = append(page.Blocks, *block)
		}
		block = nil
	}

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errkind.New(errkind.CorruptData, "malformed HOCR: %v", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			class := attr(t, "class")
			title := attr(t, "title")
			switch {
			case strings.Contains(class, "ocr_page"):
				sawPage = true
				if box, ok := parseTitleBBox(title); ok {
					page.Width = box.X + box.W
					page.Height = box.Y + box.H
				}
			case strings.Contains(class, "ocr_carea"):
				flushBlock()
				b := HOCRBlock{}
				b.BBox, _ = parseTitleBBox(title)
				block = &b
			case strings.Contains(class, "ocr_line") || strings.Contains(class, "ocr_header"):
				flushLine()
				l := HOCRLine{}
				l.BBox, _ = parseTitleBBox(title)
				line = &l
			case strings.Contains(class, "ocrx_word"):
				flushWord()
				w := HOCRWord{Confidence: 1}
				w.BBox, _ = parseTitleBBox(title)
				if conf, ok := parseTitleConf(title); ok {
					w.Confidence = conf
				}
				word = &w
			}
		case xml.CharData:
			if word != nil {
				word.Text += strings.TrimSpace(string(t))
			}
		}
	}
	flushBlock()

	if !sawPage {
		return nil, errkind.New(errkind.CorruptData, "HOCR has no ocr_page element")
	}
	return page, nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// parseTitleBBox reads "bbox x0 y0 x1 y1" from an hOCR title attribute.
func parseTitleBBox(title string) (repo.BBox, bool) {
	for _, field := range strings.Split(title, ";") {
		parts := strings.Fields(strings.TrimSpace(field))
		if len(parts) != 5 || parts[0] != "bbox" {
			continue
		}
		nums := make([]int, 4)
		ok := true
		for i, p := range parts[1:] {
			n, err := strconv.Atoi(p)
			if err != nil {
				ok = false
				break
			}
			nums[i] = n
		}
		if !ok || nums[2] < nums[0] || nums[3] < nums[1] {
			continue
		}
		return repo.BBox{X: nums[0], Y: nums[1], W: nums[2] - nums[0], H: nums[3] - nums[1]}, true
	}
	return repo.BBox{}, false
}

// parseTitleConf reads "x_wconf N" (0..100) from an hOCR title attribute.
func parseTitleConf(title string) (float64, bool) {
	for _, field := range strings.Split(title, ";") {
		parts := strings.Fields(strings.TrimSpace(field))
		if len(parts) != 2 || parts[0] != "x_wconf" {
			continue
		}
		n, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		return n / 100.0, true
	}
	return 0, false
}
