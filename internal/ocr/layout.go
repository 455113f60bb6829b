package ocr

import (
	"sort"
	"strings"

	"github.com/jackzampolin/broadsheet/internal/repo"
)

// headlineHeightRatio marks a block as a headline when its mean word height
// exceeds the page median by this factor.
const headlineHeightRatio = 1.6

// headlineMaxLines caps how many lines a headline block may have.
const headlineMaxLines = 2

// SegmentsFromHOCR classifies the content areas of a parsed HOCR page into
// segments. Blocks without words become image segments; short blocks set in
// noticeably larger type than the page median become headlines; everything
// else is article body. Segments smaller than opts.MinSegmentSide on their
// shorter side or below opts.MinConfidence are dropped.
func SegmentsFromHOCR(page *HOCRPage, opts Options) []repo.Segment {
	opts = opts.withDefaults()
	median := medianWordHeight(page)

	var segments []repo.Segment
	for _, block := range page.Blocks {
		seg := classifyBlock(block, median)

		if min(seg.BBox.W, seg.BBox.H) < opts.MinSegmentSide {
			continue
		}
		if seg.Confidence < opts.MinConfidence {
			continue
		}
		segments = append(segments, seg)
	}
	return segments
}

func classifyBlock(block HOCRBlock, medianHeight float64) repo.Segment {
	var (
		words              int
		sb                 strings.Builder
		confSum, heightSum float64
	)
	for _, line := range block.Lines {
		for i, w := range line.Words {
			if i > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(w.Text)
			confSum += w.Confidence
			heightSum += float64(w.BBox.H)
			words++
		}
		sb.WriteByte('\n')
	}

	if words == 0 {
		// A content area without recognized words is treated as an
		// illustration. There is no word evidence to score, so only the
		// size filter applies.
		return repo.Segment{
			Kind:       repo.SegmentKindImage,
			BBox:       block.BBox,
			Confidence: 1,
		}
	}

	seg := repo.Segment{
		Kind:       repo.SegmentKindArticle,
		BBox:       block.BBox,
		Text:       strings.TrimRight(sb.String(), "\n"),
		Confidence: confSum / float64(words),
	}

	meanHeight := heightSum / float64(words)
	if medianHeight > 0 && meanHeight >= headlineHeightRatio*medianHeight &&
		len(block.Lines) <= headlineMaxLines {
		seg.Kind = repo.SegmentKindHeadline
	}
	return seg
}

func medianWordHeight(page *HOCRPage) float64 {
	var heights []int
	for _, block := range page.Blocks {
		for _, line := range block.Lines {
			for _, w := range line.Words {
				heights = append(heights, w.BBox.H)
			}
		}
	}
	if len(heights) == 0 {
		return 0
	}
	sort.Ints(heights)
	mid := len(heights) / 2
	if len(heights)%2 == 0 {
		return float64(heights[mid-1]+heights[mid]) / 2
	}
	return float64(heights[mid])
}
