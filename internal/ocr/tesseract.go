package ocr

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/repo"
)

// Tesseract runs the tesseract command-line tool. Each invocation writes
// the page image to a scratch directory, runs one pass producing both txt
// and hocr output, and reads the artifacts back.
type Tesseract struct {
	binary string
	opts   Options
	logger *slog.Logger
}

// NewTesseract creates the command-line engine. binary may be empty to use
// "tesseract" from PATH.
func NewTesseract(binary string, opts Options, logger *slog.Logger) *Tesseract {
	if binary == "" {
		binary = "tesseract"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tesseract{
		binary: binary,
		opts:   opts.withDefaults(),
		logger: logger.With("component", "ocr.tesseract"),
	}
}

// RunOCR implements Engine.
func (t *Tesseract) RunOCR(ctx context.Context, image []byte, language string) (*Result, error) {
	if len(image) == 0 {
		return nil, errkind.New(errkind.Validation, "empty page image")
	}
	if language == "" {
		language = "eng"
	}

	dir, err := os.MkdirTemp("", "broadsheet-ocr-*")
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	defer os.RemoveAll(dir)

	imagePath := filepath.Join(dir, "page")
	if err := os.WriteFile(imagePath, image, 0o644); err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	outBase := filepath.Join(dir, "out")

	cmd := exec.CommandContext(ctx, t.binary, imagePath, outBase, "-l", language, "txt", "hocr")
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.logger.Error("tesseract failed", "error", err, "output", strings.TrimSpace(string(output)))
		// The tool rejecting the input means the image bytes are bad, not
		// that the engine is unavailable.
		return nil, errkind.New(errkind.CorruptData, "tesseract: %v", err)
	}

	text, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}
	hocr, err := os.ReadFile(outBase + ".hocr")
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, err)
	}

	parsed, err := ParseHOCR(hocr)
	if err != nil {
		return nil, err
	}

	return &Result{
		Text:       string(text),
		HOCR:       string(hocr),
		Confidence: parsed.MeanConfidence(),
	}, nil
}

// AnalyzeLayout implements Engine. The image bytes are unused: tesseract's
// HOCR already carries all geometry needed for classification.
func (t *Tesseract) AnalyzeLayout(ctx context.Context, hocr []byte, _ []byte) ([]repo.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := ParseHOCR(hocr)
	if err != nil {
		return nil, err
	}
	return SegmentsFromHOCR(page, t.opts), nil
}

// Available reports whether the tesseract binary can be found.
func (t *Tesseract) Available() bool {
	_, err := exec.LookPath(t.binary)
	return err == nil
}
