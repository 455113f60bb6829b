package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/ocr"
	"github.com/jackzampolin/broadsheet/internal/queue"
	"github.com/jackzampolin/broadsheet/internal/repo"
)

// Indexer is the slice of the search index the pipeline needs.
type Indexer interface {
	Reindex(ctx context.Context, source string) (int, error)
}

// Promoter is the slice of the cross-database connector the pipeline needs.
type Promoter interface {
	Promote(ctx context.Context, segmentID string, overrides map[string]string) (string, error)
}

// Exporter runs export and import jobs against the repository.
type Exporter interface {
	Export(ctx context.Context, format, destination string) (int, error)
	Import(ctx context.Context, source, mappingPath string) (int, error)
}

// EntityExtractor derives named entities from page text.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, pageID string) (int, error)
}

// Deps are the services the standard handlers operate on. Nil fields leave
// the corresponding operations unregistered.
type Deps struct {
	Store     *repo.Store
	Engine    ocr.Engine
	Language  string // OCR language hint, default eng
	Indexer   Indexer
	Promoter  Promoter
	Exporter  Exporter
	Extractor EntityExtractor
	Logger    *slog.Logger
}

// RegisterStandardHandlers wires the built-in operation handlers into the
// service.
func (s *Service) RegisterStandardHandlers(d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Language == "" {
		d.Language = "eng"
	}

	if d.Store != nil && d.Engine != nil {
		s.Register(queue.OpOCR, ocrHandler(d))
		s.Register(queue.OpSegment, segmentHandler(d))
	}
	if d.Indexer != nil {
		s.Register(queue.OpReindex, reindexHandler(d))
	}
	if d.Promoter != nil {
		s.Register(queue.OpPromote, promoteHandler(d))
	}
	if d.Exporter != nil {
		s.Register(queue.OpExport, exportHandler(d))
		s.Register(queue.OpImport, importHandler(d))
	}
	if d.Extractor != nil {
		s.Register(queue.OpExtractEntities, extractEntitiesHandler(d))
	}
}

// ocrHandler runs OCR over the page's original image and attaches the
// artifacts to the repository.
func ocrHandler(d Deps) Handler {
	return func(ctx context.Context, task *queue.Task, report ProgressFunc) (string, error) {
		if task.PageID == "" {
			return "", errkind.New(errkind.Validation, "ocr task has no page")
		}
		page, err := d.Store.GetPage(ctx, task.PageID)
		if err != nil {
			return "", err
		}

		if page.Status == repo.PageStatusNew {
			if err := d.Store.UpdatePageStatus(ctx, page.ID, repo.PageStatusQueued); err != nil {
				return "", err
			}
		}

		image, err := os.ReadFile(page.ImagePath)
		if err != nil {
			return "", errkind.New(errkind.CorruptData, "reading page image: %v", err)
		}
		report(0.1)

		language := d.Language
		if l, ok := task.Parameters["language"].(string); ok && l != "" {
			language = l
		}

		result, err := d.Engine.RunOCR(ctx, image, language)
		if err != nil {
			return "", err
		}
		report(0.8)

		if err := d.Store.AttachOCR(ctx, page.ID, result.Text, result.HOCR); err != nil {
			return "", err
		}
		report(1)

		out, _ := json.Marshal(map[string]any{
			"chars":      len(result.Text),
			"confidence": result.Confidence,
		})
		return string(out), nil
	}
}

// segmentHandler derives classified segments from the page's HOCR.
func segmentHandler(d Deps) Handler {
	return func(ctx context.Context, task *queue.Task, report ProgressFunc) (string, error) {
		if task.PageID == "" {
			return "", errkind.New(errkind.Validation, "segment task has no page")
		}
		page, err := d.Store.GetPage(ctx, task.PageID)
		if err != nil {
			return "", err
		}
		if page.HOCRPath == "" {
			return "", errkind.New(errkind.Conflict, "page %s has no OCR output to segment", page.ID)
		}

		hocr, err := os.ReadFile(page.HOCRPath)
		if err != nil {
			return "", errkind.New(errkind.CorruptData, "reading HOCR: %v", err)
		}
		report(0.2)

		segments, err := d.Engine.AnalyzeLayout(ctx, hocr, nil)
		if err != nil {
			return "", err
		}
		report(0.6)

		inputs := make([]repo.SegmentInput, 0, len(segments))
		for _, seg := range segments {
			inputs = append(inputs, repo.SegmentInput{Segment: seg})
		}
		ids, err := d.Store.AddSegments(ctx, page.ID, inputs)
		if err != nil {
			return "", err
		}
		report(1)

		out, _ := json.Marshal(map[string]any{"segments": len(ids)})
		return string(out), nil
	}
}

func reindexHandler(d Deps) Handler {
	return func(ctx context.Context, task *queue.Task, report ProgressFunc) (string, error) {
		source, _ := task.Parameters["source"].(string)
		if source == "" {
			return "", errkind.New(errkind.Validation, "reindex task missing source parameter")
		}
		n, err := d.Indexer.Reindex(ctx, source)
		if err != nil {
			return "", err
		}
		report(1)
		return fmt.Sprintf(`{"indexed": %d}`, n), nil
	}
}

func promoteHandler(d Deps) Handler {
	return func(ctx context.Context, task *queue.Task, report ProgressFunc) (string, error) {
		segmentID, _ := task.Parameters["segment_id"].(string)
		if segmentID == "" {
			return "", errkind.New(errkind.Validation, "promote task missing segment_id parameter")
		}
		overrides := map[string]string{}
		if raw, ok := task.Parameters["overrides"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					overrides[k] = s
				}
			}
		}
		eventID, err := d.Promoter.Promote(ctx, segmentID, overrides)
		if err != nil {
			return "", err
		}
		report(1)
		out, _ := json.Marshal(map[string]string{"event_id": eventID})
		return string(out), nil
	}
}

func exportHandler(d Deps) Handler {
	return func(ctx context.Context, task *queue.Task, report ProgressFunc) (string, error) {
		format, _ := task.Parameters["format"].(string)
		destination, _ := task.Parameters["destination"].(string)
		if format == "" || destination == "" {
			return "", errkind.New(errkind.Validation, "export task missing format or destination")
		}
		n, err := d.Exporter.Export(ctx, format, destination)
		if err != nil {
			return "", err
		}
		report(1)
		return fmt.Sprintf(`{"exported": %d}`, n), nil
	}
}

func importHandler(d Deps) Handler {
	return func(ctx context.Context, task *queue.Task, report ProgressFunc) (string, error) {
		source, _ := task.Parameters["source"].(string)
		if source == "" {
			return "", errkind.New(errkind.Validation, "import task missing source")
		}
		mapping, _ := task.Parameters["mapping"].(string)
		n, err := d.Exporter.Import(ctx, source, mapping)
		if err != nil {
			return "", err
		}
		report(1)
		return fmt.Sprintf(`{"imported": %d}`, n), nil
	}
}

func extractEntitiesHandler(d Deps) Handler {
	return func(ctx context.Context, task *queue.Task, report ProgressFunc) (string, error) {
		if task.PageID == "" {
			return "", errkind.New(errkind.Validation, "extract_entities task has no page")
		}
		n, err := d.Extractor.ExtractEntities(ctx, task.PageID)
		if err != nil {
			return "", err
		}
		report(1)
		return fmt.Sprintf(`{"entities": %d}`, n), nil
	}
}
