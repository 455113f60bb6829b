package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/broadsheet/internal/chronam"
	"github.com/jackzampolin/broadsheet/internal/errkind"
	"github.com/jackzampolin/broadsheet/internal/queue"
	"github.com/jackzampolin/broadsheet/internal/repo"
	"github.com/jackzampolin/broadsheet/internal/svcctx"
)

var (
	downloadSource    string
	downloadLCCN      string
	downloadStartDate string
	downloadEndDate   string
	downloadKeywords  string
	downloadFormats   []string
	downloadMaxItems  int
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Search the archive and ingest matching pages",
	Long: `Search Chronicling America for pages of a publication in a date
range, download the requested artifact formats, and add each page to the
repository. Pages that arrive without OCR text are queued for local OCR.

Examples:
  broadsheet download --publication sn83045604 --start-date 1897-07-01 --end-date 1897-07-31
  broadsheet download --publication sn83045604 --start-date 1897-07-01 --end-date 1897-07-31 --keywords klondike`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if !chronam.ValidLCCN(downloadLCCN) {
			return errkind.New(errkind.Validation, "invalid LCCN %q", downloadLCCN)
		}
		if downloadSource != "chroniclingamerica" {
			return errkind.New(errkind.Validation,
				"unknown source %q: chroniclingamerica is the only supported archive", downloadSource)
		}

		formats := make([]chronam.Format, 0, len(downloadFormats))
		for _, f := range downloadFormats {
			formats = append(formats, chronam.Format(strings.TrimSpace(f)))
		}

		svcs, cleanup, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		summary := struct {
			PagesAdded  int                     `json:"pages_added"`
			Duplicates  int                     `json:"duplicates"`
			OCRQueued   int                     `json:"ocr_queued"`
			Failures    int                     `json:"failures"`
			Adjustment  *chronam.DateAdjustment `json:"date_adjustment,omitempty"`
			TotalItems  int                     `json:"total_items"`
			PagesViewed int                     `json:"pages_viewed"`
		}{}

		req := chronam.SearchRequest{
			Keywords:  downloadKeywords,
			LCCN:      downloadLCCN,
			DateStart: downloadStartDate,
			DateEnd:   downloadEndDate,
			Page:      1,
			PageSize:  50,
		}
		for {
			result, err := svcs.Archive.Search(ctx, req)
			if err != nil {
				return err
			}
			if result.Adjustment != nil {
				summary.Adjustment = result.Adjustment
			}
			summary.TotalItems = result.Pagination.TotalItems
			summary.PagesViewed++

			for _, item := range result.Items {
				if downloadMaxItems > 0 && summary.PagesAdded >= downloadMaxItems {
					break
				}
				added, queued, err := ingestPage(ctx, svcs, item, formats, downloadSource)
				switch {
				case errkind.Is(err, errkind.Conflict):
					summary.Duplicates++
				case err != nil:
					summary.Failures++
					svcs.Logger.Warn("page ingest failed", "lccn", item.LCCN,
						"issue_date", item.IssueDate, "sequence", item.Sequence, "error", err)
				case added:
					summary.PagesAdded++
					if queued {
						summary.OCRQueued++
					}
				}
			}

			if downloadMaxItems > 0 && summary.PagesAdded >= downloadMaxItems {
				break
			}
			if req.Page >= result.Pagination.TotalPages {
				break
			}
			req.Page++
		}

		return output(summary)
	},
}

// ingestPage downloads one page's artifacts and adds it to the repository.
// Returns whether a page was added and whether an OCR task was queued.
func ingestPage(ctx context.Context, svcs *svcctx.Services, item chronam.PageMetadata, formats []chronam.Format, sourceSystem string) (bool, bool, error) {
	manifest, err := svcs.Archive.DownloadPage(ctx, item, formats)
	if err != nil {
		return false, false, err
	}

	image, ext := pickImage(manifest)
	if image == nil {
		return false, false, errkind.New(errkind.CorruptData,
			"no image artifact for %s %s seq %d", item.LCCN, item.IssueDate, item.Sequence)
	}

	in := repo.AddPageInput{
		LCCN:         item.LCCN,
		Title:        item.Title,
		IssueDate:    item.IssueDate,
		Sequence:     item.Sequence,
		SourceSystem: sourceSystem,
		ImageExt:     ext,
		ImageBytes:   image,
		Metadata: map[string]any{
			"state":    item.State,
			"page_url": item.PageURL,
		},
	}
	if f, ok := manifest.Files[chronam.FormatJSON]; ok {
		in.RawMetadata = f.Bytes
	}

	pageID, err := svcs.Store.AddPage(ctx, in)
	if err != nil {
		return false, false, err
	}

	// Archive-provided OCR text saves a local OCR pass.
	if f, ok := manifest.Files[chronam.FormatOCRText]; ok && len(f.Bytes) > 0 {
		if err := svcs.Store.UpdatePageStatus(ctx, pageID, repo.PageStatusQueued); err != nil {
			return true, false, err
		}
		if err := svcs.Store.AttachOCR(ctx, pageID, string(f.Bytes), ""); err != nil {
			return true, false, err
		}
		return true, false, nil
	}

	_, err = svcs.Queue.Enqueue(ctx, queue.Task{
		PageID:    pageID,
		Operation: queue.OpOCR,
	})
	return true, err == nil, err
}

func pickImage(manifest *chronam.Manifest) ([]byte, string) {
	if f, ok := manifest.Files[chronam.FormatJP2]; ok && len(f.Bytes) > 0 {
		return f.Bytes, "jp2"
	}
	if f, ok := manifest.Files[chronam.FormatPDF]; ok && len(f.Bytes) > 0 {
		return f.Bytes, "pdf"
	}
	return nil, ""
}

func init() {
	downloadCmd.Flags().StringVar(&downloadSource, "source", "chroniclingamerica", "archive source system")
	downloadCmd.Flags().StringVar(&downloadLCCN, "publication", "", "publication LCCN (required)")
	downloadCmd.Flags().StringVar(&downloadStartDate, "start-date", "", "start date (yyyy-mm-dd)")
	downloadCmd.Flags().StringVar(&downloadEndDate, "end-date", "", "end date (yyyy-mm-dd)")
	downloadCmd.Flags().StringVar(&downloadKeywords, "keywords", "", "keyword filter")
	downloadCmd.Flags().StringSliceVar(&downloadFormats, "formats", nil,
		"artifact formats to fetch (pdf, jp2, ocr_text, json)")
	downloadCmd.Flags().IntVar(&downloadMaxItems, "max-items", 0, "stop after this many pages (0 = no limit)")
	_ = downloadCmd.MarkFlagRequired("publication")
	rootCmd.AddCommand(downloadCmd)
}
