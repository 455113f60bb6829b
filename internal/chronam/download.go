package chronam

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/jackzampolin/broadsheet/internal/errkind"
)

// extensions maps each artifact format to its URL suffix on the archive.
var extensions = map[Format]string{
	FormatPDF:     ".pdf",
	FormatJP2:     ".jp2",
	FormatOCRText: "/ocr.txt",
	FormatJSON:    ".json",
}

// ArtifactURL builds the download URL for one artifact of a page:
// /lccn/<lccn>/<date>/ed-<n>/seq-<n><ext>.
func (c *Client) ArtifactURL(page PageMetadata, format Format) (string, error) {
	ext, ok := extensions[format]
	if !ok {
		return "", errkind.New(errkind.Validation, "unknown format %q", format)
	}
	edition := page.Edition
	if edition == 0 {
		edition = 1
	}
	if page.LCCN == "" || page.IssueDate == "" || page.Sequence < 1 {
		return "", errkind.New(errkind.Validation, "page metadata incomplete: lccn=%q date=%q seq=%d",
			page.LCCN, page.IssueDate, page.Sequence)
	}
	return fmt.Sprintf("%s/lccn/%s/%s/ed-%d/seq-%d%s",
		c.baseURL, page.LCCN, page.IssueDate, edition, page.Sequence, ext), nil
}

// DownloadPage fetches the requested artifact formats for one page and
// returns a manifest. PDFs are validated before being accepted; a document
// the PDF parser rejects surfaces as corrupt data rather than being written
// anywhere downstream.
func (c *Client) DownloadPage(ctx context.Context, page PageMetadata, formats []Format) (*Manifest, error) {
	if len(formats) == 0 {
		formats = []Format{FormatPDF, FormatOCRText, FormatJSON}
	}

	m := &Manifest{
		Page:      page,
		Files:     make(map[Format]DownloadedFile, len(formats)),
		FetchedAt: time.Now().UTC(),
	}

	for _, format := range formats {
		u, err := c.ArtifactURL(page, format)
		if err != nil {
			return nil, err
		}

		c.logger.Debug("downloading artifact", "lccn", page.LCCN,
			"date", page.IssueDate, "seq", page.Sequence, "format", format)

		data, contentType, err := c.get(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("downloading %s artifact: %w", format, err)
		}

		if format == FormatPDF {
			if err := ValidatePDF(data); err != nil {
				return nil, err
			}
		}

		m.Files[format] = DownloadedFile{
			Format:      format,
			URL:         u,
			ContentType: contentType,
			Bytes:       data,
		}
		m.TotalBytes += len(data)
	}

	return m, nil
}

// ValidatePDF checks that data is a readable PDF with at least one page.
func ValidatePDF(data []byte) error {
	pages, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return errkind.New(errkind.CorruptData, "invalid PDF: %v", err)
	}
	if pages < 1 {
		return errkind.New(errkind.CorruptData, "PDF has no pages")
	}
	return nil
}
