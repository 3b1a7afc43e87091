package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	lpdf "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/repository"
	"github.com/intakehub/docpipe/internal/storage"
)

// Classify decides whether the PDF carries a usable native text layer. When
// it does, the pages' text is captured here and the rasterize/OCR branch is
// skipped entirely by the orchestrator: OCR on machine-text PDFs wastes
// compute and degrades accuracy.
type Classify struct {
	Store storage.Store
	Pages repository.PageRepository
	// MinChars is the text-layer threshold: below it the document is
	// treated as scanned.
	MinChars int
	Logger   *slog.Logger
}

func NewClassify(store storage.Store, pages repository.PageRepository, minChars int, logger *slog.Logger) *Classify {
	if logger == nil {
		logger = slog.Default()
	}
	if minChars <= 0 {
		minChars = 50
	}
	return &Classify{Store: store, Pages: pages, MinChars: minChars, Logger: logger}
}

func (c *Classify) Name() constants.Step { return constants.StepClassify }

func (c *Classify) Execute(ctx context.Context, in ExecInput) (ExecResult, error) {
	data, err := c.Store.Download(ctx, in.Doc.ContentRef)
	if err != nil {
		return ExecResult{}, NewExecError(c.Name(), err, true)
	}

	// Reject structurally broken PDFs up front; retrying cannot fix them.
	if err := validatePDF(data); err != nil {
		return ExecResult{}, NewExecError(c.Name(), fmt.Errorf("invalid pdf: %w", err), false)
	}

	reader, err := lpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return ExecResult{}, NewExecError(c.Name(), fmt.Errorf("open pdf: %w", err), false)
	}

	pageCount := reader.NumPage()
	totalChars := 0
	texts := make([]string, 0, pageCount)
	for i := 1; i <= pageCount; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			texts = append(texts, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			c.Logger.Warn("classify.page_text_error", "doc_id", in.Doc.ID, "page_no", i, "err", err)
			texts = append(texts, "")
			continue
		}
		texts = append(texts, text)
		totalChars += len(strings.TrimSpace(text))
	}

	hasLayer := totalChars >= c.MinChars
	if hasLayer {
		// Capture native text now so the extraction steps can run off the
		// page rows without reopening the PDF.
		for i, text := range texts {
			t := text
			if err := c.Pages.Upsert(ctx, &repository.Page{
				ID:           uuid.New(),
				DocumentID:   in.Doc.ID,
				PageNo:       i + 1,
				NativeText:   &t,
				HasTextLayer: true,
			}); err != nil {
				return ExecResult{}, NewExecError(c.Name(), err, true)
			}
		}
	}

	c.Logger.Info("classify.done",
		"doc_id", in.Doc.ID,
		"has_text_layer", hasLayer,
		"text_length", totalChars,
		"page_count", pageCount,
	)
	return ExecResult{Detail: map[string]any{
		"has_text_layer": hasLayer,
		"text_length":    totalChars,
		"page_count":     pageCount,
	}}, nil
}

func validatePDF(data []byte) error {
	// pdfcpu validates from a file path; stage the bytes in a temp file.
	tmp, err := os.CreateTemp("", "docpipe-classify-*.pdf")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return api.ValidateFile(filepath.Clean(tmp.Name()), nil)
}
