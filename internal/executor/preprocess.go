package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/repository"
	"github.com/intakehub/docpipe/internal/storage"
)

// Preprocess renders each PDF page to a PNG for the OCR branch and stores
// the images under the document's prefix in object storage.
type Preprocess struct {
	Store    storage.Store
	Pages    repository.PageRepository
	Runner   Runner
	Pdftoppm string
	DPI      int
	MaxPages int
	Logger   *slog.Logger
}

func NewPreprocess(store storage.Store, pages repository.PageRepository, runner Runner, pdftoppm string, dpi, maxPages int, logger *slog.Logger) *Preprocess {
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	if pdftoppm == "" {
		pdftoppm = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 300
	}
	return &Preprocess{Store: store, Pages: pages, Runner: runner, Pdftoppm: pdftoppm, DPI: dpi, MaxPages: maxPages, Logger: logger}
}

func (p *Preprocess) Name() constants.Step { return constants.StepPreprocess }

func (p *Preprocess) Execute(ctx context.Context, in ExecInput) (ExecResult, error) {
	tmpDir, err := os.MkdirTemp("", "docpipe-prep-*")
	if err != nil {
		return ExecResult{}, NewExecError(p.Name(), err, true)
	}
	defer func(path string) {
		if err := os.RemoveAll(path); err != nil {
			p.Logger.Warn("preprocess.tmp_cleanup_failed", "path", path, "err", err)
		}
	}(tmpDir)

	pdfPath := filepath.Join(tmpDir, "input.pdf")
	if err := p.Store.DownloadTo(ctx, in.Doc.ContentRef, pdfPath); err != nil {
		return ExecResult{}, NewExecError(p.Name(), err, true)
	}

	prefix := filepath.Join(tmpDir, "page")
	// pdftoppm -r <dpi> -png <in.pdf> <tmp/page>
	_, errb, err := p.Runner.Run(ctx, p.Pdftoppm, "-r", fmt.Sprintf("%d", p.DPI), "-png", pdfPath, prefix)
	if err != nil {
		return ExecResult{}, NewExecError(p.Name(), fmt.Errorf("pdftoppm: %v: %s", err, clipOutput(errb, 512)), true)
	}

	// collect generated pngs (prefix-1.png, prefix-2.png, ...)
	matches, _ := filepath.Glob(prefix + "-*.png")
	sort.Strings(matches)
	if p.MaxPages > 0 && len(matches) > p.MaxPages {
		matches = matches[:p.MaxPages]
	}
	if len(matches) == 0 {
		return ExecResult{}, NewExecError(p.Name(), fmt.Errorf("pdftoppm produced no images"), false)
	}

	for i, img := range matches {
		data, err := os.ReadFile(img)
		if err != nil {
			return ExecResult{}, NewExecError(p.Name(), err, true)
		}
		ref := p.Store.Ref(in.Doc.ID.String(), fmt.Sprintf("pages/%04d.png", i+1))
		if err := p.Store.Upload(ctx, ref, data); err != nil {
			return ExecResult{}, NewExecError(p.Name(), err, true)
		}
		r := ref
		if err := p.Pages.Upsert(ctx, &repository.Page{
			ID:           uuid.New(),
			DocumentID:   in.Doc.ID,
			PageNo:       i + 1,
			ImageRef:     &r,
			HasTextLayer: false,
		}); err != nil {
			return ExecResult{}, NewExecError(p.Name(), err, true)
		}
	}

	p.Logger.Info("preprocess.done", "doc_id", in.Doc.ID, "pages", len(matches), "dpi", p.DPI)
	return ExecResult{Detail: map[string]any{
		"pages": len(matches),
		"dpi":   p.DPI,
	}}, nil
}
