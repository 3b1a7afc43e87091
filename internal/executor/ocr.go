package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/repository"
	"github.com/intakehub/docpipe/internal/storage"
)

// PageOCR recognizes one page image. Separated from the executor so tests
// can substitute a fake engine.
type PageOCR interface {
	Recognize(ctx context.Context, image []byte) (text string, confidence float64, err error)
}

// OCR runs the recognizer over every rendered page. Pages are processed in
// parallel, but the step's checkpoint is only written after the whole fan-in
// completes: partial per-page completion is never externally observable.
type OCR struct {
	Store       storage.Store
	Pages       repository.PageRepository
	Engine      PageOCR
	Parallelism int
	Logger      *slog.Logger
}

func NewOCR(store storage.Store, pages repository.PageRepository, engine PageOCR, parallelism int, logger *slog.Logger) *OCR {
	if logger == nil {
		logger = slog.Default()
	}
	if engine == nil {
		engine = &TesseractOCR{}
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &OCR{Store: store, Pages: pages, Engine: engine, Parallelism: parallelism, Logger: logger}
}

func (o *OCR) Name() constants.Step { return constants.StepOCR }

func (o *OCR) Execute(ctx context.Context, in ExecInput) (ExecResult, error) {
	type pageOut struct {
		pageNo     int
		text       string
		confidence float64
	}

	var mu sync.Mutex
	outs := make([]pageOut, 0, len(in.Pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Parallelism)
	for _, page := range in.Pages {
		if page.ImageRef == nil {
			continue
		}
		g.Go(func() error {
			data, err := o.Store.Download(gctx, *page.ImageRef)
			if err != nil {
				return NewExecError(o.Name(), err, true)
			}
			text, conf, err := o.Engine.Recognize(gctx, data)
			if err != nil {
				return NewExecError(o.Name(), fmt.Errorf("page %d: %w", page.PageNo, err), true)
			}
			mu.Lock()
			outs = append(outs, pageOut{pageNo: page.PageNo, text: text, confidence: conf})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ExecResult{}, err
	}
	if len(outs) == 0 {
		return ExecResult{}, NewExecError(o.Name(), fmt.Errorf("no page images to recognize"), false)
	}

	confidences := make([]float64, 0, len(outs))
	itemPages := make([]int, 0, len(outs))
	for _, out := range outs {
		text := out.text
		conf := out.confidence
		if err := o.Pages.Upsert(ctx, &repository.Page{
			DocumentID:    in.Doc.ID,
			PageNo:        out.pageNo,
			OCRText:       &text,
			OCRConfidence: &conf,
			HasTextLayer:  false,
		}); err != nil {
			return ExecResult{}, NewExecError(o.Name(), err, true)
		}
		confidences = append(confidences, conf)
		itemPages = append(itemPages, out.pageNo)
	}

	o.Logger.Info("ocr.done", "doc_id", in.Doc.ID, "pages", len(outs), "min_confidence", minOf(confidences))
	return ExecResult{
		Detail:      map[string]any{"pages": len(outs), "min_confidence": minOf(confidences)},
		Confidences: confidences,
		ItemPages:   itemPages,
	}, nil
}

func minOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// TesseractOCR recognizes pages through the gosseract tesseract binding.
// Its Recognize method lives in ocr_tesseract.go (cgo builds only);
// ocr_tesseract_nocgo.go provides the stub for CGO_ENABLED=0 builds.
type TesseractOCR struct {
	Languages []string
}
