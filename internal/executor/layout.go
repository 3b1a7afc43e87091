package executor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/storage"
)

// Region is one detected layout element with a normalized bounding box.
type Region struct {
	Type string  `json:"type"` // text | table
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
}

// LayoutDetector is the pluggable per-page analysis. The default is a
// density heuristic; an ML-backed detector can be swapped in without
// touching the orchestrator.
type LayoutDetector interface {
	Detect(img image.Image) []Region
}

// Layout segments each rendered page into candidate text and table regions.
// Downstream steps use the regions as hints, so a weak detection degrades
// output quality but never correctness.
type Layout struct {
	Store    storage.Store
	Detector LayoutDetector
	Logger   *slog.Logger
}

func NewLayout(store storage.Store, detector LayoutDetector, logger *slog.Logger) *Layout {
	if logger == nil {
		logger = slog.Default()
	}
	if detector == nil {
		detector = densityDetector{}
	}
	return &Layout{Store: store, Detector: detector, Logger: logger}
}

func (l *Layout) Name() constants.Step { return constants.StepLayout }

func (l *Layout) Execute(ctx context.Context, in ExecInput) (ExecResult, error) {
	perPage := map[string]any{}
	detected := 0
	for _, page := range in.Pages {
		if page.ImageRef == nil {
			continue
		}
		data, err := l.Store.Download(ctx, *page.ImageRef)
		if err != nil {
			return ExecResult{}, NewExecError(l.Name(), err, true)
		}
		img, err := png.Decode(bytes.NewReader(data))
		if err != nil {
			// Fall back to the generic decoder for non-png renders.
			img, _, err = image.Decode(bytes.NewReader(data))
			if err != nil {
				return ExecResult{}, NewExecError(l.Name(), err, false)
			}
		}
		regions := l.Detector.Detect(img)
		perPage[pageKey(page.PageNo)] = regions
		detected += len(regions)
	}

	l.Logger.Info("layout.done", "doc_id", in.Doc.ID, "pages", len(in.Pages), "regions", detected)
	return ExecResult{Detail: map[string]any{
		"pages":   len(perPage),
		"regions": perPage,
	}}, nil
}

func pageKey(n int) string {
	return fmt.Sprintf("page_%d", n)
}

// densityDetector bands the page by ink density on horizontal scanlines.
// Dense runs with many aligned vertical gaps look like tables; everything
// else that carries ink is text.
type densityDetector struct{}

func (densityDetector) Detect(img image.Image) []Region {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil
	}

	// Row ink profile on a downsampled grid.
	const rows = 64
	profile := make([]float64, rows)
	for r := 0; r < rows; r++ {
		y := b.Min.Y + r*h/rows
		dark := 0
		for x := b.Min.X; x < b.Max.X; x += 4 {
			c := img.At(x, y)
			rr, gg, bb, _ := c.RGBA()
			if (rr+gg+bb)/3 < 0x7000 {
				dark++
			}
		}
		profile[r] = float64(dark) / float64(w/4+1)
	}

	var regions []Region
	start := -1
	for r := 0; r <= rows; r++ {
		ink := r < rows && profile[r] > 0.02
		if ink && start < 0 {
			start = r
		}
		if !ink && start >= 0 {
			y1 := float64(start) / rows
			y2 := float64(r) / rows
			typ := "text"
			// A tall, uniformly dense band reads as tabular.
			if r-start >= rows/8 && bandUniform(profile[start:r]) {
				typ = "table"
			}
			regions = append(regions, Region{Type: typ, X1: 0, Y1: y1, X2: 1, Y2: y2})
			start = -1
		}
	}
	return regions
}

func bandUniform(band []float64) bool {
	if len(band) == 0 {
		return false
	}
	var sum float64
	for _, v := range band {
		sum += v
	}
	mean := sum / float64(len(band))
	if mean < 0.05 {
		return false
	}
	var dev float64
	for _, v := range band {
		d := v - mean
		dev += d * d
	}
	return dev/float64(len(band)) < mean*mean/4
}
