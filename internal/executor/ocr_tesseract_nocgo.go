//go:build !cgo

package executor

import (
	"context"
	"fmt"
)

// gosseract is a cgo binding to tesseract and cannot be compiled with
// CGO_ENABLED=0; in that configuration the engine reports itself unavailable.
func (t *TesseractOCR) Recognize(_ context.Context, _ []byte) (string, float64, error) {
	return "", 0, fmt.Errorf("tesseract OCR requires a cgo-enabled build (gosseract is unavailable with CGO_ENABLED=0)")
}
