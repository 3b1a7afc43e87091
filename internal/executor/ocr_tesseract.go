//go:build cgo

package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

func (t *TesseractOCR) Recognize(_ context.Context, image []byte) (string, float64, error) {
	client := gosseract.NewClient()
	defer client.Close()
	if len(t.Languages) > 0 {
		if err := client.SetLanguage(t.Languages...); err != nil {
			return "", 0, fmt.Errorf("set languages: %w", err)
		}
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return "", 0, fmt.Errorf("set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", 0, fmt.Errorf("recognize: %w", err)
	}

	// Word boxes carry per-word confidence; average them for the page.
	conf := 0.0
	if boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD); err == nil && len(boxes) > 0 {
		var sum float64
		for _, b := range boxes {
			sum += b.Confidence / 100.0
		}
		conf = sum / float64(len(boxes))
	}
	return strings.TrimSpace(text), conf, nil
}
