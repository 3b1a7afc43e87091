package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// TextractAdapter talks to an AWS-Textract-shaped analysis endpoint.
// The wire format reports confidence on a 0-100 scale.
type TextractAdapter struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewTextractAdapter(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger) *TextractAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TextractAdapter{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
		Logger:   logger,
	}
}

func (a *TextractAdapter) Provider() string { return "textract" }

func (a *TextractAdapter) Analyze(ctx context.Context, contentRef string, pages []int) (*Result, error) {
	body := map[string]any{
		"document": map[string]any{"ref": contentRef},
		"feature_types": []string{"TEXT"},
	}
	if len(pages) > 0 {
		body["pages"] = pages
	}

	raw, status, err := sendJSON(ctx, a.Client, a.Endpoint, body,
		map[string]string{"X-Api-Key": a.APIKey}, a.Logger)
	if err != nil {
		return nil, classify(a.Provider(), status, err)
	}

	var resp struct {
		Blocks []struct {
			BlockType  string  `json:"BlockType"`
			Page       int     `json:"Page"`
			Text       string  `json:"Text"`
			Confidence float64 `json:"Confidence"`
		} `json:"Blocks"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &AdapterError{Provider: a.Provider(), Cause: fmt.Errorf("decode response: %w", err)}
	}

	byPage := map[int]*PageResult{}
	counts := map[int]int{}
	var order []int
	for _, b := range resp.Blocks {
		if b.BlockType != "LINE" {
			continue
		}
		pr, ok := byPage[b.Page]
		if !ok {
			pr = &PageResult{PageNo: b.Page}
			byPage[b.Page] = pr
			order = append(order, b.Page)
		}
		if pr.Text != "" {
			pr.Text += "\n"
		}
		pr.Text += b.Text
		pr.Confidence += b.Confidence / 100
		counts[b.Page]++
	}

	result := &Result{Provider: a.Provider()}
	for _, p := range order {
		pr := byPage[p]
		if n := counts[p]; n > 0 {
			pr.Confidence /= float64(n)
		}
		result.Pages = append(result.Pages, *pr)
	}
	a.Logger.Info("cloud.textract.analyzed", "ref", contentRef, "pages", len(result.Pages))
	return result, nil
}
