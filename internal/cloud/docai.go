package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DocAIAdapter talks to a Document-AI-shaped processor endpoint. Confidence
// already arrives on a 0-1 scale.
type DocAIAdapter struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewDocAIAdapter(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger) *DocAIAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocAIAdapter{
		Endpoint: endpoint,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: timeout},
		Logger:   logger,
	}
}

func (a *DocAIAdapter) Provider() string { return "docai" }

func (a *DocAIAdapter) Analyze(ctx context.Context, contentRef string, pages []int) (*Result, error) {
	body := map[string]any{
		"gcsDocument": map[string]any{"uri": contentRef, "mimeType": "application/pdf"},
	}
	if len(pages) > 0 {
		body["processOptions"] = map[string]any{
			"individualPageSelector": map[string]any{"pages": pages},
		}
	}

	raw, status, err := sendJSON(ctx, a.Client, a.Endpoint, body,
		map[string]string{"Authorization": "Bearer " + a.APIKey}, a.Logger)
	if err != nil {
		return nil, classify(a.Provider(), status, err)
	}

	var resp struct {
		Document struct {
			Pages []struct {
				PageNumber int `json:"pageNumber"`
				Layout     struct {
					Text       string  `json:"text"`
					Confidence float64 `json:"confidence"`
				} `json:"layout"`
			} `json:"pages"`
		} `json:"document"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &AdapterError{Provider: a.Provider(), Cause: fmt.Errorf("decode response: %w", err)}
	}

	result := &Result{Provider: a.Provider()}
	for _, p := range resp.Document.Pages {
		result.Pages = append(result.Pages, PageResult{
			PageNo:     p.PageNumber,
			Text:       p.Layout.Text,
			Confidence: p.Layout.Confidence,
		})
	}
	a.Logger.Info("cloud.docai.analyzed", "ref", contentRef, "pages", len(result.Pages))
	return result, nil
}
