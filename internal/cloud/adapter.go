// Package cloud wraps paid document-analysis services behind one adapter
// interface. Adapters are stateless: they take a stored document reference
// and return per-page text with confidence; the orchestrator persists.
package cloud

import (
	"context"
	"errors"
	"fmt"
)

// PageResult is one page's analysis from a cloud provider. Confidence is
// normalized to [0,1] regardless of what the provider's wire format uses.
type PageResult struct {
	PageNo     int     `json:"page_no"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Result is a full adapter response.
type Result struct {
	Provider string       `json:"provider"`
	Pages    []PageResult `json:"pages"`
}

// Adapter is one cloud document-analysis backend.
type Adapter interface {
	Provider() string
	// Analyze submits the stored document at contentRef. A non-empty pages
	// slice scopes the analysis to just those page numbers.
	Analyze(ctx context.Context, contentRef string, pages []int) (*Result, error)
}

// AdapterError classifies a cloud call failure. RateLimited implies
// Retryable; quota and auth failures are permanent.
type AdapterError struct {
	Provider    string
	StatusCode  int
	Retryable   bool
	RateLimited bool
	Cause       error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("cloud adapter %s: %v", e.Provider, e.Cause)
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// IsRetryable reports whether err is an adapter failure worth retrying.
func IsRetryable(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Retryable
}
