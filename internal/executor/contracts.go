package executor

import (
	"context"
	"fmt"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/repository"
)

// ExecInput carries everything a step needs: the document row, its content
// ref, and the outputs of prior steps (pages, layout regions). Executors
// must be side-effect idempotent: running twice on the same input upserts,
// never duplicates.
type ExecInput struct {
	Doc   *repository.Document
	Pages []*repository.Page
	// PriorDetail holds the checkpoint detail of earlier steps, keyed by
	// step name. Layout regions, classify metadata and so on travel here.
	PriorDetail map[constants.Step]map[string]any
}

// ExecResult is a step's structured outcome, persisted as checkpoint detail.
type ExecResult struct {
	// Detail is stored verbatim on the step's checkpoint.
	Detail map[string]any
	// Confidences holds per-item (usually per-page or per-field) confidence
	// values for the router. Empty means "no signal", which the router
	// treats as a flag, never an accept.
	Confidences []float64
	// ItemPages maps each Confidences entry to the page it came from, so an
	// escalation can target only the weak pages.
	ItemPages []int
}

// Executor is one pipeline stage.
type Executor interface {
	Name() constants.Step
	Execute(ctx context.Context, in ExecInput) (ExecResult, error)
}

// ExecutionError is a step-local failure. Retryable distinguishes transient
// causes (timeouts, resource exhaustion) from permanent ones (corrupt
// input), so the retry manager does not burn attempts on the latter.
type ExecutionError struct {
	Stage     constants.Step
	Cause     error
	Retryable bool
}

func (e *ExecutionError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("step %s failed (%s): %v", e.Stage, kind, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// NewExecError wraps cause as an ExecutionError for stage.
func NewExecError(stage constants.Step, cause error, retryable bool) *ExecutionError {
	return &ExecutionError{Stage: stage, Cause: cause, Retryable: retryable}
}
