// Package orchestrator drives documents through their step plan. Every step
// is gated on a checkpoint write, so a crashed or re-enqueued run resumes
// exactly where the ledger says it stopped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/cloud"
	"github.com/intakehub/docpipe/internal/executor"
	"github.com/intakehub/docpipe/internal/notify"
	"github.com/intakehub/docpipe/internal/repository"
	"github.com/intakehub/docpipe/internal/retry"
	"github.com/intakehub/docpipe/internal/router"
	"github.com/intakehub/docpipe/internal/storage"
)

type Orchestrator struct {
	Docs        repository.DocumentRepository
	Pages       repository.PageRepository
	Fields      repository.FieldRepository
	Checkpoints repository.CheckpointRepository
	Leases      repository.LeaseRepository
	Audit       repository.AuditRepository
	Store       storage.Store

	// Execs maps each plan step to its executor.
	Execs map[constants.Step]executor.Executor

	// OCRRouter judges per-page OCR confidence; FieldRouter judges per-field
	// extraction confidence. Same mechanics, separately tuned thresholds.
	OCRRouter   *router.Router
	FieldRouter *router.Router

	// Cloud is nil when no paid adapter is configured; escalations then
	// flag straight to a human.
	Cloud cloud.Adapter

	Retry  *retry.Manager
	Bus    *notify.Bus
	Logger *slog.Logger

	Owner       string
	LeaseTTL    time.Duration
	MaxAttempts int
}

// Run advances the document until it reaches a stable state: complete,
// failed, flagged, or waiting on a retry. It holds the document's exclusive
// lease for the whole run; a second caller gets *LeaseConflictError.
func (o *Orchestrator) Run(ctx context.Context, documentID uuid.UUID) (constants.DocState, error) {
	doc, err := o.Docs.GetByID(ctx, documentID)
	if err != nil {
		return "", err
	}

	if err := o.Leases.Acquire(ctx, documentID, o.Owner, o.LeaseTTL); err != nil {
		var lc *repository.LeaseConflictError
		if errors.As(err, &lc) {
			state, _ := o.State(ctx, documentID)
			return state, err
		}
		return "", err
	}
	defer func() {
		if err := o.Leases.Release(context.WithoutCancel(ctx), documentID, o.Owner); err != nil {
			o.Logger.Warn("lease release failed", "doc_id", documentID, "error", err)
		}
	}()

	for {
		if err := o.Leases.Renew(ctx, documentID, o.Owner, o.LeaseTTL); err != nil {
			return "", err
		}

		cps, err := o.Checkpoints.ListForDocument(ctx, documentID)
		if err != nil {
			return "", err
		}
		state := repository.ProjectState(cps, o.MaxAttempts)
		if state.Terminal() || state == constants.DocFlagged {
			return state, nil
		}

		plan := repository.PlanFromCheckpoints(cps)
		step, ok := nextStep(plan, cps)
		if !ok {
			return repository.ProjectState(cps, o.MaxAttempts), nil
		}

		// Re-read the cancel flag at every boundary: the request may have
		// arrived while the previous step was in flight.
		fresh, err := o.Docs.GetByID(ctx, documentID)
		if err != nil {
			return "", err
		}
		if fresh.CancelRequested {
			return o.cancelRun(ctx, documentID, step)
		}

		res, failed, err := o.executeStep(ctx, doc, step, cps)
		if err != nil {
			return "", err
		}
		if failed {
			return o.State(ctx, documentID)
		}

		var stop bool
		switch step {
		case constants.StepOCR:
			stop, err = o.routeAfterOCR(ctx, doc, cps, res)
		case constants.StepExtractFields:
			stop, err = o.routeAfterFields(ctx, doc, cps, res)
		}
		if err != nil {
			return "", err
		}
		if stop {
			return o.State(ctx, documentID)
		}
	}
}

// State projects the document's lifecycle state from its ledger.
func (o *Orchestrator) State(ctx context.Context, documentID uuid.UUID) (constants.DocState, error) {
	cps, err := o.Checkpoints.ListForDocument(ctx, documentID)
	if err != nil {
		return "", err
	}
	return repository.ProjectState(cps, o.MaxAttempts), nil
}

func nextStep(plan []constants.Step, cps []*repository.Checkpoint) (constants.Step, bool) {
	done := map[string]bool{}
	for _, cp := range cps {
		if cp.Status == string(constants.CheckpointComplete) {
			done[cp.Step] = true
		}
	}
	for _, s := range plan {
		if !done[string(s)] {
			return s, true
		}
	}
	return "", false
}

// cancelRun honors an operator cancel at a step boundary. The next pending
// step is failed permanently with a cancellation cause, so the document
// projects failed; reprocess clears the flag and the failed checkpoint for a
// deliberate restart.
func (o *Orchestrator) cancelRun(ctx context.Context, documentID uuid.UUID, step constants.Step) (constants.DocState, error) {
	if _, err := o.Checkpoints.Upsert(ctx, documentID, step, constants.CheckpointFailed,
		map[string]any{"permanent": true, "cancelled": true}, "cancelled by operator"); err != nil {
		return "", err
	}
	o.Bus.Publish(documentID, step, constants.CheckpointFailed)
	if err := o.Docs.SetCancelRequested(ctx, documentID, false); err != nil {
		return "", err
	}
	if err := o.Audit.Append(ctx, documentID, "run.cancelled", "system", map[string]any{
		"step": string(step),
	}); err != nil {
		return "", err
	}
	o.Logger.Info("run cancelled at step boundary", "doc_id", documentID, "step", string(step))
	return o.State(ctx, documentID)
}

// executeStep runs one plan step under a RUNNING checkpoint and records the
// outcome. failed=true means the failure is handled (retry scheduled or cap
// reached); the run must stop without error.
func (o *Orchestrator) executeStep(ctx context.Context, doc *repository.Document, step constants.Step, cps []*repository.Checkpoint) (executor.ExecResult, bool, error) {
	exec, ok := o.Execs[step]
	if !ok {
		return executor.ExecResult{}, false, fmt.Errorf("no executor registered for step %s", step)
	}

	pages, err := o.Pages.ListForDocument(ctx, doc.ID)
	if err != nil {
		return executor.ExecResult{}, false, err
	}

	cp, err := o.Checkpoints.Upsert(ctx, doc.ID, step, constants.CheckpointRunning, nil, "")
	if err != nil {
		return executor.ExecResult{}, false, err
	}
	o.Bus.Publish(doc.ID, step, constants.CheckpointRunning)

	res, execErr := exec.Execute(ctx, executor.ExecInput{
		Doc:         doc,
		Pages:       pages,
		PriorDetail: priorDetail(cps),
	})
	if execErr != nil {
		retryable := true
		var ee *executor.ExecutionError
		if errors.As(execErr, &ee) {
			retryable = ee.Retryable
		}
		var detail map[string]any
		if !retryable {
			detail = map[string]any{"permanent": true}
		}
		if _, err := o.Checkpoints.Upsert(ctx, doc.ID, step, constants.CheckpointFailed, detail, execErr.Error()); err != nil {
			return executor.ExecResult{}, false, err
		}
		o.Bus.Publish(doc.ID, step, constants.CheckpointFailed)
		if err := o.Retry.HandleFailure(ctx, doc.ID, step, cp.Attempts, retryable, execErr); err != nil {
			return executor.ExecResult{}, false, err
		}
		return executor.ExecResult{}, true, nil
	}

	if _, err := o.Checkpoints.Upsert(ctx, doc.ID, step, constants.CheckpointComplete, res.Detail, ""); err != nil {
		return executor.ExecResult{}, false, err
	}
	o.Bus.Publish(doc.ID, step, constants.CheckpointComplete)
	return res, false, nil
}

func priorDetail(cps []*repository.Checkpoint) map[constants.Step]map[string]any {
	out := make(map[constants.Step]map[string]any, len(cps))
	for _, cp := range cps {
		if cp.Status == string(constants.CheckpointComplete) {
			out[constants.Step(cp.Step)] = cp.DetailMap()
		}
	}
	return out
}

// escalatedAlready reports whether this document already burned its one
// cloud escalation.
func (o *Orchestrator) escalatedAlready(ctx context.Context, documentID uuid.UUID) (bool, error) {
	cp, err := o.Checkpoints.Get(ctx, documentID, repository.StepCloudFallback())
	if err != nil {
		return false, err
	}
	return cp != nil && cp.Status == string(constants.CheckpointComplete), nil
}

func (o *Orchestrator) routeAfterOCR(ctx context.Context, doc *repository.Document, cps []*repository.Checkpoint, res executor.ExecResult) (bool, error) {
	escalated, err := o.escalatedAlready(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	tier := constants.ValueTier(doc.ValueTier)

	d := o.OCRRouter.Decide(res.Confidences, tier, escalated)
	if err := o.auditDecision(ctx, doc.ID, constants.StepOCR, d); err != nil {
		return false, err
	}

	switch d.Action {
	case router.Accept:
		return false, nil
	case router.Escalate:
		weak := o.OCRRouter.BelowThresholdPages(res.Confidences, res.ItemPages)
		if err := o.cloudFallback(ctx, doc, weak); err != nil {
			return true, o.flagForReview(ctx, doc.ID, constants.StepOCR, "cloud escalation failed: "+err.Error())
		}
		// Re-judge the merged page confidences; a second escalation is off
		// the table.
		merged, err := o.pageConfidences(ctx, doc.ID)
		if err != nil {
			return false, err
		}
		d2 := o.OCRRouter.Decide(merged, tier, true)
		if err := o.auditDecision(ctx, doc.ID, repository.StepCloudFallback(), d2); err != nil {
			return false, err
		}
		if d2.Action == router.Accept {
			return false, nil
		}
		return true, o.flagForReview(ctx, doc.ID, constants.StepOCR, "confidence below threshold after cloud fallback")
	default:
		return true, o.flagForReview(ctx, doc.ID, constants.StepOCR, "ocr confidence below threshold")
	}
}

func (o *Orchestrator) routeAfterFields(ctx context.Context, doc *repository.Document, cps []*repository.Checkpoint, res executor.ExecResult) (bool, error) {
	escalated, err := o.escalatedAlready(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	tier := constants.ValueTier(doc.ValueTier)

	d := o.FieldRouter.Decide(res.Confidences, tier, escalated)
	if err := o.auditDecision(ctx, doc.ID, constants.StepExtractFields, d); err != nil {
		return false, err
	}

	switch d.Action {
	case router.Accept:
		return false, nil
	case router.Escalate:
		weak := o.FieldRouter.BelowThresholdPages(res.Confidences, res.ItemPages)
		if err := o.cloudFallback(ctx, doc, weak); err != nil {
			return true, o.flagForReview(ctx, doc.ID, constants.StepExtractFields, "cloud escalation failed: "+err.Error())
		}
		// Re-extract over the improved text, then judge once more.
		res2, failed, err := o.executeStep(ctx, doc, constants.StepExtractFields, cps)
		if err != nil {
			return false, err
		}
		if failed {
			return true, nil
		}
		d2 := o.FieldRouter.Decide(res2.Confidences, tier, true)
		if err := o.auditDecision(ctx, doc.ID, repository.StepCloudFallback(), d2); err != nil {
			return false, err
		}
		if d2.Action == router.Accept {
			return false, nil
		}
		return true, o.flagForReview(ctx, doc.ID, constants.StepExtractFields, "field confidence below threshold after cloud fallback")
	default:
		return true, o.flagForReview(ctx, doc.ID, constants.StepExtractFields, "field confidence below threshold")
	}
}

func (o *Orchestrator) pageConfidences(ctx context.Context, documentID uuid.UUID) ([]float64, error) {
	pages, err := o.Pages.ListForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	var confs []float64
	for _, p := range pages {
		if p.OCRConfidence != nil {
			confs = append(confs, *p.OCRConfidence)
		}
	}
	return confs, nil
}

func (o *Orchestrator) auditDecision(ctx context.Context, documentID uuid.UUID, step constants.Step, d router.Decision) error {
	return o.Audit.Append(ctx, documentID, "router.decision", "system", map[string]any{
		"step":      string(step),
		"action":    string(d.Action),
		"aggregate": d.Aggregate,
		"threshold": d.Threshold,
		"tier":      string(d.Tier),
		"escalated": d.Escalated,
		"items":     d.ItemCount,
	})
}
