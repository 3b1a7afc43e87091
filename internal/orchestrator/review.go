package orchestrator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/repository"
)

// flagForReview parks the document with a human by opening a review
// checkpoint. The run releases its worker; the document resumes only
// through SubmitReview.
func (o *Orchestrator) flagForReview(ctx context.Context, documentID uuid.UUID, fromStep constants.Step, reason string) error {
	if _, err := o.Checkpoints.Upsert(ctx, documentID, constants.StepReview, constants.CheckpointPending,
		map[string]any{"reason": reason, "from_step": string(fromStep)}, ""); err != nil {
		return err
	}
	o.Bus.Publish(documentID, constants.StepReview, constants.CheckpointPending)
	o.Logger.Warn("document flagged for review",
		"doc_id", documentID, "from_step", string(fromStep), "reason", reason)
	return o.Audit.Append(ctx, documentID, "document.flagged", "system", map[string]any{
		"from_step": string(fromStep),
		"reason":    reason,
	})
}

// FlaggedDocument is one entry in the human review queue.
type FlaggedDocument struct {
	Document *repository.Document `json:"document"`
	Reason   string               `json:"reason"`
	FromStep string               `json:"from_step"`
	Fields   []*repository.Field  `json:"fields"`
}

// ListFlagged returns every document waiting on a reviewer, with its
// extracted fields so the reviewer sees what they are judging.
func (o *Orchestrator) ListFlagged(ctx context.Context, limit int) ([]*FlaggedDocument, error) {
	cps, err := o.Checkpoints.ListByStatus(ctx, constants.StepReview, constants.CheckpointPending, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*FlaggedDocument, 0, len(cps))
	for _, cp := range cps {
		doc, err := o.Docs.GetByID(ctx, cp.DocumentID)
		if err != nil {
			return nil, err
		}
		fields, err := o.Fields.ListForDocument(ctx, cp.DocumentID)
		if err != nil {
			return nil, err
		}
		detail := cp.DetailMap()
		fd := &FlaggedDocument{Document: doc, Fields: fields}
		fd.Reason, _ = detail["reason"].(string)
		fd.FromStep, _ = detail["from_step"].(string)
		out = append(out, fd)
	}
	return out, nil
}

// SubmitReview records a reviewer's verdict. Corrections overwrite fields as
// audited events. A terminal decision closes the review checkpoint and the
// rest of the ledger, so the document projects complete; request_more_docs
// leaves it flagged.
func (o *Orchestrator) SubmitReview(ctx context.Context, documentID uuid.UUID, decision constants.ReviewDecision, corrections map[string]string, comment, actor string) error {
	cps, err := o.Checkpoints.ListForDocument(ctx, documentID)
	if err != nil {
		return err
	}
	state := repository.ProjectState(cps, o.MaxAttempts)
	if state != constants.DocFlagged {
		return &repository.InvalidStateError{DocumentID: documentID, State: state, Op: "review"}
	}

	for name, value := range corrections {
		n, err := o.Fields.Correct(ctx, documentID, name, value)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("no field %q on document %s", name, documentID)
		}
		if err := o.Audit.Append(ctx, documentID, "field.corrected", actor, map[string]any{
			"field_name": name,
			"new_value":  value,
		}); err != nil {
			return err
		}
	}

	detail := map[string]any{
		"decision": string(decision),
		"comment":  comment,
		"actor":    actor,
	}

	if !decision.Terminal() {
		if _, err := o.Checkpoints.Upsert(ctx, documentID, constants.StepReview, constants.CheckpointPending, detail, ""); err != nil {
			return err
		}
		o.Bus.Publish(documentID, constants.StepReview, constants.CheckpointPending)
		return o.Audit.Append(ctx, documentID, "review.more_docs_requested", actor, detail)
	}

	if _, err := o.Checkpoints.Upsert(ctx, documentID, constants.StepReview, constants.CheckpointComplete, detail, ""); err != nil {
		return err
	}
	o.Bus.Publish(documentID, constants.StepReview, constants.CheckpointComplete)

	// Close out any step the flag preempted; the reviewer has seen and
	// judged the document as it stands.
	plan := repository.PlanFromCheckpoints(cps)
	for {
		step, ok := nextStep(plan, cps)
		if !ok {
			break
		}
		if _, err := o.Checkpoints.Upsert(ctx, documentID, step, constants.CheckpointComplete,
			map[string]any{"closed_by_review": true}, ""); err != nil {
			return err
		}
		o.Bus.Publish(documentID, step, constants.CheckpointComplete)
		cps, err = o.Checkpoints.ListForDocument(ctx, documentID)
		if err != nil {
			return err
		}
	}

	o.Logger.Info("review submitted",
		"doc_id", documentID, "decision", string(decision), "actor", actor)
	return o.Audit.Append(ctx, documentID, "review.submitted", actor, detail)
}

// Cancel asks the run to stop at its next step boundary. The flag lives on
// the document, so it lands whether a step is in flight or the document is
// sitting between runs.
func (o *Orchestrator) Cancel(ctx context.Context, documentID uuid.UUID, actor string) error {
	if err := o.Docs.SetCancelRequested(ctx, documentID, true); err != nil {
		return err
	}
	return o.Audit.Append(ctx, documentID, "document.cancel_requested", actor, nil)
}
