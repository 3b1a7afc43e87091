package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
	"github.com/intakehub/docpipe/internal/repository"
)

// Enqueuer is the slice of the work queue the retry manager needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, documentID uuid.UUID, delay time.Duration) error
}

// Notifier publishes step status transitions.
type Notifier interface {
	Publish(documentID uuid.UUID, step constants.Step, status constants.CheckpointStatus)
}

type Manager struct {
	Policy      Policy
	Checkpoints repository.CheckpointRepository
	Documents   repository.DocumentRepository
	Fields      repository.FieldRepository
	Tables      repository.TableRepository
	Tasks       repository.ReprocessTaskRepository
	Audit       repository.AuditRepository
	Queue       Enqueuer
	Notify      Notifier
	Logger      *slog.Logger
}

func NewManager(policy Policy, cps repository.CheckpointRepository, docs repository.DocumentRepository,
	fields repository.FieldRepository, tables repository.TableRepository,
	tasks repository.ReprocessTaskRepository, audit repository.AuditRepository,
	queue Enqueuer, notify Notifier, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Policy: policy, Checkpoints: cps, Documents: docs,
		Fields: fields, Tables: tables, Tasks: tasks, Audit: audit,
		Queue: queue, Notify: notify, Logger: logger,
	}
}

// HandleFailure decides what happens after a step attempt failed. Retryable
// failures under the attempt cap re-enqueue the document after backoff; the
// checkpoint already records FAILED with the bumped attempt count, so a cap
// exhaustion needs no extra write: the projection reads it as failed.
func (m *Manager) HandleFailure(ctx context.Context, documentID uuid.UUID, step constants.Step, attempts int, retryable bool, cause error) error {
	detail := map[string]any{
		"step":     string(step),
		"attempts": attempts,
		"error":    cause.Error(),
	}

	if retryable && !m.Policy.Exhausted(attempts) {
		delay := m.Policy.Delay(attempts)
		detail["retry_in"] = delay.String()
		m.Logger.Warn("retry.scheduled",
			"doc_id", documentID, "step", string(step),
			"attempts", attempts, "delay", delay, "error", cause)
		if err := m.Audit.Append(ctx, documentID, "step.retry_scheduled", "system", detail); err != nil {
			return err
		}
		return m.Queue.Enqueue(ctx, documentID, delay)
	}

	m.Logger.Error("retry.exhausted",
		"doc_id", documentID, "step", string(step),
		"attempts", attempts, "retryable", retryable, "error", cause)
	if m.Notify != nil {
		m.Notify.Publish(documentID, step, constants.CheckpointFailed)
	}
	return m.Audit.Append(ctx, documentID, "document.failed", "system", detail)
}

// Reprocess resets a step (or the whole document when step is nil) and every
// step downstream of it, then re-enqueues. Only documents at rest (complete,
// failed, or flagged) can be reprocessed.
func (m *Manager) Reprocess(ctx context.Context, documentID uuid.UUID, step *constants.Step, actor string) (*repository.ReprocessTask, error) {
	doc, err := m.Documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	cps, err := m.Checkpoints.ListForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	state := repository.ProjectState(cps, m.Policy.MaxAttempts)
	if !state.Terminal() && state != constants.DocFlagged {
		return nil, &repository.InvalidStateError{
			DocumentID: documentID, State: state, Op: "reprocess",
		}
	}

	plan := repository.PlanFromCheckpoints(cps)
	reset := stepsFrom(plan, step)
	if err := m.Checkpoints.ResetSteps(ctx, documentID, reset); err != nil {
		return nil, err
	}
	// The pseudo-step rows are removed, not reset: a review row left PENDING
	// would project the document as flagged and the rerun would never start,
	// and a surviving cloud_fallback row would block a fresh escalation.
	if err := m.Checkpoints.DeleteSteps(ctx, documentID,
		[]constants.Step{repository.StepCloudFallback(), constants.StepReview}); err != nil {
		return nil, err
	}
	if err := m.clearOutputs(ctx, documentID, reset); err != nil {
		return nil, err
	}
	if err := m.Documents.SetCancelRequested(ctx, documentID, false); err != nil {
		return nil, err
	}
	if m.Notify != nil {
		for _, s := range reset {
			m.Notify.Publish(documentID, s, constants.CheckpointPending)
		}
	}

	task, err := m.Tasks.Create(ctx, documentID, step)
	if err != nil {
		return nil, err
	}

	from := "start"
	if step != nil {
		from = string(*step)
	}
	if err := m.Audit.Append(ctx, documentID, "document.reprocess", actor, map[string]any{
		"from_step": from,
		"task_id":   task.ID.String(),
	}); err != nil {
		return nil, err
	}

	m.Logger.Info("reprocess.queued", "doc_id", doc.ID, "from_step", from)
	if err := m.Queue.Enqueue(ctx, documentID, 0); err != nil {
		return nil, err
	}
	return task, nil
}

// stepsFrom lists the plan steps at or after "from". A nil "from" resets
// everything.
func stepsFrom(plan []constants.Step, from *constants.Step) []constants.Step {
	start := 0
	if from != nil {
		if idx := constants.StepIndex(plan, *from); idx >= 0 {
			start = idx
		}
	}
	return append([]constants.Step{}, plan[start:]...)
}

func (m *Manager) clearOutputs(ctx context.Context, documentID uuid.UUID, reset []constants.Step) error {
	for _, s := range reset {
		switch s {
		case constants.StepExtractFields:
			if err := m.Fields.DeleteForDocument(ctx, documentID); err != nil {
				return fmt.Errorf("clear fields: %w", err)
			}
		case constants.StepExtractTables:
			if err := m.Tables.DeleteForDocument(ctx, documentID); err != nil {
				return fmt.Errorf("clear tables: %w", err)
			}
		}
	}
	return nil
}
