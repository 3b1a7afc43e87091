package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
)

type CheckpointRepository interface {
	// Upsert writes the checkpoint for (documentID, step), creating the row
	// on first touch. Transitioning into RUNNING increments attempts.
	Upsert(ctx context.Context, documentID uuid.UUID, step constants.Step, status constants.CheckpointStatus, detail map[string]any, errorMessage string) (*Checkpoint, error)
	Get(ctx context.Context, documentID uuid.UUID, step constants.Step) (*Checkpoint, error)
	ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*Checkpoint, error)
	// Reset puts a step back to PENDING and clears its result detail. Used by
	// reprocess; downstream steps must be reset too (see ResetSteps).
	ResetSteps(ctx context.Context, documentID uuid.UUID, steps []constants.Step) error
	// DeleteSteps removes ledger rows outright. Reprocess uses it for the
	// pseudo-steps (review, cloud_fallback): a review row reset to PENDING
	// would project the document as flagged and stall the rerun.
	DeleteSteps(ctx context.Context, documentID uuid.UUID, steps []constants.Step) error
	ListByStatus(ctx context.Context, step constants.Step, status constants.CheckpointStatus, limit int) ([]*Checkpoint, error)
}

type checkpointRepo struct {
	db  *DB
	log *slog.Logger
}

func NewCheckpointRepository(db *DB, log *slog.Logger) CheckpointRepository {
	if log == nil {
		log = slog.Default()
	}
	return &checkpointRepo{db: db, log: log}
}

func (r *checkpointRepo) Upsert(ctx context.Context, documentID uuid.UUID, step constants.Step, status constants.CheckpointStatus, detail map[string]any, errorMessage string) (*Checkpoint, error) {
	var detailJSON []byte
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			detailJSON = b
		}
	}
	now := time.Now().UTC()
	attemptBump := 0
	if status == constants.CheckpointRunning {
		attemptBump = 1
	}
	var errMsg *string
	if errorMessage != "" {
		errMsg = &errorMessage
	}
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO checkpoints (id, document_id, step, status, attempts, detail, error_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (document_id, step) DO UPDATE SET
			status        = excluded.status,
			attempts      = checkpoints.attempts + $10,
			detail        = COALESCE(excluded.detail, checkpoints.detail),
			error_message = excluded.error_message,
			updated_at    = excluded.updated_at`,
		uuid.New().String(), documentID.String(), string(step), string(status),
		attemptBump, nullableBytes(detailJSON), errMsg, now, now, attemptBump)
	if err != nil {
		r.log.Error("checkpoint upsert failed", "doc_id", documentID, "step", step, "err", err)
		return nil, err
	}
	cp, err := r.Get(ctx, documentID, step)
	if err != nil {
		return nil, err
	}
	r.log.Info("checkpoint written",
		"doc_id", documentID, "step", step, "status", status, "attempts", cp.Attempts)
	return cp, nil
}

func (r *checkpointRepo) Get(ctx context.Context, documentID uuid.UUID, step constants.Step) (*Checkpoint, error) {
	row := r.db.SQL.QueryRowContext(ctx, `
		SELECT id, document_id, step, status, attempts, detail, error_message, created_at, updated_at
		FROM checkpoints WHERE document_id = $1 AND step = $2`,
		documentID.String(), string(step))
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cp, err
}

func (r *checkpointRepo) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*Checkpoint, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, document_id, step, status, attempts, detail, error_message, created_at, updated_at
		FROM checkpoints WHERE document_id = $1 ORDER BY created_at`,
		documentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (r *checkpointRepo) ResetSteps(ctx context.Context, documentID uuid.UUID, steps []constants.Step) error {
	now := time.Now().UTC()
	for _, step := range steps {
		_, err := r.db.SQL.ExecContext(ctx, `
			UPDATE checkpoints
			SET status = $1, detail = NULL, error_message = NULL, updated_at = $2
			WHERE document_id = $3 AND step = $4`,
			string(constants.CheckpointPending), now, documentID.String(), string(step))
		if err != nil {
			return err
		}
		r.log.Info("checkpoint reset", "doc_id", documentID, "step", step)
	}
	return nil
}

func (r *checkpointRepo) DeleteSteps(ctx context.Context, documentID uuid.UUID, steps []constants.Step) error {
	for _, step := range steps {
		_, err := r.db.SQL.ExecContext(ctx, `
			DELETE FROM checkpoints WHERE document_id = $1 AND step = $2`,
			documentID.String(), string(step))
		if err != nil {
			return err
		}
		r.log.Info("checkpoint removed", "doc_id", documentID, "step", step)
	}
	return nil
}

func (r *checkpointRepo) ListByStatus(ctx context.Context, step constants.Step, status constants.CheckpointStatus, limit int) ([]*Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, document_id, step, status, attempts, detail, error_message, created_at, updated_at
		FROM checkpoints WHERE step = $1 AND status = $2 ORDER BY updated_at LIMIT $3`,
		string(step), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func scanCheckpoint(s rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var id, docID string
	var detail []byte
	if err := s.Scan(&id, &docID, &cp.Step, &cp.Status, &cp.Attempts, &detail,
		&cp.ErrorMessage, &cp.CreatedAt, &cp.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if cp.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if cp.DocumentID, err = uuid.Parse(docID); err != nil {
		return nil, err
	}
	cp.Detail = detail
	return &cp, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
