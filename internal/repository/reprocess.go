package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
)

type ReprocessTaskRepository interface {
	Create(ctx context.Context, documentID uuid.UUID, step *constants.Step) (*ReprocessTask, error)
	MarkAttempt(ctx context.Context, id uuid.UUID) error
	ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*ReprocessTask, error)
}

type reprocessRepo struct {
	db  *DB
	log *slog.Logger
}

func NewReprocessTaskRepository(db *DB, log *slog.Logger) ReprocessTaskRepository {
	if log == nil {
		log = slog.Default()
	}
	return &reprocessRepo{db: db, log: log}
}

func (r *reprocessRepo) Create(ctx context.Context, documentID uuid.UUID, step *constants.Step) (*ReprocessTask, error) {
	t := &ReprocessTask{
		ID:         uuid.New(),
		DocumentID: documentID,
		CreatedAt:  time.Now().UTC(),
	}
	var stepStr *string
	if step != nil {
		s := string(*step)
		stepStr = &s
		t.Step = &s
	}
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO reprocess_tasks (id, document_id, step, attempts, last_attempted_at, created_at)
		VALUES ($1, $2, $3, 0, NULL, $4)`,
		t.ID.String(), documentID.String(), stepStr, t.CreatedAt)
	if err != nil {
		r.log.Error("reprocess task create failed", "doc_id", documentID, "err", err)
		return nil, err
	}
	r.log.Info("reprocess task created", "doc_id", documentID, "task_id", t.ID, "step", stepStr)
	return t, nil
}

func (r *reprocessRepo) MarkAttempt(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		UPDATE reprocess_tasks SET attempts = attempts + 1, last_attempted_at = $1 WHERE id = $2`,
		time.Now().UTC(), id.String())
	return err
}

func (r *reprocessRepo) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*ReprocessTask, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, document_id, step, attempts, last_attempted_at, created_at
		FROM reprocess_tasks WHERE document_id = $1 ORDER BY created_at`,
		documentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ReprocessTask
	for rows.Next() {
		var t ReprocessTask
		var id, docID string
		if err := rows.Scan(&id, &docID, &t.Step, &t.Attempts, &t.LastAttemptedAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if t.DocumentID, err = uuid.Parse(docID); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
