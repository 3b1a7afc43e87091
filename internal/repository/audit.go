package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type AuditRepository interface {
	// Append writes one audit row. Audit rows are never updated or deleted.
	Append(ctx context.Context, documentID uuid.UUID, action, actor string, detail map[string]any) error
	ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*AuditLog, error)
}

type auditRepo struct {
	db  *DB
	log *slog.Logger
}

func NewAuditRepository(db *DB, log *slog.Logger) AuditRepository {
	if log == nil {
		log = slog.Default()
	}
	return &auditRepo{db: db, log: log}
}

func (r *auditRepo) Append(ctx context.Context, documentID uuid.UUID, action, actor string, detail map[string]any) error {
	var detailJSON []byte
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			detailJSON = b
		}
	}
	var docID *string
	if documentID != uuid.Nil {
		s := documentID.String()
		docID = &s
	}
	var actorPtr *string
	if actor != "" {
		actorPtr = &actor
	}
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO audit_logs (id, document_id, action, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New().String(), docID, action, actorPtr, nullableBytes(detailJSON), time.Now().UTC())
	if err != nil {
		r.log.Error("audit append failed", "doc_id", documentID, "action", action, "err", err)
	}
	return err
}

func (r *auditRepo) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*AuditLog, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, document_id, action, actor, detail, created_at
		FROM audit_logs WHERE document_id = $1 ORDER BY created_at`,
		documentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*AuditLog
	for rows.Next() {
		var a AuditLog
		var id string
		var docID *string
		var detail []byte
		if err := rows.Scan(&id, &docID, &a.Action, &a.Actor, &detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if docID != nil {
			parsed, err := uuid.Parse(*docID)
			if err != nil {
				return nil, err
			}
			a.DocumentID = &parsed
		}
		a.Detail = detail
		out = append(out, &a)
	}
	return out, rows.Err()
}
