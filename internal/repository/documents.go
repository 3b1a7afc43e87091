package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/internal/common"
)

type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	Touch(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit int) ([]*Document, error)
	// SetCancelRequested marks (or clears) the operator cancel flag; the
	// orchestrator consumes it at its next step boundary.
	SetCancelRequested(ctx context.Context, id uuid.UUID, requested bool) error
}

type documentRepo struct {
	db  *DB
	log *slog.Logger
}

func NewDocumentRepository(db *DB, log *slog.Logger) DocumentRepository {
	if log == nil {
		log = slog.Default()
	}
	return &documentRepo{db: db, log: log}
}

func (r *documentRepo) Create(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO documents (id, filename, content_ref, value_tier, source, applicant_id, doc_type, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)`,
		doc.ID.String(), doc.Filename, doc.ContentRef, doc.ValueTier,
		doc.Source, doc.ApplicantID, doc.DocType, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		r.log.Error("document create failed", "doc_id", doc.ID, "err", err)
		return common.WrapError(err, "create document")
	}
	r.log.Info("document created", "doc_id", doc.ID, "filename", doc.Filename, "tier", doc.ValueTier)
	return nil
}

func (r *documentRepo) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := r.db.SQL.QueryRowContext(ctx, `
		SELECT id, filename, content_ref, value_tier, source, applicant_id, doc_type, cancel_requested, created_at, updated_at
		FROM documents WHERE id = $1`, id.String())
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewAppError("DOCUMENT_NOT_FOUND", id.String(), common.ErrNotFound)
	}
	return doc, err
}

func (r *documentRepo) Touch(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`UPDATE documents SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), id.String())
	return err
}

func (r *documentRepo) SetCancelRequested(ctx context.Context, id uuid.UUID, requested bool) error {
	res, err := r.db.SQL.ExecContext(ctx, `
		UPDATE documents SET cancel_requested = $1, updated_at = $2 WHERE id = $3`,
		requested, time.Now().UTC(), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return common.NewAppError("DOCUMENT_NOT_FOUND", id.String(), common.ErrNotFound)
	}
	r.log.Info("document cancel flag set", "doc_id", id, "requested", requested)
	return nil
}

func (r *documentRepo) List(ctx context.Context, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, filename, content_ref, value_tier, source, applicant_id, doc_type, cancel_requested, created_at, updated_at
		FROM documents ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(s rowScanner) (*Document, error) {
	var d Document
	var id string
	if err := s.Scan(&id, &d.Filename, &d.ContentRef, &d.ValueTier,
		&d.Source, &d.ApplicantID, &d.DocType, &d.CancelRequested, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	d.ID = parsed
	return &d, nil
}
