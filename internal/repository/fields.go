package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type FieldRepository interface {
	Upsert(ctx context.Context, f *Field) error
	ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*Field, error)
	// Correct overwrites a field's value after human review. The caller is
	// responsible for writing the audit event alongside.
	Correct(ctx context.Context, documentID uuid.UUID, fieldName, newValue string) (int64, error)
	DeleteForDocument(ctx context.Context, documentID uuid.UUID) error
}

type fieldRepo struct {
	db  *DB
	log *slog.Logger
}

func NewFieldRepository(db *DB, log *slog.Logger) FieldRepository {
	if log == nil {
		log = slog.Default()
	}
	return &fieldRepo{db: db, log: log}
}

func (r *fieldRepo) Upsert(ctx context.Context, f *Field) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO fields (id, document_id, field_name, field_value, confidence, bbox, page_no, source, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (document_id, field_name, field_value) DO UPDATE SET
			confidence = excluded.confidence,
			bbox       = excluded.bbox,
			page_no    = excluded.page_no,
			source     = excluded.source`,
		f.ID.String(), f.DocumentID.String(), f.FieldName, f.FieldValue,
		f.Confidence, nullableBytes(f.BBox), f.PageNo, f.Source, f.CreatedAt)
	if err != nil {
		r.log.Error("field upsert failed", "doc_id", f.DocumentID, "field", f.FieldName, "err", err)
	}
	return err
}

func (r *fieldRepo) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*Field, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, document_id, field_name, field_value, confidence, bbox, page_no, source, created_at
		FROM fields WHERE document_id = $1 ORDER BY field_name, created_at`,
		documentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Field
	for rows.Next() {
		var f Field
		var id, docID string
		var bbox []byte
		if err := rows.Scan(&id, &docID, &f.FieldName, &f.FieldValue, &f.Confidence,
			&bbox, &f.PageNo, &f.Source, &f.CreatedAt); err != nil {
			return nil, err
		}
		if f.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if f.DocumentID, err = uuid.Parse(docID); err != nil {
			return nil, err
		}
		f.BBox = bbox
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (r *fieldRepo) Correct(ctx context.Context, documentID uuid.UUID, fieldName, newValue string) (int64, error) {
	// Human-reviewed values carry max confidence. Only the strongest row for
	// the name is rewritten: a document can legitimately hold several values
	// under one name (several dates, say) and a correction targets one.
	src := "human"
	res, err := r.db.SQL.ExecContext(ctx, `
		UPDATE fields SET field_value = $1, confidence = 1.0, source = $2
		WHERE id = (
			SELECT id FROM fields
			WHERE document_id = $3 AND field_name = $4
			ORDER BY confidence DESC, created_at, id
			LIMIT 1)`,
		newValue, src, documentID.String(), fieldName)
	if err != nil {
		r.log.Error("field correction failed", "doc_id", documentID, "field", fieldName, "err", err)
		return 0, err
	}
	n, _ := res.RowsAffected()
	r.log.Info("field corrected", "doc_id", documentID, "field", fieldName, "rows", n)
	return n, nil
}

func (r *fieldRepo) DeleteForDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`DELETE FROM fields WHERE document_id = $1`, documentID.String())
	return err
}
