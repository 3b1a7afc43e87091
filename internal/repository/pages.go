package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type PageRepository interface {
	// Upsert writes a page by (document_id, page_no). Re-running a step
	// overwrites the prior row; it never appends a duplicate page.
	Upsert(ctx context.Context, p *Page) error
	ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*Page, error)
}

type pageRepo struct {
	db  *DB
	log *slog.Logger
}

func NewPageRepository(db *DB, log *slog.Logger) PageRepository {
	if log == nil {
		log = slog.Default()
	}
	return &pageRepo{db: db, log: log}
}

func (r *pageRepo) Upsert(ctx context.Context, p *Page) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO pages (id, document_id, page_no, image_ref, ocr_text, ocr_confidence, native_text, has_text_layer, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (document_id, page_no) DO UPDATE SET
			image_ref      = excluded.image_ref,
			ocr_text       = excluded.ocr_text,
			ocr_confidence = excluded.ocr_confidence,
			native_text    = excluded.native_text,
			has_text_layer = excluded.has_text_layer`,
		p.ID.String(), p.DocumentID.String(), p.PageNo, p.ImageRef,
		p.OCRText, p.OCRConfidence, p.NativeText, p.HasTextLayer, p.CreatedAt)
	if err != nil {
		r.log.Error("page upsert failed", "doc_id", p.DocumentID, "page_no", p.PageNo, "err", err)
	}
	return err
}

func (r *pageRepo) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*Page, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, document_id, page_no, image_ref, ocr_text, ocr_confidence, native_text, has_text_layer, created_at
		FROM pages WHERE document_id = $1 ORDER BY page_no`,
		documentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Page
	for rows.Next() {
		var p Page
		var id, docID string
		if err := rows.Scan(&id, &docID, &p.PageNo, &p.ImageRef, &p.OCRText,
			&p.OCRConfidence, &p.NativeText, &p.HasTextLayer, &p.CreatedAt); err != nil {
			return nil, err
		}
		if p.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if p.DocumentID, err = uuid.Parse(docID); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}
