package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type TableRepository interface {
	Upsert(ctx context.Context, t *Table) error
	ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*Table, error)
	DeleteForDocument(ctx context.Context, documentID uuid.UUID) error
}

type tableRepo struct {
	db  *DB
	log *slog.Logger
}

func NewTableRepository(db *DB, log *slog.Logger) TableRepository {
	if log == nil {
		log = slog.Default()
	}
	return &tableRepo{db: db, log: log}
}

func (r *tableRepo) Upsert(ctx context.Context, t *Table) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO tables (id, document_id, page_no, table_no, rows, method, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (document_id, page_no, table_no) DO UPDATE SET
			rows   = excluded.rows,
			method = excluded.method`,
		t.ID.String(), t.DocumentID.String(), t.PageNo, t.TableNo,
		nullableBytes(t.Rows), t.Method, t.CreatedAt)
	if err != nil {
		r.log.Error("table upsert failed", "doc_id", t.DocumentID, "page_no", t.PageNo, "err", err)
	}
	return err
}

func (r *tableRepo) ListForDocument(ctx context.Context, documentID uuid.UUID) ([]*Table, error) {
	rows, err := r.db.SQL.QueryContext(ctx, `
		SELECT id, document_id, page_no, table_no, rows, method, created_at
		FROM tables WHERE document_id = $1 ORDER BY page_no, table_no`,
		documentID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Table
	for rows.Next() {
		var t Table
		var id, docID string
		var rowJSON []byte
		if err := rows.Scan(&id, &docID, &t.PageNo, &t.TableNo, &rowJSON, &t.Method, &t.CreatedAt); err != nil {
			return nil, err
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if t.DocumentID, err = uuid.Parse(docID); err != nil {
			return nil, err
		}
		t.Rows = rowJSON
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (r *tableRepo) DeleteForDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.SQL.ExecContext(ctx,
		`DELETE FROM tables WHERE document_id = $1`, documentID.String())
	return err
}
