package repository

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// LeaseRepository hands out time-bounded exclusive ownership of a document's
// run. All checkpoint and artifact writes for a document happen under its
// lease, so no finer-grained locking is needed inside a run.
type LeaseRepository interface {
	// Acquire takes the lease for documentID. It succeeds when no lease
	// exists, the existing lease expired, or owner already holds it
	// (re-entrant renew). Otherwise it returns *LeaseConflictError.
	Acquire(ctx context.Context, documentID uuid.UUID, owner string, ttl time.Duration) error
	Renew(ctx context.Context, documentID uuid.UUID, owner string, ttl time.Duration) error
	Release(ctx context.Context, documentID uuid.UUID, owner string) error
}

type leaseRepo struct {
	db  *DB
	log *slog.Logger
}

func NewLeaseRepository(db *DB, log *slog.Logger) LeaseRepository {
	if log == nil {
		log = slog.Default()
	}
	return &leaseRepo{db: db, log: log}
}

func (r *leaseRepo) Acquire(ctx context.Context, documentID uuid.UUID, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := r.db.SQL.ExecContext(ctx, `
		INSERT INTO document_leases (document_id, owner, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id) DO UPDATE SET
			owner       = excluded.owner,
			acquired_at = excluded.acquired_at,
			expires_at  = excluded.expires_at
		WHERE document_leases.expires_at <= excluded.acquired_at
		   OR document_leases.owner = excluded.owner`,
		documentID.String(), owner, now, now.Add(ttl))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		holder, expires := r.current(ctx, documentID)
		r.log.Debug("lease conflict", "doc_id", documentID, "holder", holder)
		return &LeaseConflictError{DocumentID: documentID, Owner: holder, ExpiresAt: expires}
	}
	r.log.Debug("lease acquired", "doc_id", documentID, "owner", owner, "ttl", ttl)
	return nil
}

func (r *leaseRepo) Renew(ctx context.Context, documentID uuid.UUID, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := r.db.SQL.ExecContext(ctx, `
		UPDATE document_leases SET expires_at = $1
		WHERE document_id = $2 AND owner = $3`,
		now.Add(ttl), documentID.String(), owner)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		holder, expires := r.current(ctx, documentID)
		return &LeaseConflictError{DocumentID: documentID, Owner: holder, ExpiresAt: expires}
	}
	return nil
}

func (r *leaseRepo) Release(ctx context.Context, documentID uuid.UUID, owner string) error {
	_, err := r.db.SQL.ExecContext(ctx, `
		DELETE FROM document_leases WHERE document_id = $1 AND owner = $2`,
		documentID.String(), owner)
	if err == nil {
		r.log.Debug("lease released", "doc_id", documentID, "owner", owner)
	}
	return err
}

func (r *leaseRepo) current(ctx context.Context, documentID uuid.UUID) (string, time.Time) {
	var owner string
	var expires time.Time
	err := r.db.SQL.QueryRowContext(ctx, `
		SELECT owner, expires_at FROM document_leases WHERE document_id = $1`,
		documentID.String()).Scan(&owner, &expires)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		r.log.Warn("lease lookup failed", "doc_id", documentID, "err", err)
	}
	return owner, expires
}
