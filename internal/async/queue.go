// Package async carries document work from the API surface to the worker
// pool. The queue is in-process; the checkpoint ledger makes a lost job
// harmless, a re-enqueue simply resumes from the last complete step.
package async

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job is one request to advance a document through its pipeline.
type Job struct {
	DocumentID  uuid.UUID
	SubmittedAt time.Time
	TraceID     string
}

type Queue interface {
	// Enqueue schedules the document, after an optional delay (used by the
	// retry manager for backoff).
	Enqueue(ctx context.Context, documentID uuid.UUID, delay time.Duration) error
	Shutdown(ctx context.Context)
}
