package repository

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
)

// LeaseConflictError means another worker already owns the document. Not a
// failure for the caller: re-queue and move on.
type LeaseConflictError struct {
	DocumentID uuid.UUID
	Owner      string
	ExpiresAt  time.Time
}

func (e *LeaseConflictError) Error() string {
	return fmt.Sprintf("document %s is leased by %s until %s", e.DocumentID, e.Owner, e.ExpiresAt.Format(time.RFC3339))
}

// InvalidStateError means an operation was requested against a document in an
// incompatible lifecycle state (e.g. reprocessing a queued document).
type InvalidStateError struct {
	DocumentID uuid.UUID
	State      constants.DocState
	Op         string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s document %s in state %s", e.Op, e.DocumentID, e.State)
}
