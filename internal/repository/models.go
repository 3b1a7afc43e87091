package repository

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Row types returned by the stores. IDs are uuid values stored as text so
// the same SQL serves Postgres and sqlite.

type Document struct {
	ID          uuid.UUID
	Filename    string
	ContentRef  string
	ValueTier   string
	Source      *string
	ApplicantID *string
	DocType     *string
	// CancelRequested asks the next run to stop at its step boundary. It
	// lives on the document so a cancel lands no matter which step is in
	// flight when it is issued.
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Page struct {
	ID            uuid.UUID
	DocumentID    uuid.UUID
	PageNo        int
	ImageRef      *string
	OCRText       *string
	OCRConfidence *float64
	NativeText    *string
	HasTextLayer  bool
	CreatedAt     time.Time
}

// Text returns whichever text the page carries, OCR output first.
func (p *Page) Text() string {
	if p.OCRText != nil && *p.OCRText != "" {
		return *p.OCRText
	}
	if p.NativeText != nil {
		return *p.NativeText
	}
	return ""
}

type Field struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	FieldName  string
	FieldValue *string
	Confidence *float64
	BBox       json.RawMessage
	PageNo     *int
	Source     *string
	CreatedAt  time.Time
}

type Table struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	PageNo     int
	TableNo    int
	Rows       json.RawMessage
	Method     *string
	CreatedAt  time.Time
}

type Checkpoint struct {
	ID           uuid.UUID
	DocumentID   uuid.UUID
	Step         string
	Status       string
	Attempts     int
	Detail       json.RawMessage
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DetailMap decodes the structured detail, returning an empty map when unset.
func (c *Checkpoint) DetailMap() map[string]any {
	out := map[string]any{}
	if len(c.Detail) > 0 {
		_ = json.Unmarshal(c.Detail, &out)
	}
	return out
}

type ReprocessTask struct {
	ID              uuid.UUID
	DocumentID      uuid.UUID
	Step            *string
	Attempts        int
	LastAttemptedAt *time.Time
	CreatedAt       time.Time
}

type AuditLog struct {
	ID         uuid.UUID
	DocumentID *uuid.UUID
	Action     string
	Actor      *string
	Detail     json.RawMessage
	CreatedAt  time.Time
}
