// Package notify fans out checkpoint transitions to in-process subscribers.
// Every checkpoint write the orchestrator makes produces one event here, so
// a status consumer never needs to poll the database.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
)

// Event is one step status transition for one document.
type Event struct {
	DocumentID uuid.UUID                  `json:"document_id"`
	Step       constants.Step             `json:"step"`
	Status     constants.CheckpointStatus `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
}

// Bus is a synchronous in-process event bus. Subscribers must not block;
// anything slow should hand off to its own goroutine.
type Bus struct {
	mu     sync.RWMutex
	subs   []func(Event)
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Subscribe registers a handler for every future event.
func (b *Bus) Subscribe(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish emits one transition to the log and all subscribers.
func (b *Bus) Publish(documentID uuid.UUID, step constants.Step, status constants.CheckpointStatus) {
	ev := Event{
		DocumentID: documentID,
		Step:       step,
		Status:     status,
		Timestamp:  time.Now().UTC(),
	}
	b.logger.Info("notify.event",
		"doc_id", ev.DocumentID,
		"step", string(ev.Step),
		"status", string(ev.Status))

	b.mu.RLock()
	subs := append([]func(Event){}, b.subs...)
	b.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}
