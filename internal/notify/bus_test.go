package notify

import (
	"testing"

	"github.com/google/uuid"

	"github.com/intakehub/docpipe/constants"
)

func TestBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	var first, second []Event
	bus.Subscribe(func(ev Event) { first = append(first, ev) })
	bus.Subscribe(func(ev Event) { second = append(second, ev) })

	id := uuid.New()
	bus.Publish(id, constants.StepOCR, constants.CheckpointRunning)
	bus.Publish(id, constants.StepOCR, constants.CheckpointComplete)

	for _, got := range [][]Event{first, second} {
		if len(got) != 2 {
			t.Fatalf("expected 2 events, got %d", len(got))
		}
		if got[0].Status != constants.CheckpointRunning || got[1].Status != constants.CheckpointComplete {
			t.Fatalf("wrong order: %v", got)
		}
		if got[0].DocumentID != id || got[0].Step != constants.StepOCR {
			t.Fatalf("wrong payload: %+v", got[0])
		}
		if got[0].Timestamp.IsZero() {
			t.Fatal("timestamp must be set")
		}
	}
}
