package history

import (
	"context"
	"time"

	"github.com/loykin/shellscope/internal/store"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
)

// Event represents a lifecycle transition exported to external systems.
// Duration is nil while the process is still running.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RecordID   int64     `json:"record_id,omitempty"`
	PID        int32     `json:"pid"`
	Child      string    `json:"child"`
	Parent     string    `json:"parent"`
	Args       string    `json:"args"`
	Suspicious bool      `json:"suspicious"`
	Status     string    `json:"status"`
	IsRunning  bool      `json:"is_running"`
	StartEpoch float64   `json:"start_time_epoch"`
	Duration   *float64  `json:"duration,omitempty"`
}

// FromRecord builds an event of type t for rec.
func FromRecord(t EventType, at time.Time, rec store.Record) Event {
	e := Event{
		Type:       t,
		OccurredAt: at,
		RecordID:   rec.ID,
		PID:        rec.PID,
		Child:      rec.Child,
		Parent:     rec.Parent,
		Args:       rec.Args,
		Suspicious: rec.Suspicious,
		Status:     string(rec.Status),
		IsRunning:  rec.IsRunning,
		StartEpoch: rec.StartEpoch,
	}
	if rec.Duration.Valid {
		d := rec.Duration.Float64
		e.Duration = &d
	}
	return e
}

// Sink is a destination for lifecycle events (analytics/SIEM systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
