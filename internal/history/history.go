// Package history exports session lifecycle events to external analytics
// systems.
package history

import (
	"context"
	"log/slog"
	"time"
)

// EventType defines the kind of session event.
type EventType string

const (
	EventLaunch   EventType = "launch"
	EventAttach   EventType = "attach"
	EventShip     EventType = "ship"
	EventDaemon   EventType = "daemon"
	EventRelease  EventType = "release"
	EventKill     EventType = "kill"
	EventFinalize EventType = "finalize"
)

// Event is one operation performed against a job or session.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Variant    string    `json:"variant"`
	JobID      string    `json:"job_id"`
	SessionID  string    `json:"session_id,omitempty"`
	// Count is the number of files shipped or daemons started.
	Count  int    `json:"count,omitempty"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Emit stamps e, records err on it and sends it to sink. Sink failures are
// logged and never reach the caller. A nil sink is allowed.
func Emit(ctx context.Context, sink Sink, log *slog.Logger, e Event, err error) {
	if sink == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err != nil {
		e.Error = err.Error()
	}
	if serr := sink.Send(ctx, e); serr != nil && log != nil {
		log.Warn("history sink", "event", string(e.Type), "job", e.JobID, "error", serr)
	}
}
