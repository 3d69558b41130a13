package pipeline

import (
	"context"

	"github.com/rs/zerolog"
)

// EventType enumerates the events the Emit stage produces.
type EventType string

const (
	EventProcessingCompleted EventType = "processing_completed"
	EventTaskAutoAccepted    EventType = "task.auto_accepted"
	EventDealAutoAccepted    EventType = "deal.auto_accepted"
	EventRequiresReview      EventType = "requires_review"
)

// Event is a local-sink record produced exactly once per message, per the
// Emit stage's contract. Fields are a superset; consumers read only what
// their event type implies.
type Event struct {
	Type        EventType
	TenantID    string
	Fingerprint string
	EntityID    string
	EntityKind  string // "task" | "deal"
	Counts      map[string]int
}

// Emitter is the local sink for pipeline events. Implementations may write
// these to a log, a queue, or a webhook; the core only requires that Emit
// runs exactly once per message.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// LogEmitter is the default sink: structured log lines via zerolog,
// grounded on the teacher's own reliance on a single injected logger
// rather than a module-level one.
type LogEmitter struct {
	log zerolog.Logger
}

// NewLogEmitter constructs an Emitter that writes every event as a
// structured log line.
func NewLogEmitter(log zerolog.Logger) *LogEmitter {
	return &LogEmitter{log: log}
}

func (e *LogEmitter) Emit(ctx context.Context, event Event) {
	le := e.log.Info().
		Str("event", string(event.Type)).
		Str("tenant_id", event.TenantID).
		Str("fingerprint", event.Fingerprint)
	if event.EntityID != "" {
		le = le.Str("entity_id", event.EntityID).Str("entity_kind", event.EntityKind)
	}
	for k, v := range event.Counts {
		le = le.Int(k, v)
	}
	le.Msg("pipeline event")
}
