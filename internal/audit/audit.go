// Package audit emits structured audit records for stream outcomes and
// interactive pauses. Recording is fire-and-forget: an audit failure must
// never surface into the event stream delivered to the caller.
package audit

import (
	"context"
	"time"

	"github.com/capitalize-ai/agent-gateway/internal/event"
)

// Record is one audit entry: a terminal event or an interactive pause.
type Record struct {
	SessionID string          `json:"session_id"`
	Provider  string          `json:"provider"`
	EventType event.Type      `json:"event_type"`
	ErrorKind event.ErrorKind `json:"error_kind,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	At        time.Time       `json:"at"`
}

// Sink receives audit records. Implementations must be safe for concurrent
// use and should not block the caller for long.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// NopSink discards all records.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Record) error { return nil }

// Summarize builds an audit record from a canonical event. Only terminal
// and interactive events are auditable; other types return false.
func Summarize(sessionID, provider string, ev event.Event) (Record, bool) {
	rec := Record{
		SessionID: sessionID,
		Provider:  provider,
		EventType: ev.Type,
		At:        time.Now(),
	}
	switch ev.Type {
	case event.TypeEnd:
		return rec, true
	case event.TypeError:
		rec.ErrorKind = ev.Error.Kind
		rec.Detail = ev.Error.Message
		return rec, true
	case event.TypeInteractive:
		rec.Detail = string(ev.Interactive.Kind)
		return rec, true
	}
	return Record{}, false
}
