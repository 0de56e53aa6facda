package mcpconn

import "time"

// EventKind identifies a diagnostic event.
type EventKind string

// Diagnostic events emitted through an EventSink.
const (
	EventStateChanged       EventKind = "state_changed"
	EventMalformedFrame     EventKind = "malformed_frame"
	EventUnknownResponse    EventKind = "unknown_response"
	EventHealthCheckFailed  EventKind = "health_check_failed"
	EventReconnectAttempt   EventKind = "reconnect_attempt"
	EventReconnectSucceeded EventKind = "reconnect_succeeded"
	EventReconnectFailed    EventKind = "reconnect_failed"
	EventRetriesExhausted   EventKind = "retries_exhausted"
	EventCloseFailed        EventKind = "close_failed"
	EventSamplingFailed     EventKind = "sampling_failed"
	EventElicitationFailed  EventKind = "elicitation_failed"
)

// Event is a structured diagnostic record. Fields that do not apply to a kind are zero.
type Event struct {
	Time      time.Time
	Kind      EventKind
	Server    string
	SessionID string
	From      State
	To        State
	Attempt   int
	Delay     time.Duration
	Err       error
}

// EventSink receives diagnostic events. Implementations must not block; they are called
// synchronously from connection goroutines.
type EventSink func(Event)

func (s EventSink) emit(e Event) {
	if s == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s(e)
}
