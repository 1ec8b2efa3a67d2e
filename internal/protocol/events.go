package protocol

import "time"

// EventType identifies a session lifecycle or transcript event.
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventSegmentAppended EventType = "segment_appended"
	EventSessionStopped  EventType = "session_stopped"
	EventSummaryReady    EventType = "summary_ready"
	EventSessionError    EventType = "session_error"
)

// SegmentPayload carries one appended transcript segment.
type SegmentPayload struct {
	StartOffsetMS int64     `json:"start_offset_ms"`
	EndOffsetMS   int64     `json:"end_offset_ms"`
	Text          string    `json:"text"`
	ProducedAt    time.Time `json:"produced_at"`
}

// SummaryPayload carries the finished meeting summary.
type SummaryPayload struct {
	Text        string   `json:"text"`
	ActionItems []string `json:"action_items,omitempty"`
	KeyPoints   []string `json:"key_points,omitempty"`
}

// Event is the envelope published for downstream consumers such as a
// WebSocket broadcaster. Only the field matching the event type is set.
type Event struct {
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	State     string          `json:"state,omitempty"`
	Segment   *SegmentPayload `json:"segment,omitempty"`
	Summary   *SummaryPayload `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	Fatal     bool            `json:"fatal,omitempty"`
}

// Subject returns the NATS subject for the event under the given prefix.
func (e Event) Subject(prefix string) string {
	switch e.Type {
	case EventSessionStarted:
		return prefix + ".started"
	case EventSegmentAppended:
		return prefix + ".segment"
	case EventSessionStopped:
		return prefix + ".stopped"
	case EventSummaryReady:
		return prefix + ".summary"
	case EventSessionError:
		return prefix + ".error"
	}
	return prefix + ".event"
}
