package runcontract

import (
	"encoding/json"
	"time"
)

// ToolResultSnapshot is the observable state of one tool call. There is
// exactly one snapshot per tool-call id; it is mutated in place while the
// call runs and frozen once the status is terminal.
type ToolResultSnapshot struct {
	CallID         string              `json:"call_id"`
	ToolName       string              `json:"tool_name"`
	Status         ToolStatus          `json:"status"`
	Arguments      json.RawMessage     `json:"arguments,omitempty"`
	Result         json.RawMessage     `json:"result,omitempty"`
	Error          *ToolError          `json:"error,omitempty"`
	Events         []ToolTimelineEvent `json:"events,omitempty"`
	StartedAt      time.Time           `json:"started_at,omitzero"`
	CompletedAt    time.Time           `json:"completed_at,omitzero"`
	LastObservedAt time.Time           `json:"last_observed_at,omitzero"`
	Metrics        ToolMetrics         `json:"metrics,omitzero"`
	Schema         *ToolSchema         `json:"schema,omitempty"`
}

// MarkEvent appends a lifecycle marker timestamped now. See MarkEventAt.
func (s *ToolResultSnapshot) MarkEvent(kind ToolEventKind, message string) {
	s.MarkEventAt(kind, time.Now().UTC(), message)
}

// MarkEventAt appends a lifecycle marker at the given instant. The first
// started marker pins StartedAt; completed and failed markers pin
// CompletedAt and derive DurationSeconds when a start is known. Negative
// clock skew leaves the duration unset.
func (s *ToolResultSnapshot) MarkEventAt(kind ToolEventKind, at time.Time, message string) {
	s.Events = append(s.Events, ToolTimelineEvent{Kind: kind, OccurredAt: at, Message: message})
	if kind == ToolEventStarted && s.StartedAt.IsZero() {
		s.StartedAt = at
	}
	s.LastObservedAt = at
	if kind == ToolEventCompleted || kind == ToolEventFailed {
		s.CompletedAt = at
		if !s.StartedAt.IsZero() {
			if d := at.Sub(s.StartedAt); d >= 0 {
				s.Metrics.DurationSeconds = d.Seconds()
			}
		}
	}
}

// Clone returns a deep copy safe to hand to observers while the original
// keeps mutating.
func (s *ToolResultSnapshot) Clone() *ToolResultSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	if s.Events != nil {
		out.Events = append([]ToolTimelineEvent(nil), s.Events...)
	}
	if s.Arguments != nil {
		out.Arguments = append(json.RawMessage(nil), s.Arguments...)
	}
	if s.Result != nil {
		out.Result = append(json.RawMessage(nil), s.Result...)
	}
	if s.Error != nil {
		errCopy := *s.Error
		out.Error = &errCopy
	}
	return &out
}
