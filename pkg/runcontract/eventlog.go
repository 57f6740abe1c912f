package runcontract

import (
	"fmt"
	"time"
)

// EventKind classifies one event-log entry.
type EventKind string

const (
	EventLLMStep       EventKind = "llm_step"
	EventToolCall      EventKind = "tool_call"
	EventToolResult    EventKind = "tool_result"
	EventAgentFinished EventKind = "agent_finished"
)

// EventLogEntry records one emission in the authoritative run order.
// StepSequence references an LlmStep for llm_step entries; CallID references
// a tool snapshot for tool entries. Synthetic marks runner-injected events
// so replay never attributes them to the model.
type EventLogEntry struct {
	Kind         EventKind `json:"kind"`
	Sequence     int       `json:"sequence"`
	OccurredAt   time.Time `json:"occurred_at"`
	StepSequence int       `json:"step_sequence,omitempty"`
	CallID       string    `json:"call_id,omitempty"`
	Synthetic    bool      `json:"synthetic,omitempty"`
	Note         string    `json:"note,omitempty"`
}

// ConsistencyError reports an internal invariant violation in the run
// contract. It is always fatal and never silently patched.
type ConsistencyError struct {
	Reason   string
	Sequence int
	CallID   string
}

func (e *ConsistencyError) Error() string {
	msg := "run contract violation: " + e.Reason
	if e.Sequence != 0 {
		msg += fmt.Sprintf(" (sequence %d)", e.Sequence)
	}
	if e.CallID != "" {
		msg += fmt.Sprintf(" (call %s)", e.CallID)
	}
	return msg
}

// EventLog is the append-only emission record of a run. It owns sequence
// assignment: entries appended with a zero Sequence receive the next
// monotonic value, and explicit sequences are rejected on collision.
type EventLog struct {
	entries []EventLogEntry
	nextSeq int
	seen    map[int]struct{}
	calls   map[string]struct{}
	steps   map[int]struct{}
}

// NewEventLog creates an empty log whose first assigned sequence is 1.
func NewEventLog() *EventLog {
	return &EventLog{
		nextSeq: 1,
		seen:    make(map[int]struct{}),
		calls:   make(map[string]struct{}),
		steps:   make(map[int]struct{}),
	}
}

// Append adds one entry, assigning a sequence when the entry carries none.
// A duplicate sequence or a tool_result referencing a call id that never
// appeared as a tool_call is a ConsistencyError.
func (l *EventLog) Append(entry EventLogEntry) (EventLogEntry, error) {
	if entry.Sequence == 0 {
		entry.Sequence = l.nextSeq
	} else if _, dup := l.seen[entry.Sequence]; dup {
		return EventLogEntry{}, &ConsistencyError{Reason: "duplicate event sequence", Sequence: entry.Sequence}
	}

	switch entry.Kind {
	case EventLLMStep:
		if entry.StepSequence <= 0 {
			return EventLogEntry{}, &ConsistencyError{Reason: "llm_step event without step reference", Sequence: entry.Sequence}
		}
		l.steps[entry.StepSequence] = struct{}{}
	case EventToolCall:
		if entry.CallID == "" {
			return EventLogEntry{}, &ConsistencyError{Reason: "tool_call event without call id", Sequence: entry.Sequence}
		}
		l.calls[entry.CallID] = struct{}{}
	case EventToolResult:
		if entry.CallID == "" {
			return EventLogEntry{}, &ConsistencyError{Reason: "tool_result event without call id", Sequence: entry.Sequence}
		}
		if _, ok := l.calls[entry.CallID]; !ok {
			return EventLogEntry{}, &ConsistencyError{Reason: "tool_result references unknown call", Sequence: entry.Sequence, CallID: entry.CallID}
		}
	case EventAgentFinished:
	default:
		return EventLogEntry{}, &ConsistencyError{Reason: "unknown event kind " + string(entry.Kind), Sequence: entry.Sequence}
	}

	l.seen[entry.Sequence] = struct{}{}
	if entry.Sequence >= l.nextSeq {
		l.nextSeq = entry.Sequence + 1
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Entries returns the log in emission order. The returned slice is a copy.
func (l *EventLog) Entries() []EventLogEntry {
	return append([]EventLogEntry(nil), l.entries...)
}

// Len returns the number of recorded entries.
func (l *EventLog) Len() int {
	return len(l.entries)
}
