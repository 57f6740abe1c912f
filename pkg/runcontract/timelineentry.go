package runcontract

import "time"

// TimelineEntry is one row of the canonical run timeline. Sequence is the
// position in the canonical order; StepSequence and CallID reference the
// underlying LlmStep or tool snapshot.
type TimelineEntry struct {
	Kind         EventKind  `json:"kind"`
	Sequence     int        `json:"sequence"`
	OccurredAt   time.Time  `json:"occurred_at,omitzero"`
	StepSequence int        `json:"step_sequence,omitempty"`
	CallID       string     `json:"call_id,omitempty"`
	Status       ToolStatus `json:"status,omitempty"`
	Synthetic    bool       `json:"synthetic,omitempty"`
}
