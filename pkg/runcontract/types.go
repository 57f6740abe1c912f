package runcontract

import (
	"encoding/json"
	"time"

	"github.com/reqline/agentcore/pkg/reasoning"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ConversationMessage is one entry of the model conversation. History is
// append-only; a message is never mutated after it joins the history.
type ConversationMessage struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

// ToolCallRequest is a model-requested tool invocation as produced by the
// response parser. ID is unique within a run.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolSchema describes one tool advertised to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusSucceeded ToolStatus = "succeeded"
	ToolStatusFailed    ToolStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ToolStatus) Terminal() bool {
	return s == ToolStatusSucceeded || s == ToolStatusFailed
}

// ToolEventKind labels one marker inside a tool execution.
type ToolEventKind string

const (
	ToolEventStarted   ToolEventKind = "started"
	ToolEventUpdate    ToolEventKind = "update"
	ToolEventCompleted ToolEventKind = "completed"
	ToolEventFailed    ToolEventKind = "failed"
)

// ToolTimelineEvent is one chronological marker reported for a tool
// execution.
type ToolTimelineEvent struct {
	Kind       ToolEventKind `json:"kind"`
	OccurredAt time.Time     `json:"occurred_at"`
	Message    string        `json:"message,omitempty"`
}

// ToolMetrics carries normalized execution metrics for a tool call.
type ToolMetrics struct {
	DurationSeconds float64        `json:"duration_seconds,omitempty"`
	Cost            map[string]any `json:"cost,omitempty"`
}

// ToolError is the structured failure payload relayed from the tool
// service or synthesized by the runner.
type ToolError struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// StepResponse is the logical shape of one LLM answer: visible text, tool
// call requests, and hidden reasoning segments.
type StepResponse struct {
	Content   string              `json:"content,omitempty"`
	ToolCalls []ToolCallRequest   `json:"tool_calls,omitempty"`
	Reasoning []reasoning.Segment `json:"reasoning,omitempty"`
}

// LlmStep is the immutable record of one LLM request/response cycle.
// Sequence is assigned at append time and increases monotonically.
type LlmStep struct {
	Sequence         int                   `json:"sequence"`
	OccurredAt       time.Time             `json:"occurred_at"`
	RequestMessages  []ConversationMessage `json:"request_messages"`
	Response         StepResponse          `json:"response"`
	MessagePreview   string                `json:"message_preview,omitempty"`
	ReasoningPreview string                `json:"reasoning_preview,omitempty"`
}

// StopReason explains why a run ended before a natural final answer.
type StopReason struct {
	Code    string         `json:"code"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Diagnostic aggregates failure context and retry counters for consumers.
type Diagnostic struct {
	Error                 *ToolError  `json:"error,omitempty"`
	StopReason            *StopReason `json:"stop_reason,omitempty"`
	ThoughtSteps          int         `json:"thought_steps,omitempty"`
	ConsecutiveToolErrors int         `json:"consecutive_tool_errors,omitempty"`
	ToolCalls             int         `json:"tool_calls,omitempty"`
	ToolErrors            int         `json:"tool_errors,omitempty"`
}

// RunStatus is the terminal outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// AgentRunPayload is the deterministic, serializable record of one run.
// It is mutable only through the Recorder while the run is in progress and
// frozen at finalization.
type AgentRunPayload struct {
	RunID       string                         `json:"run_id,omitempty"`
	OK          bool                           `json:"ok"`
	Status      RunStatus                      `json:"status"`
	ResultText  string                         `json:"result"`
	Reasoning   []reasoning.Segment            `json:"reasoning,omitempty"`
	ToolResults map[string]*ToolResultSnapshot `json:"tool_results,omitempty"`
	ToolOrder   []string                       `json:"tool_order,omitempty"`
	LastTool    *ToolResultSnapshot            `json:"last_tool,omitempty"`
	LlmTrace    []LlmStep                      `json:"llm_trace,omitempty"`
	EventLog    []EventLogEntry                `json:"event_log,omitempty"`
	Timeline    []TimelineEntry                `json:"timeline,omitempty"`
	Checksum    string                         `json:"timeline_checksum,omitempty"`
	Diagnostic  *Diagnostic                    `json:"diagnostic,omitempty"`
	ToolSchemas map[string]ToolSchema          `json:"tool_schemas,omitempty"`
}

// SnapshotsInOrder returns the tool snapshots in dispatch order.
func (p *AgentRunPayload) SnapshotsInOrder() []*ToolResultSnapshot {
	out := make([]*ToolResultSnapshot, 0, len(p.ToolOrder))
	for _, id := range p.ToolOrder {
		if snap, ok := p.ToolResults[id]; ok {
			out = append(out, snap)
		}
	}
	return out
}

// PreviewRuneLimit bounds the clipped previews stored on LlmStep.
const PreviewRuneLimit = 400

// Preview clips text to PreviewRuneLimit runes, appending an ellipsis when
// anything was removed.
func Preview(text string) string {
	runes := []rune(text)
	if len(runes) <= PreviewRuneLimit {
		return text
	}
	return string(runes[:PreviewRuneLimit]) + "…"
}
