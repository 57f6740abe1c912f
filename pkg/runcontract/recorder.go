package runcontract

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/reqline/agentcore/pkg/reasoning"
)

// Recorder collects the deterministic artefacts of one run: tool snapshots
// keyed by call id, the ordered LLM trace, aggregated reasoning, and the
// event log. It owns all sequence assignment. Methods are safe for
// concurrent observers, though history mutation is expected to come from
// the single runner goroutine.
type Recorder struct {
	mu        sync.Mutex
	log       *EventLog
	snapshots map[string]*ToolResultSnapshot
	order     []string
	excluded  map[string]struct{}
	trace     []LlmStep
	reasoning []reasoning.Segment
	schemas   map[string]ToolSchema

	runID      string
	resultText string
	ok         bool
	status     RunStatus
	diag       Diagnostic
	lastTool   *ToolResultSnapshot
	stepSeq    int
	finalized  bool

	now func() time.Time
}

// RecorderOption customizes Recorder construction.
type RecorderOption func(*Recorder)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithRunID stamps the payload with an externally assigned run identifier.
func WithRunID(id string) RecorderOption {
	return func(r *Recorder) { r.runID = id }
}

// NewRecorder creates a Recorder for one run. The schema map associates
// tool names with their advertised schemas for snapshot enrichment.
func NewRecorder(schemas map[string]ToolSchema, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		log:       NewEventLog(),
		snapshots: make(map[string]*ToolResultSnapshot),
		excluded:  make(map[string]struct{}),
		schemas:   make(map[string]ToolSchema, len(schemas)),
		status:    RunFailed,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for name, schema := range schemas {
		r.schemas[name] = schema
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordLLMStep appends one immutable LLM step to the trace and emits the
// matching llm_step event. Step sequences start at 1 and never repeat.
func (r *Recorder) RecordLLMStep(request []ConversationMessage, response StepResponse) (LlmStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stepSeq++
	step := LlmStep{
		Sequence:         r.stepSeq,
		OccurredAt:       r.now(),
		RequestMessages:  append([]ConversationMessage(nil), request...),
		Response:         response,
		MessagePreview:   Preview(response.Content),
		ReasoningPreview: Preview(reasoningPreviewText(response.Reasoning)),
	}
	if _, err := r.log.Append(EventLogEntry{
		Kind:         EventLLMStep,
		OccurredAt:   step.OccurredAt,
		StepSequence: step.Sequence,
	}); err != nil {
		return LlmStep{}, err
	}
	r.trace = append(r.trace, step)
	return step, nil
}

func reasoningPreviewText(segments []reasoning.Segment) string {
	if len(segments) == 0 {
		return ""
	}
	var out string
	for i, segment := range segments {
		if i > 0 {
			out += "\n"
		}
		out += segment.Text
	}
	return out
}

// ExtendReasoning appends finished reasoning segments from one turn so the
// final payload aggregates every turn, not only the last.
func (r *Recorder) ExtendReasoning(segments []reasoning.Segment) {
	if len(segments) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasoning = append(r.reasoning, segments...)
}

// BeginTool registers a running snapshot for the call and emits the
// tool_call event. A reused call id is a ConsistencyError.
func (r *Recorder) BeginTool(call ToolCallRequest) (*ToolResultSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.snapshots[call.ID]; exists {
		return nil, &ConsistencyError{Reason: "duplicate tool call id", CallID: call.ID}
	}
	snapshot := &ToolResultSnapshot{
		CallID:    call.ID,
		ToolName:  call.Name,
		Status:    ToolStatusRunning,
		Arguments: call.Arguments,
	}
	if schema, ok := r.schemas[call.Name]; ok {
		schemaCopy := schema
		snapshot.Schema = &schemaCopy
	}
	snapshot.MarkEventAt(ToolEventStarted, r.now(), "")
	if _, err := r.log.Append(EventLogEntry{
		Kind:       EventToolCall,
		OccurredAt: snapshot.StartedAt,
		CallID:     call.ID,
	}); err != nil {
		return nil, err
	}
	r.snapshots[call.ID] = snapshot
	r.order = append(r.order, call.ID)
	return snapshot, nil
}

// MarkToolSucceeded freezes the snapshot as succeeded with the service
// result and emits the tool_result event.
func (r *Recorder) MarkToolSucceeded(callID string, result json.RawMessage, metrics *ToolMetrics) (*ToolResultSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, ok := r.snapshots[callID]
	if !ok {
		return nil, &ConsistencyError{Reason: "result for unknown tool call", CallID: callID}
	}
	snapshot.Status = ToolStatusSucceeded
	snapshot.Result = result
	snapshot.Error = nil
	snapshot.MarkEventAt(ToolEventCompleted, r.now(), "")
	if metrics != nil {
		if metrics.DurationSeconds > 0 {
			snapshot.Metrics.DurationSeconds = metrics.DurationSeconds
		}
		if metrics.Cost != nil {
			snapshot.Metrics.Cost = metrics.Cost
		}
	}
	if _, err := r.log.Append(EventLogEntry{
		Kind:       EventToolResult,
		OccurredAt: snapshot.CompletedAt,
		CallID:     callID,
	}); err != nil {
		return nil, err
	}
	r.lastTool = snapshot
	delete(r.excluded, callID)
	r.diag.ToolCalls++
	return snapshot, nil
}

// MarkToolFailed freezes the snapshot as failed with the structured error
// and emits the tool_result event. includeInResults false hides the
// snapshot from the success-path result set while keeping it in the trace.
func (r *Recorder) MarkToolFailed(callID string, toolErr ToolError, includeInResults bool) (*ToolResultSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot, ok := r.snapshots[callID]
	if !ok {
		return nil, &ConsistencyError{Reason: "failure for unknown tool call", CallID: callID}
	}
	snapshot.Status = ToolStatusFailed
	snapshot.Result = nil
	errCopy := toolErr
	snapshot.Error = &errCopy
	snapshot.MarkEventAt(ToolEventFailed, r.now(), toolErr.Message)
	if _, err := r.log.Append(EventLogEntry{
		Kind:       EventToolResult,
		OccurredAt: snapshot.CompletedAt,
		CallID:     callID,
	}); err != nil {
		return nil, err
	}
	r.lastTool = snapshot
	if includeInResults {
		delete(r.excluded, callID)
	} else {
		r.excluded[callID] = struct{}{}
	}
	r.diag.ToolCalls++
	r.diag.ToolErrors++
	return snapshot, nil
}

// RecordSyntheticEvent logs a runner-injected event, such as a tool
// argument substituted from context, so replay never attributes it to the
// model.
func (r *Recorder) RecordSyntheticEvent(callID, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.log.Append(EventLogEntry{
		Kind:       EventToolCall,
		OccurredAt: r.now(),
		CallID:     callID,
		Synthetic:  true,
		Note:       note,
	})
	return err
}

// Snapshot returns a copy of the snapshot for the call id, or nil.
func (r *Recorder) Snapshot(callID string) *ToolResultSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshots[callID].Clone()
}

// Trace returns the LLM steps recorded so far.
func (r *Recorder) Trace() []LlmStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LlmStep(nil), r.trace...)
}

// SetCounters records the loop counters surfaced in the diagnostic block.
func (r *Recorder) SetCounters(thoughtSteps, consecutiveToolErrors int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diag.ThoughtSteps = thoughtSteps
	r.diag.ConsecutiveToolErrors = consecutiveToolErrors
}

// FinalizeSuccess marks the run succeeded with the visible result text.
func (r *Recorder) FinalizeSuccess(resultText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ok = true
	r.status = RunSucceeded
	r.resultText = resultText
	r.diag.Error = nil
	r.diag.StopReason = nil
}

// FinalizeFailure marks the run failed, recording the structured error and
// stop reason when present.
func (r *Recorder) FinalizeFailure(message string, toolErr *ToolError, stop *StopReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ok = false
	r.status = RunFailed
	r.resultText = message
	if toolErr != nil {
		errCopy := *toolErr
		r.diag.Error = &errCopy
	}
	if stop != nil {
		stopCopy := *stop
		r.diag.StopReason = &stopCopy
	}
}

// FinalizeCancelled marks the run cancelled. Cancellation is a terminal
// outcome carrying whatever partial state exists, not a fault.
func (r *Recorder) FinalizeCancelled(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ok = false
	r.status = RunCancelled
	r.resultText = message
	r.diag.StopReason = &StopReason{Code: "cancelled", Message: message}
}

// Payload freezes the run and returns the complete payload. The first call
// emits the agent_finished event; later calls return the same frozen data.
func (r *Recorder) Payload() AgentRunPayload {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.finalized {
		r.finalized = true
		// Append cannot fail here: the sequence is assigned by the log.
		r.log.Append(EventLogEntry{Kind: EventAgentFinished, OccurredAt: r.now()}) //nolint:errcheck
	}

	order := make([]string, 0, len(r.order))
	results := make(map[string]*ToolResultSnapshot, len(r.order))
	for _, id := range r.order {
		if _, skip := r.excluded[id]; skip {
			continue
		}
		order = append(order, id)
		results[id] = r.snapshots[id].Clone()
	}

	diag := r.diag
	payload := AgentRunPayload{
		RunID:      r.runID,
		OK:         r.ok,
		Status:     r.status,
		ResultText: r.resultText,
		Reasoning:  append([]reasoning.Segment(nil), r.reasoning...),
		ToolOrder:  order,
		LastTool:   r.lastTool.Clone(),
		LlmTrace:   append([]LlmStep(nil), r.trace...),
		EventLog:   r.log.Entries(),
		Diagnostic: &diag,
	}
	if len(results) > 0 {
		payload.ToolResults = results
	}
	if len(r.schemas) > 0 {
		payload.ToolSchemas = make(map[string]ToolSchema, len(r.schemas))
		for name, schema := range r.schemas {
			payload.ToolSchemas[name] = schema
		}
	}
	return payload
}
