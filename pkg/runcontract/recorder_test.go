package runcontract

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqline/agentcore/pkg/reasoning"
)

func testClock() func() time.Time {
	current := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func TestRecorderLLMSteps(t *testing.T) {
	t.Run("should number steps from one", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))

		first, err := rec.RecordLLMStep(nil, StepResponse{Content: "a"})
		require.NoError(t, err)
		second, err := rec.RecordLLMStep(nil, StepResponse{Content: "b"})
		require.NoError(t, err)

		assert.Equal(t, 1, first.Sequence)
		assert.Equal(t, 2, second.Sequence)
	})

	t.Run("should snapshot request messages", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		history := []ConversationMessage{{Role: RoleUser, Content: "hi"}}

		step, err := rec.RecordLLMStep(history, StepResponse{Content: "hello"})
		require.NoError(t, err)
		history[0].Content = "mutated"

		assert.Equal(t, "hi", step.RequestMessages[0].Content)
	})

	t.Run("should store clipped previews", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))

		step, err := rec.RecordLLMStep(nil, StepResponse{
			Content:   "visible answer",
			Reasoning: []reasoning.Segment{{TypeLabel: "reasoning", Text: "because"}},
		})
		require.NoError(t, err)

		assert.Equal(t, "visible answer", step.MessagePreview)
		assert.Equal(t, "because", step.ReasoningPreview)
	})
}

func TestRecorderToolLifecycle(t *testing.T) {
	call := ToolCallRequest{ID: "call-1", Name: "list_items", Arguments: json.RawMessage(`{"doc":"x"}`)}

	t.Run("should record running snapshot with schema", func(t *testing.T) {
		schemas := map[string]ToolSchema{"list_items": {Name: "list_items", Description: "lists"}}
		rec := NewRecorder(schemas, WithClock(testClock()))

		snap, err := rec.BeginTool(call)
		require.NoError(t, err)

		assert.Equal(t, ToolStatusRunning, snap.Status)
		require.NotNil(t, snap.Schema)
		assert.Equal(t, "lists", snap.Schema.Description)
		assert.False(t, snap.StartedAt.IsZero())
	})

	t.Run("should reject duplicate call id", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		_, err := rec.BeginTool(call)
		require.NoError(t, err)

		_, err = rec.BeginTool(call)

		var cerr *ConsistencyError
		assert.ErrorAs(t, err, &cerr)
	})

	t.Run("should freeze succeeded snapshot with result", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		_, err := rec.BeginTool(call)
		require.NoError(t, err)

		snap, err := rec.MarkToolSucceeded("call-1", json.RawMessage(`{"items":[]}`), nil)
		require.NoError(t, err)

		assert.Equal(t, ToolStatusSucceeded, snap.Status)
		assert.JSONEq(t, `{"items":[]}`, string(snap.Result))
		assert.Nil(t, snap.Error)
		assert.Positive(t, snap.Metrics.DurationSeconds)
	})

	t.Run("should freeze failed snapshot with structured error", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		_, err := rec.BeginTool(call)
		require.NoError(t, err)

		snap, err := rec.MarkToolFailed("call-1", ToolError{Message: "bad args", Code: "VALIDATION_ERROR"}, true)
		require.NoError(t, err)

		assert.Equal(t, ToolStatusFailed, snap.Status)
		require.NotNil(t, snap.Error)
		assert.Equal(t, "VALIDATION_ERROR", snap.Error.Code)
	})

	t.Run("should reject result for unknown call", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))

		_, err := rec.MarkToolSucceeded("ghost", nil, nil)

		var cerr *ConsistencyError
		assert.ErrorAs(t, err, &cerr)
	})
}

func TestRecorderPayload(t *testing.T) {
	call := ToolCallRequest{ID: "call-1", Name: "list_items"}

	t.Run("should order event log by emission", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		_, err := rec.RecordLLMStep(nil, StepResponse{ToolCalls: []ToolCallRequest{call}})
		require.NoError(t, err)
		_, err = rec.BeginTool(call)
		require.NoError(t, err)
		_, err = rec.MarkToolSucceeded("call-1", nil, nil)
		require.NoError(t, err)
		rec.FinalizeSuccess("done")

		payload := rec.Payload()

		kinds := make([]EventKind, 0, len(payload.EventLog))
		for _, entry := range payload.EventLog {
			kinds = append(kinds, entry.Kind)
		}
		assert.Equal(t, []EventKind{EventLLMStep, EventToolCall, EventToolResult, EventAgentFinished}, kinds)
	})

	t.Run("should emit agent_finished exactly once", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		rec.FinalizeSuccess("done")

		first := rec.Payload()
		second := rec.Payload()

		assert.Equal(t, len(first.EventLog), len(second.EventLog))
		assert.Equal(t, EventAgentFinished, first.EventLog[len(first.EventLog)-1].Kind)
	})

	t.Run("should keep failed snapshots in a cancelled payload", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		_, err := rec.BeginTool(call)
		require.NoError(t, err)
		_, err = rec.MarkToolSucceeded("call-1", json.RawMessage(`"ok"`), nil)
		require.NoError(t, err)
		rec.FinalizeCancelled("stopped by user")

		payload := rec.Payload()

		assert.Equal(t, RunCancelled, payload.Status)
		assert.False(t, payload.OK)
		require.Contains(t, payload.ToolResults, "call-1")
		assert.Equal(t, ToolStatusSucceeded, payload.ToolResults["call-1"].Status)
		require.NotNil(t, payload.Diagnostic.StopReason)
		assert.Equal(t, "cancelled", payload.Diagnostic.StopReason.Code)
	})

	t.Run("should hide excluded snapshots from results", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		_, err := rec.BeginTool(call)
		require.NoError(t, err)
		_, err = rec.MarkToolFailed("call-1", ToolError{Message: "unparseable"}, false)
		require.NoError(t, err)
		rec.FinalizeSuccess("done")

		payload := rec.Payload()

		assert.NotContains(t, payload.ToolResults, "call-1")
		assert.Empty(t, payload.ToolOrder)
		// The emission record still shows the attempt.
		var sawResult bool
		for _, entry := range payload.EventLog {
			if entry.Kind == EventToolResult && entry.CallID == "call-1" {
				sawResult = true
			}
		}
		assert.True(t, sawResult)
	})

	t.Run("should aggregate reasoning across turns", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		rec.ExtendReasoning([]reasoning.Segment{{TypeLabel: "reasoning", Text: "first turn"}})
		rec.ExtendReasoning([]reasoning.Segment{{TypeLabel: "reasoning", Text: "second turn"}})
		rec.FinalizeSuccess("done")

		payload := rec.Payload()

		require.Len(t, payload.Reasoning, 2)
		assert.Equal(t, "first turn", payload.Reasoning[0].Text)
		assert.Equal(t, "second turn", payload.Reasoning[1].Text)
	})

	t.Run("should mark synthetic events", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		require.NoError(t, rec.RecordSyntheticEvent("call-1", "injected selected item id"))
		rec.FinalizeSuccess("done")

		payload := rec.Payload()

		require.NotEmpty(t, payload.EventLog)
		assert.True(t, payload.EventLog[0].Synthetic)
		assert.Equal(t, "injected selected item id", payload.EventLog[0].Note)
	})

	t.Run("should surface failure diagnostics", func(t *testing.T) {
		rec := NewRecorder(nil, WithClock(testClock()))
		rec.SetCounters(3, 2)
		rec.FinalizeFailure("too many tool errors",
			&ToolError{Message: "transport down", Code: "TRANSPORT_ERROR"},
			&StopReason{Code: "max_consecutive_tool_errors", Message: "ceiling reached"})

		payload := rec.Payload()

		assert.Equal(t, RunFailed, payload.Status)
		require.NotNil(t, payload.Diagnostic.Error)
		assert.Equal(t, "TRANSPORT_ERROR", payload.Diagnostic.Error.Code)
		require.NotNil(t, payload.Diagnostic.StopReason)
		assert.Equal(t, "max_consecutive_tool_errors", payload.Diagnostic.StopReason.Code)
		assert.Equal(t, 3, payload.Diagnostic.ThoughtSteps)
		assert.Equal(t, 2, payload.Diagnostic.ConsecutiveToolErrors)
	})
}
