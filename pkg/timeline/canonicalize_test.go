package timeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqline/agentcore/pkg/runcontract"
)

func recordedRun(t *testing.T) *runcontract.AgentRunPayload {
	t.Helper()
	current := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := runcontract.NewRecorder(nil, runcontract.WithClock(func() time.Time {
		current = current.Add(time.Second)
		return current
	}))

	callA := runcontract.ToolCallRequest{ID: "call-a", Name: "list_items"}
	callB := runcontract.ToolCallRequest{ID: "call-b", Name: "update_item", Arguments: json.RawMessage(`{"rid":"SYS-1"}`)}

	_, err := rec.RecordLLMStep(nil, runcontract.StepResponse{ToolCalls: []runcontract.ToolCallRequest{callA, callB}})
	require.NoError(t, err)
	_, err = rec.BeginTool(callA)
	require.NoError(t, err)
	_, err = rec.MarkToolSucceeded("call-a", json.RawMessage(`{"items":[]}`), nil)
	require.NoError(t, err)
	_, err = rec.BeginTool(callB)
	require.NoError(t, err)
	_, err = rec.MarkToolFailed("call-b", runcontract.ToolError{Message: "rid not found", Code: "VALIDATION_ERROR"}, true)
	require.NoError(t, err)
	_, err = rec.RecordLLMStep(nil, runcontract.StepResponse{Content: "done"})
	require.NoError(t, err)
	rec.FinalizeSuccess("done")

	payload := rec.Payload()
	return &payload
}

func TestCanonicalize(t *testing.T) {
	t.Run("should follow event log order exactly", func(t *testing.T) {
		payload := recordedRun(t)

		entries := Canonicalize(payload)

		require.Len(t, entries, 7)
		assert.Equal(t, runcontract.EventLLMStep, entries[0].Kind)
		assert.Equal(t, 1, entries[0].StepSequence)
		assert.Equal(t, runcontract.EventToolCall, entries[1].Kind)
		assert.Equal(t, "call-a", entries[1].CallID)
		assert.Equal(t, runcontract.EventToolResult, entries[2].Kind)
		assert.Equal(t, runcontract.ToolStatusSucceeded, entries[2].Status)
		assert.Equal(t, runcontract.EventToolCall, entries[3].Kind)
		assert.Equal(t, "call-b", entries[3].CallID)
		assert.Equal(t, runcontract.EventToolResult, entries[4].Kind)
		assert.Equal(t, runcontract.ToolStatusFailed, entries[4].Status)
		assert.Equal(t, runcontract.EventLLMStep, entries[5].Kind)
		assert.Equal(t, 2, entries[5].StepSequence)
		assert.Equal(t, runcontract.EventAgentFinished, entries[6].Kind)
	})

	t.Run("should assign contiguous sequences from one", func(t *testing.T) {
		entries := Canonicalize(recordedRun(t))

		for i, entry := range entries {
			assert.Equal(t, i+1, entry.Sequence)
		}
	})

	t.Run("should be idempotent over its own output", func(t *testing.T) {
		entries := Canonicalize(recordedRun(t))

		assert.Equal(t, entries, FromEntries(entries))
		assert.Equal(t, entries, FromEntries(FromEntries(entries)))
	})

	t.Run("should collapse duplicate entries on re-canonicalization", func(t *testing.T) {
		entries := Canonicalize(recordedRun(t))
		doubled := append(append([]runcontract.TimelineEntry(nil), entries...), entries...)

		assert.Equal(t, entries, FromEntries(doubled))
	})

	t.Run("should order re-canonicalization by sequence not wall clock", func(t *testing.T) {
		early := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
		late := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
		entries := []runcontract.TimelineEntry{
			{Kind: runcontract.EventLLMStep, Sequence: 1, StepSequence: 1, OccurredAt: late},
			{Kind: runcontract.EventToolCall, Sequence: 2, CallID: "call-a", OccurredAt: early},
		}

		got := FromEntries([]runcontract.TimelineEntry{entries[1], entries[0]})

		require.Len(t, got, 2)
		assert.Equal(t, runcontract.EventLLMStep, got[0].Kind)
		assert.Equal(t, runcontract.EventToolCall, got[1].Kind)
	})

	t.Run("should synthesize missing tool result for terminal snapshot", func(t *testing.T) {
		payload := recordedRun(t)
		// Simulate a mid-stream log that lost the result emissions.
		var trimmed []runcontract.EventLogEntry
		for _, event := range payload.EventLog {
			if event.Kind == runcontract.EventToolResult {
				continue
			}
			trimmed = append(trimmed, event)
		}
		payload.EventLog = trimmed

		entries := Canonicalize(payload)

		var kinds []runcontract.EventKind
		var ids []string
		for _, entry := range entries {
			kinds = append(kinds, entry.Kind)
			ids = append(ids, entry.CallID)
		}
		assert.Equal(t, []runcontract.EventKind{
			runcontract.EventLLMStep,
			runcontract.EventToolCall, runcontract.EventToolResult,
			runcontract.EventToolCall, runcontract.EventToolResult,
			runcontract.EventLLMStep,
			runcontract.EventAgentFinished,
		}, kinds)
		assert.Equal(t, "call-a", ids[2])
		assert.Equal(t, "call-b", ids[4])
	})

	t.Run("should fall back to intrinsic sequence for unlogged steps", func(t *testing.T) {
		payload := recordedRun(t)
		var trimmed []runcontract.EventLogEntry
		for _, event := range payload.EventLog {
			if event.Kind == runcontract.EventLLMStep && event.StepSequence == 2 {
				continue
			}
			trimmed = append(trimmed, event)
		}
		payload.EventLog = trimmed

		entries := Canonicalize(payload)

		// Step two reappears before agent_finished.
		assert.Equal(t, runcontract.EventLLMStep, entries[len(entries)-2].Kind)
		assert.Equal(t, 2, entries[len(entries)-2].StepSequence)
		assert.Equal(t, runcontract.EventAgentFinished, entries[len(entries)-1].Kind)
	})

	t.Run("should keep exactly one entry per step and per call", func(t *testing.T) {
		payload := recordedRun(t)

		entries := Canonicalize(payload)

		steps := make(map[int]int)
		calls := make(map[string]int)
		for _, entry := range entries {
			if entry.Kind == runcontract.EventLLMStep {
				steps[entry.StepSequence]++
			}
			if entry.Kind == runcontract.EventToolCall {
				calls[entry.CallID]++
			}
		}
		for seq, count := range steps {
			assert.Equal(t, 1, count, "step %d", seq)
		}
		for id, count := range calls {
			assert.Equal(t, 1, count, "call %s", id)
		}
	})

	t.Run("should flag injected calls as synthetic", func(t *testing.T) {
		current := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		rec := runcontract.NewRecorder(nil, runcontract.WithClock(func() time.Time {
			current = current.Add(time.Second)
			return current
		}))
		require.NoError(t, rec.RecordSyntheticEvent("call-x", "injected selected item id"))
		_, err := rec.BeginTool(runcontract.ToolCallRequest{ID: "call-x", Name: "get_item"})
		require.NoError(t, err)
		_, err = rec.MarkToolSucceeded("call-x", nil, nil)
		require.NoError(t, err)
		rec.FinalizeSuccess("done")
		payload := rec.Payload()

		entries := Canonicalize(&payload)

		var callEntries []runcontract.TimelineEntry
		for _, entry := range entries {
			if entry.Kind == runcontract.EventToolCall {
				callEntries = append(callEntries, entry)
			}
		}
		require.Len(t, callEntries, 1)
		assert.True(t, callEntries[0].Synthetic)
	})

	t.Run("should tolerate nil payload", func(t *testing.T) {
		assert.Nil(t, Canonicalize(nil))
	})
}
