package timeline

import (
	"sort"

	"github.com/reqline/agentcore/pkg/runcontract"
)

// Canonicalize builds the canonical timeline for a run payload. The event
// log dictates the order; LLM steps and tool snapshots the log does not
// reference are appended by their intrinsic sequence before the closing
// agent_finished entry. Repeated log references to one step or one tool
// call collapse into a single entry, and a terminal snapshot missing its
// tool_result emission gets one synthesized directly after its tool_call
// so replay shows no gap.
func Canonicalize(payload *runcontract.AgentRunPayload) []runcontract.TimelineEntry {
	if payload == nil {
		return nil
	}

	var (
		drafts       []runcontract.TimelineEntry
		seenSteps    = make(map[int]int)    // step sequence -> draft index
		seenCalls    = make(map[string]int) // call id -> tool_call draft index
		seenResults  = make(map[string]struct{})
		seenFinished bool
	)

	statusOf := func(callID string) runcontract.ToolStatus {
		if snap, ok := payload.ToolResults[callID]; ok && snap != nil {
			return snap.Status
		}
		return ""
	}

	for _, event := range payload.EventLog {
		switch event.Kind {
		case runcontract.EventLLMStep:
			if _, dup := seenSteps[event.StepSequence]; dup {
				continue
			}
			seenSteps[event.StepSequence] = len(drafts)
			drafts = append(drafts, runcontract.TimelineEntry{
				Kind:         runcontract.EventLLMStep,
				OccurredAt:   event.OccurredAt,
				StepSequence: event.StepSequence,
			})
		case runcontract.EventToolCall:
			if idx, dup := seenCalls[event.CallID]; dup {
				if event.Synthetic {
					drafts[idx].Synthetic = true
				}
				continue
			}
			seenCalls[event.CallID] = len(drafts)
			drafts = append(drafts, runcontract.TimelineEntry{
				Kind:       runcontract.EventToolCall,
				OccurredAt: event.OccurredAt,
				CallID:     event.CallID,
				Synthetic:  event.Synthetic,
			})
		case runcontract.EventToolResult:
			if _, dup := seenResults[event.CallID]; dup {
				continue
			}
			if _, ok := seenCalls[event.CallID]; !ok {
				// Result without a recorded dispatch: synthesize the call
				// so the pair stays adjacent.
				seenCalls[event.CallID] = len(drafts)
				drafts = append(drafts, runcontract.TimelineEntry{
					Kind:       runcontract.EventToolCall,
					OccurredAt: event.OccurredAt,
					CallID:     event.CallID,
				})
			}
			seenResults[event.CallID] = struct{}{}
			drafts = append(drafts, runcontract.TimelineEntry{
				Kind:       runcontract.EventToolResult,
				OccurredAt: event.OccurredAt,
				CallID:     event.CallID,
				Status:     statusOf(event.CallID),
			})
		case runcontract.EventAgentFinished:
			if seenFinished {
				continue
			}
			seenFinished = true
			drafts = append(drafts, runcontract.TimelineEntry{
				Kind:       runcontract.EventAgentFinished,
				OccurredAt: event.OccurredAt,
			})
		}
	}

	drafts = synthesizeMissingResults(drafts, payload, seenResults)
	drafts = appendFallbacks(drafts, payload, seenSteps, seenCalls, seenResults)

	for i := range drafts {
		drafts[i].Sequence = i + 1
	}
	return drafts
}

// synthesizeMissingResults inserts a tool_result entry after each tool_call
// whose snapshot is terminal but whose result emission is absent from the
// log, as happens when a run is cut off mid-stream.
func synthesizeMissingResults(drafts []runcontract.TimelineEntry, payload *runcontract.AgentRunPayload, seenResults map[string]struct{}) []runcontract.TimelineEntry {
	out := make([]runcontract.TimelineEntry, 0, len(drafts))
	for _, draft := range drafts {
		out = append(out, draft)
		if draft.Kind != runcontract.EventToolCall {
			continue
		}
		if _, done := seenResults[draft.CallID]; done {
			continue
		}
		snap, ok := payload.ToolResults[draft.CallID]
		if !ok || snap == nil || !snap.Status.Terminal() {
			continue
		}
		seenResults[draft.CallID] = struct{}{}
		out = append(out, runcontract.TimelineEntry{
			Kind:       runcontract.EventToolResult,
			OccurredAt: snap.CompletedAt,
			CallID:     draft.CallID,
			Status:     snap.Status,
		})
	}
	return out
}

// appendFallbacks adds trace steps and snapshots the event log never
// referenced, ordered by intrinsic sequence, keeping any agent_finished
// entry last.
func appendFallbacks(drafts []runcontract.TimelineEntry, payload *runcontract.AgentRunPayload, seenSteps map[int]int, seenCalls map[string]int, seenResults map[string]struct{}) []runcontract.TimelineEntry {
	var extra []runcontract.TimelineEntry

	missingSteps := make([]runcontract.LlmStep, 0)
	for _, step := range payload.LlmTrace {
		if _, ok := seenSteps[step.Sequence]; !ok {
			missingSteps = append(missingSteps, step)
		}
	}
	sort.Slice(missingSteps, func(i, j int) bool {
		return missingSteps[i].Sequence < missingSteps[j].Sequence
	})
	for _, step := range missingSteps {
		extra = append(extra, runcontract.TimelineEntry{
			Kind:         runcontract.EventLLMStep,
			OccurredAt:   step.OccurredAt,
			StepSequence: step.Sequence,
		})
	}

	for _, callID := range payload.ToolOrder {
		snap, ok := payload.ToolResults[callID]
		if !ok || snap == nil {
			continue
		}
		if _, ok := seenCalls[callID]; !ok {
			extra = append(extra, runcontract.TimelineEntry{
				Kind:       runcontract.EventToolCall,
				OccurredAt: snap.StartedAt,
				CallID:     callID,
			})
			if snap.Status.Terminal() {
				extra = append(extra, runcontract.TimelineEntry{
					Kind:       runcontract.EventToolResult,
					OccurredAt: snap.CompletedAt,
					CallID:     callID,
					Status:     snap.Status,
				})
			}
			continue
		}
		if _, done := seenResults[callID]; !done && snap.Status.Terminal() {
			extra = append(extra, runcontract.TimelineEntry{
				Kind:       runcontract.EventToolResult,
				OccurredAt: snap.CompletedAt,
				CallID:     callID,
				Status:     snap.Status,
			})
		}
	}

	if len(extra) == 0 {
		return drafts
	}
	if n := len(drafts); n > 0 && drafts[n-1].Kind == runcontract.EventAgentFinished {
		out := make([]runcontract.TimelineEntry, 0, n+len(extra))
		out = append(out, drafts[:n-1]...)
		out = append(out, extra...)
		return append(out, drafts[n-1])
	}
	return append(drafts, extra...)
}

// FromEntries re-canonicalizes an existing timeline: duplicates collapse,
// order follows the stored sequence, and sequences are reassigned to a
// contiguous range. Applying it to its own output changes nothing.
func FromEntries(entries []runcontract.TimelineEntry) []runcontract.TimelineEntry {
	sorted := append([]runcontract.TimelineEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	var (
		out         []runcontract.TimelineEntry
		seenSteps   = make(map[int]struct{})
		seenCalls   = make(map[string]struct{})
		seenResults = make(map[string]struct{})
		finished    bool
	)
	for _, entry := range sorted {
		switch entry.Kind {
		case runcontract.EventLLMStep:
			if _, dup := seenSteps[entry.StepSequence]; dup {
				continue
			}
			seenSteps[entry.StepSequence] = struct{}{}
		case runcontract.EventToolCall:
			if _, dup := seenCalls[entry.CallID]; dup {
				continue
			}
			seenCalls[entry.CallID] = struct{}{}
		case runcontract.EventToolResult:
			if _, dup := seenResults[entry.CallID]; dup {
				continue
			}
			seenResults[entry.CallID] = struct{}{}
		case runcontract.EventAgentFinished:
			if finished {
				continue
			}
			finished = true
		default:
			continue
		}
		out = append(out, entry)
	}

	for i := range out {
		out[i].Sequence = i + 1
	}
	return out
}
