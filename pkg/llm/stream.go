package llm

import (
	"fmt"
	"strings"

	"github.com/reqline/agentcore/pkg/runcontract"
)

// toolCallAccumulator stitches indexed tool-call deltas from a stream back
// into whole calls. Argument fragments concatenate in arrival order; id and
// name stick once seen.
type toolCallAccumulator struct {
	drafts map[int]*toolCallDraft
	order  []int
}

type toolCallDraft struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{drafts: make(map[int]*toolCallDraft)}
}

func (a *toolCallAccumulator) add(index int, id, name, argsFragment string) {
	draft, ok := a.drafts[index]
	if !ok {
		draft = &toolCallDraft{}
		a.drafts[index] = draft
		a.order = append(a.order, index)
	}
	if id != "" {
		draft.id = id
	}
	if name != "" {
		draft.name = name
	}
	draft.args.WriteString(argsFragment)
}

// finalize decodes every named draft into a ToolCallRequest, repairing
// malformed argument payloads where possible. Drafts that never received a
// name are dropped; an id is synthesized when the stream omitted one.
func (a *toolCallAccumulator) finalize() ([]runcontract.ToolCallRequest, []*ArgumentRecovery, error) {
	var (
		calls      []runcontract.ToolCallRequest
		recoveries []*ArgumentRecovery
	)
	for i, index := range a.order {
		draft := a.drafts[index]
		if draft.name == "" {
			continue
		}
		id := draft.id
		if id == "" {
			id = fmt.Sprintf("tool_call_%d", i)
		}
		arguments, recovery, err := DecodeToolArguments(draft.args.String())
		if err != nil {
			return nil, nil, err
		}
		if recovery != nil {
			recoveries = append(recoveries, recovery)
		}
		calls = append(calls, runcontract.ToolCallRequest{ID: id, Name: draft.name, Arguments: arguments})
	}
	return calls, recoveries, nil
}
