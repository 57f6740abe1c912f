package agent

import (
	"context"
	"encoding/json"

	"github.com/reqline/agentcore/pkg/cancel"
	"github.com/reqline/agentcore/pkg/runcontract"
	"github.com/reqline/agentcore/pkg/toolservice"
)

// Stop reason codes surfaced in Diagnostic.StopReason.
const (
	StopMaxToolErrors      = "max_consecutive_tool_errors"
	StopMaxThoughtSteps    = "max_thought_steps"
	StopParseError         = "parse_error"
	StopTransportExhausted = "transport_exhausted"
	StopConsistencyError   = "consistency_error"
	StopCancelled          = "cancelled"
)

// Limits bounds one run. Read once at run start; a config reload mid-run
// never changes an active loop.
type Limits struct {
	// MaxConsecutiveToolErrors stops the loop after this many tool failures
	// with no intervening success. Non-positive disables the guard.
	MaxConsecutiveToolErrors int
	// MaxThoughtSteps bounds total LLM turns independent of tool outcomes.
	// Non-positive falls back to the default.
	MaxThoughtSteps int
	// MaxRetries bounds transport retries per LLM call.
	MaxRetries int
}

// RunParams is one caller-initiated run: the initial conversation, the
// optional selected item for argument injection, and the cancellation token.
type RunParams struct {
	SessionKey string
	Messages   []runcontract.ConversationMessage
	// SelectedItemID, when set, may be injected once into a tool call that
	// omits the selected-item argument. The substitution is logged as a
	// synthetic event so replay never attributes it to the model.
	SelectedItemID string
	Cancellation   *cancel.Token
	// RequestID enables idempotent resubmission through the run queue.
	RequestID string
	// Callbacks override the runner-level callbacks for this run only.
	Callbacks Callbacks
	// Limits, when set, replace the runner-level limits for this run. The
	// composition root uses this to apply a reloaded config at the run
	// boundary without rebuilding the runner.
	Limits *Limits
}

// ToolService is the tool-side collaborator contract. *toolservice.Client
// satisfies it; tests substitute fakes.
type ToolService interface {
	BeginRun()
	EnsureReady(ctx context.Context) error
	CallTool(ctx context.Context, name string, arguments json.RawMessage, idempotencyToken string) (*toolservice.Result, error)
}

// Callbacks stream run progress to transcript renderers while the run is in
// flight. Both are optional and invoked from the runner goroutine.
type Callbacks struct {
	OnLLMStep    func(step runcontract.LlmStep)
	OnToolResult func(snapshot runcontract.ToolResultSnapshot)
}
