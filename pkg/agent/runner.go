package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/reqline/agentcore/internal/observability"
	"github.com/reqline/agentcore/internal/tracing"
	"github.com/reqline/agentcore/pkg/cancel"
	"github.com/reqline/agentcore/pkg/commandqueue"
	"github.com/reqline/agentcore/pkg/llm"
	"github.com/reqline/agentcore/pkg/runcontract"
	"github.com/reqline/agentcore/pkg/timeline"
	"github.com/reqline/agentcore/pkg/toolservice"
)

const (
	defaultMaxThoughtSteps = 10
	defaultMaxRetries      = 3
	// defaultSelectedItemField is the argument name the selected-item
	// injection fills when the model omits it.
	defaultSelectedItemField = "rid"
)

// Config wires the runner's collaborators. LLM and Tools are required;
// everything else has a working default.
type Config struct {
	LLM     llm.Client
	Tools   ToolService
	Schemas []runcontract.ToolSchema
	Queue   *commandqueue.Queue
	Logger  zerolog.Logger
	Limits  Limits
	// Provider labels metrics, e.g. "openai" or "anthropic".
	Provider string
	// Streaming selects RespondStream over Respond.
	Streaming bool
	// SelectedItemField overrides the argument name filled by selected-item
	// injection. Defaults to "rid".
	SelectedItemField string
	Callbacks         Callbacks
	// NewIdempotencyToken overrides token generation, for deterministic tests.
	NewIdempotencyToken func() string
	// RetryBackoff overrides the delay before transport retry attempt n.
	RetryBackoff func(attempt int) time.Duration
}

// Runner executes agent runs. When a Queue is configured, runs are
// serialized through the single-slot run lane; otherwise they execute on the
// caller's goroutine.
type Runner struct {
	llm       llm.Client
	tools     ToolService
	schemas   []runcontract.ToolSchema
	schemaMap map[string]runcontract.ToolSchema
	queue     *commandqueue.Queue
	logger    zerolog.Logger
	limits    Limits
	provider  string
	streaming bool
	itemField string
	callbacks Callbacks
	newToken  func() string
	backoff   func(attempt int) time.Duration

	activeRuns map[string]*cancel.Token
	runsMu     sync.Mutex
}

// NewRunner validates the configuration and builds a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool service is required")
	}

	itemField := cfg.SelectedItemField
	if itemField == "" {
		itemField = defaultSelectedItemField
	}
	newToken := cfg.NewIdempotencyToken
	if newToken == nil {
		newToken = toolservice.NewIdempotencyToken
	}
	provider := cfg.Provider
	if provider == "" {
		provider = "unknown"
	}
	backoff := cfg.RetryBackoff
	if backoff == nil {
		backoff = func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		}
	}

	schemaMap := make(map[string]runcontract.ToolSchema, len(cfg.Schemas))
	for _, schema := range cfg.Schemas {
		schemaMap[schema.Name] = schema
	}

	return &Runner{
		llm:        cfg.LLM,
		tools:      cfg.Tools,
		schemas:    append([]runcontract.ToolSchema(nil), cfg.Schemas...),
		schemaMap:  schemaMap,
		queue:      cfg.Queue,
		logger:     cfg.Logger,
		limits:     cfg.Limits,
		provider:   provider,
		streaming:  cfg.Streaming,
		itemField:  itemField,
		callbacks:  cfg.Callbacks,
		newToken:   newToken,
		backoff:    backoff,
		activeRuns: make(map[string]*cancel.Token),
	}, nil
}

// Run executes one agent run. When a queue is configured the run is
// submitted to the single-slot run lane: a run arriving mid-run waits as
// pending and is dispatched when the active one finishes.
//
// The returned error is non-nil only for internal faults (consistency
// violations); ordinary failures and cancellation are encoded in the
// payload's Status and Diagnostic.
func (r *Runner) Run(ctx context.Context, params RunParams) (runcontract.AgentRunPayload, error) {
	if r.queue == nil {
		return r.execute(ctx, params)
	}

	var opts *commandqueue.TaskOptions
	if params.RequestID != "" {
		opts = &commandqueue.TaskOptions{RequestID: params.RequestID}
	}
	value, err := r.queue.EnqueueWithContext(ctx, commandqueue.RunLane, func(taskCtx context.Context) (any, error) {
		return r.execute(taskCtx, params)
	}, opts)
	if err != nil {
		if payload, ok := value.(runcontract.AgentRunPayload); ok {
			return payload, err
		}
		return runcontract.AgentRunPayload{}, err
	}
	return value.(runcontract.AgentRunPayload), nil
}

// Abort requests cancellation of the active run for a session key. It
// returns false when no run is active.
func (r *Runner) Abort(sessionKey string) bool {
	r.runsMu.Lock()
	tok, ok := r.activeRuns[sessionKey]
	r.runsMu.Unlock()
	if !ok {
		return false
	}
	tok.RequestCancel()
	return true
}

// IsRunning reports whether a run is active for the session key.
func (r *Runner) IsRunning(sessionKey string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	_, ok := r.activeRuns[sessionKey]
	return ok
}

// loopState carries the mutable state of one run through the turn loop.
type loopState struct {
	rec           *runcontract.Recorder
	messages      []runcontract.ConversationMessage
	limits        Limits
	thoughtSteps  int
	consecErrors  int
	placeholderID int
	injected      bool
	ceilingHit    bool
	lastToolErr   *runcontract.ToolError
}

func (r *Runner) execute(ctx context.Context, params RunParams) (runcontract.AgentRunPayload, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.NewRunContext(ctx)
	if params.SessionKey != "" {
		ctx = tracing.WithSessionKey(ctx, params.SessionKey)
	}
	ctx, span := tracing.StartSpan(
		ctx,
		"agentcore.agent",
		"agent.run",
		attribute.String("session_key", params.SessionKey),
		attribute.String("provider", r.provider),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	tok := params.Cancellation
	if tok == nil {
		tok = cancel.NewToken()
		params.Cancellation = tok
	}
	if params.SessionKey != "" {
		r.runsMu.Lock()
		r.activeRuns[params.SessionKey] = tok
		r.runsMu.Unlock()
		defer func() {
			r.runsMu.Lock()
			delete(r.activeRuns, params.SessionKey)
			r.runsMu.Unlock()
		}()
	}

	runStart := time.Now()
	st := &loopState{
		rec:      runcontract.NewRecorder(r.schemaMap, runcontract.WithRunID(tracing.GetRunID(ctx))),
		messages: append([]runcontract.ConversationMessage(nil), params.Messages...),
		limits:   r.limitsFor(params),
	}

	r.tools.BeginRun()
	if err := r.tools.EnsureReady(ctx); err != nil {
		observability.SetToolServiceReady(false)
		logger.Warn().Err(err).Msg("Tool service not ready at run start")
	} else {
		observability.SetToolServiceReady(true)
	}

	payload, err := r.loop(ctx, params, st, logger)
	observability.RecordAgentRun(r.provider, time.Since(runStart), payload.OK)
	observability.RecordRunAudit(ctx, payload.RunID, string(payload.Status), map[string]interface{}{
		"thought_steps": payload.Diagnostic.ThoughtSteps,
		"tool_calls":    payload.Diagnostic.ToolCalls,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return payload, err
}

func (r *Runner) loop(ctx context.Context, params RunParams, st *loopState, logger zerolog.Logger) (runcontract.AgentRunPayload, error) {
	maxSteps := st.limits.MaxThoughtSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxThoughtSteps
	}

	for {
		// Suspension point: cancellation observed before each model turn.
		if r.cancelled(ctx, params.Cancellation) {
			return r.sealCancelled(st), nil
		}
		if st.thoughtSteps >= maxSteps {
			return r.sealFailure(st, "run stopped: maximum thought steps reached",
				&runcontract.StopReason{Code: StopMaxThoughtSteps}), nil
		}

		stepStart := time.Now()
		resp, err := r.callModel(ctx, params, st.messages)
		if err != nil {
			observability.RecordLLMStep(r.provider, time.Since(stepStart), false)
			switch {
			case cancel.IsCancelled(err) || errors.Is(err, context.Canceled):
				return r.sealCancelled(st), nil
			case isParseError(err):
				if st.ceilingHit {
					// The turn after the ceiling is the last one even when
					// its response cannot be parsed.
					return r.sealFailure(st, "run stopped: consecutive tool errors reached the configured ceiling",
						&runcontract.StopReason{Code: StopMaxToolErrors}), nil
				}
				if done, payload, ferr := r.handleParseError(st, err); done {
					return payload, ferr
				}
				continue
			default:
				logger.Error().Err(err).Msg("Model call failed after retries")
				return r.sealFailure(st, "run stopped: model unreachable",
					&runcontract.StopReason{Code: StopTransportExhausted, Message: err.Error()}), nil
			}
		}
		observability.RecordLLMStep(r.provider, time.Since(stepStart), true)

		st.thoughtSteps++
		step, err := st.rec.RecordLLMStep(st.messages, resp)
		if err != nil {
			return r.sealConsistency(st, err)
		}
		st.rec.ExtendReasoning(resp.Reasoning)
		if cb := r.callbacksFor(params); cb.OnLLMStep != nil {
			cb.OnLLMStep(step)
		}

		if st.ceilingHit {
			// The turn after the ceiling is the model's chance to see the
			// failures; the run stops here regardless of its answer.
			text := resp.Content
			if text == "" {
				text = "run stopped: consecutive tool errors reached the configured ceiling"
			}
			return r.sealFailure(st, text,
				&runcontract.StopReason{Code: StopMaxToolErrors}), nil
		}

		if len(resp.ToolCalls) == 0 {
			return r.sealSuccess(st, resp.Content), nil
		}

		st.messages = append(st.messages, runcontract.ConversationMessage{
			Role:      runcontract.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			// Suspension point: no new tool dispatch once cancellation is
			// observed; calls already in flight drain and are recorded.
			if r.cancelled(ctx, params.Cancellation) {
				return r.sealCancelled(st), nil
			}

			call, note := r.maybeInjectSelectedItem(call, params, st)

			if _, err := st.rec.BeginTool(call); err != nil {
				return r.sealConsistency(st, err)
			}
			if note != "" {
				if err := st.rec.RecordSyntheticEvent(call.ID, note); err != nil {
					return r.sealConsistency(st, err)
				}
			}

			snapshot, err := r.invokeTool(ctx, st, call, logger)
			if err != nil {
				return r.sealConsistency(st, err)
			}
			if cb := r.callbacksFor(params); cb.OnToolResult != nil {
				cb.OnToolResult(*snapshot)
			}
		}

		// The ceiling is judged at the turn boundary: a success later in the
		// same turn breaks the streak before it counts.
		if st.limits.MaxConsecutiveToolErrors > 0 && st.consecErrors >= st.limits.MaxConsecutiveToolErrors {
			st.ceilingHit = true
		}
	}
}

// limitsFor resolves the effective limits for one run: per-run overrides win
// over the runner-level configuration.
func (r *Runner) limitsFor(params RunParams) Limits {
	if params.Limits != nil {
		return *params.Limits
	}
	return r.limits
}

// callbacksFor layers per-run callbacks over the runner-level ones.
func (r *Runner) callbacksFor(params RunParams) Callbacks {
	cb := r.callbacks
	if params.Callbacks.OnLLMStep != nil {
		cb.OnLLMStep = params.Callbacks.OnLLMStep
	}
	if params.Callbacks.OnToolResult != nil {
		cb.OnToolResult = params.Callbacks.OnToolResult
	}
	return cb
}

// invokeTool dispatches one tool call and records its outcome. The outcome
// is always recorded, even when cancellation arrived while the call was in
// flight. The returned error is a consistency fault only.
func (r *Runner) invokeTool(ctx context.Context, st *loopState, call runcontract.ToolCallRequest, logger zerolog.Logger) (*runcontract.ToolResultSnapshot, error) {
	start := time.Now()
	result, callErr := r.tools.CallTool(ctx, call.Name, call.Arguments, r.newToken())
	duration := time.Since(start)

	if callErr != nil {
		toolErr := toolservice.Normalize(callErr)
		snapshot, err := st.rec.MarkToolFailed(call.ID, toolErr, true)
		if err != nil {
			return nil, err
		}
		st.consecErrors++
		st.lastToolErr = &toolErr
		st.messages = append(st.messages, toolMessage(call.ID, toolErrorContent(toolErr)))
		observability.RecordToolCall(call.Name, duration, false)
		observability.RecordToolAudit(ctx, call.Name, "agent", "failed", map[string]interface{}{
			"call_id": call.ID,
			"code":    toolErr.Code,
		})
		var terr *toolservice.TransportError
		if errors.As(callErr, &terr) {
			observability.SetToolServiceReady(false)
		}
		logger.Warn().
			Str("tool", call.Name).
			Str("call_id", call.ID).
			Str("code", toolErr.Code).
			Msg("Tool call failed")
		return snapshot, nil
	}

	var metrics *runcontract.ToolMetrics
	if result != nil {
		metrics = result.Metrics
	}
	var payload json.RawMessage
	if result != nil {
		payload = result.Payload
	}
	snapshot, err := st.rec.MarkToolSucceeded(call.ID, payload, metrics)
	if err != nil {
		return nil, err
	}
	st.consecErrors = 0
	st.messages = append(st.messages, toolMessage(call.ID, string(payload)))
	observability.RecordToolCall(call.Name, duration, true)
	observability.RecordToolAudit(ctx, call.Name, "agent", "succeeded", map[string]interface{}{
		"call_id": call.ID,
	})
	return snapshot, nil
}

// callModel performs one model turn with bounded retry on transport errors.
// Parse errors and cancellation are returned immediately.
func (r *Runner) callModel(ctx context.Context, params RunParams, messages []runcontract.ConversationMessage) (runcontract.StepResponse, error) {
	req := llm.Request{
		Messages:     messages,
		Tools:        r.schemas,
		Cancellation: params.Cancellation,
	}
	maxRetries := r.limitsFor(params).MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		var resp runcontract.StepResponse
		var err error
		if r.streaming {
			resp, err = r.llm.RespondStream(ctx, req)
		} else {
			resp, err = r.llm.Respond(ctx, req)
		}
		if err == nil {
			return resp, nil
		}
		if cancel.IsCancelled(err) || errors.Is(err, context.Canceled) || isParseError(err) {
			return runcontract.StepResponse{}, err
		}
		lastErr = err

		if attempt == maxRetries-1 {
			break
		}
		// Suspension point: retry backoff observes cancellation.
		select {
		case <-ctx.Done():
			return runcontract.StepResponse{}, ctx.Err()
		case <-params.Cancellation.Done():
			return runcontract.StepResponse{}, cancel.ErrCancelled
		case <-time.After(r.backoff(attempt)):
		}
	}
	return runcontract.StepResponse{}, fmt.Errorf("model call failed after %d attempts: %w", maxRetries, lastErr)
}

// handleParseError records a placeholder failed snapshot and a tool message
// so the model can self-correct on its next turn. The consecutive-error
// ceiling governs how long this is tolerated. done=true means the run ends.
func (r *Runner) handleParseError(st *loopState, perr error) (bool, runcontract.AgentRunPayload, error) {
	st.placeholderID++
	st.thoughtSteps++
	callID := fmt.Sprintf("invalid_tool_call_%d", st.placeholderID)

	call := runcontract.ToolCallRequest{
		ID:        callID,
		Name:      "invalid_tool_call",
		Arguments: json.RawMessage(`{}`),
	}
	if _, err := st.rec.BeginTool(call); err != nil {
		payload, ferr := r.sealConsistency(st, err)
		return true, payload, ferr
	}
	toolErr := runcontract.ToolError{Code: toolservice.CodeValidation, Message: perr.Error()}
	if _, err := st.rec.MarkToolFailed(callID, toolErr, true); err != nil {
		payload, ferr := r.sealConsistency(st, err)
		return true, payload, ferr
	}
	st.consecErrors++
	st.lastToolErr = &toolErr
	st.messages = append(st.messages,
		runcontract.ConversationMessage{Role: runcontract.RoleAssistant, ToolCalls: []runcontract.ToolCallRequest{call}},
		toolMessage(callID, toolErrorContent(toolErr)),
	)

	if st.limits.MaxConsecutiveToolErrors > 0 && st.consecErrors >= st.limits.MaxConsecutiveToolErrors {
		st.ceilingHit = true
	}
	return false, runcontract.AgentRunPayload{}, nil
}

// maybeInjectSelectedItem fills the selected-item argument once per run when
// the model omitted it on a tool whose schema asks for it. Returns the
// possibly-rewritten call and a non-empty note when injection happened.
func (r *Runner) maybeInjectSelectedItem(call runcontract.ToolCallRequest, params RunParams, st *loopState) (runcontract.ToolCallRequest, string) {
	if params.SelectedItemID == "" || st.injected {
		return call, ""
	}
	schema, ok := r.schemaMap[call.Name]
	if !ok || !schemaWantsField(schema, r.itemField) {
		return call, ""
	}

	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return call, ""
		}
	}
	if _, present := args[r.itemField]; present {
		return call, ""
	}

	args[r.itemField] = params.SelectedItemID
	rewritten, err := json.Marshal(args)
	if err != nil {
		return call, ""
	}
	call.Arguments = rewritten
	st.injected = true
	return call, fmt.Sprintf("injected %s=%s from current selection", r.itemField, params.SelectedItemID)
}

func schemaWantsField(schema runcontract.ToolSchema, field string) bool {
	if schema.InputSchema == nil {
		return false
	}
	if required, ok := schema.InputSchema["required"].([]any); ok {
		for _, entry := range required {
			if name, ok := entry.(string); ok && name == field {
				return true
			}
		}
	}
	if properties, ok := schema.InputSchema["properties"].(map[string]any); ok {
		_, ok := properties[field]
		return ok
	}
	return false
}

func (r *Runner) cancelled(ctx context.Context, tok *cancel.Token) bool {
	return tok.Cancelled() || ctx.Err() != nil
}

// seal finalizes the recorder, canonicalizes the timeline, and stamps the
// checksum. The payload is frozen after this.
func (r *Runner) seal(st *loopState) runcontract.AgentRunPayload {
	st.rec.SetCounters(st.thoughtSteps, st.consecErrors)
	payload := st.rec.Payload()
	payload.Timeline = timeline.Canonicalize(&payload)
	payload.Checksum = timeline.Checksum(payload.Timeline)
	return payload
}

func (r *Runner) sealSuccess(st *loopState, text string) runcontract.AgentRunPayload {
	if text == "" {
		text = synthesizeFromReasoning(st)
	}
	st.rec.FinalizeSuccess(text)
	return r.seal(st)
}

func (r *Runner) sealFailure(st *loopState, message string, stop *runcontract.StopReason) runcontract.AgentRunPayload {
	st.rec.FinalizeFailure(message, st.lastToolErr, stop)
	return r.seal(st)
}

func (r *Runner) sealCancelled(st *loopState) runcontract.AgentRunPayload {
	st.rec.FinalizeCancelled("run cancelled")
	return r.seal(st)
}

// sealConsistency handles internal invariant violations: always fatal,
// always surfaced as an error alongside the partial payload.
func (r *Runner) sealConsistency(st *loopState, err error) (runcontract.AgentRunPayload, error) {
	payload := r.sealFailure(st, "run stopped: internal consistency violation",
		&runcontract.StopReason{Code: StopConsistencyError, Message: err.Error()})
	return payload, err
}

// synthesizeFromReasoning builds visible text when the model answered with
// tool calls only and never produced a final message.
func synthesizeFromReasoning(st *loopState) string {
	var parts []string
	for _, step := range st.rec.Trace() {
		for _, segment := range step.Response.Reasoning {
			if segment.Text != "" {
				parts = append(parts, segment.Text)
			}
		}
	}
	if len(parts) == 0 {
		return "(no visible answer was produced)"
	}
	return strings.Join(parts, "\n")
}

func toolMessage(callID, content string) runcontract.ConversationMessage {
	return runcontract.ConversationMessage{
		Role:       runcontract.RoleTool,
		Content:    content,
		ToolCallID: callID,
	}
}

func toolErrorContent(toolErr runcontract.ToolError) string {
	encoded, err := json.Marshal(map[string]any{"error": toolErr})
	if err != nil {
		return toolErr.Message
	}
	return string(encoded)
}

func isParseError(err error) bool {
	var perr *llm.ParseError
	return errors.As(err, &perr)
}
