package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"

	"github.com/reqline/agentcore/internal/observability"
	"github.com/reqline/agentcore/pkg/cancel"
	"github.com/reqline/agentcore/pkg/reasoning"
	"github.com/reqline/agentcore/pkg/runcontract"
)

// OpenAIConfig configures the OpenAI-compatible client. BaseURL may point
// at any server speaking the chat completions protocol.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      zerolog.Logger
}

// OpenAIClient implements Client against the chat completions API.
type OpenAIClient struct {
	client openai.Client
	cfg    OpenAIConfig
	logger zerolog.Logger
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIClient{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "llm").Str("provider", "openai").Logger(),
	}
}

// Respond sends the conversation and returns the complete response.
func (c *OpenAIClient) Respond(ctx context.Context, req Request) (runcontract.StepResponse, error) {
	ctx, release := bindCancellation(ctx, req.Cancellation)
	defer release()

	completion, err := c.client.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		return runcontract.StepResponse{}, cancel.CauseOf(ctx, fmt.Errorf("chat completion: %w", err))
	}
	if len(completion.Choices) == 0 {
		return runcontract.StepResponse{}, &ParseError{Reason: "model response did not include any choices"}
	}
	message := completion.Choices[0].Message

	agg := reasoning.NewAggregator()
	if key := reasoningExtraKey(message.JSON.ExtraFields); key != "" {
		agg.Accumulate(reasoning.Fragment{TypeLabel: key, Text: extraString(message.JSON.ExtraFields[key].Raw())})
	}

	calls := make([]runcontract.ToolCallRequest, 0, len(message.ToolCalls))
	for i, tc := range message.ToolCalls {
		arguments, recovery, err := DecodeToolArguments(tc.Function.Arguments)
		if err != nil {
			return runcontract.StepResponse{}, err
		}
		c.logRecovery(tc.Function.Name, recovery)
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("tool_call_%d", i)
		}
		calls = append(calls, runcontract.ToolCallRequest{ID: id, Name: tc.Function.Name, Arguments: arguments})
	}

	return runcontract.StepResponse{
		Content:   message.Content,
		ToolCalls: calls,
		Reasoning: agg.Flush(),
	}, nil
}

// RespondStream consumes the streamed variant. The stream is closed on
// every exit path; cancellation observed mid-stream aborts with
// cancel.ErrCancelled.
func (c *OpenAIClient) RespondStream(ctx context.Context, req Request) (runcontract.StepResponse, error) {
	ctx, release := bindCancellation(ctx, req.Cancellation)
	defer release()

	stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(req))
	defer stream.Close()

	var content string
	agg := reasoning.NewAggregator()
	acc := newToolCallAccumulator()

	for stream.Next() {
		if err := cancel.ErrIfCancelled(req.Cancellation); err != nil {
			return runcontract.StepResponse{}, err
		}
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		content += delta.Content
		if key := reasoningExtraKey(delta.JSON.ExtraFields); key != "" {
			agg.Accumulate(reasoning.Fragment{TypeLabel: key, Text: extraString(delta.JSON.ExtraFields[key].Raw())})
		}
		for _, tc := range delta.ToolCalls {
			acc.add(int(tc.Index), tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
	}
	if err := stream.Err(); err != nil {
		return runcontract.StepResponse{}, cancel.CauseOf(ctx, fmt.Errorf("chat completion stream: %w", err))
	}
	if err := cancel.ErrIfCancelled(req.Cancellation); err != nil {
		return runcontract.StepResponse{}, err
	}

	calls, recoveries, err := acc.finalize()
	if err != nil {
		return runcontract.StepResponse{}, err
	}
	for _, recovery := range recoveries {
		c.logRecovery("", recovery)
	}

	return runcontract.StepResponse{
		Content:   content,
		ToolCalls: calls,
		Reasoning: agg.Flush(),
	}, nil
}

func (c *OpenAIClient) buildParams(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case runcontract.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case runcontract.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case runcontract.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case runcontract.RoleTool:
			messages = append(messages, openai.ToolMessage(msg.ToolCallID, msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: messages,
	}
	if c.cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.cfg.MaxTokens))
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.InputSchema),
				},
			})
		}
		params.Tools = tools
	}
	return params
}

// reasoningExtraKey picks the side-channel field carrying hidden reasoning,
// if any. Compatible servers disagree on the exact name ("reasoning_content",
// "reasoning", ...), so any label that reads as reasoning counts; ties
// resolve alphabetically.
func reasoningExtraKey[F any](extras map[string]F) string {
	keys := make([]string, 0, 1)
	for key := range extras {
		if reasoning.IsReasoningLabel(key) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return keys[0]
}

func (c *OpenAIClient) logRecovery(toolName string, recovery *ArgumentRecovery) {
	if recovery == nil {
		return
	}
	observability.RecordArgumentRepair(recovery.Classification)
	c.logger.Warn().
		Str("tool", toolName).
		Str("classification", recovery.Classification).
		Int("fragments", recovery.Fragments).
		Int("recovered_fragment_index", recovery.RecoveredIndex).
		Msg("repaired malformed tool arguments")
}

// extraString unwraps a raw JSON extra field into plain text. Providers
// send reasoning as a JSON string; anything else passes through verbatim.
func extraString(raw string) string {
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(raw), &s); err == nil {
		return s
	}
	return raw
}
