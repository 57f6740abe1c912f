package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"

	"github.com/reqline/agentcore/internal/observability"
	"github.com/reqline/agentcore/pkg/cancel"
	"github.com/reqline/agentcore/pkg/reasoning"
	"github.com/reqline/agentcore/pkg/runcontract"
)

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Logger      zerolog.Logger
}

// AnthropicClient implements Client against the Messages API. Thinking
// blocks map onto reasoning segments.
type AnthropicClient struct {
	client anthropic.Client
	cfg    AnthropicConfig
	logger zerolog.Logger
}

// NewAnthropicClient creates an Anthropic-backed client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &AnthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "llm").Str("provider", "anthropic").Logger(),
	}
}

// Respond sends the conversation and returns the complete response.
func (c *AnthropicClient) Respond(ctx context.Context, req Request) (runcontract.StepResponse, error) {
	ctx, release := bindCancellation(ctx, req.Cancellation)
	defer release()

	message, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return runcontract.StepResponse{}, cancel.CauseOf(ctx, fmt.Errorf("messages create: %w", err))
	}
	return c.convertMessage(message)
}

// RespondStream consumes the streamed variant, accumulating events into the
// same logical shape. The stream closes on every exit path.
func (c *AnthropicClient) RespondStream(ctx context.Context, req Request) (runcontract.StepResponse, error) {
	ctx, release := bindCancellation(ctx, req.Cancellation)
	defer release()

	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))
	defer stream.Close()

	var message anthropic.Message
	for stream.Next() {
		if err := cancel.ErrIfCancelled(req.Cancellation); err != nil {
			return runcontract.StepResponse{}, err
		}
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return runcontract.StepResponse{}, &ParseError{Reason: "stream event could not be accumulated", Err: err}
		}
	}
	if err := stream.Err(); err != nil {
		return runcontract.StepResponse{}, cancel.CauseOf(ctx, fmt.Errorf("messages stream: %w", err))
	}
	if err := cancel.ErrIfCancelled(req.Cancellation); err != nil {
		return runcontract.StepResponse{}, err
	}
	return c.convertMessage(&message)
}

func (c *AnthropicClient) convertMessage(message *anthropic.Message) (runcontract.StepResponse, error) {
	var content string
	agg := reasoning.NewAggregator()
	var calls []runcontract.ToolCallRequest

	for i, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ThinkingBlock:
			agg.Accumulate(reasoning.Fragment{TypeLabel: "thinking", Text: b.Thinking})
		case anthropic.ToolUseBlock:
			arguments, recovery, err := DecodeToolArguments(b.JSON.Input.Raw())
			if err != nil {
				return runcontract.StepResponse{}, err
			}
			if recovery != nil {
				observability.RecordArgumentRepair(recovery.Classification)
				c.logger.Warn().
					Str("tool", b.Name).
					Str("classification", recovery.Classification).
					Msg("repaired malformed tool arguments")
			}
			id := b.ID
			if id == "" {
				id = fmt.Sprintf("tool_call_%d", i)
			}
			calls = append(calls, runcontract.ToolCallRequest{ID: id, Name: b.Name, Arguments: arguments})
		}
	}

	return runcontract.StepResponse{
		Content:   content,
		ToolCalls: calls,
		Reasoning: agg.Flush(),
	}, nil
}

func (c *AnthropicClient) buildParams(req Request) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case runcontract.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: msg.Content})
		case runcontract.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case runcontract.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case runcontract.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
				})
				continue
			}
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		Messages:  messages,
		MaxTokens: int64(c.cfg.MaxTokens),
		System:    system,
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(c.cfg.Temperature)
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
			}
			if tool.InputSchema != nil {
				toolParam.InputSchema = anthropic.ToolInputSchemaParam{
					Properties: tool.InputSchema["properties"],
				}
				if required, ok := tool.InputSchema["required"].([]any); ok {
					names := make([]string, 0, len(required))
					for _, value := range required {
						if name, ok := value.(string); ok {
							names = append(names, name)
						}
					}
					toolParam.InputSchema.Required = names
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}
	return params
}
