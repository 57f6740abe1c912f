package llm

import (
	"context"

	"github.com/reqline/agentcore/pkg/cancel"
	"github.com/reqline/agentcore/pkg/runcontract"
)

// Request carries one turn's input to the model.
type Request struct {
	Messages     []runcontract.ConversationMessage
	Tools        []runcontract.ToolSchema
	Cancellation *cancel.Token
}

// Client is the model-facing contract consumed by the agent loop. Respond
// and RespondStream return the same logical shape; the streaming variant
// additionally surfaces deltas through the configured callbacks while the
// turn is in flight.
type Client interface {
	Respond(ctx context.Context, req Request) (runcontract.StepResponse, error)
	RespondStream(ctx context.Context, req Request) (runcontract.StepResponse, error)
}

// Health is the outcome of a one-shot connectivity check.
type Health struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Check performs a minimal round trip against the client, for settings
// dialogs and startup diagnostics.
func Check(ctx context.Context, c Client) Health {
	_, err := c.Respond(ctx, Request{
		Messages: []runcontract.ConversationMessage{{Role: runcontract.RoleUser, Content: "ping"}},
	})
	if err != nil {
		return Health{Error: err.Error()}
	}
	return Health{OK: true}
}

// bindCancellation derives a context that aborts when either the caller's
// context or the optional token fires.
func bindCancellation(ctx context.Context, tok *cancel.Token) (context.Context, context.CancelFunc) {
	if tok == nil {
		return context.WithCancel(ctx)
	}
	return tok.Bind(ctx)
}
