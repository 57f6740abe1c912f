package toolservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/reqline/agentcore/pkg/runcontract"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultReadyTTL = 5 * time.Second

	callPath    = "/mcp"
	healthPath  = "/health"
	schemasPath = "/tools"
)

// Config configures the tool service client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	ReadyTTL   time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Client issues tool invocations against the local tool service.
//
// The readiness flag is shared single-writer state behind a plain mutex:
// EnsureReady probes at most once per run, a connectivity failure resets
// the flag for one fresh probe, and a short TTL cache keeps repeated runs
// from hammering the health endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger

	mu           sync.Mutex
	readyProbed  bool
	readyOK      bool
	lastReadyAt  time.Time
	lastReadyErr *ServiceError
}

// NewClient creates a tool service client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ReadyTTL <= 0 {
		cfg.ReadyTTL = defaultReadyTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: cfg.Logger.With().Str("component", "toolservice").Logger(),
	}
}

// NewIdempotencyToken returns an opaque token that makes a retried
// mutating call safe to resend.
func NewIdempotencyToken() string {
	token, err := gonanoid.New()
	if err != nil {
		// gonanoid only fails when the system entropy source is broken.
		return fmt.Sprintf("tok-%d", time.Now().UnixNano())
	}
	return token
}

// BeginRun clears the once-per-run probe flag so the next EnsureReady call
// performs (or TTL-skips) a fresh health check.
func (c *Client) BeginRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyProbed = false
}

// EnsureReady verifies the service answers its health endpoint. Within one
// run the probe happens at most once; a recent successful probe inside the
// TTL window is reused across runs.
func (c *Client) EnsureReady(ctx context.Context) error {
	c.mu.Lock()
	if c.readyProbed && c.readyOK {
		c.mu.Unlock()
		return nil
	}
	if c.readyOK && time.Since(c.lastReadyAt) < c.cfg.ReadyTTL {
		c.readyProbed = true
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := c.probeHealth(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyProbed = true
	c.lastReadyAt = time.Now()
	if err != nil {
		c.readyOK = false
		return err
	}
	c.readyOK = true
	c.lastReadyErr = nil
	return nil
}

func (c *Client) probeHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+healthPath, nil)
	if err != nil {
		return &TransportError{Op: "health request", Err: err}
	}
	c.decorate(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "health check", Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "health read", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &ServiceError{
			Code:    fmt.Sprintf("%d", resp.StatusCode),
			Message: "tool service health check failed",
			Details: map[string]any{"body": string(body)},
		}
	}
	return nil
}

// Result is the structured success payload of one tool invocation.
type Result struct {
	Payload json.RawMessage
	Metrics *runcontract.ToolMetrics
}

type callEnvelope struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type responseEnvelope struct {
	Error *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
	Metrics *runcontract.ToolMetrics `json:"metrics"`
}

// CallTool invokes the named tool. Arguments are forwarded verbatim; the
// idempotency token travels in a header so a client-side retry never
// duplicates a mutation. Connectivity failures reset the readiness flag.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage, idempotencyToken string) (*Result, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	body, err := json.Marshal(callEnvelope{Name: name, Arguments: arguments})
	if err != nil {
		return nil, &TransportError{Op: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+callPath, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyToken != "" {
		req.Header.Set("Idempotency-Key", idempotencyToken)
	}
	c.decorate(ctx, req)

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.markNotReady()
		c.logger.Warn().Str("tool", name).Err(err).Msg("tool call transport failure")
		return nil, &TransportError{Op: "call " + name, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.markNotReady()
		return nil, &TransportError{Op: "read response", Err: err}
	}

	var envelope responseEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, &ServiceError{
				Code:    CodeInternal,
				Message: "tool service returned invalid JSON",
				Details: map[string]any{"status": resp.StatusCode},
			}
		}
	}

	if resp.StatusCode == http.StatusOK && envelope.Error == nil {
		c.logger.Debug().
			Str("tool", name).
			Dur("duration", time.Since(started)).
			Msg("tool call succeeded")
		return &Result{Payload: raw, Metrics: envelope.Metrics}, nil
	}

	serviceErr := &ServiceError{Code: fmt.Sprintf("%d", resp.StatusCode), Message: "tool call failed"}
	if envelope.Error != nil {
		serviceErr = &ServiceError{
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
			Details: envelope.Error.Details,
		}
	}
	c.logger.Warn().
		Str("tool", name).
		Str("code", serviceErr.Code).
		Msg("tool call rejected")
	return nil, serviceErr
}

// ToolSchemas fetches the schemas of every tool the service advertises.
func (c *Client) ToolSchemas(ctx context.Context) ([]runcontract.ToolSchema, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+schemasPath, nil)
	if err != nil {
		return nil, &TransportError{Op: "build schemas request", Err: err}
	}
	c.decorate(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		c.markNotReady()
		return nil, &TransportError{Op: "fetch schemas", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &ServiceError{Code: fmt.Sprintf("%d", resp.StatusCode), Message: "schema listing failed"}
	}

	var payload struct {
		Tools []runcontract.ToolSchema `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, &ServiceError{Code: CodeInternal, Message: "schema listing returned invalid JSON"}
	}
	return payload.Tools, nil
}

// Health is the outcome of a one-shot connectivity check.
type Health struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Check performs a single health probe for settings dialogs and startup
// diagnostics, bypassing the readiness cache.
func (c *Client) Check(ctx context.Context) Health {
	if err := c.probeHealth(ctx); err != nil {
		c.markNotReady()
		return Health{Error: err.Error()}
	}
	c.mu.Lock()
	c.readyOK = true
	c.lastReadyAt = time.Now()
	c.mu.Unlock()
	return Health{OK: true}
}

func (c *Client) markNotReady() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyProbed = false
	c.readyOK = false
}

func (c *Client) decorate(ctx context.Context, req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}
