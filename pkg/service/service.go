// Package service is the composition root. It wires configuration, logging,
// the single-slot command queue, the model and tool service clients, the
// agent runner, the event feed and the run archive into one lifecycle.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reqline/agentcore/internal/config"
	"github.com/reqline/agentcore/internal/logger"
	"github.com/reqline/agentcore/internal/observability"
	"github.com/reqline/agentcore/internal/tracing"
	"github.com/reqline/agentcore/pkg/agent"
	"github.com/reqline/agentcore/pkg/cancel"
	"github.com/reqline/agentcore/pkg/commandqueue"
	"github.com/reqline/agentcore/pkg/eventfeed"
	"github.com/reqline/agentcore/pkg/llm"
	"github.com/reqline/agentcore/pkg/runcontract"
	"github.com/reqline/agentcore/pkg/runstore"
	"github.com/reqline/agentcore/pkg/toolservice"
)

// Service owns the assembled runtime.
type Service struct {
	config  *config.Config
	watcher *config.Watcher
	logger  *logger.Logger

	queue   *commandqueue.Queue
	toolsvc *toolservice.Client
	llm     llm.Client
	runner  *agent.Runner

	feedServer *eventfeed.Server
	store      *runstore.Store
	sweeper    *runstore.Sweeper

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Request is one conversational turn handed to the service.
type Request struct {
	SessionKey string
	Messages   []runcontract.ConversationMessage
	// SelectedItemID is the id of the item currently selected in the caller's
	// UI, if any.
	SelectedItemID string
	// RequestID makes resubmission idempotent; a duplicate returns the cached
	// outcome instead of starting a second run.
	RequestID    string
	Cancellation *cancel.Token
}

// New assembles a service from a static configuration.
func New(cfg *config.Config, log *logger.Logger) (*Service, error) {
	return newService(cfg, nil, log)
}

// NewFromWatcher assembles a service that picks up config file changes at
// run boundaries: each Submit reads the agent limits from the watcher's
// current config. Structural settings (providers, ports, paths) still
// require a restart.
func NewFromWatcher(watcher *config.Watcher, log *logger.Logger) (*Service, error) {
	return newService(watcher.Current(), watcher, log)
}

func newService(cfg *config.Config, watcher *config.Watcher, log *logger.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	s := &Service{
		config:  cfg,
		watcher: watcher,
		logger:  log,
	}

	if err := tracing.InitOpenTelemetry("agentcore"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		s.tracingEnabled = true
	}

	if err := s.initialize(context.Background()); err != nil {
		if s.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			s.tracingEnabled = false
		}
		return nil, err
	}
	return s, nil
}

func (s *Service) initialize(ctx context.Context) error {
	cfg := s.config
	zlog := s.logger.GetZerolog()

	s.queue = commandqueue.New()

	s.toolsvc = toolservice.NewClient(toolservice.Config{
		BaseURL:  cfg.ToolService.BaseURL,
		Token:    cfg.ToolService.Token,
		Timeout:  time.Duration(cfg.ToolService.TimeoutSeconds) * time.Second,
		ReadyTTL: time.Duration(cfg.ToolService.ReadyTTLSeconds) * time.Second,
		Logger:   zlog,
	})

	client, err := newLLMClient(cfg.LLM, zlog)
	if err != nil {
		return err
	}
	s.llm = client

	registry := toolservice.NewSchemaRegistry()
	schemas, err := s.toolsvc.ToolSchemas(ctx)
	if err != nil {
		// The tool service may come up after us; the runner re-validates
		// readiness per run, so an empty schema set is survivable.
		s.logger.Warn().Err(err).Msg("Failed to fetch tool schemas, starting without them")
	} else if err := registry.RegisterAll(schemas); err != nil {
		// A malformed advertisement is a deployment fault, not a transient.
		return fmt.Errorf("tool schema validation failed: %w", err)
	}

	agentCfg := agent.Config{
		LLM:     s.llm,
		Tools:   s.toolsvc,
		Schemas: registry.List(),
		Queue:   s.queue,
		Logger:  zlog,
		Limits: agent.Limits{
			MaxConsecutiveToolErrors: cfg.Agent.MaxConsecutiveToolErrors,
			MaxThoughtSteps:          cfg.Agent.MaxThoughtSteps,
			MaxRetries:               cfg.Agent.MaxRetries,
		},
		Provider:          cfg.LLM.Provider,
		Streaming:         cfg.LLM.Streaming,
		SelectedItemField: cfg.Agent.SelectedItemField,
	}

	if cfg.Feed.Enabled {
		feedServer, err := eventfeed.NewServer(eventfeed.Config{
			Port:         cfg.Feed.Port,
			SharedSecret: cfg.Feed.SharedSecret,
			Logger:       zlog,
		})
		if err != nil {
			return fmt.Errorf("failed to create event feed: %w", err)
		}
		s.feedServer = feedServer
	}

	if cfg.Store.DBPath != "" {
		store, err := runstore.NewStore(runstore.Config{DBPath: cfg.Store.DBPath, Logger: zlog})
		if err != nil {
			return fmt.Errorf("failed to open run store: %w", err)
		}
		s.store = store

		sweeper, err := runstore.NewSweeper(runstore.SweeperConfig{
			Store:    store,
			Schedule: cfg.Store.SweepSchedule,
			MaxAge:   time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour,
			Logger:   zlog,
		})
		if err != nil {
			return err
		}
		s.sweeper = sweeper
	}

	runner, err := agent.NewRunner(agentCfg)
	if err != nil {
		return fmt.Errorf("failed to create agent runner: %w", err)
	}
	s.runner = runner
	return nil
}

var newLLMClient = func(cfg config.LLMConfig, zlog zerolog.Logger) (llm.Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Logger:    zlog,
		}), nil
	case "openai":
		return llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
			Logger:    zlog,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// Start brings up the background services.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("service already running")
	}

	if s.feedServer != nil {
		if err := s.feedServer.Start(); err != nil {
			return err
		}
	}
	if s.sweeper != nil {
		s.sweeper.Start()
	}

	s.startTime = time.Now()
	s.running = true
	s.logger.Info().Msg("Service started")
	return nil
}

// Submit executes one run on the session's behalf. The call blocks until the
// run finalizes; concurrent submissions serialize through the run lane.
func (s *Service) Submit(ctx context.Context, req Request) (runcontract.AgentRunPayload, error) {
	params := agent.RunParams{
		SessionKey:     req.SessionKey,
		Messages:       req.Messages,
		SelectedItemID: req.SelectedItemID,
		RequestID:      req.RequestID,
		Cancellation:   req.Cancellation,
	}
	if s.feedServer != nil {
		params.Callbacks = s.feedServer.Feed().RunCallbacks(req.SessionKey)
	}
	if s.watcher != nil {
		// Limit changes land at the run boundary; an active run keeps the
		// limits it started with.
		agentCfg := s.watcher.Current().Agent
		params.Limits = &agent.Limits{
			MaxConsecutiveToolErrors: agentCfg.MaxConsecutiveToolErrors,
			MaxThoughtSteps:          agentCfg.MaxThoughtSteps,
			MaxRetries:               agentCfg.MaxRetries,
		}
	}

	payload, err := s.runner.Run(ctx, params)
	if err != nil {
		return payload, err
	}

	if s.feedServer != nil {
		s.feedServer.Feed().PublishRunFinished(req.SessionKey, payload)
	}
	if s.store != nil {
		if archiveErr := s.store.Archive(ctx, req.SessionKey, payload); archiveErr != nil {
			s.logger.Error().Err(archiveErr).Str("run_id", payload.RunID).Msg("Failed to archive run")
		}
	}
	return payload, nil
}

// Abort requests cancellation of the session's active run.
func (s *Service) Abort(sessionKey string) bool {
	return s.runner.Abort(sessionKey)
}

// Store exposes the run archive, or nil when archival is disabled.
func (s *Service) Store() *runstore.Store {
	return s.store
}

// Uptime reports how long the service has been running.
func (s *Service) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return 0
	}
	return time.Since(s.startTime)
}

// Stop shuts everything down in reverse dependency order.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.feedServer != nil {
		if err := s.feedServer.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop event feed")
		}
	}
	s.queue.Close()
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop config watcher")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close run store")
		}
	}
	if s.tracingEnabled {
		ctx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}

	s.running = false
	s.logger.Info().Msg("Service stopped")
	return nil
}
