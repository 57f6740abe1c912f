package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main agentcore configuration.
type Config struct {
	// LLM provider settings
	LLM LLMConfig `json:"llm" mapstructure:"llm"`

	// Tool service connection
	ToolService ToolServiceConfig `json:"tool_service" mapstructure:"tool_service"`

	// Agent loop limits
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Event feed server
	Feed FeedConfig `json:"feed" mapstructure:"feed"`

	// Run archive
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// LLMConfig holds model provider configuration.
type LLMConfig struct {
	Provider  string `json:"provider" mapstructure:"provider"` // anthropic, openai
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
	Streaming bool   `json:"streaming" mapstructure:"streaming"`
}

// ToolServiceConfig holds tool service client configuration.
type ToolServiceConfig struct {
	BaseURL         string `json:"base_url" mapstructure:"base_url"`
	Token           string `json:"token" mapstructure:"token"`
	TimeoutSeconds  int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	ReadyTTLSeconds int    `json:"ready_ttl_seconds" mapstructure:"ready_ttl_seconds"`
}

// AgentConfig holds orchestration loop limits.
type AgentConfig struct {
	// MaxConsecutiveToolErrors stops a run after this many tool failures in a
	// row. Zero disables the guard.
	MaxConsecutiveToolErrors int `json:"max_consecutive_tool_errors" mapstructure:"max_consecutive_tool_errors"`
	MaxThoughtSteps          int `json:"max_thought_steps" mapstructure:"max_thought_steps"`
	MaxRetries               int `json:"max_retries" mapstructure:"max_retries"`
	// SelectedItemField is the schema field filled from the current UI
	// selection when the model omits it.
	SelectedItemField string `json:"selected_item_field" mapstructure:"selected_item_field"`
}

// FeedConfig holds event feed server configuration.
type FeedConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// StoreConfig holds run archive configuration.
type StoreConfig struct {
	DBPath        string `json:"db_path" mapstructure:"db_path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:  "anthropic",
			Model:     "claude-sonnet-4",
			MaxTokens: 4096,
			Streaming: true,
		},
		ToolService: ToolServiceConfig{
			TimeoutSeconds:  60,
			ReadyTTLSeconds: 300,
		},
		Agent: AgentConfig{
			MaxConsecutiveToolErrors: 3,
			MaxThoughtSteps:          10,
			MaxRetries:               3,
			SelectedItemField:        "rid",
		},
		Feed: FeedConfig{
			Enabled: false,
			Port:    8080,
		},
		Store: StoreConfig{
			RetentionDays: 30,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai":
	case "":
		return fmt.Errorf("llm provider is required")
	default:
		return fmt.Errorf("invalid llm provider %s (must be: anthropic, openai)", c.LLM.Provider)
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm api_key is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm model is required")
	}

	if c.ToolService.BaseURL == "" {
		return fmt.Errorf("tool service base_url is required")
	}
	if c.ToolService.TimeoutSeconds < 0 {
		return fmt.Errorf("tool service timeout_seconds must not be negative")
	}

	if c.Agent.MaxConsecutiveToolErrors < 0 {
		return fmt.Errorf("max_consecutive_tool_errors must not be negative")
	}
	if c.Agent.MaxThoughtSteps <= 0 {
		return fmt.Errorf("max_thought_steps must be positive")
	}

	if c.Feed.Enabled && c.Feed.Port <= 0 {
		return fmt.Errorf("feed port must be positive when the feed is enabled")
	}

	if c.Store.RetentionDays < 0 {
		return fmt.Errorf("store retention_days must not be negative")
	}

	return nil
}
