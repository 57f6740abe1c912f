package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader(t *testing.T) {
	t.Run("should return defaults when the file is missing", func(t *testing.T) {
		loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))

		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Agent, cfg.Agent)
	})

	t.Run("should merge file values over defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentcore.json")
		require.NoError(t, os.WriteFile(path, []byte(`{
			"llm": {"provider": "openai", "model": "gpt-4.1", "api_key": "sk-test"},
			"agent": {"max_consecutive_tool_errors": 5},
			"data_dir": "/tmp/agentcore-test"
		}`), 0644))
		loader := NewLoader(path)

		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "openai", cfg.LLM.Provider)
		assert.Equal(t, 5, cfg.Agent.MaxConsecutiveToolErrors)
		assert.Equal(t, 10, cfg.Agent.MaxThoughtSteps)
		assert.Equal(t, filepath.Join("/tmp/agentcore-test", "runs.db"), cfg.Store.DBPath)
		assert.Equal(t, filepath.Join("/tmp/agentcore-test", "agentcore.log"), cfg.Logging.File)
	})

	t.Run("should round-trip through save", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentcore.json")
		loader := NewLoader(path)
		cfg := DefaultConfig()
		cfg.LLM.APIKey = "sk-test"
		cfg.ToolService.BaseURL = "http://localhost:9000"
		cfg.DataDir = t.TempDir()

		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, cfg.LLM.APIKey, loaded.LLM.APIKey)
		assert.Equal(t, cfg.ToolService.BaseURL, loaded.ToolService.BaseURL)
	})

	t.Run("should report the configured path", func(t *testing.T) {
		loader := NewLoader("/etc/agentcore.json")

		assert.Equal(t, "/etc/agentcore.json", loader.GetConfigPath())
	})
}
