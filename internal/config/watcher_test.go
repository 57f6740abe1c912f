package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, path, apiKey string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(`{
		"llm": {"provider": "anthropic", "model": "claude-sonnet-4", "api_key": "`+apiKey+`"},
		"tool_service": {"base_url": "http://localhost:9000"},
		"data_dir": "/tmp/agentcore-test"
	}`), 0644))
}

func TestWatcher(t *testing.T) {
	t.Run("should serve the initial config", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentcore.json")
		writeConfigFile(t, path, "sk-one")

		watcher, err := NewWatcher(NewLoader(path), zerolog.Nop())
		require.NoError(t, err)
		defer watcher.Stop()

		assert.Equal(t, "sk-one", watcher.Current().LLM.APIKey)
	})

	t.Run("should pick up file changes at the next boundary", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentcore.json")
		writeConfigFile(t, path, "sk-one")

		watcher, err := NewWatcher(NewLoader(path), zerolog.Nop())
		require.NoError(t, err)
		defer watcher.Stop()
		watcher.debounce = 10 * time.Millisecond

		writeConfigFile(t, path, "sk-two")

		require.Eventually(t, func() bool {
			return watcher.Current().LLM.APIKey == "sk-two"
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("should keep the previous config when the reload is invalid", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "agentcore.json")
		writeConfigFile(t, path, "sk-one")

		watcher, err := NewWatcher(NewLoader(path), zerolog.Nop())
		require.NoError(t, err)
		defer watcher.Stop()

		watcher.dirty.Store(true)
		require.NoError(t, os.WriteFile(path, []byte(`{
			"llm": {"provider": "cohere", "model": "m", "api_key": "k"},
			"tool_service": {"base_url": "http://localhost:9000"}
		}`), 0644))

		assert.Equal(t, "sk-one", watcher.Current().LLM.APIKey)
	})
}
