package toolservice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqline/agentcore/pkg/runcontract"
)

func TestSchemaRegistry(t *testing.T) {
	valid := runcontract.ToolSchema{
		Name:        "list_items",
		Description: "Lists items of a document",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"per_page": map[string]any{"type": "integer"},
			},
			"required": []any{"per_page"},
		},
	}

	t.Run("should register well-formed schema", func(t *testing.T) {
		registry := NewSchemaRegistry()

		require.NoError(t, registry.Register(valid))

		got, ok := registry.Get("list_items")
		require.True(t, ok)
		assert.Equal(t, "Lists items of a document", got.Description)
	})

	t.Run("should reject schema without name", func(t *testing.T) {
		registry := NewSchemaRegistry()

		assert.Error(t, registry.Register(runcontract.ToolSchema{}))
	})

	t.Run("should reject malformed json schema", func(t *testing.T) {
		registry := NewSchemaRegistry()
		malformed := runcontract.ToolSchema{
			Name: "broken",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"x": map[string]any{"type": 42}},
			},
		}

		assert.Error(t, registry.Register(malformed))
	})

	t.Run("should accept schema without input definition", func(t *testing.T) {
		registry := NewSchemaRegistry()

		assert.NoError(t, registry.Register(runcontract.ToolSchema{Name: "ping"}))
	})

	t.Run("should list schemas sorted by name", func(t *testing.T) {
		registry := NewSchemaRegistry()
		require.NoError(t, registry.RegisterAll([]runcontract.ToolSchema{
			{Name: "zeta"}, {Name: "alpha"}, {Name: "mid"},
		}))

		list := registry.List()

		require.Len(t, list, 3)
		assert.Equal(t, "alpha", list[0].Name)
		assert.Equal(t, "mid", list[1].Name)
		assert.Equal(t, "zeta", list[2].Name)
	})

	t.Run("should replace schema on re-registration", func(t *testing.T) {
		registry := NewSchemaRegistry()
		require.NoError(t, registry.Register(runcontract.ToolSchema{Name: "tool", Description: "old"}))
		require.NoError(t, registry.Register(runcontract.ToolSchema{Name: "tool", Description: "new"}))

		got, _ := registry.Get("tool")
		assert.Equal(t, "new", got.Description)
		assert.Len(t, registry.Map(), 1)
	})
}
