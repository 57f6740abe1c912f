package toolservice

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/reqline/agentcore/pkg/runcontract"
)

// SchemaRegistry holds the tool schemas advertised to the model. Register
// rejects schemas that are not well-formed JSON Schema so a broken
// advertisement surfaces at startup instead of mid-run. It never validates
// call arguments; that stays server-side.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]runcontract.ToolSchema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[string]runcontract.ToolSchema)}
}

// Register validates and stores one tool schema. Re-registering a name
// replaces the previous schema.
func (r *SchemaRegistry) Register(schema runcontract.ToolSchema) error {
	if schema.Name == "" {
		return fmt.Errorf("tool schema without a name")
	}
	if schema.InputSchema != nil {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema.InputSchema)); err != nil {
			return fmt.Errorf("tool %q: malformed input schema: %w", schema.Name, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Name] = schema
	return nil
}

// RegisterAll registers every schema, stopping at the first malformed one.
func (r *SchemaRegistry) RegisterAll(schemas []runcontract.ToolSchema) error {
	for _, schema := range schemas {
		if err := r.Register(schema); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the schema for a tool name.
func (r *SchemaRegistry) Get(name string) (runcontract.ToolSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.schemas[name]
	return schema, ok
}

// Map returns a copy keyed by tool name.
func (r *SchemaRegistry) Map() map[string]runcontract.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]runcontract.ToolSchema, len(r.schemas))
	for name, schema := range r.schemas {
		out[name] = schema
	}
	return out
}

// List returns the schemas sorted by name.
func (r *SchemaRegistry) List() []runcontract.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]runcontract.ToolSchema, 0, len(r.schemas))
	for _, schema := range r.schemas {
		out = append(out, schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
