// Package toolkit manages the tools offered to the model: a registry with
// JSON-schema argument validation, and an adapter over the external
// integration platform that normalizes its loose SDK shapes.
package toolkit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/adiwarna/loom/pkg/llm"
)

// Handler is the function signature for tool execution.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition describes a registered tool. Schema is a JSON schema object
// ("type":"object" with "properties"/"required"). Tools marked
// RequiresApproval are never executed directly: the engine suspends the run
// and hands the call to a human instead.
type Definition struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Schema           map[string]any `json:"schema"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Handler          Handler        `json:"-"`
}

// Registry holds tool definitions with compiled argument schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool, compiling its argument schema. A tool without a
// schema accepts any arguments.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("invalid tool definition: empty name")
	}
	if !def.RequiresApproval && def.Handler == nil {
		return fmt.Errorf("invalid tool definition: %q has no handler", def.Name)
	}

	var schema *gojsonschema.Schema
	if def.Schema != nil {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.Schema))
		if err != nil {
			return fmt.Errorf("compile schema for %q: %w", def.Name, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Debug().Str("tool", def.Name).Bool("requiresApproval", def.RequiresApproval).Msg("Tool registered")
	return nil
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool definition, or nil if unknown.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tools[name]
}

// List returns the registered tool names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Specs returns the registered tools as model-facing tool specs.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, def := range r.tools {
		schema := def.Schema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Schema:      schema,
		})
	}
	return specs
}

// Invoke validates args against the tool's schema and runs its handler.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	def := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if def == nil {
		return nil, fmt.Errorf("unknown tool: %q", name)
	}
	if def.RequiresApproval {
		return nil, fmt.Errorf("tool %q requires human approval and cannot be invoked directly", name)
	}

	if schema != nil {
		if args == nil {
			args = map[string]any{}
		}
		result, err := schema.Validate(gojsonschema.NewGoLoader(args))
		if err != nil {
			return nil, fmt.Errorf("validate args for %q: %w", name, err)
		}
		if !result.Valid() {
			details := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				details = append(details, e.String())
			}
			return nil, fmt.Errorf("invalid args for %q: %s", name, strings.Join(details, "; "))
		}
	}

	return def.Handler(ctx, args)
}
