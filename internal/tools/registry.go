// Package tools hosts the built-in agent tools and the registry that
// validates and dispatches calls against them. Every tool runs through
// the workspace runtime so the same implementations serve local and
// SSH workspaces.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/runtime"
	"github.com/cmux/cmux/internal/tokenizer"
)

// maxResultBytes caps a tool result before it is fed back into the
// model transcript. Oversized results are clamped head+tail.
const maxResultBytes = 16 * 1024

// Definition describes a tool to the model.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolContext carries the workspace-scoped environment a handler runs in.
type ToolContext struct {
	Runtime       runtime.Runtime
	WorkspacePath string
	Tokenizer     tokenizer.Tokenizer
	Log           *logger.Logger
}

// Handler executes one tool call. Returned errors become errored tool
// results in the transcript, never stream failures.
type Handler func(ctx context.Context, tc ToolContext, args json.RawMessage) (json.RawMessage, error)

type registered struct {
	def     Definition
	handler Handler
	schema  *jsonschema.Schema
}

// Registry holds tool definitions with compiled input schemas.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// NewBuiltinRegistry returns a registry with every built-in tool
// registered.
func NewBuiltinRegistry() (*Registry, error) {
	r := NewRegistry()
	for _, factory := range []func() (Definition, Handler){
		bashTool,
		fileReadTool,
		fileWriteTool,
		fileEditReplaceTool,
		globTool,
		webFetchTool,
		proposePlanTool,
	} {
		def, handler := factory()
		if err := r.Register(def, handler); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool, compiling its input schema. An empty schema
// defaults to an unconstrained object.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tools: definition has no name")
	}
	if handler == nil {
		return fmt.Errorf("tools: %s: nil handler", def.Name)
	}
	if len(def.InputSchema) == 0 {
		def.InputSchema = json.RawMessage(`{"type":"object"}`)
	}
	schema, err := compileSchema(def.InputSchema)
	if err != nil {
		return fmt.Errorf("tools: %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tools: %s: already registered", def.Name)
	}
	r.tools[def.Name] = registered{def: def, handler: handler, schema: schema}
	return nil
}

// Get returns the definition of a registered tool.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t.def, ok
}

// Definitions returns all registered tools sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Dispatch validates args against the tool's schema and runs the
// handler. Unknown tools and invalid args are returned as errors for
// the caller to record as an errored tool result. Results larger than
// maxResultBytes are clamped.
func (r *Registry) Dispatch(ctx context.Context, tc ToolContext, name string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: unknown tool %q", name)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(args, &payload); err != nil {
		return nil, fmt.Errorf("tools: %s: invalid arguments: %w", name, err)
	}
	if err := t.schema.Validate(payload); err != nil {
		return nil, fmt.Errorf("tools: %s: arguments failed validation: %w", name, err)
	}

	result, err := t.handler(ctx, tc, args)
	if err != nil {
		return nil, err
	}
	return ClampResult(result, maxResultBytes), nil
}

// ClampResult truncates oversized results keeping the head and tail,
// with a marker naming how many bytes were dropped. Applied to the raw
// JSON so the clamp bound holds regardless of tool output shape.
func ClampResult(result json.RawMessage, max int) json.RawMessage {
	if len(result) <= max {
		return result
	}
	half := max / 2
	dropped := len(result) - 2*half
	clamped := fmt.Sprintf("%s… [truncated %d bytes]%s", result[:half], dropped, result[len(result)-half:])
	out, err := json.Marshal(map[string]string{"truncated_output": clamped})
	if err != nil {
		return result[:max]
	}
	return out
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}
