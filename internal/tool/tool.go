// Package tool provides the tool registry and the built-in tools exposed
// to agents. Tool execution never raises: every failure is captured into
// the returned Result so the reasoning loop can surface it to the model.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fairyhunter13/apex-agent-runtime/internal/domain"
)

// Func is a tool implementation. Args arrive decoded from the model's
// JSON arguments.
type Func func(ctx context.Context, args map[string]any) (string, error)

// Param describes one tool argument for schema emission.
type Param struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// Tool is a named capability an agent may invoke.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Fn          Func
}

// Result is the outcome of one tool execution.
type Result struct {
	Success bool   `json:"success"`
	Output  string `json:"output"`
	Error   string `json:"error,omitempty"`
}

// Registry is a name-to-tool mapping. Registration happens at startup;
// afterwards the registry is read-only and safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Duplicate names fail with domain.ErrConflict.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("op=tool.Register: empty tool name: %w", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("op=tool.Register: tool %q already registered: %w", t.Name, domain.ErrConflict)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns all tool names sorted.
func (r *Registry) Names() []string {
	tools := r.List()
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

// Subset returns the named tools, silently ignoring unknown names.
func (r *Registry) Subset(names []string) []*Tool {
	out := make([]*Tool, 0, len(names))
	for _, n := range names {
		if t, ok := r.Get(n); ok {
			out = append(out, t)
		}
	}
	return out
}

// Schema returns the provider-neutral schema for one tool.
func (t *Tool) Schema() domain.ToolSchema {
	props := make(map[string]domain.PropertySpec, len(t.Params))
	required := make([]string, 0, len(t.Params))
	for _, p := range t.Params {
		props[p.Name] = domain.PropertySpec{Type: p.Type, Description: p.Description}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return domain.ToolSchema{
		Name:        t.Name,
		Description: t.Description,
		Parameters: domain.ParameterSpec{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}
}

// SchemasFor returns neutral schemas for the named tools, skipping unknown
// names.
func (r *Registry) SchemasFor(names []string) []domain.ToolSchema {
	tools := r.Subset(names)
	out := make([]domain.ToolSchema, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Schema())
	}
	return out
}

// Schemas emits tool declarations in the requested wire format:
// "openai", "anthropic", or "generic".
func (r *Registry) Schemas(format string) []map[string]any {
	tools := r.List()
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		s := t.Schema()
		switch format {
		case "openai":
			out = append(out, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        s.Name,
					"description": s.Description,
					"parameters":  s.Parameters,
				},
			})
		case "anthropic":
			out = append(out, map[string]any{
				"name":         s.Name,
				"description":  s.Description,
				"input_schema": s.Parameters,
			})
		default:
			out = append(out, map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  s.Parameters,
			})
		}
	}
	return out
}

// Execute runs the named tool. All failure modes, including panics inside
// the tool func, are captured into the Result; Execute never raises.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (res Result) {
	t, ok := r.Get(name)
	if !ok {
		return Result{Success: false, Error: "Tool not found: " + name}
	}
	defer func() {
		if p := recover(); p != nil {
			res = Result{Success: false, Error: fmt.Sprintf("tool %s panicked: %v", name, p)}
		}
	}()
	out, err := t.Fn(ctx, args)
	if err != nil {
		return Result{Success: false, Output: out, Error: err.Error()}
	}
	return Result{Success: true, Output: out}
}

// Argument helpers shared by built-in tools.

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func optionalStringArg(args map[string]any, key, def string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}
