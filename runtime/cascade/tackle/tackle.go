// Package tackle is the catalog of callable tools available to cells:
// built-in deterministic operations, cascades registered as tools, and the
// quartermaster mechanism that selects a tool subset for cells declaring
// traits: "manifest".
package tackle

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"rvbbit.dev/rvbbit/runtime/cascade"
	"rvbbit.dev/rvbbit/runtime/cascade/model"
)

type (
	// Result is the outcome of one tool invocation.
	Result struct {
		// Content is the textual result fed back to the model.
		Content string
		// Metadata carries structured diagnostics persisted with the
		// tool_result row.
		Metadata map[string]any
		// Images lists image artifacts produced by the tool. Byte content is
		// culled from follow-up calls; paths persist.
		Images []model.Image
	}

	// Tool is a callable capability. Cascades registered as tools implement
	// the same interface as built-in deterministic operations.
	Tool interface {
		// Name is the registered tool name.
		Name() string
		// Description provides human-readable context for models and the
		// quartermaster.
		Description() string
		// Schema is the JSON schema of the argument object.
		Schema() map[string]any
		// Invoke executes the tool. A returned error is surfaced to the
		// model as an error-bodied tool result, not a cell failure.
		Invoke(ctx context.Context, args map[string]any) (Result, error)
	}

	// Registry is the named tool catalog. Safe for concurrent use.
	Registry struct {
		mu    sync.RWMutex
		tools map[string]Tool
	}

	// CascadeInvoker re-enters the engine to run a cascade as a tool. The
	// runner satisfies this; the indirection keeps tackle free of a
	// dependency on the runner package.
	CascadeInvoker interface {
		RunAsTool(ctx context.Context, path string, inputs map[string]any) (string, error)
	}

	// funcTool wraps a plain function as a Tool.
	funcTool struct {
		name        string
		description string
		schema      map[string]any
		fn          func(ctx context.Context, args map[string]any) (Result, error)
	}

	// cascadeTool runs a standalone cascade as a tool.
	cascadeTool struct {
		name        string
		description string
		path        string
		schema      map[string]any
		invoker     CascadeInvoker
	}
)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// NewFunc wraps a function as a deterministic built-in tool.
func NewFunc(name, description string, schema map[string]any, fn func(ctx context.Context, args map[string]any) (Result, error)) Tool {
	return &funcTool{name: name, description: description, schema: schema, fn: fn}
}

func (t *funcTool) Name() string            { return t.name }
func (t *funcTool) Description() string     { return t.description }
func (t *funcTool) Schema() map[string]any  { return t.schema }
func (t *funcTool) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	return t.fn(ctx, args)
}

func (t *cascadeTool) Name() string           { return t.name }
func (t *cascadeTool) Description() string    { return t.description }
func (t *cascadeTool) Schema() map[string]any { return t.schema }

// Invoke runs the backing cascade. Identity is inherited through the context;
// the sub-session parents to the calling session via the invoker.
func (t *cascadeTool) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	out, err := t.invoker.RunAsTool(ctx, t.path, args)
	if err != nil {
		return Result{}, err
	}
	return Result{Content: out, Metadata: map[string]any{"cascade": t.path}}, nil
}

// Register adds a tool. Duplicate names are an error.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool with a name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// RegisterDir loads every cascade document in dir (*.yaml, *.yml, *.json) and
// registers each as a tool named after its cascade id.
func (r *Registry) RegisterDir(dir string, invoker CascadeInvoker) error {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("scan tool dir %s: %w", dir, err)
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)
	for _, path := range paths {
		c, err := cascade.Load(path)
		if err != nil {
			return err
		}
		schema := map[string]any{"type": "object", "properties": map[string]any{}}
		props := schema["properties"].(map[string]any)
		for field, desc := range c.InputsSchema {
			props[field] = map[string]any{"description": desc}
		}
		desc := fmt.Sprintf("cascade %s", c.ID)
		if err := r.Register(&cascadeTool{
			name:        c.ID,
			description: desc,
			path:        path,
			schema:      schema,
			invoker:     invoker,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns model tool definitions for the named tools. Unknown
// names are skipped.
func (r *Registry) Definitions(names []string) []*model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*model.ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			continue
		}
		defs = append(defs, &model.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return defs
}

// Synopsis renders a one-line-per-tool summary of the whole catalog, fed to
// the quartermaster cell when a cell declares traits: "manifest".
func (r *Registry) Synopsis() string {
	var b strings.Builder
	for _, name := range r.Names() {
		t := r.Get(name)
		fmt.Fprintf(&b, "- %s: %s\n", name, t.Description())
	}
	return b.String()
}
