// Package tool exposes callable actions to agents by name, with JSON Schema
// typed arguments and plain-text results.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
)

// Handler executes a tool. args has already been validated against the
// descriptor's parameter schema.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Result is the tool output handed back to the agent.
type Result struct {
	Content string
}

// Descriptor is a registered tool.
type Descriptor struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object describing the arguments.
	// Nil accepts any object.
	Parameters map[string]any
	Handler    Handler
	// ReadOnly marks tools without side effects.
	ReadOnly bool
}

// Schema is the function definition offered to the model.
type Schema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type entry struct {
	desc   Descriptor
	schema *jsonschema.Schema
}

// Registry maps tool names to descriptors. Tools are registered at startup
// and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger.With(zap.String("component", "tool_registry")),
	}
}

// Register adds a tool. It fails on an empty or duplicate name, a nil
// handler, or a parameter schema that does not compile.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return ErrEmptyName
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s: nil handler", d.Name)
	}

	compiled, err := compileSchema(d.Name, d.Parameters)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, d.Name)
	}
	r.entries[d.Name] = entry{desc: d, schema: compiled}

	r.logger.Debug("tool registered", zap.String("tool", d.Name), zap.Bool("readOnly", d.ReadOnly))
	return nil
}

// Get returns the descriptor registered under name.
func (r *Registry) Get(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return e.desc, nil
}

// Names returns every registered tool name in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve expands tool patterns into registered names. A pattern ending in
// "*" matches every tool with that prefix and may match nothing; any other
// pattern must name a registered tool.
func (r *Registry) Resolve(patterns []string) ([]string, error) {
	all := r.Names()
	seen := make(map[string]bool)
	var out []string

	for _, p := range patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			matched := 0
			for _, name := range all {
				if strings.HasPrefix(name, prefix) && !seen[name] {
					seen[name] = true
					out = append(out, name)
					matched++
				}
			}
			if matched == 0 {
				r.logger.Warn("tool pattern matched nothing", zap.String("pattern", p))
			}
			continue
		}

		if _, err := r.Get(p); err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Subset returns the descriptors for names, failing with ErrToolNotFound on
// the first unknown name.
func (r *Registry) Subset(names []string) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		d, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Schemas returns the function definitions for the named tools, in the
// order given.
func (r *Registry) Schemas(names []string) ([]Schema, error) {
	schemas := make([]Schema, 0, len(names))
	for _, name := range names {
		d, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		params := d.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		schemas = append(schemas, Schema{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
		})
	}
	return schemas, nil
}

// Invoke validates args and runs the named tool. Errors wrap
// ErrToolNotFound, ErrInvalidArguments or ErrExecution.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (res Result, err error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if args == nil {
		args = map[string]any{}
	}
	normalized, err := normalize(args)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}
	if e.schema != nil {
		if verr := e.schema.Validate(normalized); verr != nil {
			return Result{}, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, verr)
		}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", zap.String("tool", name), zap.Any("panic", p))
			err = fmt.Errorf("%w: %s: panic: %v", ErrExecution, name, p)
		}
	}()

	res, err = e.desc.Handler(ctx, normalized.(map[string]any))
	if err != nil {
		if errors.Is(err, ErrInvalidArguments) || errors.Is(err, ErrExecution) {
			return Result{}, fmt.Errorf("%s: %w", name, err)
		}
		return Result{}, fmt.Errorf("%w: %s: %w", ErrExecution, name, err)
	}
	return res, nil
}
