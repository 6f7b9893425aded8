// Package capability defines the operations an execution may perform and
// the registry that resolves them by name. Every built-in capability routes
// filesystem and process access through the sandbox; there is no capability
// that bypasses it.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownCapability indicates a step named a capability that is not
	// registered.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrInvalidArgs indicates required arguments are missing or of the
	// wrong type.
	ErrInvalidArgs = errors.New("invalid capability arguments")
)

// ExecutionError wraps a failure inside a capability's own work, as opposed
// to a gate rejection. Retryable by the step runner.
type ExecutionError struct {
	Capability string
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("capability %s: %v", e.Capability, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Capability is one named operation.
type Capability interface {
	// Name is the identifier steps use to select this capability.
	Name() string

	// Description is shown to the planner so it knows what it may use.
	Description() string

	// Invoke runs the operation. Argument values denoting paths or
	// commands are validated inside the capability via the sandbox.
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// Registry resolves capabilities by name. Read-only after initialization;
// registration happens once at startup.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability, replacing any previous one with the same name.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[c.Name()] = c
}

// Get resolves a capability by name.
func (r *Registry) Get(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return c, nil
}

// Names returns the sorted names of all registered capabilities.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.caps))
	for name := range r.caps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns name -> description for the planner prompt.
func (r *Registry) Describe() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.caps))
	for name, c := range r.caps {
		out[name] = c.Description()
	}
	return out
}

// Argument helpers shared by the built-ins.

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrInvalidArgs, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", ErrInvalidArgs, key)
	}
	return s, nil
}

func optionalString(args map[string]any, key, fallback string) string {
	if s, ok := args[key].(string); ok {
		return s
	}
	return fallback
}

func optionalBool(args map[string]any, key string, fallback bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return fallback
}

func optionalStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func optionalInt(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return fallback
	}
}
