package trace

import (
	"fmt"
	"sync"
)

// Schema declares the decision types and output keys a component can
// emit. Used for documentation and validation, not enforcement.
type Schema struct {
	Decisions []string `json:"decisions"`
	Outputs   []string `json:"outputs"`
}

// Component is the contract for pipeline components that emit trace
// data. Components don't need to satisfy it to call Record — it exists
// to document and validate what each component claims to emit.
type Component interface {
	// ComponentName is the unique identity used in traces (e.g. "rubric_loader").
	ComponentName() string
	// TraceSchema declares the decisions and outputs this component emits.
	TraceSchema() Schema
}

// ValidateSchema checks that a component declares a usable schema.
func ValidateSchema(c Component) error {
	if c.ComponentName() == "" {
		return fmt.Errorf("trace: component name must not be empty")
	}
	s := c.TraceSchema()
	if s.Decisions == nil {
		return fmt.Errorf("trace: component %q schema missing decisions", c.ComponentName())
	}
	if s.Outputs == nil {
		return fmt.Errorf("trace: component %q schema missing outputs", c.ComponentName())
	}
	return nil
}

// Registration is a validated component entry.
type Registration struct {
	Name   string `json:"component_name"`
	Schema Schema `json:"schema"`
}

// Registry holds registered tracing components keyed by identity.
// Re-registering the same identity overwrites the prior entry.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Registration
}

// NewRegistry returns an empty component registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]Registration)}
}

// Register validates and records a component. Idempotent per identity.
func (r *Registry) Register(c Component) error {
	if err := ValidateSchema(c); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[c.ComponentName()] = Registration{
		Name:   c.ComponentName(),
		Schema: c.TraceSchema(),
	}
	return nil
}

// Registered returns a snapshot of the registry.
func (r *Registry) Registered() map[string]Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Registration, len(r.components))
	for k, v := range r.components {
		out[k] = v
	}
	return out
}
