package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fetcharr/internal/services"
)

// Request carries everything a handler needs for one step invocation.
type Request struct {
	ExecutionID string
	RequestID   string
	Step        StepSpec
	Attempt     int
	Context     *ExecContext
}

// Branch seeds one child execution spawned by a fan-out step.
type Branch struct {
	// Key identifies the item within the parent, e.g. "s01e03".
	Key string
	// TemplateID names the step tree the branch runs. It is required; a
	// branch without one fails the spawning step.
	TemplateID string
	// Seed is written into the child's context under the spawning step's
	// namespace before the branch starts.
	Seed map[string]any
}

// ApprovalRequest pauses the subtree until an external decision or timeout.
type ApprovalRequest struct {
	RequiredRole string
	TimeoutHours int
	AutoAction   string
}

// Result is a handler's outcome. Exactly one of Await or normal output
// applies; Branches may accompany Output.
type Result struct {
	// Output is persisted under the step's namespace.
	Output map[string]any
	// Branches spawns one child execution per entry.
	Branches []Branch
	// Await pauses the subtree behind an approval gate.
	Await *ApprovalRequest
}

// Handler executes one step type.
type Handler interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// SpecValidator is an optional Handler capability. Handlers that implement it
// get their step specs checked at template registration, so misconfigured
// templates are rejected before anything runs.
type SpecValidator interface {
	ValidateSpec(spec StepSpec) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req Request) (*Result, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Registry maps step type tags to handlers. Registration happens once at
// process start; execution only reads.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a step type tag.
func (r *Registry) Register(stepType string, handler Handler) error {
	if stepType == "" || handler == nil {
		return services.Wrap(services.ErrConfiguration, "pipeline", "register handler", "step type and handler are required", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[stepType]; exists {
		return services.Wrap(services.ErrConfiguration, "pipeline", "register handler",
			fmt.Sprintf("step type %q already registered", stepType), nil)
	}
	r.handlers[stepType] = handler
	return nil
}

// Handler resolves a step type to its implementation.
func (r *Registry) Handler(stepType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[stepType]
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, "pipeline", "resolve handler",
			fmt.Sprintf("no handler for step type %q", stepType), nil)
	}
	return handler, nil
}

// Known reports whether a step type has a registered handler.
func (r *Registry) Known(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[stepType]
	return ok
}

// DecodeConfig unmarshals a step's opaque config into a typed struct.
func DecodeConfig(spec StepSpec, out any) error {
	if len(spec.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(spec.Config, out); err != nil {
		return services.Wrap(services.ErrConfiguration, "pipeline", "decode step config",
			fmt.Sprintf("step %q config", spec.Name), err)
	}
	return nil
}
