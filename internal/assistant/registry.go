package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Executor performs the real domain side effect of a confirmed action (task
// creation, deadline scheduling, document drafting). Implementations live
// with the domain services; the engine only orchestrates when they run.
type Executor interface {
	Execute(ctx context.Context, payload json.RawMessage) error
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, payload json.RawMessage) error

func (f ExecutorFunc) Execute(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// ExecutionError is the structured failure an executor reports: a stable
// reason code plus a human-readable message. Any other error from an executor
// is recorded with its Error() text as the reason.
type ExecutionError struct {
	Code    string
	Message string
}

func (e *ExecutionError) Error() string {
	return e.Code + ": " + e.Message
}

// Registration couples one action type's payload schema check with its
// executor. ValidatePayload runs at proposal time so a user is never asked to
// confirm a malformed action; nil accepts any payload.
type Registration struct {
	ValidatePayload func(payload json.RawMessage) error
	Executor        Executor
}

// Registry is the capability lookup from action type name to executor.
// Registration happens once at process start; afterwards the registry is
// read-only and safe for concurrent use.
type Registry struct {
	regs map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Register adds an action type. Duplicate or empty types and nil executors
// are programming errors.
func (r *Registry) Register(actionType string, reg Registration) {
	if actionType == "" {
		panic("assistant: action type cannot be empty")
	}
	if reg.Executor == nil {
		panic("assistant: executor cannot be nil for " + actionType)
	}
	if _, exists := r.regs[actionType]; exists {
		panic("assistant: duplicate action type " + actionType)
	}
	r.regs[actionType] = reg
}

// Types lists the registered action type names, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.regs))
	for t := range r.regs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// ValidateProposal checks a proposed action before it is persisted: the type
// must be registered and the payload must satisfy its schema.
func (r *Registry) ValidateProposal(actionType string, payload json.RawMessage) error {
	reg, ok := r.regs[actionType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, actionType)
	}
	if reg.ValidatePayload == nil {
		return nil
	}
	if err := reg.ValidatePayload(payload); err != nil {
		return fmt.Errorf("assistant: invalid %s payload: %w", actionType, err)
	}
	return nil
}

// Execute dispatches a confirmed action to its executor.
func (r *Registry) Execute(ctx context.Context, actionType string, payload json.RawMessage) error {
	reg, ok := r.regs[actionType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, actionType)
	}
	return reg.Executor.Execute(ctx, payload)
}
