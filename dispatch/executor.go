// Package dispatch resolves rule actions to executors and runs them inline
// or as retried asynchronous tasks.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/eventrules/event"
)

// Outcome is what an executor reports for one attempt.
type Outcome struct {
	Success bool           `json:"success"`
	Details map[string]any `json:"details,omitempty"`
}

// Succeeded is a successful outcome carrying details.
func Succeeded(details map[string]any) Outcome {
	return Outcome{Success: true, Details: details}
}

// Executor implements one action type's side effect.
type Executor interface {
	// Execute runs the action. config has placeholders already rendered.
	// Returning an error or an unsuccessful Outcome fails the attempt.
	Execute(ctx context.Context, config map[string]any, payload map[string]any, ectx event.Context) (Outcome, error)
	// ValidateConfig lists every problem with config; nil means valid.
	ValidateConfig(config map[string]any) []error
}

// ConfigNormalizer is implemented by executors that coerce rendered config
// before it is validated, such as a number rendered into a text field.
type ConfigNormalizer interface {
	NormalizeConfig(config map[string]any) map[string]any
}

// ExecutorFunc adapts a function to an Executor that accepts any config.
type ExecutorFunc func(ctx context.Context, config map[string]any, payload map[string]any, ectx event.Context) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, config map[string]any, payload map[string]any, ectx event.Context) (Outcome, error) {
	return f(ctx, config, payload, ectx)
}

func (ExecutorFunc) ValidateConfig(map[string]any) []error { return nil }

// Registry maps action type names to executors. Registration is allowed
// until Freeze; lookups are safe for concurrent use at any time.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
	frozen    bool
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor for actionType.
func (r *Registry) Register(actionType string, exec Executor) error {
	if actionType == "" || exec == nil {
		return fmt.Errorf("register %q: type and executor are required", actionType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %q: %w", actionType, ErrRegistryFrozen)
	}
	if _, exists := r.executors[actionType]; exists {
		return fmt.Errorf("register %q: already registered", actionType)
	}
	r.executors[actionType] = exec
	return nil
}

// MustRegister is Register for process start-up; it panics on error.
func (r *Registry) MustRegister(actionType string, exec Executor) {
	if err := r.Register(actionType, exec); err != nil {
		panic(err)
	}
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Lookup(actionType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[actionType]
	return exec, ok
}

// Known reports whether actionType is registered. It lets the registry
// serve as a rules.TypeChecker.
func (r *Registry) Known(actionType string) bool {
	_, ok := r.Lookup(actionType)
	return ok
}

// Types lists registered action types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Invocation identifies one action invocation. Key is stable across the
// retries of an asynchronous task so executors can pass it on as an
// idempotency key.
type Invocation struct {
	Key        string
	RuleID     string
	EventID    string
	ActionType string
	Attempt    int
}

type invocationKey struct{}

// WithInvocation attaches inv to ctx.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation executing under ctx.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// IdempotencyKey returns the invocation key for ctx, or "" outside an
// action execution.
func IdempotencyKey(ctx context.Context) string {
	inv, _ := InvocationFrom(ctx)
	return inv.Key
}
