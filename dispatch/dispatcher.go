package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/eventrules/audit"
	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
	"github.com/liamcoop/eventrules/internal/metrics"
	"github.com/liamcoop/eventrules/rules"
)

// Status is the outcome of dispatching one action.
type Status string

const (
	StatusSucceeded          Status = "succeeded"
	StatusFailed             Status = "failed"
	StatusConfigurationError Status = "configuration_error"
	StatusQueued             Status = "queued"
)

// ActionResult reports one action of a dispatch.
type ActionResult struct {
	Type    string
	Order   int
	Mode    rules.ActionMode
	Status  Status
	TaskID  string
	Outcome Outcome
	Err     error
}

// Summary converts the result for an audit record.
func (r ActionResult) Summary() audit.ActionSummary {
	s := audit.ActionSummary{
		Type:    r.Type,
		Order:   r.Order,
		Status:  string(r.Status),
		TaskID:  r.TaskID,
		Details: r.Outcome.Details,
	}
	if r.Err != nil {
		s.Error = r.Err.Error()
	}
	return s
}

// Dispatcher runs the actions of a matched rule.
type Dispatcher struct {
	registry *Registry
	queue    Queue
	renderer Renderer
	policy   RetryPolicy
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQueue sets the queue for asynchronous actions. Without one,
// asynchronous actions run inline.
func WithQueue(q Queue) Option { return func(d *Dispatcher) { d.queue = q } }

func WithRenderer(r Renderer) Option { return func(d *Dispatcher) { d.renderer = r } }

// WithRetryPolicy sets the default policy; actions may override it.
func WithRetryPolicy(p RetryPolicy) Option { return func(d *Dispatcher) { d.policy = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		renderer: PlaceholderRenderer{},
		policy:   DefaultRetryPolicy(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logger.With("component", "dispatcher")
	}
	return d
}

// Registry returns the executor registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs rule's actions for ev in action order. Configuration
// errors are recorded and skipped; asynchronous actions are queued and
// reported as queued. The returned error joins the failures of inline
// actions and of enqueue calls; every action is attempted regardless.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *rules.Rule, ev *event.Event) ([]ActionResult, error) {
	actions := rule.SortedActions()
	results := make([]ActionResult, 0, len(actions))
	var errs []error

	for _, action := range actions {
		res := d.dispatchOne(ctx, rule, action, ev)
		d.metrics.ActionFinished(res.Type, string(res.Status))
		if res.Status == StatusFailed {
			errs = append(errs, res.Err)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, rule *rules.Rule, action rules.RuleAction, ev *event.Event) ActionResult {
	res := ActionResult{Type: action.Type, Order: action.Order, Mode: action.EffectiveMode()}
	log := d.log.With("ruleId", rule.ID, "actionType", action.Type, "event", ev.Name())

	exec, ok := d.registry.Lookup(action.Type)
	if !ok {
		return d.configError(res, rule.ID, &ConfigurationError{ActionType: action.Type, Problems: []error{ErrUnknownActionType}})
	}
	config, err := d.renderer.Render(action.Config, ev)
	if err != nil {
		return d.configError(res, rule.ID, &ConfigurationError{ActionType: action.Type, Problems: []error{err}})
	}
	if n, ok := exec.(ConfigNormalizer); ok {
		config = n.NormalizeConfig(config)
	}
	if problems := exec.ValidateConfig(config); len(problems) > 0 {
		return d.configError(res, rule.ID, &ConfigurationError{ActionType: action.Type, Problems: problems})
	}

	task := Task{
		ID:         uuid.New().String(),
		RuleID:     rule.ID,
		EventID:    ev.ID(),
		ActionType: action.Type,
		Order:      action.Order,
		Config:     config,
		Payload:    ev.Payload(),
		Context:    ev.Context().ToMap(),
		Policy:     d.policy.WithOverride(action.Retry),
		EnqueuedAt: d.now(),
	}
	res.TaskID = task.ID

	if res.Mode == rules.ModeAsync && d.queue != nil {
		if err := d.queue.Enqueue(ctx, task); err != nil {
			res.Status = StatusFailed
			res.Err = &ExecutionFailure{ActionType: action.Type, Err: fmt.Errorf("enqueue: %w", err)}
			log.Error("failed to enqueue action", "taskId", task.ID, "error", err)
			return res
		}
		res.Status = StatusQueued
		log.Debug("action queued", "taskId", task.ID)
		return res
	}

	res.Outcome, res.Err = d.runInline(ctx, exec, task, ev)
	if res.Err != nil {
		res.Status = StatusFailed
		log.Warn("inline action failed", "error", res.Err)
		return res
	}
	res.Status = StatusSucceeded
	return res
}

func (d *Dispatcher) runInline(ctx context.Context, exec Executor, task Task, ev *event.Event) (Outcome, error) {
	return execute(ctx, exec, task, 1, ev.Context())
}

func (d *Dispatcher) configError(res ActionResult, ruleID string, err *ConfigurationError) ActionResult {
	res.Status = StatusConfigurationError
	res.Err = err
	logger.ConfigurationError("action skipped", "ruleId", ruleID, "actionType", res.Type, "error", err)
	return res
}
