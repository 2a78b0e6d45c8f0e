package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/liamcoop/eventrules/audit"
	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
	"github.com/liamcoop/eventrules/internal/metrics"
)

// Task is an asynchronous action invocation. It is self-contained and
// JSON-serializable so it can cross a durable queue.
type Task struct {
	ID         string         `json:"id"`
	RuleID     string         `json:"rule_id"`
	EventID    string         `json:"event_id"`
	ActionType string         `json:"action_type"`
	Order      int            `json:"order"`
	Config     map[string]any `json:"config,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	// Context is the flat form produced by event.Context.ToMap.
	Context    map[string]any `json:"context,omitempty"`
	Policy     RetryPolicy    `json:"policy"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Queue accepts asynchronous tasks. Enqueue must not wait for the task
// to run.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

// RunnerConfig is shared by the task queues.
type RunnerConfig struct {
	Sink    audit.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// taskRunner executes single attempts and records task bookkeeping.
type taskRunner struct {
	registry *Registry
	sink     audit.Sink
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

func newTaskRunner(registry *Registry, cfg RunnerConfig) *taskRunner {
	r := &taskRunner{
		registry: registry,
		sink:     cfg.Sink,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		now:      cfg.Now,
	}
	if r.sink == nil {
		r.sink = audit.Discard
	}
	if r.log == nil {
		r.log = logger.With("component", "dispatch")
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// attempt runs one attempt of task under the policy timeout.
func (r *taskRunner) attempt(ctx context.Context, task Task, attempt int) error {
	exec, ok := r.registry.Lookup(task.ActionType)
	if !ok {
		return NonRetryable(&ConfigurationError{ActionType: task.ActionType, Problems: []error{ErrUnknownActionType}})
	}
	ectx, err := event.ContextFromMap(task.Context)
	if err != nil {
		return NonRetryable(&ConfigurationError{ActionType: task.ActionType, Problems: []error{err}})
	}
	_, err = execute(ctx, exec, task, attempt, ectx)
	return err
}

// execute runs one invocation of exec bounded by the task's timeout. The
// executor runs on its own goroutine: when the deadline passes first the
// attempt fails with KindTimeout and the executor is abandoned, whether or
// not it honors its context. Panics are recovered into errors.
func execute(ctx context.Context, exec Executor, task Task, attempt int, ectx event.Context) (Outcome, error) {
	policy := task.Policy.normalized()
	actx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()
	actx = WithInvocation(actx, Invocation{
		Key:        task.ID,
		RuleID:     task.RuleID,
		EventID:    task.EventID,
		ActionType: task.ActionType,
		Attempt:    attempt,
	})

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				res = result{err: fmt.Errorf("executor panic: %v", p)}
			}
			done <- res
		}()
		res.out, res.err = exec.Execute(actx, task.Config, task.Payload, ectx)
	}()

	var res result
	select {
	case res = <-done:
	case <-actx.Done():
		res.err = actx.Err()
	}

	if res.err == nil && !res.out.Success {
		res.err = ErrExecutorFailed
	}
	if res.err == nil {
		return res.out, nil
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.err = WithKind(KindTimeout, fmt.Errorf("attempt exceeded %s: %w", policy.Timeout, res.err))
	}
	return res.out, &ExecutionFailure{ActionType: task.ActionType, Err: res.err}
}

// record writes the task record and logs the transition.
func (r *taskRunner) record(ctx context.Context, task Task, attempts int, status audit.TaskStatus, err error) {
	rec := audit.TaskRecord{
		TaskID:     task.ID,
		RuleID:     task.RuleID,
		EventID:    task.EventID,
		ActionType: task.ActionType,
		Attempts:   attempts,
		Status:     status,
		UpdatedAt:  r.now(),
	}
	if err != nil {
		rec.LastError = err.Error()
	}
	if status == audit.TaskFailed {
		logger.PermanentFailure("action task failed permanently",
			"taskId", task.ID, "ruleId", task.RuleID, "actionType", task.ActionType,
			"attempt", attempts, "error", rec.LastError)
	}
	// Bookkeeping must survive the attempt's cancellation.
	if serr := r.sink.RecordTask(context.WithoutCancel(ctx), rec); serr != nil {
		r.log.Warn("failed to record task", "taskId", task.ID, "error", serr)
	}

	outcome := string(status)
	if status == audit.TaskRunning || status == audit.TaskQueued {
		return
	}
	r.metrics.TaskAttempt(task.ActionType, outcome)
	if status.Terminal() {
		r.metrics.ActionFinished(task.ActionType, outcome)
	}
}
