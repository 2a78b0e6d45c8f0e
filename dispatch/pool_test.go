package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/eventrules/audit"
	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		Timeout:           time.Second,
		Backoff:           []time.Duration{time.Millisecond, 2 * time.Millisecond},
		NonRetryableKinds: []string{KindConfiguration},
	}
}

func newTestPool(t *testing.T, reg *Registry) (*Pool, *audit.MemorySink) {
	t.Helper()
	sink := audit.NewMemorySink()
	p := NewPool(reg, PoolConfig{
		RunnerConfig: RunnerConfig{Sink: sink, Logger: logger.Discard()},
		Workers:      2,
		QueueSize:    4,
	})
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, sink
}

func newTask(id, actionType string, policy RetryPolicy) Task {
	return Task{
		ID:         id,
		RuleID:     "r1",
		EventID:    "ev-1",
		ActionType: actionType,
		Context:    event.Context{}.ToMap(),
		Policy:     policy,
	}
}

func waitTerminal(t *testing.T, sink *audit.MemorySink, id string) audit.TaskRecord {
	t.Helper()
	var rec audit.TaskRecord
	require.Eventually(t, func() bool {
		var ok bool
		rec, ok = sink.Task(id)
		return ok && rec.Status.Terminal()
	}, 2*time.Second, 2*time.Millisecond)
	return rec
}

// TestPoolRetriesUntilSuccess verifies two failures then a success report three attempts
func TestPoolRetriesUntilSuccess(t *testing.T) {
	reg := NewRegistry()
	exec := &recordingExecutor{errs: []error{errors.New("503"), errors.New("503")}}
	reg.MustRegister("webhook", exec)
	p, sink := newTestPool(t, reg)

	require.NoError(t, p.Enqueue(context.Background(), newTask("t1", "webhook", fastPolicy())))
	rec := waitTerminal(t, sink, "t1")

	assert.Equal(t, audit.TaskSucceeded, rec.Status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, 3, exec.count())
	assert.Equal(t, []string{"t1", "t1", "t1"}, exec.keys, "idempotency key is stable across retries")

	var statuses []audit.TaskStatus
	for _, r := range sink.TaskHistory() {
		statuses = append(statuses, r.Status)
	}
	assert.Equal(t, []audit.TaskStatus{
		audit.TaskQueued,
		audit.TaskRunning, audit.TaskRetrying,
		audit.TaskRunning, audit.TaskRetrying,
		audit.TaskRunning, audit.TaskSucceeded,
	}, statuses)
}

// TestPoolNonRetryableStopsAfterOneAttempt verifies classified errors are final
func TestPoolNonRetryableStopsAfterOneAttempt(t *testing.T) {
	reg := NewRegistry()
	marked := &recordingExecutor{errs: []error{NonRetryable(errors.New("400 bad request"))}}
	kinded := &recordingExecutor{errs: []error{WithKind("auth", errors.New("401"))}}
	reg.MustRegister("marked", marked)
	reg.MustRegister("kinded", kinded)
	p, sink := newTestPool(t, reg)

	policy := fastPolicy()
	policy.NonRetryableKinds = append(policy.NonRetryableKinds, "auth")
	require.NoError(t, p.Enqueue(context.Background(), newTask("m", "marked", policy)))
	require.NoError(t, p.Enqueue(context.Background(), newTask("k", "kinded", policy)))

	for _, id := range []string{"m", "k"} {
		rec := waitTerminal(t, sink, id)
		assert.Equal(t, audit.TaskFailed, rec.Status, id)
		assert.Equal(t, 1, rec.Attempts, id)
		assert.NotEmpty(t, rec.LastError, id)
	}
	assert.Equal(t, 1, marked.count())
	assert.Equal(t, 1, kinded.count())
}

// TestPoolAttemptTimeout verifies a hung executor counts as a failed attempt
func TestPoolAttemptTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("slow", ExecutorFunc(func(ctx context.Context, _ map[string]any, _ map[string]any, _ event.Context) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}))
	p, sink := newTestPool(t, reg)

	policy := fastPolicy()
	policy.MaxAttempts = 2
	policy.Timeout = 20 * time.Millisecond
	require.NoError(t, p.Enqueue(context.Background(), newTask("slow", "slow", policy)))

	rec := waitTerminal(t, sink, "slow")
	assert.Equal(t, audit.TaskFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.LastError, "timeout")
}

// sleepingExecutor ignores its context and succeeds after d.
func sleepingExecutor(d time.Duration) Executor {
	return ExecutorFunc(func(context.Context, map[string]any, map[string]any, event.Context) (Outcome, error) {
		time.Sleep(d)
		return Succeeded(nil), nil
	})
}

// TestAttemptTimeoutIgnoringContext verifies the deadline bounds an executor
// that never looks at its context, and a late success still fails
func TestAttemptTimeoutIgnoringContext(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("stubborn", sleepingExecutor(400*time.Millisecond))
	runner := newTaskRunner(reg, RunnerConfig{Logger: logger.Discard()})

	policy := RetryPolicy{MaxAttempts: 1, Timeout: 50 * time.Millisecond}
	start := time.Now()
	err := runner.attempt(context.Background(), newTask("s", "stubborn", policy), 1)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, KindTimeout, ErrorKind(err))
	var failure *ExecutionFailure
	assert.ErrorAs(t, err, &failure)
	assert.Less(t, elapsed, 300*time.Millisecond, "attempt must return at its deadline")
}

// TestPoolRetriesStubbornExecutor verifies overrunning attempts are retried
// and end in permanent failure
func TestPoolRetriesStubbornExecutor(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("stubborn", sleepingExecutor(300*time.Millisecond))
	p, sink := newTestPool(t, reg)

	policy := fastPolicy()
	policy.MaxAttempts = 2
	policy.Timeout = 20 * time.Millisecond
	require.NoError(t, p.Enqueue(context.Background(), newTask("stubborn", "stubborn", policy)))

	rec := waitTerminal(t, sink, "stubborn")
	assert.Equal(t, audit.TaskFailed, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Contains(t, rec.LastError, "timeout")
}

// TestPoolUnknownTypeIsPermanent verifies a task whose type vanished fails once
func TestPoolUnknownTypeIsPermanent(t *testing.T) {
	p, sink := newTestPool(t, NewRegistry())
	require.NoError(t, p.Enqueue(context.Background(), newTask("u", "gone", fastPolicy())))
	rec := waitTerminal(t, sink, "u")
	assert.Equal(t, audit.TaskFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

// TestPoolCloseCancelsBackoff verifies shutdown does not wait out retry delays
func TestPoolCloseCancelsBackoff(t *testing.T) {
	reg := NewRegistry()
	exec := &recordingExecutor{errs: []error{errors.New("503"), errors.New("503"), errors.New("503")}}
	reg.MustRegister("webhook", exec)
	p, sink := newTestPool(t, reg)

	policy := fastPolicy()
	policy.Backoff = []time.Duration{time.Hour}
	require.NoError(t, p.Enqueue(context.Background(), newTask("t", "webhook", policy)))
	require.Eventually(t, func() bool {
		rec, ok := sink.Task("t")
		return ok && rec.Status == audit.TaskRetrying
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	rec, _ := sink.Task("t")
	assert.Equal(t, audit.TaskCancelled, rec.Status)
	assert.ErrorIs(t, p.Enqueue(context.Background(), newTask("late", "webhook", policy)), ErrQueueClosed)
}

// TestPoolQueueFull verifies Enqueue never blocks
func TestPoolQueueFull(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	reg.MustRegister("block", ExecutorFunc(func(ctx context.Context, _ map[string]any, _ map[string]any, _ event.Context) (Outcome, error) {
		<-release
		return Succeeded(nil), nil
	}))
	p, _ := newTestPool(t, reg)
	defer close(release)

	var err error
	for i := 0; i < 20 && err == nil; i++ {
		err = p.Enqueue(context.Background(), newTask("b", "block", fastPolicy()))
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}

func riverJob(task Task, attempt, maxAttempts int) *river.Job[ActionArgs] {
	return &river.Job[ActionArgs]{
		JobRow: &rivertype.JobRow{ID: 1, Kind: JobKindAction, Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   ActionArgs{Task: task},
	}
}

// TestActionWorker verifies River attempts map onto the retry policy
func TestActionWorker(t *testing.T) {
	reg := NewRegistry()
	flaky := &recordingExecutor{errs: []error{errors.New("503")}}
	broken := &recordingExecutor{errs: []error{NonRetryable(errors.New("400"))}}
	reg.MustRegister("flaky", flaky)
	reg.MustRegister("broken", broken)
	sink := audit.NewMemorySink()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w := &actionWorker{runner: newTaskRunner(reg, RunnerConfig{Sink: sink, Logger: logger.Discard(), Now: func() time.Time { return now }})}
	ctx := context.Background()

	task := newTask("f", "flaky", fastPolicy())
	err := w.Work(ctx, riverJob(task, 1, 3))
	require.Error(t, err)
	rec, _ := sink.Task("f")
	assert.Equal(t, audit.TaskRetrying, rec.Status)

	require.NoError(t, w.Work(ctx, riverJob(task, 2, 3)))
	rec, _ = sink.Task("f")
	assert.Equal(t, audit.TaskSucceeded, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	bad := newTask("b", "broken", fastPolicy())
	err = w.Work(ctx, riverJob(bad, 1, 3))
	require.Error(t, err)
	assert.ErrorContains(t, err, "400")
	rec, _ = sink.Task("b")
	assert.Equal(t, audit.TaskFailed, rec.Status)

	job := riverJob(task, 2, 3)
	assert.Equal(t, now.Add(2*time.Millisecond), w.NextRetry(job))
	assert.Equal(t, time.Second+5*time.Second, w.Timeout(job))
	assert.Equal(t, 3, ActionArgs{Task: task}.InsertOpts().MaxAttempts)
	assert.Equal(t, JobKindAction, ActionArgs{}.Kind())
}
