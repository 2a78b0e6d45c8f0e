package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"

	"github.com/liamcoop/eventrules/audit"
)

// JobKindAction is the River job kind for asynchronous actions.
const JobKindAction = "eventrules.action"

// ActionArgs carries a Task through River.
type ActionArgs struct {
	Task Task `json:"task"`
}

// Kind implements river.JobArgs.
func (ActionArgs) Kind() string { return JobKindAction }

// InsertOpts implements river.JobArgsWithInsertOpts.
func (a ActionArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: a.Task.Policy.normalized().MaxAttempts}
}

// RiverConfig configures a RiverQueue.
type RiverConfig struct {
	RunnerConfig
	Workers         int
	ShutdownTimeout time.Duration
}

// RiverQueue runs asynchronous tasks as River jobs in Postgres, so queued
// and retrying tasks survive restarts. River owns the attempt count and
// the retry schedule; the worker derives both from the task's policy.
type RiverQueue struct {
	pool   *pgxpool.Pool
	runner *taskRunner
	client *river.Client[pgx.Tx]
	cfg    RiverConfig
}

// NewRiverQueue creates the River client. Call Start to begin working jobs.
func NewRiverQueue(pool *pgxpool.Pool, registry *Registry, cfg RiverConfig) (*RiverQueue, error) {
	if pool == nil {
		return nil, errors.New("river queue: pgx pool is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	q := &RiverQueue{
		pool:   pool,
		runner: newTaskRunner(registry, cfg.RunnerConfig),
		cfg:    cfg,
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &actionWorker{runner: q.runner})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Workers},
		},
		Workers:      workers,
		ErrorHandler: &errorHandler{log: q.runner.log},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	q.client = client
	return q, nil
}

// Migrate applies River's own schema migrations.
func (q *RiverQueue) Migrate(ctx context.Context) error {
	return MigrateRiver(ctx, q.pool)
}

// MigrateRiver applies River's schema migrations to the database behind pool.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}

func (q *RiverQueue) Start(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	q.runner.log.Info("river queue started", "workers", q.cfg.Workers)
	return nil
}

// Close stops fetching jobs and waits for running ones.
func (q *RiverQueue) Close(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, q.cfg.ShutdownTimeout)
	defer cancel()
	if err := q.client.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop river client: %w", err)
	}
	q.runner.log.Info("river queue stopped")
	return nil
}

func (q *RiverQueue) Enqueue(ctx context.Context, task Task) error {
	if _, err := q.client.Insert(ctx, ActionArgs{Task: task}, nil); err != nil {
		return fmt.Errorf("insert action job: %w", err)
	}
	q.runner.record(ctx, task, 0, audit.TaskQueued, nil)
	return nil
}

type actionWorker struct {
	river.WorkerDefaults[ActionArgs]
	runner *taskRunner
}

func (w *actionWorker) Work(ctx context.Context, job *river.Job[ActionArgs]) error {
	task := job.Args.Task
	policy := task.Policy.normalized()

	w.runner.record(ctx, task, job.Attempt, audit.TaskRunning, nil)
	err := w.runner.attempt(ctx, task, job.Attempt)
	switch {
	case err == nil:
		w.runner.record(ctx, task, job.Attempt, audit.TaskSucceeded, nil)
		return nil
	case !policy.Retryable(err):
		w.runner.record(ctx, task, job.Attempt, audit.TaskFailed, err)
		return river.JobCancel(err)
	case job.Attempt >= job.MaxAttempts:
		w.runner.record(ctx, task, job.Attempt, audit.TaskFailed, err)
		return err
	}
	w.runner.record(ctx, task, job.Attempt, audit.TaskRetrying, err)
	return err
}

// NextRetry schedules the retry after the job's failed attempt.
func (w *actionWorker) NextRetry(job *river.Job[ActionArgs]) time.Time {
	return w.runner.now().Add(job.Args.Task.Policy.Delay(job.Attempt))
}

// Timeout leaves a margin over the attempt timeout enforced by the runner.
func (w *actionWorker) Timeout(job *river.Job[ActionArgs]) time.Duration {
	return job.Args.Task.Policy.normalized().Timeout + 5*time.Second
}

type errorHandler struct {
	log *slog.Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.log.Debug("river job error", "jobKind", job.Kind, "jobId", job.ID, "attempt", job.Attempt, "error", err)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.log.Error("river job panic", "jobKind", job.Kind, "jobId", job.ID, "panic", panicVal, "trace", trace)
	return nil
}
