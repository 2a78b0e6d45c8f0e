package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/liamcoop/eventrules/audit"
)

// PoolConfig configures the in-process task pool.
type PoolConfig struct {
	RunnerConfig
	Workers   int
	QueueSize int
}

// Pool runs asynchronous tasks on a fixed set of workers fed by a bounded
// channel. Tasks are lost if the process exits; use RiverQueue when they
// must survive restarts.
type Pool struct {
	runner *taskRunner
	tasks  chan Task

	workers int
	wg      sync.WaitGroup

	// ctx bounds in-flight attempts; cancelled when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
	// quit interrupts backoff waits once Close is called.
	quit chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewPool creates and starts a pool.
func NewPool(registry *Registry, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		runner:  newTaskRunner(registry, cfg.RunnerConfig),
		tasks:   make(chan Task, cfg.QueueSize),
		workers: cfg.Workers,
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Enqueue submits a task without blocking. It fails with ErrQueueFull
// when the buffer is full and ErrQueueClosed after Close.
func (p *Pool) Enqueue(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}
	select {
	case p.tasks <- task:
		p.runner.record(ctx, task, 0, audit.TaskQueued, nil)
		p.runner.metrics.SetQueueDepth(len(p.tasks))
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for queued ones to finish. Tasks
// waiting out a backoff are cancelled. If ctx expires first, in-flight
// attempts are cancelled and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.quit)
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Pending returns the number of tasks waiting for a worker.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.runner.metrics.SetQueueDepth(len(p.tasks))
		p.process(task)
	}
}

func (p *Pool) process(task Task) {
	policy := task.Policy.normalized()
	for attempt := 1; ; attempt++ {
		p.runner.record(p.ctx, task, attempt, audit.TaskRunning, nil)
		err := p.runner.attempt(p.ctx, task, attempt)
		if err == nil {
			p.runner.record(p.ctx, task, attempt, audit.TaskSucceeded, nil)
			return
		}
		if !policy.ShouldRetry(err, attempt) {
			p.runner.record(p.ctx, task, attempt, audit.TaskFailed, err)
			return
		}
		p.runner.record(p.ctx, task, attempt, audit.TaskRetrying, err)

		timer := time.NewTimer(policy.Delay(attempt))
		select {
		case <-timer.C:
		case <-p.quit:
			timer.Stop()
			p.runner.record(p.ctx, task, attempt, audit.TaskCancelled, err)
			return
		}
	}
}
