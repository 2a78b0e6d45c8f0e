package audit

import (
	"context"
	"sync"
)

// MemorySink keeps records in memory. It is used by tests, the CLI dry
// run and deployments without a database.
type MemorySink struct {
	mu          sync.RWMutex
	evaluations []EventLog
	tasks       map[string]TaskRecord
	history     []TaskRecord
	actions     []ActionRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{tasks: make(map[string]TaskRecord)}
}

func (s *MemorySink) RecordEvaluation(ctx context.Context, log EventLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.evaluations = append(s.evaluations, log)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) RecordTask(ctx context.Context, task TaskRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.tasks[task.TaskID] = task
	s.history = append(s.history, task)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) RecordAction(ctx context.Context, rec ActionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.actions = append(s.actions, rec)
	s.mu.Unlock()
	return nil
}

// Evaluations returns the evaluation log in write order.
func (s *MemorySink) Evaluations() []EventLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]EventLog(nil), s.evaluations...)
}

// Task returns the latest record for a task.
func (s *MemorySink) Task(id string) (TaskRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	return t, ok
}

// TaskHistory returns every task record written, oldest first.
func (s *MemorySink) TaskHistory() []TaskRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TaskRecord(nil), s.history...)
}

// ListEvaluations returns up to limit evaluation logs for a rule, newest first.
func (s *MemorySink) ListEvaluations(ctx context.Context, ruleID string, limit int) ([]EventLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []EventLog
	for i := len(s.evaluations) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.evaluations[i].RuleID == ruleID {
			out = append(out, s.evaluations[i])
		}
	}
	return out, nil
}

func (s *MemorySink) Actions() []ActionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ActionRecord(nil), s.actions...)
}
