// Package audit records what the engine did: one EventLog per rule
// evaluation, the bookkeeping of asynchronous action tasks, and records
// written by the audit_log action. Records are append-only except task
// records, which are keyed by task ID and overwritten as attempts progress.
package audit

import (
	"context"
	"errors"
	"time"
)

// EventLog is written once for every rule evaluated against an event,
// matched or not.
type EventLog struct {
	ID              string          `json:"id"`
	RuleID          string          `json:"rule_id"`
	EventID         string          `json:"event_id"`
	EventName       string          `json:"event_name"`
	TriggerKey      string          `json:"trigger_key"`
	ContextSnapshot map[string]any  `json:"context_snapshot"`
	Matched         bool            `json:"matched"`
	Bindings        map[string]any  `json:"bindings,omitempty"`
	ActionsResult   []ActionSummary `json:"actions_result,omitempty"`
	Error           string          `json:"error,omitempty"`
	TriggeredAt     time.Time       `json:"triggered_at"`
}

// ActionSummary is the per-action outcome stored with an EventLog.
type ActionSummary struct {
	Type    string         `json:"type"`
	Order   int            `json:"order"`
	Status  string         `json:"status"`
	TaskID  string         `json:"task_id,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// TaskStatus is the state of an asynchronous action task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskRetrying  TaskStatus = "retrying"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further attempts will be made.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// TaskRecord is the retry bookkeeping of one asynchronous action.
type TaskRecord struct {
	TaskID     string     `json:"task_id"`
	RuleID     string     `json:"rule_id"`
	EventID    string     `json:"event_id"`
	ActionType string     `json:"action_type"`
	Attempts   int        `json:"attempts"`
	Status     TaskStatus `json:"status"`
	LastError  string     `json:"last_error,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// ActionRecord is written by the audit_log action.
type ActionRecord struct {
	ID         string         `json:"id"`
	RuleID     string         `json:"rule_id"`
	EventID    string         `json:"event_id"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// Sink persists audit records.
type Sink interface {
	RecordEvaluation(ctx context.Context, log EventLog) error
	RecordTask(ctx context.Context, task TaskRecord) error
	RecordAction(ctx context.Context, rec ActionRecord) error
}

// Reader lists stored evaluation logs.
type Reader interface {
	ListEvaluations(ctx context.Context, ruleID string, limit int) ([]EventLog, error)
}

// MultiSink writes every record to each sink in turn. A failing sink does
// not stop the others; the failures are joined.
type MultiSink []Sink

func (m MultiSink) RecordEvaluation(ctx context.Context, log EventLog) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordEvaluation(ctx, log))
	}
	return errors.Join(errs...)
}

func (m MultiSink) RecordTask(ctx context.Context, task TaskRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordTask(ctx, task))
	}
	return errors.Join(errs...)
}

func (m MultiSink) RecordAction(ctx context.Context, rec ActionRecord) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.RecordAction(ctx, rec))
	}
	return errors.Join(errs...)
}

// Discard drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) RecordEvaluation(context.Context, EventLog) error { return nil }
func (discard) RecordTask(context.Context, TaskRecord) error     { return nil }
func (discard) RecordAction(context.Context, ActionRecord) error { return nil }
