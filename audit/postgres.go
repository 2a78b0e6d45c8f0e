package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresSink writes audit records to the event_log, action_tasks and
// action_records tables.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) RecordEvaluation(ctx context.Context, log EventLog) error {
	snapshot, err := jsonText(log.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("failed to encode context snapshot: %w", err)
	}
	bindings, err := nullableJSON(log.Bindings)
	if err != nil {
		return fmt.Errorf("failed to encode bindings: %w", err)
	}
	var results sql.NullString
	if len(log.ActionsResult) > 0 {
		text, err := jsonText(log.ActionsResult)
		if err != nil {
			return fmt.Errorf("failed to encode actions result: %w", err)
		}
		results = sql.NullString{String: text, Valid: true}
	}

	query := `
		INSERT INTO event_log (id, rule_id, event_id, event_name, trigger_key, context_snapshot,
			matched, bindings, actions_result, error, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = s.db.ExecContext(ctx, query,
		log.ID, log.RuleID, log.EventID, log.EventName, log.TriggerKey, snapshot,
		log.Matched, bindings, results, nullString(log.Error), log.TriggeredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event log: %w", err)
	}
	return nil
}

func (s *PostgresSink) RecordTask(ctx context.Context, task TaskRecord) error {
	query := `
		INSERT INTO action_tasks (task_id, rule_id, event_id, action_type, attempts, status, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (task_id) DO UPDATE SET
			attempts = EXCLUDED.attempts,
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		task.TaskID, task.RuleID, task.EventID, task.ActionType, task.Attempts,
		string(task.Status), nullString(task.LastError), task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.TaskID, err)
	}
	return nil
}

func (s *PostgresSink) RecordAction(ctx context.Context, rec ActionRecord) error {
	data, err := nullableJSON(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to encode action record data: %w", err)
	}
	query := `
		INSERT INTO action_records (id, rule_id, event_id, level, message, data, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.RuleID, rec.EventID, rec.Level, rec.Message, data, rec.RecordedAt,
	); err != nil {
		return fmt.Errorf("failed to insert action record: %w", err)
	}
	return nil
}

// ListEvaluations returns the newest evaluation logs for a rule.
func (s *PostgresSink) ListEvaluations(ctx context.Context, ruleID string, limit int) ([]EventLog, error) {
	query := `
		SELECT id, rule_id, event_id, event_name, trigger_key, context_snapshot,
			matched, bindings, actions_result, error, triggered_at
		FROM event_log
		WHERE rule_id = $1
		ORDER BY triggered_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	var out []EventLog
	for rows.Next() {
		var (
			log                         EventLog
			snapshot                    []byte
			bindings, results, errorMsg sql.NullString
		)
		if err := rows.Scan(&log.ID, &log.RuleID, &log.EventID, &log.EventName, &log.TriggerKey, &snapshot,
			&log.Matched, &bindings, &results, &errorMsg, &log.TriggeredAt); err != nil {
			return nil, fmt.Errorf("failed to scan event log: %w", err)
		}
		if err := json.Unmarshal(snapshot, &log.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("failed to decode context snapshot: %w", err)
		}
		if bindings.Valid {
			if err := json.Unmarshal([]byte(bindings.String), &log.Bindings); err != nil {
				return nil, fmt.Errorf("failed to decode bindings: %w", err)
			}
		}
		if results.Valid {
			if err := json.Unmarshal([]byte(results.String), &log.ActionsResult); err != nil {
				return nil, fmt.Errorf("failed to decode actions result: %w", err)
			}
		}
		log.Error = errorMsg.String
		out = append(out, log)
	}
	return out, rows.Err()
}

// Prune deletes evaluation logs and finished tasks older than before and
// returns the number of rows removed.
func (s *PostgresSink) Prune(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for _, query := range []string{
		`DELETE FROM event_log WHERE triggered_at < $1`,
		`DELETE FROM action_tasks WHERE updated_at < $1 AND status IN ('succeeded', 'failed', 'cancelled')`,
	} {
		res, err := s.db.ExecContext(ctx, query, before)
		if err != nil {
			return total, fmt.Errorf("failed to prune audit records: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to check rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// lib/pq sends []byte as bytea, so JSONB parameters go over the wire as text.
func jsonText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableJSON(m map[string]any) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	text, err := jsonText(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: text, Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
