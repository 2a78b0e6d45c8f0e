package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/liamcoop/eventrules/condition"
)

// uniqueViolation is the Postgres SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

const ruleColumns = `id, seq, name, description, active, priority, trigger_type, trigger_config,
	condition, condition_text, actions, created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL. Trigger
// config, condition tree and actions are stored as JSONB; trigger_keys is
// a denormalized TEXT[] so per-key candidate queries hit an index.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	row, err := encodeRule(rule)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO rules (id, name, description, active, priority, trigger_type, trigger_config,
			trigger_keys, condition, condition_text, actions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		RETURNING seq
	`, rule.ID, rule.Name, rule.Description, rule.Active, rule.Priority, string(rule.TriggerType),
		row.triggerConfig, pq.Array(rule.TriggerKeys()), row.condition, rule.ConditionText, row.actions, now,
	).Scan(&rule.Seq)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, rule.ID)
		}
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	rule.CreatedAt = now
	rule.UpdatedAt = now
	return nil
}

func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	row, err := encodeRule(rule)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	err = s.db.QueryRowContext(ctx, `
		UPDATE rules
		SET name = $2, description = $3, active = $4, priority = $5, trigger_type = $6,
			trigger_config = $7, trigger_keys = $8, condition = $9, condition_text = $10,
			actions = $11, updated_at = $12
		WHERE id = $1
		RETURNING seq, created_at
	`, rule.ID, rule.Name, rule.Description, rule.Active, rule.Priority, string(rule.TriggerType),
		row.triggerConfig, pq.Array(rule.TriggerKeys()), row.condition, rule.ConditionText, row.actions, now,
	).Scan(&rule.Seq, &rule.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(rule.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	rule.UpdatedAt = now
	return nil
}

func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

func (s *PostgresRuleStore) List(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY priority DESC, seq ASC`)
}

func (s *PostgresRuleStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM rules WHERE active = true ORDER BY priority DESC, seq ASC`)
}

func (s *PostgresRuleStore) ListActiveByTriggerKey(ctx context.Context, key string) ([]*Rule, error) {
	return s.query(ctx, `SELECT `+ruleColumns+` FROM rules
		WHERE active = true AND $1 = ANY(trigger_keys)
		ORDER BY priority DESC, seq ASC`, key)
}

func (s *PostgresRuleStore) query(ctx context.Context, q string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

// encodedRule holds the JSONB columns as strings; lib/pq sends []byte
// parameters as bytea, which JSONB columns reject.
type encodedRule struct {
	triggerConfig string
	condition     string
	actions       string
}

func encodeRule(rule *Rule) (encodedRule, error) {
	var enc encodedRule
	cfg := rule.TriggerConfig
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return enc, fmt.Errorf("encode trigger config: %w", err)
	}
	enc.triggerConfig = string(data)

	if data, err = condition.MarshalNode(rule.Condition); err != nil {
		return enc, fmt.Errorf("encode condition: %w", err)
	}
	enc.condition = string(data)

	actions := rule.Actions
	if actions == nil {
		actions = []RuleAction{}
	}
	if data, err = json.Marshal(actions); err != nil {
		return enc, fmt.Errorf("encode actions: %w", err)
	}
	enc.actions = string(data)
	return enc, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(sc scanner) (*Rule, error) {
	var (
		r                     Rule
		triggerType           string
		cfg, cond, actions    []byte
		description, condText sql.NullString
	)
	if err := sc.Scan(&r.ID, &r.Seq, &r.Name, &description, &r.Active, &r.Priority, &triggerType,
		&cfg, &cond, &condText, &actions, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Description = description.String
	r.ConditionText = condText.String
	r.TriggerType = TriggerType(triggerType)

	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &r.TriggerConfig); err != nil {
			return nil, fmt.Errorf("decode trigger config of %s: %w", r.ID, err)
		}
	}
	if len(cond) > 0 {
		node, err := condition.UnmarshalNode(cond)
		if err != nil {
			return nil, fmt.Errorf("decode condition of %s: %w", r.ID, err)
		}
		r.Condition = node
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &r.Actions); err != nil {
			return nil, fmt.Errorf("decode actions of %s: %w", r.ID, err)
		}
	}
	return &r, nil
}
