package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/liamcoop/eventrules/condition"
	"github.com/liamcoop/eventrules/internal/logger"
)

// ConditionChecker validates a parsed tree without evaluating it.
type ConditionChecker interface {
	Check(node condition.Node) error
}

// Manager is the mutation path for rules: every change is validated,
// persisted, and then invalidates each trigger key it touched.
type Manager struct {
	store      RuleStore
	cache      RulesCache
	types      TypeChecker
	conditions ConditionChecker
	log        *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTypeChecker rejects rules naming unregistered action types.
func WithTypeChecker(tc TypeChecker) ManagerOption {
	return func(m *Manager) { m.types = tc }
}

// WithConditionChecker validates condition trees (CEL compilation, regex
// patterns) before a rule is saved.
func WithConditionChecker(cc ConditionChecker) ManagerOption {
	return func(m *Manager) { m.conditions = cc }
}

// WithManagerLogger replaces the default logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a Manager. cache may be nil.
func NewManager(store RuleStore, cache RulesCache, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, cache: cache}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.With("component", "rules_manager")
	}
	return m
}

// Store returns the underlying durable store.
func (m *Manager) Store() RuleStore { return m.store }

// Prepare parses ConditionText when no tree is set and validates the rule.
func (m *Manager) Prepare(rule *Rule) error {
	if rule.Condition == nil && rule.ConditionText != "" {
		if err := rule.ParseCondition(rule.ConditionText); err != nil {
			return err
		}
	}
	if err := Validate(rule, m.types); err != nil {
		return err
	}
	if m.conditions != nil {
		if err := m.conditions.Check(rule.Condition); err != nil {
			return fmt.Errorf("rule %s condition: %w", rule.ID, err)
		}
	}
	return nil
}

// Create assigns an ID when empty, validates and stores the rule.
func (m *Manager) Create(ctx context.Context, rule *Rule) (*Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if err := m.Prepare(rule); err != nil {
		return nil, err
	}
	if err := m.store.Add(ctx, rule); err != nil {
		return nil, err
	}
	m.invalidate(rule.TriggerKeys())
	m.log.Info("rule created", "ruleId", rule.ID, "triggerKeys", rule.TriggerKeys())
	return rule, nil
}

// Update replaces a rule. Both the previous and the new trigger keys are
// invalidated so a rule moving between keys disappears from the old one.
func (m *Manager) Update(ctx context.Context, rule *Rule) (*Rule, error) {
	old, err := m.store.Get(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	if err := m.Prepare(rule); err != nil {
		return nil, err
	}
	if err := m.store.Update(ctx, rule); err != nil {
		return nil, err
	}
	m.invalidate(append(old.TriggerKeys(), rule.TriggerKeys()...))
	m.log.Info("rule updated", "ruleId", rule.ID)
	return rule, nil
}

// Delete removes a rule and invalidates its keys.
func (m *Manager) Delete(ctx context.Context, id string) error {
	old, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.invalidate(old.TriggerKeys())
	m.log.Info("rule deleted", "ruleId", id)
	return nil
}

// SetActive activates or deactivates a rule.
func (m *Manager) SetActive(ctx context.Context, id string, active bool) (*Rule, error) {
	rule, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule.Active == active {
		return rule, nil
	}
	rule.Active = active
	if err := m.store.Update(ctx, rule); err != nil {
		return nil, err
	}
	m.invalidate(rule.TriggerKeys())
	m.log.Info("rule activation changed", "ruleId", id, "active", active)
	return rule, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Rule, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*Rule, error) {
	return m.store.List(ctx)
}

func (m *Manager) invalidate(keys []string) {
	if m.cache == nil {
		return
	}
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		m.cache.Invalidate(k)
	}
}
