package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a rule ID does not exist.
	ErrNotFound = errors.New("rule not found")
	// ErrAlreadyExists is returned when adding a rule whose ID is taken.
	ErrAlreadyExists = errors.New("rule already exists")
)

// RuleStore is the durable copy of all rules. It is authoritative: caches
// are always rebuilt from it.
type RuleStore interface {
	// Add stores a new rule and assigns Seq, CreatedAt and UpdatedAt.
	Add(ctx context.Context, rule *Rule) error

	// Get retrieves a rule by ID.
	Get(ctx context.Context, id string) (*Rule, error)

	// Update replaces an existing rule, preserving CreatedAt and Seq.
	Update(ctx context.Context, rule *Rule) error

	// Delete removes a rule.
	Delete(ctx context.Context, id string) error

	// List returns every rule in evaluation order.
	List(ctx context.Context) ([]*Rule, error)

	// ListActive returns active rules in evaluation order.
	ListActive(ctx context.Context) ([]*Rule, error)

	// ListActiveByTriggerKey returns active rules listening on key, in
	// evaluation order.
	ListActiveByTriggerKey(ctx context.Context, key string) ([]*Rule, error)
}

// SortRules orders rules by priority descending, then insertion order.
func SortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Seq < rules[j].Seq
	})
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// InMemoryRuleStore implements RuleStore using an in-memory map.
// Safe for concurrent use.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	seq   int64
	mu    sync.RWMutex
	now   func() time.Time
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]*Rule),
		now:   time.Now,
	}
}

func (s *InMemoryRuleStore) Add(ctx context.Context, rule *Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rule.ID)
	}

	s.seq++
	now := s.now()
	rule.Seq = s.seq
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule.Clone()
	return nil
}

func (s *InMemoryRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, notFound(id)
	}
	return rule.Clone(), nil
}

func (s *InMemoryRuleStore) Update(ctx context.Context, rule *Rule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return notFound(rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.Seq = existing.Seq
	rule.UpdatedAt = s.now()
	s.rules[rule.ID] = rule.Clone()
	return nil
}

func (s *InMemoryRuleStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return notFound(id)
	}
	delete(s.rules, id)
	return nil
}

func (s *InMemoryRuleStore) List(ctx context.Context) ([]*Rule, error) {
	return s.filter(ctx, func(*Rule) bool { return true })
}

func (s *InMemoryRuleStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return s.filter(ctx, func(r *Rule) bool { return r.Active })
}

func (s *InMemoryRuleStore) ListActiveByTriggerKey(ctx context.Context, key string) ([]*Rule, error) {
	return s.filter(ctx, func(r *Rule) bool { return r.Active && r.ListensOn(key) })
}

func (s *InMemoryRuleStore) filter(ctx context.Context, keep func(*Rule) bool) ([]*Rule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Rule
	for _, rule := range s.rules {
		if keep(rule) {
			out = append(out, rule.Clone())
		}
	}
	SortRules(out)
	return out, nil
}
