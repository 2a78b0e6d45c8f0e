package event

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Lifecycle phases.
const (
	PhaseCreated = "created"
	PhaseUpdated = "updated"
	PhaseDeleted = "deleted"
)

// Data-access operations.
const (
	OpSelect = "select"
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// LifecycleTrigger is a raw entity lifecycle notification.
type LifecycleTrigger struct {
	Entity     string
	Phase      string
	Before     map[string]any
	After      map[string]any
	Context    Context
	OccurredAt time.Time
}

// DataAccessTrigger is a raw executed statement.
type DataAccessTrigger struct {
	Statement  string
	Bindings   []any
	Duration   time.Duration
	Context    Context
	OccurredAt time.Time
}

// ScheduleTrigger is a synthetic tick for one scheduled rule.
type ScheduleTrigger struct {
	RuleID     string
	Expression string
	FiredAt    time.Time
	Context    Context
}

// SignalTrigger is an application-defined named signal.
type SignalTrigger struct {
	Name       string
	Payload    map[string]any
	Context    Context
	OccurredAt time.Time
}

var (
	ErrMissingEntity    = errors.New("lifecycle trigger: entity is required")
	ErrMissingPhase     = errors.New("lifecycle trigger: phase is required")
	ErrUnknownStatement = errors.New("data trigger: statement is not a select, insert, update or delete")
	ErrMissingRuleID    = errors.New("schedule trigger: rule id is required")
	ErrMissingSignal    = errors.New("signal trigger: name is required")
)

// NormalizeLifecycle converts a lifecycle notification. The payload holds the
// after-state fields at the top level (before-state for deletions) plus
// "before", "after", "entity" and "changes", the sorted list of keys whose
// values differ.
func NormalizeLifecycle(t LifecycleTrigger) (*Event, error) {
	entity, phase := norm(t.Entity), norm(t.Phase)
	if entity == "" {
		return nil, ErrMissingEntity
	}
	if phase == "" {
		return nil, ErrMissingPhase
	}

	current := t.After
	if current == nil {
		current = t.Before
	}
	payload := cloneMap(current)
	if payload == nil {
		payload = map[string]any{}
	}
	payload["entity"] = entity
	payload["before"] = orEmpty(cloneMap(t.Before))
	payload["after"] = orEmpty(cloneMap(t.After))
	payload["changes"] = changedKeys(t.Before, t.After)

	return New(phase, LifecycleKey(entity, phase), SourceLifecycle, payload, t.Context, t.OccurredAt), nil
}

// NormalizeDataAccess classifies the statement and builds an event named
// after the operation.
func NormalizeDataAccess(t DataAccessTrigger) (*Event, error) {
	op, table, ok := ClassifyStatement(t.Statement)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStatement, truncate(t.Statement, 60))
	}
	bindings := make([]any, len(t.Bindings))
	for i, b := range t.Bindings {
		bindings[i] = cloneValue(b)
	}
	payload := map[string]any{
		"statement":   t.Statement,
		"table":       table,
		"operation":   op,
		"bindings":    bindings,
		"duration_ms": float64(t.Duration) / float64(time.Millisecond),
	}
	return New(op, DataKey(table, op), SourceDataAccess, payload, t.Context, t.OccurredAt), nil
}

// NormalizeSchedule builds the event for one due scheduled rule.
func NormalizeSchedule(t ScheduleTrigger) (*Event, error) {
	id := strings.TrimSpace(t.RuleID)
	if id == "" {
		return nil, ErrMissingRuleID
	}
	ctx := t.Context
	if ctx.Request.Source == "" {
		ctx.Request.Source = RequestSchedule
	}
	fired := t.FiredAt
	if fired.IsZero() {
		fired = time.Now().UTC()
	}
	payload := map[string]any{
		"rule_id":    id,
		"expression": t.Expression,
		"fired_at":   fired.Format(time.RFC3339),
	}
	return New("tick", ScheduleKey(id), SourceSchedule, payload, ctx, fired), nil
}

// NormalizeSignal builds the event for a custom signal.
func NormalizeSignal(t SignalTrigger) (*Event, error) {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return nil, ErrMissingSignal
	}
	return New(name, SignalKey(name), SourceSignal, t.Payload, t.Context, t.OccurredAt), nil
}

var (
	selectRe = regexp.MustCompile(`(?is)^\s*select\b.*?\bfrom\s+([^\s,;()]+)`)
	insertRe = regexp.MustCompile(`(?is)^\s*insert\s+(?:ignore\s+)?into\s+([^\s,;()]+)`)
	updateRe = regexp.MustCompile(`(?is)^\s*update\s+(?:only\s+)?([^\s,;()]+)`)
	deleteRe = regexp.MustCompile(`(?is)^\s*delete\s+from\s+(?:only\s+)?([^\s,;()]+)`)
	withRe   = regexp.MustCompile(`(?is)^\s*with\b`)
)

// ClassifyStatement returns the operation and the first target table of a
// SQL statement. Quoting and schema qualifiers are stripped from the table;
// "public.users" and "\"Users\"" both yield "users".
func ClassifyStatement(stmt string) (operation, table string, ok bool) {
	stmt = strings.TrimSpace(stmt)
	if withRe.MatchString(stmt) {
		stmt = stripCTE(stmt)
	}
	for _, c := range []struct {
		op string
		re *regexp.Regexp
	}{
		{OpInsert, insertRe},
		{OpUpdate, updateRe},
		{OpDelete, deleteRe},
		{OpSelect, selectRe},
	} {
		if m := c.re.FindStringSubmatch(stmt); m != nil {
			return c.op, cleanTable(m[1]), true
		}
	}
	return "", "", false
}

// stripCTE drops a leading WITH clause by skipping balanced parentheses
// until the main statement keyword.
func stripCTE(stmt string) string {
	depth := 0
	for i := 0; i < len(stmt); i++ {
		switch stmt[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				rest := strings.TrimLeft(stmt[i+1:], " \t\n\r")
				if strings.HasPrefix(rest, ",") {
					continue
				}
				return rest
			}
		}
	}
	return stmt
}

func cleanTable(raw string) string {
	if i := strings.LastIndex(raw, "."); i >= 0 {
		raw = raw[i+1:]
	}
	return norm(strings.Trim(raw, "\"`[]"))
}

func changedKeys(before, after map[string]any) []any {
	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		bv, bok := before[k]
		av, aok := after[k]
		if bok != aok || !reflect.DeepEqual(bv, av) {
			keys = append(keys, k)
		}
	}
	for k := range before {
		add(k)
	}
	for k := range after {
		add(k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
