package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/liamcoop/eventrules/audit"
	"github.com/liamcoop/eventrules/condition"
	"github.com/liamcoop/eventrules/dispatch"
	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
	"github.com/liamcoop/eventrules/rules"
)

// countingExecutor records the rule of every invocation in call order.
type countingExecutor struct {
	mu    sync.Mutex
	rules []string
	err   error
}

func (e *countingExecutor) Execute(ctx context.Context, _ map[string]any, _ map[string]any, _ event.Context) (dispatch.Outcome, error) {
	inv, _ := dispatch.InvocationFrom(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, inv.RuleID)
	if e.err != nil {
		return dispatch.Outcome{}, e.err
	}
	return dispatch.Succeeded(nil), nil
}

func (e *countingExecutor) ValidateConfig(map[string]any) []error { return nil }

func (e *countingExecutor) calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.rules)
}

type failingCache struct{ err error }

func (c failingCache) Candidates(context.Context, string) ([]*rules.Rule, error) { return nil, c.err }
func (c failingCache) Invalidate(string)                                         {}
func (c failingCache) InvalidateAll()                                            {}

type fixture struct {
	store  *rules.InMemoryRuleStore
	cache  *rules.SnapshotCache
	notify *countingExecutor
	sink   *audit.MemorySink
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  rules.NewInMemoryRuleStore(),
		notify: &countingExecutor{},
		sink:   audit.NewMemorySink(),
	}
	f.cache = rules.NewSnapshotCache(f.store, rules.CacheConfig{Logger: logger.Discard()})

	reg := dispatch.NewRegistry()
	reg.MustRegister("notify", f.notify)
	reg.Freeze()
	d := dispatch.NewDispatcher(reg, dispatch.WithLogger(logger.Discard()))

	e, err := NewEngine(f.cache, d, WithSink(f.sink), WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	f.engine = e
	return f
}

func (f *fixture) add(t *testing.T, r *rules.Rule) {
	t.Helper()
	if err := f.store.Add(context.Background(), r); err != nil {
		t.Fatalf("Add(%s) error = %v", r.ID, err)
	}
	f.cache.InvalidateAll()
}

func userRule(id string, priority int, cond string) *rules.Rule {
	r := &rules.Rule{
		ID:          id,
		Name:        id,
		Active:      true,
		Priority:    priority,
		TriggerType: rules.TriggerLifecycle,
		TriggerConfig: map[string]any{
			rules.ConfigEntity: "User",
			rules.ConfigPhases: []any{"created"},
		},
		Actions: []rules.RuleAction{{Type: "notify", Order: 1}},
	}
	if cond != "" {
		r.ConditionText = cond
		r.Condition = condition.MustParse(cond)
	}
	return r
}

func userCreated(t *testing.T, payload map[string]any) *event.Event {
	t.Helper()
	ev, err := event.NormalizeLifecycle(event.LifecycleTrigger{Entity: "User", Phase: "created", After: payload})
	if err != nil {
		t.Fatalf("NormalizeLifecycle() error = %v", err)
	}
	return ev
}

// TestProcessEventScenario verifies the test-email rule fires only for matching addresses
func TestProcessEventScenario(t *testing.T) {
	f := newFixture(t)
	f.add(t, userRule("test-signups", 0, "email contains '@test.com'"))
	ctx := context.Background()

	report, err := f.engine.ProcessEvent(ctx, userCreated(t, map[string]any{"email": "a@test.com"}))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if report.State != StateLogged {
		t.Errorf("State = %s, want %s", report.State, StateLogged)
	}
	want := []State{StateReceived, StateCandidatesFetched, StateEvaluated, StateDispatched, StateLogged}
	if !slices.Equal(report.Transitions, want) {
		t.Errorf("Transitions = %v, want %v", report.Transitions, want)
	}
	if got := f.notify.calls(); !slices.Equal(got, []string{"test-signups"}) {
		t.Errorf("notify calls = %v, want one for test-signups", got)
	}
	if report.Rules[0].Bindings["email"] != "a@test.com" {
		t.Errorf("Bindings = %v, want email binding", report.Rules[0].Bindings)
	}

	report, err = f.engine.ProcessEvent(ctx, userCreated(t, map[string]any{"email": "a@example.com"}))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if len(report.Matched()) != 0 {
		t.Errorf("Matched() = %v, want none", report.Matched())
	}
	if slices.Contains(report.Transitions, StateDispatched) {
		t.Error("unmatched event must not enter dispatched")
	}
	if n := len(f.notify.calls()); n != 1 {
		t.Errorf("notify calls = %d, want 1", n)
	}

	logs := f.sink.Evaluations()
	if len(logs) != 2 {
		t.Fatalf("evaluations recorded = %d, want 2", len(logs))
	}
	if !logs[0].Matched || logs[1].Matched {
		t.Errorf("Matched flags = %v/%v, want true/false", logs[0].Matched, logs[1].Matched)
	}
	if len(logs[0].ActionsResult) != 1 || logs[0].ActionsResult[0].Status != "succeeded" {
		t.Errorf("ActionsResult = %+v, want one succeeded notify", logs[0].ActionsResult)
	}
}

// TestProcessEventPriorityOrder verifies higher priority rules dispatch first and ties keep insertion order
func TestProcessEventPriorityOrder(t *testing.T) {
	f := newFixture(t)
	f.add(t, userRule("low", 5, ""))
	f.add(t, userRule("tie-first", 7, ""))
	f.add(t, userRule("high", 10, ""))
	f.add(t, userRule("tie-second", 7, ""))

	report, err := f.engine.ProcessEvent(context.Background(), userCreated(t, map[string]any{"email": "x"}))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	want := []string{"high", "tie-first", "tie-second", "low"}
	if got := f.notify.calls(); !slices.Equal(got, want) {
		t.Errorf("dispatch order = %v, want %v", got, want)
	}
	if got := report.Matched(); !slices.Equal(got, want) {
		t.Errorf("Matched() = %v, want %v", got, want)
	}
}

// TestProcessEventInactiveRule verifies inactive rules are never candidates
func TestProcessEventInactiveRule(t *testing.T) {
	f := newFixture(t)
	inactive := userRule("inactive", 10, "")
	inactive.Active = false
	f.add(t, inactive)
	f.add(t, userRule("active", 1, ""))

	report, err := f.engine.ProcessEvent(context.Background(), userCreated(t, nil))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if len(report.Rules) != 1 || report.Rules[0].RuleID != "active" {
		t.Errorf("Rules = %+v, want only active", report.Rules)
	}
}

// TestProcessEventFault verifies a faulted rule errors the event without stopping other rules
func TestProcessEventFault(t *testing.T) {
	f := newFixture(t)
	broken := userRule("broken", 10, "")
	broken.Condition = condition.NewComparison("role", condition.OpIn, "admin")
	f.add(t, broken)
	f.add(t, userRule("healthy", 1, ""))

	report, err := f.engine.ProcessEvent(context.Background(), userCreated(t, map[string]any{"role": "admin"}))
	if !errors.Is(err, ErrEvaluationFault) {
		t.Fatalf("ProcessEvent() error = %v, want ErrEvaluationFault", err)
	}
	var fault *condition.EvaluationFault
	if !errors.As(err, &fault) {
		t.Errorf("error %v does not wrap *condition.EvaluationFault", err)
	}
	if report.State != StateErrored {
		t.Errorf("State = %s, want %s", report.State, StateErrored)
	}
	if got := f.notify.calls(); !slices.Equal(got, []string{"healthy"}) {
		t.Errorf("notify calls = %v, want [healthy]", got)
	}
	if !report.Rules[0].Faulted() || report.Rules[1].Faulted() {
		t.Errorf("Faulted flags wrong: %+v", report.Rules)
	}
	if report.ActionErrors() != nil {
		t.Errorf("ActionErrors() = %v, want nil", report.ActionErrors())
	}
	logs := f.sink.Evaluations()
	if len(logs) != 2 || logs[0].Error == "" {
		t.Errorf("evaluations = %+v, want the fault recorded", logs)
	}
}

// TestProcessEventActionFailure verifies inline failures are reported but do not error the event
func TestProcessEventActionFailure(t *testing.T) {
	f := newFixture(t)
	f.notify.err = errors.New("smtp down")
	f.add(t, userRule("r1", 0, ""))

	report, err := f.engine.ProcessEvent(context.Background(), userCreated(t, nil))
	if err != nil {
		t.Fatalf("ProcessEvent() error = %v", err)
	}
	if report.State != StateLogged {
		t.Errorf("State = %s, want %s", report.State, StateLogged)
	}
	if aerr := report.ActionErrors(); aerr == nil {
		t.Error("ActionErrors() = nil, want the smtp failure")
	}
}

// TestProcessEventCandidateFailure verifies a cache failure errors the event
func TestProcessEventCandidateFailure(t *testing.T) {
	d := dispatch.NewDispatcher(dispatch.NewRegistry(), dispatch.WithLogger(logger.Discard()))
	e, err := NewEngine(failingCache{err: errors.New("db down")}, d, WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	report, err := e.ProcessEvent(context.Background(), userCreated(t, nil))
	if err == nil {
		t.Fatal("ProcessEvent() error = nil, want candidate fetch error")
	}
	if report.State != StateErrored {
		t.Errorf("State = %s, want %s", report.State, StateErrored)
	}
}

// TestTestRule verifies dry runs evaluate without side effects
func TestTestRule(t *testing.T) {
	f := newFixture(t)
	r := userRule("candidate", 0, "email ends_with '@test.com'")
	ctx := context.Background()

	out, err := f.engine.TestRule(ctx, r, userCreated(t, map[string]any{"email": "a@test.com"}), true)
	if err != nil {
		t.Fatalf("TestRule() error = %v", err)
	}
	if !out.Matched {
		t.Error("Matched = false, want true")
	}
	if len(f.notify.calls()) != 0 || len(f.sink.Evaluations()) != 0 {
		t.Error("dry run must not dispatch or record")
	}

	out, err = f.engine.TestRule(ctx, r, userCreated(t, map[string]any{"email": "a@test.com"}), false)
	if err != nil {
		t.Fatalf("TestRule() error = %v", err)
	}
	if len(out.Actions) != 1 || len(f.notify.calls()) != 1 {
		t.Errorf("Actions = %+v, want one dispatched action", out.Actions)
	}
	if len(f.sink.Evaluations()) != 1 {
		t.Error("live test run should be recorded")
	}
}
