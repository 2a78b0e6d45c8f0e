// Package engine is the rule engine orchestrator. For each event it reads
// the candidate rules for the event's trigger key, evaluates them in
// priority order, dispatches the actions of matched rules and writes one
// audit record per evaluated rule.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/liamcoop/eventrules/audit"
	"github.com/liamcoop/eventrules/condition"
	"github.com/liamcoop/eventrules/dispatch"
	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
	"github.com/liamcoop/eventrules/internal/metrics"
	"github.com/liamcoop/eventrules/rules"
)

const tracerName = "github.com/liamcoop/eventrules/engine"

// ActionDispatcher runs the actions of a matched rule.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, rule *rules.Rule, ev *event.Event) ([]dispatch.ActionResult, error)
}

// Engine processes events against the cached rule set. It holds no
// per-event state and is safe for concurrent use.
type Engine struct {
	cache      rules.RulesCache
	dispatcher ActionDispatcher
	evaluator  *condition.Evaluator
	sink       audit.Sink
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	log        *slog.Logger
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets where evaluation records are written.
func WithSink(s audit.Sink) Option { return func(e *Engine) { e.sink = s } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithEvaluator shares an evaluator, and its compiled CEL programs, with
// other components.
func WithEvaluator(ev *condition.Evaluator) Option { return func(e *Engine) { e.evaluator = ev } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine reading candidates from cache.
func NewEngine(cache rules.RulesCache, dispatcher ActionDispatcher, opts ...Option) (*Engine, error) {
	if cache == nil {
		return nil, errors.New("engine: rules cache is required")
	}
	if dispatcher == nil {
		return nil, errors.New("engine: dispatcher is required")
	}
	e := &Engine{
		cache:      cache,
		dispatcher: dispatcher,
		sink:       audit.Discard,
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluator == nil {
		ev, err := condition.NewEvaluator()
		if err != nil {
			return nil, fmt.Errorf("failed to create evaluator: %w", err)
		}
		e.evaluator = ev
	}
	if e.log == nil {
		e.log = logger.With("component", "engine")
	}
	return e, nil
}

// ProcessEvent runs every candidate rule for ev. Rules are processed by
// priority descending, then insertion order. Asynchronous actions are
// queued and not awaited.
//
// The returned error is non-nil only when the event ends Errored: the
// candidate fetch failed, or a rule's condition faulted (the error wraps
// ErrEvaluationFault). A faulted rule does not stop the others. Inline
// action failures are reported through Report.ActionErrors.
func (e *Engine) ProcessEvent(ctx context.Context, ev *event.Event) (*Report, error) {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "engine.ProcessEvent", trace.WithAttributes(
		attribute.String("event.id", ev.ID()),
		attribute.String("event.name", ev.Name()),
		attribute.String("event.trigger_key", ev.TriggerKey()),
	))
	defer span.End()

	report := &Report{EventID: ev.ID(), TriggerKey: ev.TriggerKey()}
	report.enter(StateReceived)
	log := e.log.With("event", ev.Name(), "eventId", ev.ID(), "triggerKey", ev.TriggerKey())

	finish := func(err error) (*Report, error) {
		report.Took = e.now().Sub(start)
		e.metrics.EventProcessed(string(ev.Source()), string(report.State), report.Took)
		span.SetAttributes(attribute.String("engine.state", string(report.State)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return report, err
	}

	candidates, err := e.cache.Candidates(ctx, ev.TriggerKey())
	if err != nil {
		report.enter(StateErrored)
		log.Error("failed to fetch candidate rules", "error", err)
		return finish(fmt.Errorf("fetch candidates for %s: %w", ev.TriggerKey(), err))
	}
	report.enter(StateCandidatesFetched)
	sortCandidates(candidates)
	span.SetAttributes(attribute.Int("engine.candidates", len(candidates)))

	var faults []error
	matched := 0
	report.Rules = make([]RuleOutcome, 0, len(candidates))
	for _, rule := range candidates {
		if !rule.Active {
			continue
		}
		outcome := e.evaluate(rule, ev)
		if outcome.Faulted() {
			faults = append(faults, outcome.Err)
			logger.EvaluationFault("condition evaluation fault",
				"ruleId", rule.ID, "eventId", ev.ID(), "triggerKey", ev.TriggerKey(), "error", outcome.Err)
		} else if outcome.Matched {
			matched++
			outcome.Actions, outcome.Err = e.dispatcher.Dispatch(ctx, rule, ev)
			if outcome.Err != nil {
				log.Warn("rule actions failed", "ruleId", rule.ID, "error", outcome.Err)
			}
		}
		e.record(ctx, log, ev, outcome)
		report.Rules = append(report.Rules, outcome)
	}

	report.enter(StateEvaluated)
	if matched > 0 {
		report.enter(StateDispatched)
	}
	if len(faults) > 0 {
		report.enter(StateErrored)
		return finish(errors.Join(faults...))
	}
	report.enter(StateLogged)
	log.Debug("event processed", "candidates", len(candidates), "matched", matched)
	return finish(nil)
}

// TestRule evaluates one rule against ev, bypassing the cache. Unless
// dryRun is set, a match dispatches the rule's actions and the evaluation
// is recorded like any other.
func (e *Engine) TestRule(ctx context.Context, rule *rules.Rule, ev *event.Event, dryRun bool) (RuleOutcome, error) {
	outcome := e.evaluate(rule, ev)
	if outcome.Faulted() {
		return outcome, outcome.Err
	}
	if dryRun {
		return outcome, nil
	}
	if outcome.Matched {
		outcome.Actions, outcome.Err = e.dispatcher.Dispatch(ctx, rule, ev)
	}
	e.record(ctx, e.log, ev, outcome)
	return outcome, outcome.Err
}

func (e *Engine) evaluate(rule *rules.Rule, ev *event.Event) RuleOutcome {
	outcome := RuleOutcome{RuleID: rule.ID, RuleName: rule.Name, Priority: rule.Priority}
	res, err := e.evaluator.Evaluate(rule.Condition, ev)
	outcome.Bindings = res.Bindings
	if err != nil {
		outcome.Err = fmt.Errorf("%w: rule %s: %w", ErrEvaluationFault, rule.ID, err)
		e.metrics.RuleEvaluated("fault")
		return outcome
	}
	outcome.Matched = res.Matched
	if res.Matched {
		e.metrics.RuleEvaluated("matched")
	} else {
		e.metrics.RuleEvaluated("unmatched")
	}
	return outcome
}

// record writes the evaluation to the sink. Sink failures are logged; they
// never change the outcome.
func (e *Engine) record(ctx context.Context, log *slog.Logger, ev *event.Event, o RuleOutcome) {
	entry := audit.EventLog{
		ID:              uuid.New().String(),
		RuleID:          o.RuleID,
		EventID:         ev.ID(),
		EventName:       ev.Name(),
		TriggerKey:      ev.TriggerKey(),
		ContextSnapshot: ev.Context().ToMap(),
		Matched:         o.Matched,
		Bindings:        o.Bindings,
		TriggeredAt:     e.now().UTC(),
	}
	for _, a := range o.Actions {
		entry.ActionsResult = append(entry.ActionsResult, a.Summary())
	}
	if o.Err != nil {
		entry.Error = o.Err.Error()
	}
	if err := e.sink.RecordEvaluation(ctx, entry); err != nil {
		log.Warn("failed to record evaluation", "ruleId", o.RuleID, "error", err)
	}
}

// sortCandidates orders by priority descending; the stable sort keeps
// the store's insertion order for ties.
func sortCandidates(rs []*rules.Rule) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority > rs[j].Priority
		}
		return rs[i].Seq < rs[j].Seq
	})
}
