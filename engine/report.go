package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/eventrules/dispatch"
)

// State is a step of processing one event.
type State string

const (
	StateReceived          State = "received"
	StateCandidatesFetched State = "candidates_fetched"
	StateEvaluated         State = "evaluated"
	StateDispatched        State = "dispatched"
	StateLogged            State = "logged"
	StateErrored           State = "errored"
)

// Terminal reports whether processing has finished.
func (s State) Terminal() bool {
	return s == StateLogged || s == StateErrored
}

// ErrEvaluationFault marks an event whose processing hit a structurally
// invalid condition tree.
var ErrEvaluationFault = errors.New("evaluation fault")

// RuleOutcome is the result of one rule against one event.
type RuleOutcome struct {
	RuleID   string
	RuleName string
	Priority int
	Matched  bool
	Bindings map[string]any
	Actions  []dispatch.ActionResult
	// Err is an evaluation fault or the joined inline action failures.
	Err error
}

// Faulted reports whether the rule's condition could not be evaluated.
func (o RuleOutcome) Faulted() bool {
	return errors.Is(o.Err, ErrEvaluationFault)
}

// Report describes how an event was processed.
type Report struct {
	EventID    string
	TriggerKey string
	State      State
	// Transitions lists every state entered, in order.
	Transitions []State
	Rules       []RuleOutcome
	Took        time.Duration
}

func (r *Report) enter(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

// Matched returns the IDs of the matched rules in processing order.
func (r *Report) Matched() []string {
	var ids []string
	for _, o := range r.Rules {
		if o.Matched {
			ids = append(ids, o.RuleID)
		}
	}
	return ids
}

// ActionErrors joins the inline action failures of every rule. They do not
// mark the event errored.
func (r *Report) ActionErrors() error {
	var errs []error
	for _, o := range r.Rules {
		if o.Err != nil && !o.Faulted() {
			errs = append(errs, fmt.Errorf("rule %s: %w", o.RuleID, o.Err))
		}
	}
	return errors.Join(errs...)
}
