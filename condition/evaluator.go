package condition

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Subject is the data a tree is evaluated against. Lookup resolves a dotted
// field path. Vars exposes the variables visible to CEL leaves.
type Subject interface {
	Lookup(path string) (any, bool)
	Vars() map[string]any
}

// Result is the outcome of evaluating a tree. Bindings holds the value of
// every field path actually examined on the way to the verdict.
type Result struct {
	Matched  bool
	Bindings map[string]any
}

// Evaluator walks condition trees. CEL leaves are compiled once per source
// text and cached. An Evaluator is safe for concurrent use.
type Evaluator struct {
	env      *cel.Env
	programs map[string]cel.Program // source -> compiled program
	mu       sync.RWMutex
}

// CEL variables available to expression leaves.
const (
	VarPayload = "payload"
	VarContext = "context"
)

// celCostLimit bounds runaway CEL expressions.
const celCostLimit = 1000000

// NewEvaluator creates an evaluator with a CEL environment declaring the
// payload and context variables as dynamic maps.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarPayload, cel.DynType),
		cel.Variable(VarContext, cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Evaluate reports whether the tree matches the subject. A nil tree matches.
// Data-shape mismatches never produce an error; only a structurally invalid
// tree does, as an *EvaluationFault.
func (e *Evaluator) Evaluate(n Node, s Subject) (Result, error) {
	res := Result{Bindings: make(map[string]any)}
	matched, err := e.eval(n, s, res.Bindings)
	if err != nil {
		return Result{Bindings: res.Bindings}, err
	}
	res.Matched = matched
	return res, nil
}

// Check verifies a tree is structurally valid and that its CEL leaves
// compile, without evaluating it. Rules should be checked before they are
// saved.
func (e *Evaluator) Check(n Node) error {
	switch v := n.(type) {
	case nil:
		return nil
	case *Comparison:
		if v.field == "" {
			return &EvaluationFault{Node: v, Msg: "comparison has no field"}
		}
		if !knownOperators[v.operator] {
			return &EvaluationFault{Node: v, Msg: fmt.Sprintf("unknown operator %q", v.operator)}
		}
		if v.operator == OpIn || v.operator == OpNotIn {
			if _, ok := v.value.([]any); !ok && v.value != nil {
				return &EvaluationFault{Node: v, Msg: fmt.Sprintf("operator %s requires a list", v.operator)}
			}
		}
		if v.operator == OpMatches || v.operator == OpLike {
			if _, err := patternFor(v); err != nil {
				return &EvaluationFault{Node: v, Msg: "invalid pattern", Err: err}
			}
		}
		return nil
	case *Group:
		if v.combinator != And && v.combinator != Or {
			return &EvaluationFault{Node: v, Msg: fmt.Sprintf("unknown combinator %q", v.combinator)}
		}
		for _, child := range v.children {
			if child == nil {
				return &EvaluationFault{Node: v, Msg: "group has a nil child"}
			}
			if err := e.Check(child); err != nil {
				return err
			}
		}
		return nil
	case *Expression:
		_, err := e.program(v)
		return err
	}
	return &EvaluationFault{Node: n, Msg: fmt.Sprintf("unsupported node type %T", n)}
}

func (e *Evaluator) eval(n Node, s Subject, bindings map[string]any) (bool, error) {
	switch v := n.(type) {
	case nil:
		return true, nil
	case *Comparison:
		return e.evalComparison(v, s, bindings)
	case *Group:
		return e.evalGroup(v, s, bindings)
	case *Expression:
		return e.evalExpression(v, s)
	}
	return false, &EvaluationFault{Node: n, Msg: fmt.Sprintf("unsupported node type %T", n)}
}

// evalGroup short-circuits: AND stops at the first false child, OR at the
// first true child. An empty group matches.
func (e *Evaluator) evalGroup(g *Group, s Subject, bindings map[string]any) (bool, error) {
	if len(g.children) == 0 {
		return true, nil
	}
	switch g.combinator {
	case And:
		for _, child := range g.children {
			if child == nil {
				return false, &EvaluationFault{Node: g, Msg: "group has a nil child"}
			}
			ok, err := e.eval(child, s, bindings)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Or:
		for _, child := range g.children {
			if child == nil {
				return false, &EvaluationFault{Node: g, Msg: "group has a nil child"}
			}
			ok, err := e.eval(child, s, bindings)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, &EvaluationFault{Node: g, Msg: fmt.Sprintf("unknown combinator %q", g.combinator)}
}

func (e *Evaluator) evalComparison(c *Comparison, s Subject, bindings map[string]any) (bool, error) {
	if c.field == "" {
		return false, &EvaluationFault{Node: c, Msg: "comparison has no field"}
	}
	apply, ok := operators[c.operator]
	if !ok {
		return false, &EvaluationFault{Node: c, Msg: fmt.Sprintf("unknown operator %q", c.operator)}
	}
	if (c.operator == OpIn || c.operator == OpNotIn) && c.value != nil {
		if _, isList := c.value.([]any); !isList {
			return false, &EvaluationFault{Node: c, Msg: fmt.Sprintf("operator %s requires a list", c.operator)}
		}
	}

	actual, found := s.Lookup(c.field)
	if found {
		bindings[c.field] = actual
	}
	return apply(c, actual, found)
}

func (e *Evaluator) evalExpression(x *Expression, s Subject) (bool, error) {
	prog, err := e.program(x)
	if err != nil {
		return false, err
	}
	out, _, err := prog.Eval(s.Vars())
	if err != nil {
		// missing keys and type mismatches in the data are not faults
		return false, nil
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, &EvaluationFault{Node: x, Msg: fmt.Sprintf("CEL expression returned %T, want bool", out.Value())}
	}
	return matched, nil
}

func (e *Evaluator) program(x *Expression) (cel.Program, error) {
	if x.language != LanguageCEL {
		return nil, &EvaluationFault{Node: x, Msg: fmt.Sprintf("unsupported expression language %q", x.language)}
	}

	e.mu.RLock()
	prog, exists := e.programs[x.source]
	e.mu.RUnlock()
	if exists {
		return prog, nil
	}

	ast, issues := e.env.Compile(x.source)
	if issues != nil && issues.Err() != nil {
		return nil, &EvaluationFault{Node: x, Msg: "CEL compile error", Err: issues.Err()}
	}
	prog, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, &EvaluationFault{Node: x, Msg: "CEL program creation error", Err: err}
	}

	e.mu.Lock()
	e.programs[x.source] = prog
	e.mu.Unlock()
	return prog, nil
}
