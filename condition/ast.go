// Package condition parses rule conditions into an immutable tree and
// evaluates that tree against an event.
//
// A condition is either textual ("email contains '@test.com' AND age >= 18")
// or structured (the JSON form produced by a rule builder). Both entry points
// produce the same Node values, so rules authored either way evaluate the same.
package condition

// Operator is a comparison operator of a Comparison node.
type Operator string

const (
	OpEqual          Operator = "="
	OpNotEqual       Operator = "!="
	OpGreater        Operator = ">"
	OpLess           Operator = "<"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpIn             Operator = "in"
	OpNotIn          Operator = "not_in"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpEndsWith       Operator = "ends_with"
	OpLike           Operator = "like"
	OpMatches        Operator = "matches"
	OpIsNull         Operator = "is_null"
	OpIsNotNull      Operator = "is_not_null"
)

var knownOperators = map[Operator]bool{
	OpEqual: true, OpNotEqual: true, OpGreater: true, OpLess: true,
	OpGreaterOrEqual: true, OpLessOrEqual: true, OpIn: true, OpNotIn: true,
	OpContains: true, OpNotContains: true, OpStartsWith: true, OpEndsWith: true,
	OpLike: true, OpMatches: true, OpIsNull: true, OpIsNotNull: true,
}

// operatorAliases maps accepted spellings onto canonical operators.
var operatorAliases = map[string]Operator{
	"==": OpEqual, "eq": OpEqual,
	"<>": OpNotEqual, "ne": OpNotEqual, "neq": OpNotEqual,
	"gt": OpGreater, "lt": OpLess, "gte": OpGreaterOrEqual, "lte": OpLessOrEqual,
	"not in": OpNotIn, "nin": OpNotIn, "not contains": OpNotContains,
	"is null": OpIsNull, "is not null": OpIsNotNull, "isnull": OpIsNull,
	"regex": OpMatches,
}

// ParseOperator normalizes an operator spelling.
func ParseOperator(s string) (Operator, bool) {
	op := Operator(s)
	if knownOperators[op] {
		return op, true
	}
	if alias, ok := operatorAliases[s]; ok {
		return alias, true
	}
	return "", false
}

// Unary reports whether the operator takes no value operand.
func (o Operator) Unary() bool {
	return o == OpIsNull || o == OpIsNotNull
}

// Combinator joins the children of a Group.
type Combinator string

const (
	And Combinator = "AND"
	Or  Combinator = "OR"
)

// Node is one element of a condition tree. The concrete types are
// *Comparison, *Group and *Expression. A nil Node is the empty condition
// and always matches.
type Node interface {
	isNode()
}

// Comparison is a leaf testing one field against a literal.
type Comparison struct {
	field    string
	operator Operator
	value    any
}

// NewComparison builds a comparison leaf. List values are copied.
func NewComparison(field string, op Operator, value any) *Comparison {
	return &Comparison{field: field, operator: op, value: copyLiteral(value)}
}

func (*Comparison) isNode() {}

func (c *Comparison) Field() string      { return c.field }
func (c *Comparison) Operator() Operator { return c.operator }

// Value returns the literal operand. Lists are returned as a fresh copy.
func (c *Comparison) Value() any { return copyLiteral(c.value) }

// Group combines children with AND or OR.
type Group struct {
	combinator Combinator
	children   []Node
}

// NewGroup builds a group node owning a copy of children.
func NewGroup(c Combinator, children ...Node) *Group {
	owned := make([]Node, len(children))
	copy(owned, children)
	return &Group{combinator: c, children: owned}
}

// AllOf is shorthand for NewGroup(And, children...).
func AllOf(children ...Node) *Group { return NewGroup(And, children...) }

// AnyOf is shorthand for NewGroup(Or, children...).
func AnyOf(children ...Node) *Group { return NewGroup(Or, children...) }

func (*Group) isNode() {}

func (g *Group) Combinator() Combinator { return g.combinator }

// Children returns a copy of the child list.
func (g *Group) Children() []Node {
	out := make([]Node, len(g.children))
	copy(out, g.children)
	return out
}

// Len returns the number of children.
func (g *Group) Len() int { return len(g.children) }

// Expression is a leaf written in an embedded expression language.
// Only "cel" is supported.
type Expression struct {
	language string
	source   string
}

// LanguageCEL identifies Common Expression Language leaves.
const LanguageCEL = "cel"

// CEL builds an Expression leaf evaluated with cel-go.
func CEL(source string) *Expression {
	return &Expression{language: LanguageCEL, source: source}
}

func (*Expression) isNode() {}

func (e *Expression) Language() string { return e.language }
func (e *Expression) Source() string   { return e.source }

func copyLiteral(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]any, len(list))
	copy(out, list)
	return out
}
