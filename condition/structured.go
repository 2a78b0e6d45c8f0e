package condition

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FromStructured converts a structured condition description into a tree.
// Accepted shapes:
//
//	nil                                   empty condition
//	Node                                  passed through unchanged
//	string                                parsed with Parse
//	{"field": f, "operator": op, "value": v}
//	{"and": [...]} / {"or": [...]}
//	{"combinator": "AND"|"OR", "children": [...]}
//	{"cel": "payload.amount > 10"}
//	[...]                                 implicit AND of the elements
func FromStructured(v any) (Node, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case Node:
		return x, nil
	case string:
		return Parse(x)
	case []any:
		return groupFromList(And, x)
	case map[string]any:
		return fromMap(x)
	}
	return nil, fmt.Errorf("unsupported condition description of type %T", v)
}

func fromMap(m map[string]any) (Node, error) {
	if len(m) == 0 {
		return nil, nil
	}
	if src, ok := m["cel"]; ok {
		s, ok := src.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("cel condition must be a non-empty string")
		}
		return CEL(s), nil
	}
	if children, ok := m["and"]; ok {
		return groupFromAny(And, children)
	}
	if children, ok := m["or"]; ok {
		return groupFromAny(Or, children)
	}
	if comb, ok := m["combinator"]; ok {
		s, _ := comb.(string)
		switch strings.ToUpper(s) {
		case string(And):
			return groupFromAny(And, m["children"])
		case string(Or):
			return groupFromAny(Or, m["children"])
		}
		return nil, fmt.Errorf("unknown combinator %q", s)
	}

	field, _ := m["field"].(string)
	if field == "" {
		return nil, fmt.Errorf("comparison requires a non-empty field")
	}
	opText, _ := m["operator"].(string)
	op, ok := ParseOperator(strings.ToLower(opText))
	if !ok {
		return nil, fmt.Errorf("unknown operator %q for field %s", opText, field)
	}
	value := normalizeValue(m["value"])
	if (op == OpIn || op == OpNotIn) && value != nil {
		if _, isList := value.([]any); !isList {
			return nil, fmt.Errorf("operator %s requires a list value for field %s", op, field)
		}
	}
	return NewComparison(field, op, value), nil
}

func groupFromAny(c Combinator, v any) (Node, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%s group requires a list of children", c)
	}
	return groupFromList(c, list)
}

func groupFromList(c Combinator, list []any) (Node, error) {
	children := make([]Node, 0, len(list))
	for i, item := range list {
		child, err := FromStructured(item)
		if err != nil {
			return nil, fmt.Errorf("%s child %d: %w", c, i, err)
		}
		if child == nil {
			continue
		}
		children = append(children, child)
	}
	if len(children) == 0 {
		return nil, nil
	}
	return NewGroup(c, children...), nil
}

// normalizeValue turns json.Number into int64/float64 so literal handling
// matches the text parser.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := parseNumber(x.String()); err == nil {
			return n
		}
		return x.String()
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeValue(item)
		}
		return out
	}
	return v
}

// ToStructured renders a tree in the structured map form accepted by
// FromStructured. A nil Node yields nil.
func ToStructured(n Node) any {
	switch v := n.(type) {
	case *Comparison:
		m := map[string]any{"field": v.field, "operator": string(v.operator)}
		if !v.operator.Unary() {
			m["value"] = copyLiteral(v.value)
		}
		return m
	case *Group:
		children := make([]any, len(v.children))
		for i, child := range v.children {
			children[i] = ToStructured(child)
		}
		return map[string]any{strings.ToLower(string(v.combinator)): children}
	case *Expression:
		return map[string]any{v.language: v.source}
	}
	return nil
}

// MarshalNode encodes a tree as JSON.
func MarshalNode(n Node) ([]byte, error) {
	return json.Marshal(ToStructured(n))
}

// UnmarshalNode decodes the JSON produced by MarshalNode. The JSON literal
// null decodes to the empty condition.
func UnmarshalNode(data []byte) (Node, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode condition: %w", err)
	}
	return FromStructured(v)
}
