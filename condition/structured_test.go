package condition

import (
	"reflect"
	"testing"
)

// TestFromStructuredShapes verifies every accepted structured shape
func TestFromStructuredShapes(t *testing.T) {
	prebuilt := NewComparison("a", OpEqual, int64(1))

	testCases := []struct {
		name  string
		input any
		want  Node
	}{
		{"nil", nil, nil},
		{"node passes through", prebuilt, prebuilt},
		{"text", "a = 1", prebuilt},
		{"comparison", map[string]any{"field": "a", "operator": "=", "value": int64(1)}, prebuilt},
		{"operator alias", map[string]any{"field": "a", "operator": "eq", "value": int64(1)}, prebuilt},
		{"and", map[string]any{"and": []any{"a = 1", map[string]any{"field": "b", "operator": "is_null"}}},
			AllOf(prebuilt, NewComparison("b", OpIsNull, nil))},
		{"combinator form", map[string]any{"combinator": "or", "children": []any{"a = 1"}},
			AnyOf(prebuilt)},
		{"implicit and", []any{"a = 1"}, AllOf(prebuilt)},
		{"cel", map[string]any{"cel": "payload.a == 1"}, CEL("payload.a == 1")},
		{"empty map", map[string]any{}, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FromStructured(tc.input)
			if err != nil {
				t.Fatalf("FromStructured() failed: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("FromStructured() = %#v, want %#v", got, tc.want)
			}
		})
	}
}

// TestFromStructuredErrors verifies malformed descriptions are rejected
func TestFromStructuredErrors(t *testing.T) {
	for name, input := range map[string]any{
		"unknown type":      42,
		"missing field":     map[string]any{"operator": "="},
		"unknown operator":  map[string]any{"field": "a", "operator": "~"},
		"in needs list":     map[string]any{"field": "a", "operator": "in", "value": "x"},
		"bad combinator":    map[string]any{"combinator": "xor", "children": []any{}},
		"children not list": map[string]any{"and": "a = 1"},
		"empty cel":         map[string]any{"cel": " "},
		"bad text in child": []any{"a = "},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := FromStructured(input); err == nil {
				t.Errorf("FromStructured(%#v) should fail", input)
			}
		})
	}
}

// TestMarshalNodeRoundTrip verifies the JSON form decodes to the same tree
func TestMarshalNodeRoundTrip(t *testing.T) {
	trees := []Node{
		nil,
		MustParse(`a = 1 AND (b IN ('x', 2) OR c IS NOT NULL)`),
		MustParse(`price >= 9.5 OR CEL('payload.total > 10')`),
		NewComparison("flag", OpEqual, true),
	}
	for _, tree := range trees {
		data, err := MarshalNode(tree)
		if err != nil {
			t.Fatalf("MarshalNode() failed: %v", err)
		}
		back, err := UnmarshalNode(data)
		if err != nil {
			t.Fatalf("UnmarshalNode(%s) failed: %v", data, err)
		}
		if !reflect.DeepEqual(back, tree) {
			t.Errorf("round trip of %s = %#v, want %#v", data, back, tree)
		}
	}
}

// TestAccessorsCopyLists verifies callers cannot mutate a parsed tree
func TestAccessorsCopyLists(t *testing.T) {
	c := MustParse(`role IN ('admin', 'owner')`).(*Comparison)
	list := c.Value().([]any)
	list[0] = "hacker"
	if c.Value().([]any)[0] != "admin" {
		t.Error("Value() should return a copy")
	}

	g := MustParse(`a = 1 OR b = 2`).(*Group)
	children := g.Children()
	children[0] = nil
	if g.Children()[0] == nil {
		t.Error("Children() should return a copy")
	}
}
