package condition

import (
	"reflect"
	"strconv"
	"strings"
)

// LookupPath resolves a dotted path ("user.address.city", "items.0.sku")
// inside nested maps and slices.
func LookupPath(root map[string]any, path string) (any, bool) {
	if root == nil || path == "" {
		return nil, false
	}
	if v, ok := root[path]; ok {
		return v, true
	}

	var cur any = root
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			next, ok := reflectStep(cur, part)
			if !ok {
				return nil, false
			}
			cur = next
		}
	}
	return cur, true
}

func reflectStep(cur any, part string) (any, bool) {
	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(part).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(part)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, false
		}
		return rv.Index(idx).Interface(), true
	}
	return nil, false
}

// MapSubject evaluates against plain maps: fields resolve in Payload first,
// then in Context.
type MapSubject struct {
	Payload map[string]any
	Context map[string]any
}

func (m MapSubject) Lookup(path string) (any, bool) {
	if v, ok := LookupPath(m.Payload, path); ok {
		return v, true
	}
	return LookupPath(m.Context, path)
}

func (m MapSubject) Vars() map[string]any {
	payload, ctx := m.Payload, m.Context
	if payload == nil {
		payload = map[string]any{}
	}
	if ctx == nil {
		ctx = map[string]any{}
	}
	return map[string]any{VarPayload: payload, VarContext: ctx}
}
