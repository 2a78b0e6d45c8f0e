package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// operatorFunc applies a comparison. found is false when the field could not
// be resolved; actual is then nil.
type operatorFunc func(c *Comparison, actual any, found bool) (bool, error)

var operators = map[Operator]operatorFunc{
	OpEqual: func(c *Comparison, actual any, found bool) (bool, error) {
		if c.value == nil {
			return !found || actual == nil, nil
		}
		return found && equal(actual, c.value), nil
	},
	OpNotEqual: func(c *Comparison, actual any, found bool) (bool, error) {
		if c.value == nil {
			return found && actual != nil, nil
		}
		return !found || !equal(actual, c.value), nil
	},
	OpGreater:        ordering(func(cmp int) bool { return cmp > 0 }),
	OpLess:           ordering(func(cmp int) bool { return cmp < 0 }),
	OpGreaterOrEqual: ordering(func(cmp int) bool { return cmp >= 0 }),
	OpLessOrEqual:    ordering(func(cmp int) bool { return cmp <= 0 }),
	OpIn: func(c *Comparison, actual any, found bool) (bool, error) {
		return found && inList(actual, c.value), nil
	},
	OpNotIn: func(c *Comparison, actual any, found bool) (bool, error) {
		return !found || !inList(actual, c.value), nil
	},
	OpContains: func(c *Comparison, actual any, found bool) (bool, error) {
		return found && contains(actual, c.value), nil
	},
	OpNotContains: func(c *Comparison, actual any, found bool) (bool, error) {
		return !found || !contains(actual, c.value), nil
	},
	OpStartsWith: func(c *Comparison, actual any, found bool) (bool, error) {
		return found && actual != nil && strings.HasPrefix(text(actual), text(c.value)), nil
	},
	OpEndsWith: func(c *Comparison, actual any, found bool) (bool, error) {
		return found && actual != nil && strings.HasSuffix(text(actual), text(c.value)), nil
	},
	OpLike:    matchPattern,
	OpMatches: matchPattern,
	OpIsNull: func(_ *Comparison, actual any, found bool) (bool, error) {
		return !found || actual == nil, nil
	},
	OpIsNotNull: func(_ *Comparison, actual any, found bool) (bool, error) {
		return found && actual != nil, nil
	},
}

func ordering(accept func(int) bool) operatorFunc {
	return func(c *Comparison, actual any, found bool) (bool, error) {
		if !found || actual == nil || c.value == nil {
			return false, nil
		}
		return accept(compare(actual, c.value)), nil
	}
}

func matchPattern(c *Comparison, actual any, found bool) (bool, error) {
	if !found || actual == nil {
		return false, nil
	}
	re, err := patternFor(c)
	if err != nil {
		return false, &EvaluationFault{Node: c, Msg: "invalid pattern", Err: err}
	}
	return re.MatchString(text(actual)), nil
}

// compare orders two operands. When both are numeric (Go numbers, or
// strings that parse as numbers) they compare numerically; otherwise both
// are rendered with fmt.Sprint and compared as case-sensitive strings.
func compare(a, b any) int {
	if af, ok := numeric(a); ok {
		if bf, ok := numeric(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(text(a), text(b))
}

func equal(a, b any) bool {
	return compare(a, b) == 0
}

func inList(actual, list any) bool {
	items, _ := list.([]any)
	for _, item := range items {
		if actual == nil && item == nil {
			return true
		}
		if actual != nil && item != nil && equal(actual, item) {
			return true
		}
	}
	return false
}

// contains is substring for strings, membership for lists and key presence
// for maps.
func contains(actual, want any) bool {
	switch v := actual.(type) {
	case nil:
		return false
	case string:
		return strings.Contains(v, text(want))
	case []any:
		for _, item := range v {
			if item != nil && equal(item, want) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := v[text(want)]
		return ok
	}

	rv := reflect.ValueOf(actual)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if equal(rv.Index(i).Interface(), want) {
				return true
			}
		}
		return false
	}
	return strings.Contains(text(actual), text(want))
}

func text(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

// numeric converts Go numbers and numeric strings to float64. NaN is never
// numeric, and strings must spell a finite number: "NaN", "Inf" and
// "Infinity" compare as text.
func numeric(v any) (float64, bool) {
	if f, ok := toFloat64(v); ok {
		return f, !math.IsNaN(f)
	}
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil && finite(f)
	case json.Number:
		f, err := x.Float64()
		return f, err == nil && finite(f)
	}
	return 0, false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int8:
		return float64(val), true
	case int16:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint16:
		return float64(val), true
	case uint32:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}

// patternCache holds compiled LIKE and MATCHES patterns keyed by operator
// and pattern text.
var patternCache sync.Map

func patternFor(c *Comparison) (*regexp.Regexp, error) {
	raw := text(c.value)
	key := string(c.operator) + "\x00" + raw
	if cached, ok := patternCache.Load(key); ok {
		return cached.(*regexp.Regexp), nil
	}

	expr := raw
	if c.operator == OpLike {
		expr = likeToRegexp(raw)
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	patternCache.Store(key, re)
	return re, nil
}

// likeToRegexp translates SQL LIKE wildcards: % matches any run of
// characters and _ matches exactly one.
func likeToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
