package dispatch

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/liamcoop/eventrules/condition"
	"github.com/liamcoop/eventrules/event"
)

// Renderer substitutes event data into an action's config before it runs.
type Renderer interface {
	Render(config map[string]any, ev *event.Event) (map[string]any, error)
}

var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.\-]+)\s*\}\}`)

// PlaceholderRenderer replaces {{ path }} in string values, recursing into
// maps and lists. "payload." and "model." paths resolve in the payload,
// "context." paths in the event context, bare paths in the payload and
// then the context; event.id, event.name and event.trigger_key name the
// event itself. A string that is exactly one placeholder takes the
// resolved value with its type, so executors expecting text implement
// ConfigNormalizer; embedded placeholders are formatted with fmt.Sprint.
// Unresolved placeholders render empty unless Strict is set.
type PlaceholderRenderer struct {
	Strict bool
}

func (r PlaceholderRenderer) Render(config map[string]any, ev *event.Event) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}
	out, err := r.renderValue(config, ev)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (r PlaceholderRenderer) renderValue(v any, ev *event.Event) (any, error) {
	switch x := v.(type) {
	case string:
		return r.renderString(x, ev)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, child := range x {
			rendered, err := r.renderValue(child, ev)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, child := range x {
			rendered, err := r.renderValue(child, ev)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	}
	return v, nil
}

func (r PlaceholderRenderer) renderString(s string, ev *event.Event) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	if m := placeholder.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		v, ok := resolvePlaceholder(s[m[2]:m[3]], ev)
		if !ok {
			return r.missing(s[m[2]:m[3]])
		}
		return v, nil
	}

	var firstErr error
	out := placeholder.ReplaceAllStringFunc(s, func(token string) string {
		path := placeholder.FindStringSubmatch(token)[1]
		v, ok := resolvePlaceholder(path, ev)
		if !ok {
			if _, err := r.missing(path); err != nil && firstErr == nil {
				firstErr = err
			}
			return ""
		}
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (r PlaceholderRenderer) missing(path string) (any, error) {
	if r.Strict {
		return nil, fmt.Errorf("unresolved placeholder {{ %s }}", path)
	}
	return "", nil
}

func resolvePlaceholder(path string, ev *event.Event) (any, bool) {
	if ev == nil {
		return nil, false
	}
	switch path {
	case "event.id":
		return ev.ID(), true
	case "event.name":
		return ev.Name(), true
	case "event.trigger_key":
		return ev.TriggerKey(), true
	}
	switch {
	case strings.HasPrefix(path, "payload."):
		return condition.LookupPath(ev.Payload(), strings.TrimPrefix(path, "payload."))
	case strings.HasPrefix(path, "model."):
		return condition.LookupPath(ev.Payload(), strings.TrimPrefix(path, "model."))
	case strings.HasPrefix(path, "context."):
		return ev.Context().Lookup(strings.TrimPrefix(path, "context."))
	}
	return ev.Lookup(path)
}
