package event

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/liamcoop/eventrules/condition"
)

// RequestSource names where the triggering request came from.
type RequestSource string

const (
	RequestWeb      RequestSource = "web"
	RequestConsole  RequestSource = "console"
	RequestQueue    RequestSource = "queue"
	RequestSchedule RequestSource = "schedule"
	RequestUnknown  RequestSource = "unknown"
)

// ParseRequestSource maps unrecognized values to RequestUnknown.
func ParseRequestSource(s string) RequestSource {
	switch RequestSource(strings.ToLower(s)) {
	case RequestWeb:
		return RequestWeb
	case RequestConsole:
		return RequestConsole
	case RequestQueue:
		return RequestQueue
	case RequestSchedule:
		return RequestSchedule
	}
	return RequestUnknown
}

// Actor identifies who caused the event.
type Actor struct {
	ID            string `json:"id,omitempty" yaml:"id,omitempty"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	Email         string `json:"email,omitempty" yaml:"email,omitempty"`
	Authenticated bool   `json:"authenticated" yaml:"authenticated"`
}

// Request describes the request that caused the event.
type Request struct {
	URL       string        `json:"url,omitempty" yaml:"url,omitempty"`
	Method    string        `json:"method,omitempty" yaml:"method,omitempty"`
	IP        string        `json:"ip,omitempty" yaml:"ip,omitempty"`
	UserAgent string        `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	Source    RequestSource `json:"source,omitempty" yaml:"source,omitempty"`
}

// Context is the ambient metadata travelling with an event. It may be
// enriched with Set and Merge before the event is built; Event hands out
// copies afterwards.
type Context struct {
	Actor     Actor          `json:"actor"`
	Request   Request        `json:"request"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Flat map keys for the declared fields.
const (
	KeyActorID            = "actor.id"
	KeyActorName          = "actor.name"
	KeyActorEmail         = "actor.email"
	KeyActorAuthenticated = "actor.authenticated"
	KeyRequestURL         = "request.url"
	KeyRequestMethod      = "request.method"
	KeyRequestIP          = "request.ip"
	KeyRequestUserAgent   = "request.user_agent"
	KeyRequestSource      = "request.source"
	KeySessionID          = "session_id"
	dataPrefix            = "data."
)

// Set assigns one value by dotted path. Declared fields use their flat map
// key ("actor.id", "request.source", ...); any other path is stored under
// Data, creating intermediate maps as needed. A leading "data." is optional.
func (c *Context) Set(path string, value any) error {
	switch path {
	case KeyActorID:
		c.Actor.ID = fmt.Sprint(value)
	case KeyActorName:
		c.Actor.Name = fmt.Sprint(value)
	case KeyActorEmail:
		c.Actor.Email = fmt.Sprint(value)
	case KeyActorAuthenticated:
		b, err := toBool(value)
		if err != nil {
			return fmt.Errorf("context %s: %w", path, err)
		}
		c.Actor.Authenticated = b
	case KeyRequestURL:
		c.Request.URL = fmt.Sprint(value)
	case KeyRequestMethod:
		c.Request.Method = fmt.Sprint(value)
	case KeyRequestIP:
		c.Request.IP = fmt.Sprint(value)
	case KeyRequestUserAgent:
		c.Request.UserAgent = fmt.Sprint(value)
	case KeyRequestSource:
		c.Request.Source = ParseRequestSource(fmt.Sprint(value))
	case KeySessionID:
		c.SessionID = fmt.Sprint(value)
	default:
		path = strings.TrimPrefix(path, dataPrefix)
		if path == "" {
			return fmt.Errorf("context: empty path")
		}
		if c.Data == nil {
			c.Data = make(map[string]any)
		}
		setPath(c.Data, strings.Split(path, "."), value)
	}
	return nil
}

// Merge deep-merges values into Data. Keys that name declared fields in flat
// form are routed through Set.
func (c *Context) Merge(values map[string]any) error {
	for k, v := range values {
		if isDeclaredKey(k) {
			if err := c.Set(k, v); err != nil {
				return err
			}
			continue
		}
		if c.Data == nil {
			c.Data = make(map[string]any)
		}
		mergeInto(c.Data, strings.TrimPrefix(k, dataPrefix), v)
	}
	return nil
}

// Clone returns a deep copy.
func (c Context) Clone() Context {
	out := c
	out.Data = cloneMap(c.Data)
	return out
}

// ToMap flattens the context for crossing process or queue boundaries. Data
// entries are flattened to "data.<path>" keys with '.' and '\' inside a key
// escaped by a backslash; lists are kept as values. ContextFromMap inverts
// it exactly, except that an empty Data comes back nil.
func (c Context) ToMap() map[string]any {
	m := map[string]any{
		KeyActorID:            c.Actor.ID,
		KeyActorName:          c.Actor.Name,
		KeyActorEmail:         c.Actor.Email,
		KeyActorAuthenticated: c.Actor.Authenticated,
		KeyRequestURL:         c.Request.URL,
		KeyRequestMethod:      c.Request.Method,
		KeyRequestIP:          c.Request.IP,
		KeyRequestUserAgent:   c.Request.UserAgent,
		KeyRequestSource:      string(c.Request.Source),
		KeySessionID:          c.SessionID,
	}
	flatten(m, dataPrefix[:len(dataPrefix)-1], c.Data)
	return m
}

// ContextFromMap rebuilds a Context from ToMap output.
func ContextFromMap(m map[string]any) (Context, error) {
	var c Context
	for k, v := range m {
		switch {
		case k == KeyRequestSource:
			// an unset source stays unset
			if s := fmt.Sprint(stringOrZero(v)); s != "" {
				c.Request.Source = ParseRequestSource(s)
			}
		case isDeclaredKey(k):
			if err := c.Set(k, stringOrZero(v)); err != nil {
				return Context{}, err
			}
		case strings.HasPrefix(k, dataPrefix):
			parts, err := splitEscaped(k[len(dataPrefix):])
			if err != nil {
				return Context{}, fmt.Errorf("context key %q: %w", k, err)
			}
			if c.Data == nil {
				c.Data = make(map[string]any)
			}
			setPath(c.Data, parts, cloneValue(v))
		default:
			return Context{}, fmt.Errorf("context: unexpected key %q", k)
		}
	}
	return c, nil
}

// AsMap returns the nested representation used for condition lookups and
// CEL variables: {"actor": {...}, "request": {...}, "session_id": ..., "data": {...}}.
// Data keys are also promoted to the top level when they do not collide.
func (c Context) AsMap() map[string]any {
	m := map[string]any{
		"actor": map[string]any{
			"id":            c.Actor.ID,
			"name":          c.Actor.Name,
			"email":         c.Actor.Email,
			"authenticated": c.Actor.Authenticated,
		},
		"request": map[string]any{
			"url":        c.Request.URL,
			"method":     c.Request.Method,
			"ip":         c.Request.IP,
			"user_agent": c.Request.UserAgent,
			"source":     string(c.Request.Source),
		},
		"session_id": c.SessionID,
	}
	data := cloneMap(c.Data)
	if data == nil {
		data = map[string]any{}
	}
	m["data"] = data
	for k, v := range data {
		if _, taken := m[k]; !taken {
			m[k] = v
		}
	}
	return m
}

// Lookup resolves a dotted path against AsMap.
func (c Context) Lookup(path string) (any, bool) {
	return condition.LookupPath(c.AsMap(), path)
}

func isDeclaredKey(k string) bool {
	switch k {
	case KeyActorID, KeyActorName, KeyActorEmail, KeyActorAuthenticated,
		KeyRequestURL, KeyRequestMethod, KeyRequestIP, KeyRequestUserAgent,
		KeyRequestSource, KeySessionID:
		return true
	}
	return false
}

func stringOrZero(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		if x == "" {
			return false, nil
		}
		return strconv.ParseBool(x)
	case nil:
		return false, nil
	}
	return false, fmt.Errorf("cannot use %T as bool", v)
}

func setPath(m map[string]any, parts []string, value any) {
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func mergeInto(dst map[string]any, key string, value any) {
	src, isMap := value.(map[string]any)
	existing, hasMap := dst[key].(map[string]any)
	if isMap && hasMap {
		for k, v := range src {
			mergeInto(existing, k, v)
		}
		return
	}
	if isMap {
		dst[key] = cloneMap(src)
		return
	}
	dst[key] = value
}

// flatten writes nested maps as dotted keys. Empty maps are kept as values
// so they survive a round trip.
func flatten(dst map[string]any, prefix string, src map[string]any) {
	for k, v := range src {
		key := prefix + "." + keyEscaper.Replace(k)
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(dst, key, nested)
			continue
		}
		dst[key] = cloneValue(v)
	}
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`)

// splitEscaped splits a flattened data path on unescaped dots.
func splitEscaped(path string) ([]string, error) {
	var parts []string
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '\\':
			if i+1 == len(path) {
				return nil, fmt.Errorf("dangling escape")
			}
			i++
			b.WriteByte(path[i])
		case '.':
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	return append(parts, b.String()), nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	}
	return v
}
