package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/eventrules/condition"
)

// Source identifies which trigger adapter produced an event.
type Source string

const (
	SourceLifecycle  Source = "lifecycle"
	SourceDataAccess Source = "data"
	SourceSchedule   Source = "schedule"
	SourceSignal     Source = "signal"
)

// Event is the canonical, immutable representation every trigger source is
// normalized into. Accessors return copies.
type Event struct {
	id         string
	name       string
	triggerKey string
	source     Source
	payload    map[string]any
	context    Context
	occurredAt time.Time
}

// New builds an event. The payload and context are deep-copied; a zero
// occurredAt is replaced by the current time.
func New(name, triggerKey string, source Source, payload map[string]any, ctx Context, occurredAt time.Time) *Event {
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	p := cloneMap(payload)
	if p == nil {
		p = map[string]any{}
	}
	if ctx.Request.Source == "" {
		ctx.Request.Source = RequestUnknown
	}
	return &Event{
		id:         uuid.New().String(),
		name:       name,
		triggerKey: triggerKey,
		source:     source,
		payload:    p,
		context:    ctx.Clone(),
		occurredAt: occurredAt,
	}
}

func (e *Event) ID() string            { return e.id }
func (e *Event) Name() string          { return e.name }
func (e *Event) TriggerKey() string    { return e.triggerKey }
func (e *Event) Source() Source        { return e.source }
func (e *Event) OccurredAt() time.Time { return e.occurredAt }

// Payload returns a deep copy of the event payload.
func (e *Event) Payload() map[string]any { return cloneMap(e.payload) }

// Context returns a deep copy of the event context.
func (e *Event) Context() Context { return e.context.Clone() }

// Lookup resolves a dotted path in the payload first and then in the context.
func (e *Event) Lookup(path string) (any, bool) {
	if v, ok := condition.LookupPath(e.payload, path); ok {
		return cloneValue(v), true
	}
	v, ok := e.context.Lookup(path)
	return v, ok
}

// Vars exposes the event to CEL expressions as "payload" and "context".
func (e *Event) Vars() map[string]any {
	return map[string]any{
		condition.VarPayload: cloneMap(e.payload),
		condition.VarContext: e.context.AsMap(),
	}
}

// Snapshot is a plain map form of the event used by audit records.
func (e *Event) Snapshot() map[string]any {
	return map[string]any{
		"id":          e.id,
		"name":        e.name,
		"trigger_key": e.triggerKey,
		"source":      string(e.source),
		"payload":     cloneMap(e.payload),
		"context":     e.context.ToMap(),
		"occurred_at": e.occurredAt.Format(time.RFC3339Nano),
	}
}

func (e *Event) String() string {
	return fmt.Sprintf("%s(%s)", e.name, e.triggerKey)
}

// Trigger key prefixes.
const (
	prefixLifecycle = "lifecycle"
	prefixData      = "data"
	prefixSchedule  = "schedule"
	prefixSignal    = "signal"
)

// LifecycleKey returns "lifecycle:<entity>:<phase>".
func LifecycleKey(entity, phase string) string {
	return joinKey(prefixLifecycle, norm(entity), norm(phase))
}

// DataKey returns "data:<table>:<operation>".
func DataKey(table, operation string) string {
	return joinKey(prefixData, norm(table), norm(operation))
}

// ScheduleKey returns "schedule:<rule-id>".
func ScheduleKey(ruleID string) string {
	return joinKey(prefixSchedule, strings.TrimSpace(ruleID))
}

// SignalKey returns "signal:<name>".
func SignalKey(name string) string {
	return joinKey(prefixSignal, strings.TrimSpace(name))
}

func joinKey(parts ...string) string { return strings.Join(parts, ":") }

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
