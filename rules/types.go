package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/liamcoop/eventrules/condition"
	"github.com/liamcoop/eventrules/event"
)

// TriggerType is the kind of trigger source a rule listens to.
type TriggerType string

const (
	TriggerLifecycle  TriggerType = "lifecycle"
	TriggerDataAccess TriggerType = "data-access"
	TriggerSchedule   TriggerType = "schedule"
	TriggerCustom     TriggerType = "custom"
)

// Trigger config keys.
const (
	ConfigEntity     = "entity"
	ConfigPhases     = "phases"
	ConfigTable      = "table"
	ConfigOperations = "operations"
	ConfigCron       = "cron"
	ConfigTimezone   = "timezone"
	ConfigSignal     = "signal"
)

// ActionMode selects whether an action is awaited or handed to a task queue.
type ActionMode string

const (
	ModeInline ActionMode = "inline"
	ModeAsync  ActionMode = "async"
)

// Rule is a trigger, a condition and an ordered list of actions. Rules are
// treated as values once stored: stores and caches hand out copies.
type Rule struct {
	ID            string
	Name          string
	Description   string
	Active        bool
	Priority      int
	TriggerType   TriggerType
	TriggerConfig map[string]any
	// Condition is the parsed tree; nil always matches.
	Condition condition.Node
	// ConditionText is the authored text, kept for display and export.
	ConditionText string
	Actions       []RuleAction
	// Seq is the insertion order assigned by the store; it breaks priority ties.
	Seq       int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RuleAction is one side effect a matched rule performs.
type RuleAction struct {
	Type   string         `json:"type" yaml:"type"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Order  int            `json:"order" yaml:"order"`
	Mode   ActionMode     `json:"mode,omitempty" yaml:"mode,omitempty"`
	Retry  *RetryOverride `json:"retry,omitempty" yaml:"retry,omitempty"`
}

// RetryOverride replaces parts of the dispatcher's default retry policy for
// one asynchronous action. Zero fields keep the default.
type RetryOverride struct {
	MaxAttempts    int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	BackoffSeconds []int    `json:"backoff_seconds,omitempty" yaml:"backoff_seconds,omitempty"`
	NonRetryable   []string `json:"non_retryable,omitempty" yaml:"non_retryable,omitempty"`
}

// EffectiveMode defaults an empty mode to inline.
func (a RuleAction) EffectiveMode() ActionMode {
	if a.Mode == "" {
		return ModeInline
	}
	return a.Mode
}

// SortedActions returns the actions ordered by Order, keeping declaration
// order for equal values.
func (r *Rule) SortedActions() []RuleAction {
	out := make([]RuleAction, len(r.Actions))
	copy(out, r.Actions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// TriggerKeys lists the exact trigger keys the rule listens on. Lifecycle
// rules may list several phases and data-access rules several operations.
func (r *Rule) TriggerKeys() []string {
	switch r.TriggerType {
	case TriggerLifecycle:
		entity := configString(r.TriggerConfig, ConfigEntity)
		phases := configStrings(r.TriggerConfig, ConfigPhases)
		if len(phases) == 0 {
			phases = []string{event.PhaseCreated, event.PhaseUpdated, event.PhaseDeleted}
		}
		keys := make([]string, 0, len(phases))
		for _, p := range phases {
			keys = append(keys, event.LifecycleKey(entity, p))
		}
		return dedupe(keys)
	case TriggerDataAccess:
		table := configString(r.TriggerConfig, ConfigTable)
		ops := configStrings(r.TriggerConfig, ConfigOperations)
		if len(ops) == 0 {
			ops = []string{event.OpInsert, event.OpUpdate, event.OpDelete}
		}
		keys := make([]string, 0, len(ops))
		for _, op := range ops {
			keys = append(keys, event.DataKey(table, op))
		}
		return dedupe(keys)
	case TriggerSchedule:
		return []string{event.ScheduleKey(r.ID)}
	case TriggerCustom:
		return []string{event.SignalKey(configString(r.TriggerConfig, ConfigSignal))}
	}
	return nil
}

// ListensOn reports whether key is one of the rule's trigger keys.
func (r *Rule) ListensOn(key string) bool {
	for _, k := range r.TriggerKeys() {
		if k == key {
			return true
		}
	}
	return false
}

// CronExpression returns the schedule expression of a schedule rule.
func (r *Rule) CronExpression() string {
	return configString(r.TriggerConfig, ConfigCron)
}

// Timezone returns the optional IANA zone of a schedule rule.
func (r *Rule) Timezone() string {
	return configString(r.TriggerConfig, ConfigTimezone)
}

// ConditionString is the text shown for the rule's condition.
func (r *Rule) ConditionString() string {
	if r.ConditionText != "" {
		return r.ConditionText
	}
	return condition.String(r.Condition)
}

// Clone returns a copy that shares nothing mutable with r. The condition
// tree is immutable and is shared.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	out := *r
	out.TriggerConfig = cloneConfig(r.TriggerConfig)
	out.Actions = make([]RuleAction, len(r.Actions))
	for i, a := range r.Actions {
		a.Config = cloneConfig(a.Config)
		if a.Retry != nil {
			retry := *a.Retry
			retry.BackoffSeconds = append([]int(nil), a.Retry.BackoffSeconds...)
			retry.NonRetryable = append([]string(nil), a.Retry.NonRetryable...)
			a.Retry = &retry
		}
		out.Actions[i] = a
	}
	return &out
}

// ParseCondition parses text into the rule's condition, keeping the text.
func (r *Rule) ParseCondition(text string) error {
	node, err := condition.Parse(text)
	if err != nil {
		return fmt.Errorf("rule %s condition: %w", r.ID, err)
	}
	r.Condition = node
	r.ConditionText = strings.TrimSpace(text)
	return nil
}

func configString(cfg map[string]any, key string) string {
	v, ok := cfg[key]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func configStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		return out
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func cloneConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case map[string]any:
			out[k] = cloneConfig(x)
		case []any:
			items := make([]any, len(x))
			for i, item := range x {
				if nested, ok := item.(map[string]any); ok {
					items[i] = cloneConfig(nested)
				} else {
					items[i] = item
				}
			}
			out[k] = items
		default:
			out[k] = v
		}
	}
	return out
}
