package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/liamcoop/eventrules/event"
)

const (
	maxIdentifierLength = 100
	maxNameLength       = 200
	maxActions          = 50
)

var (
	validRuleID     = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)
	validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	validSignal     = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.:-]*$`)

	cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
)

// TypeChecker reports whether an action type has a registered executor.
type TypeChecker interface {
	Known(actionType string) bool
}

// ValidationError lists every problem found in a rule.
type ValidationError struct {
	RuleID   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid rule %q: %s", e.RuleID, strings.Join(e.Problems, "; "))
}

// Validate checks identity, trigger config and actions. types may be nil,
// in which case action types are only checked for presence; unknown types
// are otherwise caught at dispatch time as configuration errors.
func Validate(rule *Rule, types TypeChecker) error {
	v := &ValidationError{RuleID: rule.ID}
	add := func(format string, args ...any) {
		v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
	}

	if err := validateRuleID(rule.ID); err != nil {
		add("id: %v", err)
	}
	switch {
	case rule.Name == "":
		add("name cannot be empty")
	case len(rule.Name) > maxNameLength:
		add("name length %d exceeds maximum of %d characters", len(rule.Name), maxNameLength)
	case strings.TrimSpace(rule.Name) != rule.Name:
		add("name has leading/trailing whitespace: %q", rule.Name)
	}

	for _, problem := range validateTrigger(rule) {
		add("trigger: %s", problem)
	}

	if len(rule.Actions) == 0 {
		add("at least one action is required")
	}
	if len(rule.Actions) > maxActions {
		add("rule has %d actions, maximum allowed is %d", len(rule.Actions), maxActions)
	}
	for i, a := range rule.Actions {
		if strings.TrimSpace(a.Type) == "" {
			add("action %d: type cannot be empty", i)
		} else if types != nil && !types.Known(a.Type) {
			add("action %d: unknown type %q", i, a.Type)
		}
		switch a.Mode {
		case "", ModeInline, ModeAsync:
		default:
			add("action %d: unknown mode %q (must be inline or async)", i, a.Mode)
		}
		if r := a.Retry; r != nil {
			if r.MaxAttempts < 0 || r.TimeoutSeconds < 0 {
				add("action %d: retry values cannot be negative", i)
			}
			for _, s := range r.BackoffSeconds {
				if s < 0 {
					add("action %d: backoff cannot be negative", i)
					break
				}
			}
		}
	}

	if len(v.Problems) > 0 {
		return v
	}
	return nil
}

func validateRuleID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(id) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(id), maxIdentifierLength)
	}
	if !validRuleID.MatchString(id) {
		return fmt.Errorf("must match pattern %s", validRuleID.String())
	}
	return nil
}

func validateTrigger(rule *Rule) []string {
	cfg := rule.TriggerConfig
	var problems []string
	switch rule.TriggerType {
	case TriggerLifecycle:
		if entity := configString(cfg, ConfigEntity); !validIdentifier.MatchString(entity) {
			problems = append(problems, fmt.Sprintf("entity %q must match %s", entity, validIdentifier.String()))
		}
		for _, p := range configStrings(cfg, ConfigPhases) {
			switch norm(p) {
			case event.PhaseCreated, event.PhaseUpdated, event.PhaseDeleted:
			default:
				problems = append(problems, fmt.Sprintf("unknown phase %q", p))
			}
		}
	case TriggerDataAccess:
		if table := configString(cfg, ConfigTable); !validIdentifier.MatchString(table) {
			problems = append(problems, fmt.Sprintf("table %q must match %s", table, validIdentifier.String()))
		}
		for _, op := range configStrings(cfg, ConfigOperations) {
			switch norm(op) {
			case event.OpSelect, event.OpInsert, event.OpUpdate, event.OpDelete:
			default:
				problems = append(problems, fmt.Sprintf("unknown operation %q", op))
			}
		}
	case TriggerSchedule:
		if _, err := ParseSchedule(rule.CronExpression(), rule.Timezone()); err != nil {
			problems = append(problems, err.Error())
		}
	case TriggerCustom:
		if signal := configString(cfg, ConfigSignal); !validSignal.MatchString(signal) {
			problems = append(problems, fmt.Sprintf("signal %q must match %s", signal, validSignal.String()))
		}
	case "":
		problems = append(problems, "type cannot be empty")
	default:
		problems = append(problems, fmt.Sprintf("unknown type %q", rule.TriggerType))
	}
	return problems
}

// ParseSchedule parses a standard five-field cron expression or a
// descriptor such as "@hourly" or "@every 15m", evaluated in timezone
// (UTC when empty).
func ParseSchedule(expr, timezone string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("unknown timezone %q: %w", timezone, err)
		}
	} else {
		timezone = "UTC"
	}
	sched, err := cronParser.Parse("CRON_TZ=" + timezone + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
