package rules

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type knownTypes map[string]bool

func (k knownTypes) Known(t string) bool { return k[t] }

func validRule() *Rule {
	return &Rule{
		ID:            "welcome-email",
		Name:          "Welcome email",
		Active:        true,
		TriggerType:   TriggerLifecycle,
		TriggerConfig: map[string]any{ConfigEntity: "user", ConfigPhases: []any{"created"}},
		Actions:       []RuleAction{{Type: "notify", Mode: ModeAsync}},
	}
}

// TestValidate_ValidRule verifies a well-formed rule passes
func TestValidate_ValidRule(t *testing.T) {
	if err := Validate(validRule(), knownTypes{"notify": true}); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
	if err := Validate(validRule(), nil); err != nil {
		t.Errorf("Validate() without type checker failed: %v", err)
	}
}

// TestValidate_Problems verifies each kind of problem is reported
func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Rule)
		contain string
	}{
		{"empty id", func(r *Rule) { r.ID = "" }, "identifier cannot be empty"},
		{"id with space", func(r *Rule) { r.ID = "my rule" }, "must match pattern"},
		{"id too long", func(r *Rule) { r.ID = strings.Repeat("a", 101) }, "exceeds maximum of 100"},
		{"empty name", func(r *Rule) { r.Name = "" }, "name cannot be empty"},
		{"padded name", func(r *Rule) { r.Name = " x " }, "leading/trailing whitespace"},
		{"no actions", func(r *Rule) { r.Actions = nil }, "at least one action"},
		{"empty action type", func(r *Rule) { r.Actions[0].Type = " " }, "type cannot be empty"},
		{"unknown action type", func(r *Rule) { r.Actions[0].Type = "fax" }, `unknown type "fax"`},
		{"unknown mode", func(r *Rule) { r.Actions[0].Mode = "later" }, `unknown mode "later"`},
		{"negative retry", func(r *Rule) { r.Actions[0].Retry = &RetryOverride{MaxAttempts: -1} }, "cannot be negative"},
		{"negative backoff", func(r *Rule) { r.Actions[0].Retry = &RetryOverride{BackoffSeconds: []int{1, -1}} }, "backoff cannot be negative"},
		{"missing trigger type", func(r *Rule) { r.TriggerType = "" }, "type cannot be empty"},
		{"unknown trigger type", func(r *Rule) { r.TriggerType = "webhook" }, `unknown type "webhook"`},
		{"bad entity", func(r *Rule) { r.TriggerConfig[ConfigEntity] = "user-profile" }, "entity"},
		{"unknown phase", func(r *Rule) { r.TriggerConfig[ConfigPhases] = "created,archived" }, `unknown phase "archived"`},
		{"data without table", func(r *Rule) {
			r.TriggerType = TriggerDataAccess
			r.TriggerConfig = map[string]any{}
		}, "table"},
		{"unknown operation", func(r *Rule) {
			r.TriggerType = TriggerDataAccess
			r.TriggerConfig = map[string]any{ConfigTable: "orders", ConfigOperations: []any{"merge"}}
		}, `unknown operation "merge"`},
		{"schedule without cron", func(r *Rule) {
			r.TriggerType = TriggerSchedule
			r.TriggerConfig = map[string]any{}
		}, "cron expression is required"},
		{"bad cron", func(r *Rule) {
			r.TriggerType = TriggerSchedule
			r.TriggerConfig = map[string]any{ConfigCron: "61 * * * *"}
		}, "invalid cron expression"},
		{"bad timezone", func(r *Rule) {
			r.TriggerType = TriggerSchedule
			r.TriggerConfig = map[string]any{ConfigCron: "@hourly", ConfigTimezone: "Mars/Olympus"}
		}, "unknown timezone"},
		{"bad signal", func(r *Rule) {
			r.TriggerType = TriggerCustom
			r.TriggerConfig = map[string]any{ConfigSignal: "has space"}
		}, "signal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(r)
			err := Validate(r, knownTypes{"notify": true})
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error %T is not *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.contain) {
				t.Errorf("error %q should contain %q", err.Error(), tt.contain)
			}
		})
	}
}

// TestValidate_CollectsAllProblems verifies problems are reported together
func TestValidate_CollectsAllProblems(t *testing.T) {
	r := validRule()
	r.ID = ""
	r.Name = ""
	r.Actions = nil

	var verr *ValidationError
	if !errors.As(Validate(r, nil), &verr) {
		t.Fatal("Validate() should return *ValidationError")
	}
	if len(verr.Problems) != 3 {
		t.Errorf("Problems = %v, want 3 entries", verr.Problems)
	}
}

// TestParseSchedule verifies expressions, descriptors and timezones
func TestParseSchedule(t *testing.T) {
	from := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	tests := []struct {
		expr string
		tz   string
		want time.Time
	}{
		{"0 9 * * *", "", time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		{"@hourly", "", time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", "", time.Date(2024, 3, 1, 8, 45, 0, 0, time.UTC)},
		{"0 9 * * *", "Europe/Oslo", time.Date(2024, 3, 2, 8, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr+" "+tt.tz, func(t *testing.T) {
			sched, err := ParseSchedule(tt.expr, tt.tz)
			if err != nil {
				t.Fatalf("ParseSchedule() failed: %v", err)
			}
			if got := sched.Next(from); !got.Equal(tt.want) {
				t.Errorf("Next(%v) = %v, want %v", from, got.UTC(), tt.want)
			}
		})
	}
}
