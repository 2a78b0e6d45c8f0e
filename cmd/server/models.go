package main

import (
	"time"

	"github.com/liamcoop/eventrules/condition"
	"github.com/liamcoop/eventrules/engine"
	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/rules"
)

// API request and response models

// TriggerRequest describes what a rule listens to
type TriggerRequest struct {
	Type   rules.TriggerType `json:"type" example:"lifecycle"`
	Config map[string]any    `json:"config,omitempty"`
} // @name TriggerRequest

// RuleRequest is the body for creating or replacing a rule. Either
// condition (text) or conditionTree (structured) may be set; the tree wins.
type RuleRequest struct {
	ID            string             `json:"id,omitempty" example:"welcome-test-users"`
	Name          string             `json:"name" example:"Welcome test users" binding:"required"`
	Description   string             `json:"description,omitempty"`
	Active        *bool              `json:"active,omitempty" example:"true"`
	Priority      int                `json:"priority" example:"10"`
	Trigger       TriggerRequest     `json:"trigger"`
	Condition     string             `json:"condition,omitempty" example:"email contains '@test.com'"`
	ConditionTree any                `json:"conditionTree,omitempty"`
	Actions       []rules.RuleAction `json:"actions"`
} // @name RuleRequest

// toRule builds the rule; id overrides the body's ID when set.
func (req RuleRequest) toRule(id string) (*rules.Rule, error) {
	rec := rules.RuleRecord{
		ID:            req.ID,
		Name:          req.Name,
		Description:   req.Description,
		Active:        req.Active == nil || *req.Active,
		Priority:      req.Priority,
		Trigger:       rules.TriggerRecord{Type: req.Trigger.Type, Config: req.Trigger.Config},
		Condition:     req.Condition,
		ConditionTree: req.ConditionTree,
		Actions:       req.Actions,
	}
	if id != "" {
		rec.ID = id
	}
	return rules.FromRecord(rec)
}

// RuleResponse is a rule in API responses
type RuleResponse struct {
	ID            string             `json:"id" example:"welcome-test-users"`
	Name          string             `json:"name" example:"Welcome test users"`
	Description   string             `json:"description,omitempty"`
	Active        bool               `json:"active" example:"true"`
	Priority      int                `json:"priority" example:"10"`
	Trigger       TriggerRequest     `json:"trigger"`
	TriggerKeys   []string           `json:"triggerKeys" example:"lifecycle:user:created"`
	Condition     string             `json:"condition,omitempty"`
	ConditionTree any                `json:"conditionTree,omitempty"`
	Actions       []rules.RuleAction `json:"actions"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
} // @name RuleResponse

func toRuleResponse(r *rules.Rule) RuleResponse {
	return RuleResponse{
		ID:            r.ID,
		Name:          r.Name,
		Description:   r.Description,
		Active:        r.Active,
		Priority:      r.Priority,
		Trigger:       TriggerRequest{Type: r.TriggerType, Config: r.TriggerConfig},
		TriggerKeys:   r.TriggerKeys(),
		Condition:     r.ConditionString(),
		ConditionTree: condition.ToStructured(r.Condition),
		Actions:       r.SortedActions(),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

// RulesListResponse is the response for listing rules
type RulesListResponse struct {
	Rules []RuleResponse `json:"rules"`
} // @name RulesListResponse

// EventRequest is a synthetic event for testing a rule or raising a signal
type EventRequest struct {
	Name       string         `json:"name,omitempty" example:"created"`
	TriggerKey string         `json:"triggerKey,omitempty" example:"lifecycle:user:created"`
	Payload    map[string]any `json:"payload"`
	Context    event.Context  `json:"context"`
	// DryRun defaults to true for rule tests.
	DryRun *bool `json:"dryRun,omitempty"`
} // @name EventRequest

// ActionResultResponse is one dispatched action
type ActionResultResponse struct {
	Type    string         `json:"type" example:"notify"`
	Order   int            `json:"order"`
	Status  string         `json:"status" example:"succeeded"`
	TaskID  string         `json:"taskId,omitempty"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
} // @name ActionResultResponse

// RuleOutcomeResponse is the result of one rule against an event
type RuleOutcomeResponse struct {
	RuleID   string                 `json:"ruleId"`
	Matched  bool                   `json:"matched"`
	Bindings map[string]any         `json:"bindings,omitempty"`
	Actions  []ActionResultResponse `json:"actions,omitempty"`
	Error    string                 `json:"error,omitempty"`
} // @name RuleOutcomeResponse

func toOutcomeResponse(o engine.RuleOutcome) RuleOutcomeResponse {
	resp := RuleOutcomeResponse{RuleID: o.RuleID, Matched: o.Matched, Bindings: o.Bindings}
	for _, a := range o.Actions {
		s := a.Summary()
		resp.Actions = append(resp.Actions, ActionResultResponse{
			Type: s.Type, Order: s.Order, Status: s.Status, TaskID: s.TaskID, Error: s.Error, Details: s.Details,
		})
	}
	if o.Err != nil {
		resp.Error = o.Err.Error()
	}
	return resp
}

// ProcessResponse reports how an event was processed
type ProcessResponse struct {
	EventID        string                `json:"eventId"`
	TriggerKey     string                `json:"triggerKey"`
	State          engine.State          `json:"state" example:"logged"`
	Rules          []RuleOutcomeResponse `json:"rules"`
	EvaluationTime string                `json:"evaluationTime" example:"2.3ms"`
} // @name ProcessResponse

func toProcessResponse(r *engine.Report) ProcessResponse {
	resp := ProcessResponse{
		EventID:        r.EventID,
		TriggerKey:     r.TriggerKey,
		State:          r.State,
		Rules:          make([]RuleOutcomeResponse, 0, len(r.Rules)),
		EvaluationTime: r.Took.String(),
	}
	for _, o := range r.Rules {
		resp.Rules = append(resp.Rules, toOutcomeResponse(o))
	}
	return resp
}

// ParseRequest is a condition to parse: text or a structured tree
type ParseRequest struct {
	Expression string `json:"expression,omitempty" example:"total > 100 AND currency IN ('EUR', 'USD')"`
	Tree       any    `json:"tree,omitempty"`
} // @name ParseRequest

// ParseResponse is the canonical text and structured form of a condition
type ParseResponse struct {
	Canonical string `json:"canonical"`
	Tree      any    `json:"tree"`
} // @name ParseResponse

// ErrorResponse is an error response
type ErrorResponse struct {
	Error    string `json:"error" example:"invalid rule"`
	Details  string `json:"details,omitempty"`
	Position *int   `json:"position,omitempty"`
} // @name ErrorResponse

// HealthResponse is the health check response
type HealthResponse struct {
	Status   string            `json:"status" example:"healthy"`
	Error    string            `json:"error,omitempty"`
	Counters map[string]int64  `json:"counters,omitempty"`
	Cache    *rules.CacheStats `json:"cache,omitempty"`
} // @name HealthResponse
