package actions

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/eventrules/audit"
	"github.com/liamcoop/eventrules/dispatch"
	"github.com/liamcoop/eventrules/event"
)

const TypeAuditLog = "audit_log"

const auditLogSchema = `{
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": {"type": "string", "minLength": 1},
    "level": {"enum": ["debug", "info", "warn", "warning", "error"]},
    "data": {"type": "object"}
  }
}`

// AuditLogExecutor writes an audit record for the matched event.
type AuditLogExecutor struct {
	sink audit.Sink
	now  func() time.Time
}

func NewAuditLogExecutor(sink audit.Sink) *AuditLogExecutor {
	if sink == nil {
		sink = audit.Discard
	}
	return &AuditLogExecutor{sink: sink, now: time.Now}
}

var auditLogConfigSchema = mustCompileSchema(TypeAuditLog, auditLogSchema)

func (e *AuditLogExecutor) NormalizeConfig(config map[string]any) map[string]any {
	return stringifyFields(config, "message")
}

func (e *AuditLogExecutor) ValidateConfig(config map[string]any) []error {
	return validateSchema(auditLogConfigSchema, config)
}

func (e *AuditLogExecutor) Execute(ctx context.Context, config map[string]any, _ map[string]any, ectx event.Context) (dispatch.Outcome, error) {
	inv, _ := dispatch.InvocationFrom(ctx)
	level := stringValue(config, "level")
	if level == "" {
		level = "info"
	}

	data := map[string]any{}
	if extra, ok := config["data"].(map[string]any); ok {
		maps.Copy(data, extra)
	}
	if ectx.Actor.ID != "" {
		data["actor_id"] = ectx.Actor.ID
	}
	if ectx.Request.IP != "" {
		data["ip"] = ectx.Request.IP
	}

	rec := audit.ActionRecord{
		ID:         uuid.New().String(),
		RuleID:     inv.RuleID,
		EventID:    inv.EventID,
		Level:      level,
		Message:    stringValue(config, "message"),
		Data:       data,
		RecordedAt: e.now().UTC(),
	}
	if err := e.sink.RecordAction(ctx, rec); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("write audit record: %w", err)
	}
	return dispatch.Succeeded(map[string]any{"record_id": rec.ID}), nil
}
