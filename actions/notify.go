package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/liamcoop/eventrules/dispatch"
	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
)

const TypeNotify = "notify"

const notifySchema = `{
  "type": "object",
  "required": ["recipients", "message"],
  "properties": {
    "channel": {"type": "string", "minLength": 1},
    "recipients": {
      "oneOf": [
        {"type": "string", "minLength": 1},
        {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
      ]
    },
    "subject": {"type": "string"},
    "message": {"type": "string", "minLength": 1}
  }
}`

// Notification is a rendered message handed to a Notifier. Formatting for
// a particular channel is the Notifier's concern.
type Notification struct {
	Key        string   `json:"idempotency_key"`
	RuleID     string   `json:"rule_id"`
	EventID    string   `json:"event_id"`
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message"`
	ActorID    string   `json:"actor_id,omitempty"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifyExecutor implements the notify action.
type NotifyExecutor struct {
	notifier Notifier
}

func NewNotifyExecutor(n Notifier) *NotifyExecutor {
	if n == nil {
		n = NewLogNotifier(nil)
	}
	return &NotifyExecutor{notifier: n}
}

var notifyConfigSchema = mustCompileSchema(TypeNotify, notifySchema)

func (e *NotifyExecutor) NormalizeConfig(config map[string]any) map[string]any {
	return stringifyFields(config, "channel", "recipients", "subject", "message")
}

func (e *NotifyExecutor) ValidateConfig(config map[string]any) []error {
	return validateSchema(notifyConfigSchema, config)
}

func (e *NotifyExecutor) Execute(ctx context.Context, config map[string]any, _ map[string]any, ectx event.Context) (dispatch.Outcome, error) {
	inv, _ := dispatch.InvocationFrom(ctx)
	n := Notification{
		Key:        inv.Key,
		RuleID:     inv.RuleID,
		EventID:    inv.EventID,
		Channel:    stringValue(config, "channel"),
		Recipients: stringList(config["recipients"]),
		Subject:    stringValue(config, "subject"),
		Message:    stringValue(config, "message"),
		ActorID:    ectx.Actor.ID,
	}
	if n.Channel == "" {
		n.Channel = "default"
	}
	if len(n.Recipients) == 0 {
		return dispatch.Outcome{}, dispatch.NonRetryable(errors.New("notify: no recipients after rendering"))
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("notify via %s: %w", n.Channel, err)
	}
	return dispatch.Succeeded(map[string]any{
		"channel":    n.Channel,
		"recipients": len(n.Recipients),
	}), nil
}

// LogNotifier writes notifications to the log. It is the default when no
// transport is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(l *slog.Logger) *LogNotifier {
	if l == nil {
		l = logger.With("component", "notifier")
	}
	return &LogNotifier{log: l}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	n.log.InfoContext(ctx, "notification",
		"ruleId", msg.RuleID,
		"channel", msg.Channel,
		"recipients", msg.Recipients,
		"subject", msg.Subject,
		"message", msg.Message,
		"idempotencyKey", msg.Key)
	return nil
}

type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes notifications as JSON to a NATS subject,
// suffixed with the channel name.
type NATSNotifier struct {
	pub     publisher
	subject string
}

func NewNATSNotifier(nc *nats.Conn, subject string) *NATSNotifier {
	return &NATSNotifier{pub: nc, subject: subject}
}

func (n *NATSNotifier) Notify(_ context.Context, msg Notification) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return dispatch.NonRetryable(fmt.Errorf("encode notification: %w", err))
	}
	subject := n.subject + "." + msg.Channel
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
