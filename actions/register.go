package actions

import (
	"github.com/liamcoop/eventrules/audit"
	"github.com/liamcoop/eventrules/dispatch"
)

var (
	_ dispatch.ConfigNormalizer = (*NotifyExecutor)(nil)
	_ dispatch.ConfigNormalizer = (*WebhookExecutor)(nil)
	_ dispatch.ConfigNormalizer = (*AuditLogExecutor)(nil)
)

// Options selects the collaborators of the built-in executors.
type Options struct {
	Notifier Notifier
	Sink     audit.Sink
	Webhook  WebhookOptions
}

// Register adds the built-in executors to reg. Call it before Freeze.
func Register(reg *dispatch.Registry, opts Options) error {
	builtins := []struct {
		name string
		exec dispatch.Executor
	}{
		{TypeNotify, NewNotifyExecutor(opts.Notifier)},
		{TypeWebhook, NewWebhookExecutor(opts.Webhook)},
		{TypeAuditLog, NewAuditLogExecutor(opts.Sink)},
	}
	for _, b := range builtins {
		if err := reg.Register(b.name, b.exec); err != nil {
			return err
		}
	}
	return nil
}
