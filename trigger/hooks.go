// Package trigger holds the entry points through which the host
// application reports what happened. Each hook normalizes its input into a
// canonical event and hands it to the engine. Hooks observe and never
// gate: errors and panics are logged and swallowed so a failing rule
// cannot fail the operation that caused the event.
package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/liamcoop/eventrules/engine"
	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
)

// Processor runs events through the rules.
type Processor interface {
	ProcessEvent(ctx context.Context, ev *event.Event) (*engine.Report, error)
}

// Hooks adapts the four trigger sources to a Processor.
type Hooks struct {
	processor Processor
	log       *slog.Logger
}

func NewHooks(p Processor, l *slog.Logger) *Hooks {
	if l == nil {
		l = logger.With("component", "trigger")
	}
	return &Hooks{processor: p, log: l}
}

// Lifecycle reports an entity change.
func (h *Hooks) Lifecycle(ctx context.Context, t event.LifecycleTrigger) {
	h.submit(ctx, "lifecycle", func() (*event.Event, error) { return event.NormalizeLifecycle(t) })
}

// DataAccess reports an executed statement.
func (h *Hooks) DataAccess(ctx context.Context, t event.DataAccessTrigger) {
	h.submit(ctx, "data", func() (*event.Event, error) { return event.NormalizeDataAccess(t) })
}

// Signal reports a custom named signal.
func (h *Hooks) Signal(ctx context.Context, t event.SignalTrigger) {
	h.submit(ctx, "signal", func() (*event.Event, error) { return event.NormalizeSignal(t) })
}

// Schedule reports a due scheduled rule.
func (h *Hooks) Schedule(ctx context.Context, t event.ScheduleTrigger) {
	h.submit(ctx, "schedule", func() (*event.Event, error) { return event.NormalizeSchedule(t) })
}

func (h *Hooks) submit(ctx context.Context, source string, build func() (*event.Event, error)) {
	defer func() {
		if p := recover(); p != nil {
			logger.SwallowedTriggerError("trigger panic", "source", source, "panic", fmt.Sprint(p))
		}
	}()

	ev, err := build()
	if err != nil {
		logger.SwallowedTriggerError("invalid trigger", "source", source, "error", err)
		return
	}
	report, err := h.processor.ProcessEvent(ctx, ev)
	if err != nil {
		logger.SwallowedTriggerError("event processing failed",
			"source", source, "eventId", ev.ID(), "triggerKey", ev.TriggerKey(), "error", err)
		return
	}
	if report == nil {
		return
	}
	if aerr := report.ActionErrors(); aerr != nil {
		h.log.Warn("inline actions failed", "eventId", ev.ID(), "triggerKey", ev.TriggerKey(), "error", aerr)
	}
}
