package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
)

// DefaultSignalSubject is the subject the subscriber listens on when none
// is configured. The token after the prefix names the signal.
const DefaultSignalSubject = "eventrules.signal.>"

// SignalMessage is the JSON body of a signal published on NATS.
type SignalMessage struct {
	Name    string         `json:"name,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Context event.Context  `json:"context"`
}

// SignalSubscriber feeds NATS messages into Hooks.Signal.
type SignalSubscriber struct {
	nc      *nats.Conn
	subject string
	hooks   *Hooks
	log     *slog.Logger
	timeout time.Duration

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewSignalSubscriber(nc *nats.Conn, subject string, hooks *Hooks) *SignalSubscriber {
	if subject == "" {
		subject = DefaultSignalSubject
	}
	return &SignalSubscriber{
		nc:      nc,
		subject: subject,
		hooks:   hooks,
		log:     logger.With("component", "signal-subscriber", "subject", subject),
		timeout: 30 * time.Second,
	}
}

// Start subscribes. Each message is processed under a context derived from
// ctx with a per-message timeout.
func (s *SignalSubscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nc == nil || !s.nc.IsConnected() {
		return errors.New("signal subscriber: NATS is not connected")
	}
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		s.handle(msgCtx, msg.Subject, msg.Data)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	s.log.Info("subscribed to signals")
	return nil
}

// Close drains the subscription so in-flight messages finish.
func (s *SignalSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	return err
}

func (s *SignalSubscriber) handle(ctx context.Context, subject string, data []byte) {
	var msg SignalMessage
	if len(data) > 0 {
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.SwallowedTriggerError("malformed signal message", "subject", subject, "error", err)
			return
		}
	}
	if msg.Name == "" {
		msg.Name = signalName(s.subject, subject)
	}
	if msg.Context.Request.Source == "" {
		msg.Context.Request.Source = event.RequestQueue
	}
	s.hooks.Signal(ctx, event.SignalTrigger{
		Name:    msg.Name,
		Payload: msg.Payload,
		Context: msg.Context,
	})
}

// signalName derives the name from the subject tokens matched by the
// pattern's trailing wildcard.
func signalName(pattern, subject string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(pattern, ">"), "*")
	if base == pattern || !strings.HasPrefix(subject, base) {
		return subject
	}
	return strings.TrimPrefix(subject, base)
}
