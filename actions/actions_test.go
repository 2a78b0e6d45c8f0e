package actions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/eventrules/audit"
	"github.com/liamcoop/eventrules/dispatch"
	"github.com/liamcoop/eventrules/event"
	"github.com/liamcoop/eventrules/internal/logger"
	"github.com/liamcoop/eventrules/rules"
)

func invocationCtx() context.Context {
	return dispatch.WithInvocation(context.Background(), dispatch.Invocation{
		Key: "key-1", RuleID: "r1", EventID: "ev-1", ActionType: "test", Attempt: 1,
	})
}

var testContext = event.Context{
	Actor:   event.Actor{ID: "u1", Email: "ops@test.com"},
	Request: event.Request{IP: "10.0.0.1"},
}

type recordingNotifier struct {
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, msg Notification) error {
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	data     [][]byte
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.data = append(p.data, data)
	return nil
}

// TestNotifyValidateConfig verifies schema problems are reported per field
func TestNotifyValidateConfig(t *testing.T) {
	e := NewNotifyExecutor(&recordingNotifier{})

	assert.Empty(t, e.ValidateConfig(map[string]any{"recipients": "a@test.com", "message": "hi"}))
	assert.Empty(t, e.ValidateConfig(map[string]any{"recipients": []any{"a", "b"}, "message": "hi", "channel": "email"}))
	assert.NotEmpty(t, e.ValidateConfig(map[string]any{"message": "hi"}))
	assert.NotEmpty(t, e.ValidateConfig(map[string]any{"recipients": []any{}, "message": "hi"}))
	assert.NotEmpty(t, e.ValidateConfig(nil))
}

// TestNotifyExecute verifies the notification carries the invocation identity
func TestNotifyExecute(t *testing.T) {
	n := &recordingNotifier{}
	e := NewNotifyExecutor(n)

	out, err := e.Execute(invocationCtx(), map[string]any{
		"recipients": []any{"a@test.com", "b@test.com"},
		"subject":    "Welcome",
		"message":    "hello",
	}, nil, testContext)
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.Len(t, n.sent, 1)

	sent := n.sent[0]
	assert.Equal(t, "key-1", sent.Key)
	assert.Equal(t, "r1", sent.RuleID)
	assert.Equal(t, "default", sent.Channel)
	assert.Equal(t, []string{"a@test.com", "b@test.com"}, sent.Recipients)
	assert.Equal(t, "u1", sent.ActorID)

	n.err = errors.New("smtp down")
	_, err = e.Execute(invocationCtx(), map[string]any{"recipients": "a", "message": "m"}, nil, testContext)
	assert.ErrorContains(t, err, "smtp down")
	assert.False(t, dispatch.IsNonRetryable(err))

	_, err = e.Execute(invocationCtx(), map[string]any{"recipients": "", "message": "m"}, nil, testContext)
	assert.True(t, dispatch.IsNonRetryable(err))
}

// TestNormalizeConfigStringifiesScalars verifies typed placeholder values
// become text for string fields and nothing else is touched
func TestNormalizeConfigStringifiesScalars(t *testing.T) {
	e := NewNotifyExecutor(&recordingNotifier{})
	in := map[string]any{
		"recipients": []any{"a@test.com", 5551234},
		"message":    1500.5,
		"subject":    true,
		"extra":      42,
	}

	out := e.NormalizeConfig(in)
	assert.Equal(t, []any{"a@test.com", "5551234"}, out["recipients"])
	assert.Equal(t, "1500.5", out["message"])
	assert.Equal(t, "true", out["subject"])
	assert.Equal(t, 42, out["extra"])
	assert.Empty(t, e.ValidateConfig(out))
	assert.Equal(t, 1500.5, in["message"], "input must not be modified")

	missing := e.NormalizeConfig(map[string]any{"recipients": "a", "message": nil})
	assert.Nil(t, missing["message"])
	assert.NotEmpty(t, e.ValidateConfig(missing))

	hook := NewWebhookExecutor(WebhookOptions{}).NormalizeConfig(map[string]any{
		"url":     "https://hooks.test/x",
		"headers": map[string]any{"X-Count": 3},
		"body":    map[string]any{"n": 3},
	})
	assert.Equal(t, map[string]any{"X-Count": "3"}, hook["headers"])
	assert.Equal(t, map[string]any{"n": 3}, hook["body"])
}

// TestDispatchRendersTypedValuesIntoText verifies a lone placeholder
// resolving to a number still satisfies the notify config
func TestDispatchRendersTypedValuesIntoText(t *testing.T) {
	n := &recordingNotifier{}
	reg := dispatch.NewRegistry()
	require.NoError(t, Register(reg, Options{Notifier: n}))
	d := dispatch.NewDispatcher(reg, dispatch.WithLogger(logger.Discard()))

	rule := &rules.Rule{ID: "r1", Name: "r1", Active: true, Actions: []rules.RuleAction{{
		Type:   TypeNotify,
		Config: map[string]any{"recipients": "{{ phone }}", "message": "{{ total }}"},
	}}}
	ev := event.New("created", "lifecycle:order:created", event.SourceLifecycle,
		map[string]any{"phone": 5551234, "total": 42}, testContext, time.Time{})

	results, err := d.Dispatch(context.Background(), rule, ev)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, dispatch.StatusSucceeded, results[0].Status)
	require.Len(t, n.sent, 1)
	assert.Equal(t, "42", n.sent[0].Message)
	assert.Equal(t, []string{"5551234"}, n.sent[0].Recipients)
}

// TestNATSNotifier verifies notifications are published per channel
func TestNATSNotifier(t *testing.T) {
	pub := &recordingPublisher{}
	n := &NATSNotifier{pub: pub, subject: "eventrules.notify"}

	require.NoError(t, n.Notify(context.Background(), Notification{Channel: "sms", Recipients: []string{"+47"}, Message: "m"}))
	require.Equal(t, []string{"eventrules.notify.sms"}, pub.subjects)

	var decoded Notification
	require.NoError(t, json.Unmarshal(pub.data[0], &decoded))
	assert.Equal(t, "m", decoded.Message)
}

// TestWebhookValidateConfig verifies url, method and timeout checks
func TestWebhookValidateConfig(t *testing.T) {
	e := NewWebhookExecutor(WebhookOptions{})

	assert.Empty(t, e.ValidateConfig(map[string]any{"url": "https://hooks.test/x", "method": "PUT", "timeout_seconds": 5}))
	assert.NotEmpty(t, e.ValidateConfig(map[string]any{}))
	assert.NotEmpty(t, e.ValidateConfig(map[string]any{"url": "ftp://hooks.test"}))
	assert.NotEmpty(t, e.ValidateConfig(map[string]any{"url": "https://hooks.test", "method": "BREW"}))
	assert.NotEmpty(t, e.ValidateConfig(map[string]any{"url": "https://hooks.test", "timeout_seconds": 0}))
	assert.NotEmpty(t, e.ValidateConfig(map[string]any{"url": "https://hooks.test", "headers": map[string]any{"X": 1}}))
}

// TestWebhookExecute verifies the request shape and default body
func TestWebhookExecute(t *testing.T) {
	var (
		gotMethod string
		gotHeader http.Header
		gotBody   map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := NewWebhookExecutor(WebhookOptions{Client: srv.Client()})
	out, err := e.Execute(invocationCtx(), map[string]any{
		"url":     srv.URL + "/hook",
		"headers": map[string]any{"X-Source": "rules"},
	}, map[string]any{"total": 10}, testContext)
	require.NoError(t, err)

	assert.True(t, out.Success)
	assert.Equal(t, http.StatusAccepted, out.Details["status_code"])
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "key-1", gotHeader.Get("Idempotency-Key"))
	assert.Equal(t, "rules", gotHeader.Get("X-Source"))
	assert.Equal(t, "application/json", gotHeader.Get("Content-Type"))
	assert.Equal(t, "r1", gotBody["rule_id"])
	assert.Equal(t, map[string]any{"total": float64(10)}, gotBody["payload"])
}

// TestWebhookStatusClassification verifies which responses stop retries
func TestWebhookStatusClassification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		nonRetryable bool
		kind         string
	}{
		{"server error", http.StatusServiceUnavailable, false, dispatch.KindExecution},
		{"bad request", http.StatusBadRequest, true, KindHTTPClientError},
		{"not found", http.StatusNotFound, true, KindHTTPClientError},
		{"request timeout", http.StatusRequestTimeout, false, dispatch.KindExecution},
		{"too many requests", http.StatusTooManyRequests, false, KindRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			e := NewWebhookExecutor(WebhookOptions{Client: srv.Client()})
			out, err := e.Execute(invocationCtx(), map[string]any{"url": srv.URL, "body": "raw"}, nil, testContext)
			require.Error(t, err)
			assert.False(t, out.Success)
			assert.Equal(t, tt.nonRetryable, dispatch.IsNonRetryable(err))
			assert.Equal(t, tt.kind, dispatch.ErrorKind(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

// TestAuditLogExecute verifies the record is written with invocation ids
func TestAuditLogExecute(t *testing.T) {
	sink := audit.NewMemorySink()
	e := NewAuditLogExecutor(sink)

	assert.NotEmpty(t, e.ValidateConfig(map[string]any{"level": "loud"}))
	assert.Empty(t, e.ValidateConfig(map[string]any{"message": "m", "level": "warn", "data": map[string]any{"k": 1}}))

	out, err := e.Execute(invocationCtx(), map[string]any{"message": "order flagged", "data": map[string]any{"order": 7}}, nil, testContext)
	require.NoError(t, err)

	records := sink.Actions()
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, out.Details["record_id"], rec.ID)
	assert.Equal(t, "r1", rec.RuleID)
	assert.Equal(t, "ev-1", rec.EventID)
	assert.Equal(t, "info", rec.Level)
	assert.Equal(t, "order flagged", rec.Message)
	assert.Equal(t, map[string]any{"order": 7, "actor_id": "u1", "ip": "10.0.0.1"}, rec.Data)
}

// TestRegister verifies the built-ins register once
func TestRegister(t *testing.T) {
	reg := dispatch.NewRegistry()
	require.NoError(t, Register(reg, Options{}))
	assert.Equal(t, []string{TypeAuditLog, TypeNotify, TypeWebhook}, reg.Types())
	assert.Error(t, Register(reg, Options{}))
}
