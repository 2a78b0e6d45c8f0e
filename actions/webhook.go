package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/liamcoop/eventrules/dispatch"
	"github.com/liamcoop/eventrules/event"
)

const TypeWebhook = "webhook"

const webhookSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "format": "uri", "pattern": "^https?://"},
    "method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "timeout_seconds": {"type": "number", "exclusiveMinimum": 0, "maximum": 300}
  }
}`

// Error kinds reported by the webhook executor.
const (
	KindHTTPClientError = "http_client_error"
	KindRateLimited     = "rate_limited"
)

const maxResponseBody = 4 << 10

// WebhookOptions configures the webhook executor.
type WebhookOptions struct {
	Client        *http.Client
	RatePerSecond float64
	Burst         int
	// Timeout applies when the action sets no timeout_seconds.
	Timeout time.Duration
}

// WebhookExecutor performs outbound HTTP calls. Calls share one rate
// limiter so a burst of matching events cannot flood a receiver.
type WebhookExecutor struct {
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
}

func NewWebhookExecutor(opts WebhookOptions) *WebhookExecutor {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &WebhookExecutor{
		client:  opts.Client,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		timeout: opts.Timeout,
	}
}

var webhookConfigSchema = mustCompileSchema(TypeWebhook, webhookSchema)

func (e *WebhookExecutor) NormalizeConfig(config map[string]any) map[string]any {
	return stringifyFields(config, "url", "headers")
}

func (e *WebhookExecutor) ValidateConfig(config map[string]any) []error {
	return validateSchema(webhookConfigSchema, config)
}

func (e *WebhookExecutor) Execute(ctx context.Context, config map[string]any, payload map[string]any, ectx event.Context) (dispatch.Outcome, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("webhook rate limiter: %w", err)
	}

	url := stringValue(config, "url")
	method := strings.ToUpper(stringValue(config, "method"))
	if method == "" {
		method = http.MethodPost
	}
	body, err := e.body(ctx, config, payload, ectx)
	if err != nil {
		return dispatch.Outcome{}, dispatch.NonRetryable(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.requestTimeout(config))
	defer cancel()

	var reader io.Reader
	if method != http.MethodGet && body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return dispatch.Outcome{}, dispatch.NonRetryable(fmt.Errorf("build webhook request: %w", err))
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := dispatch.IdempotencyKey(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return dispatch.Outcome{}, fmt.Errorf("webhook %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	details := map[string]any{"status_code": resp.StatusCode}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return dispatch.Succeeded(details), nil
	}
	return dispatch.Outcome{Details: details}, classifyStatus(method, url, resp.StatusCode, snippet)
}

func classifyStatus(method, url string, code int, body []byte) error {
	err := fmt.Errorf("webhook %s %s returned %d: %s", method, url, code, strings.TrimSpace(string(body)))
	switch {
	case code == http.StatusTooManyRequests:
		return dispatch.WithKind(KindRateLimited, err)
	case code == http.StatusRequestTimeout:
		return err
	case code >= 400 && code < 500:
		return dispatch.NonRetryable(dispatch.WithKind(KindHTTPClientError, err))
	}
	return err
}

func (e *WebhookExecutor) requestTimeout(config map[string]any) time.Duration {
	switch v := config["timeout_seconds"].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return e.timeout
}

// body returns the request body: a string body verbatim, any other body
// as JSON, or a default envelope with the event when none is configured.
func (e *WebhookExecutor) body(ctx context.Context, config map[string]any, payload map[string]any, ectx event.Context) ([]byte, error) {
	switch b := config["body"].(type) {
	case string:
		return []byte(b), nil
	case nil:
		inv, _ := dispatch.InvocationFrom(ctx)
		return json.Marshal(map[string]any{
			"rule_id":  inv.RuleID,
			"event_id": inv.EventID,
			"payload":  payload,
			"context":  ectx.AsMap(),
		})
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encode webhook body: %w", err)
		}
		return data, nil
	}
}
