package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// client talks to the eventrules server API.
type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimRight(base, "/") + "/api/v1",
		http: &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string `json:"error"`
	Details string `json:"details"`
}

func (e *apiError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("server returned %d: %s: %s", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	// 207 carries per-record import failures in a normal body
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMultiStatus {
		defer resp.Body.Close()
		apiErr := &apiError{Status: resp.StatusCode}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	return resp, nil
}

func (c *client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}
	resp, err := c.do(ctx, method, path, "application/json", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Export streams the YAML rule document into w.
func (c *client) Export(ctx context.Context, w io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, "/export", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

type importResult struct {
	DryRun  bool              `json:"dryRun"`
	Created []string          `json:"created"`
	Updated []string          `json:"updated"`
	Failed  map[string]string `json:"failed"`
}

// Import sends a YAML rule document.
func (c *client) Import(ctx context.Context, doc io.Reader, upsert, dryRun bool) (*importResult, error) {
	q := url.Values{}
	if upsert {
		q.Set("mode", "upsert")
	}
	if dryRun {
		q.Set("dryRun", "true")
	}
	path := "/import"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	resp, err := c.do(ctx, http.MethodPost, path, "application/yaml", doc)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var res importResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &res, nil
}

type testRequest struct {
	TriggerKey string         `json:"triggerKey,omitempty"`
	Payload    map[string]any `json:"payload"`
	DryRun     *bool          `json:"dryRun,omitempty"`
}

// TestRule evaluates a stored rule against a synthetic payload.
func (c *client) TestRule(ctx context.Context, ruleID string, req testRequest) (map[string]any, error) {
	var out map[string]any
	err := c.doJSON(ctx, http.MethodPost, "/rules/"+url.PathEscape(ruleID)+"/test", req, &out)
	return out, err
}

// RunSchedules runs one scheduler tick and returns the fired rule IDs.
func (c *client) RunSchedules(ctx context.Context) ([]string, error) {
	var out struct {
		Fired []string `json:"fired"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/schedules/tick", nil, &out)
	return out.Fired, err
}
