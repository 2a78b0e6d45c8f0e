package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// fakeServer records the last request and answers with canned bodies
type fakeServer struct {
	method, path, query, body string
}

func (f *fakeServer) start(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		f.method, f.path, f.query, f.body = r.Method, r.URL.Path, r.URL.RawQuery, string(raw)
		switch r.URL.Path {
		case "/api/v1/export":
			w.Header().Set("Content-Type", "application/yaml")
			io.WriteString(w, "version: 1\nrules: []\n")
		case "/api/v1/import":
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, `{"created":["a"],"updated":[],"failed":{"b":"invalid rule"}}`)
		case "/api/v1/rules/welcome/test":
			io.WriteString(w, `{"dryRun":true,"result":{"ruleId":"welcome","matched":true}}`)
		case "/api/v1/schedules/tick":
			io.WriteString(w, `{"fired":["nightly"]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":"failed to get rule","details":"rule not found: missing"}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExportToStdout(t *testing.T) {
	f := &fakeServer{}
	srv := f.start(t)
	var out bytes.Buffer

	if err := run(context.Background(), []string{"-server", srv.URL, "export"}, nil, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if f.method != http.MethodGet || !strings.HasPrefix(out.String(), "version: 1") {
		t.Errorf("export = %s %q", f.method, out.String())
	}
}

// TestImportReportsFailures verifies flags map to query parameters and
// per-record failures fail the command
func TestImportReportsFailures(t *testing.T) {
	f := &fakeServer{}
	srv := f.start(t)
	var out bytes.Buffer

	err := run(context.Background(), []string{"-server", srv.URL, "import", "-upsert", "-dry-run"},
		strings.NewReader("version: 1\n"), &out)
	if err == nil || !strings.Contains(err.Error(), "1 rule(s) failed") {
		t.Errorf("run() error = %v, want failure count", err)
	}
	if f.query != "dryRun=true&mode=upsert" || f.body != "version: 1\n" {
		t.Errorf("request query %q body %q", f.query, f.body)
	}
	if !strings.Contains(out.String(), `"b": "invalid rule"`) {
		t.Errorf("output %q does not list the failure", out.String())
	}
}

func TestTestCommand(t *testing.T) {
	f := &fakeServer{}
	srv := f.start(t)
	var out bytes.Buffer

	args := []string{"-server", srv.URL, "test", "-rule", "welcome", "-payload", `{"email":"a@test.com"}`}
	if err := run(context.Background(), args, nil, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	var sent testRequest
	if err := json.Unmarshal([]byte(f.body), &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Payload["email"] != "a@test.com" || sent.DryRun == nil || !*sent.DryRun {
		t.Errorf("sent %+v, want payload and dry run", sent)
	}
	if !strings.Contains(out.String(), `"matched": true`) {
		t.Errorf("output %q", out.String())
	}

	err := run(context.Background(), []string{"-server", srv.URL, "test", "-rule", "missing"}, nil, &out)
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("missing rule error = %v, want 404", err)
	}
	if err := run(context.Background(), []string{"-server", srv.URL, "test", "-rule", "x", "-payload", "[1]"}, nil, &out); err == nil {
		t.Error("non-object payload accepted")
	}
}

func TestRunSchedules(t *testing.T) {
	f := &fakeServer{}
	srv := f.start(t)
	var out bytes.Buffer

	if err := run(context.Background(), []string{"-server", srv.URL, "run-schedules"}, nil, &out); err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if f.method != http.MethodPost || !strings.Contains(out.String(), "nightly") {
		t.Errorf("run-schedules = %s %q", f.method, out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"frobnicate"}, nil, &out); err == nil {
		t.Error("unknown command accepted")
	}
}
