package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNilMetricsIsNoop verifies a nil *Metrics can be used everywhere
func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.EventProcessed("signal", "logged", time.Millisecond)
	m.RuleEvaluated("matched")
	m.ActionFinished("notify", "success")
	m.TaskAttempt("notify", "retry")
	m.CacheRebuild("ok")
	m.ScheduleFired()
	m.SetQueueDepth(3)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

// TestCountersIncrement verifies collectors record by label
func TestCountersIncrement(t *testing.T) {
	m := New()
	m.RuleEvaluated("matched")
	m.RuleEvaluated("matched")
	m.RuleEvaluated("unmatched")
	m.CacheRebuild("degraded")

	if got := testutil.ToFloat64(m.ruleEvaluations.WithLabelValues("matched")); got != 2 {
		t.Errorf("matched evaluations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheRebuilds.WithLabelValues("degraded")); got != 1 {
		t.Errorf("degraded rebuilds = %v, want 1", got)
	}
}

// TestHandlerExposesMetrics verifies the text exposition contains the namespace
func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ActionFinished("webhook", "failed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `eventrules_dispatch_actions_total{action_type="webhook",status="failed"} 1`) {
		t.Errorf("exposition missing actions counter:\n%s", rec.Body.String())
	}
}
