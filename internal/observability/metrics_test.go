package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Recorder(t *testing.T) {
	m := NewMetrics("1.0.0")

	m.RunFinished("success")
	m.RunFinished("success")
	m.RunFinished("rejected")
	m.CutoverFinished("prod", "complete", 42*time.Second)
	m.ApprovalsPending(3)
	m.ApprovalsPending(1)
	m.HealthCheck("healthy")

	if got := testutil.ToFloat64(m.runs.WithLabelValues("success")); got != 2 {
		t.Errorf("runs_total{success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.runs.WithLabelValues("rejected")); got != 1 {
		t.Errorf("runs_total{rejected} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cutovers.WithLabelValues("prod", "complete")); got != 1 {
		t.Errorf("cutovers_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.approvalsPending); got != 1 {
		t.Errorf("approvals_pending = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.healthChecks.WithLabelValues("healthy")); got != 1 {
		t.Errorf("health_checks_total = %v, want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("1.2.3")
	m.RunFinished("failed")
	m.RecordHTTPRequest(http.MethodGet, "/api/v1/runs/{id}", http.StatusOK, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`promoter_runs_total{status="failed"} 1`,
		`promoter_build_info{version="1.2.3"} 1`,
		`promoter_http_requests_total{method="GET",route="/api/v1/runs/{id}",status="200"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics("a")
	b := NewMetrics("b")
	a.RunFinished("success")

	if got := testutil.ToFloat64(b.runs.WithLabelValues("success")); got != 0 {
		t.Errorf("second registry saw %v runs", got)
	}
}
