package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsAreIsolatedPerInstance(t *testing.T) {
	a := New()
	b := New()
	a.CommitsTotal.Inc()
	a.ObserveStage("validate", "ok", 20*time.Millisecond)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "roster_version_commits_total 1") {
		t.Fatalf("commit counter missing from exposition")
	}
	if !strings.Contains(string(body), `roster_stage_duration_seconds_count{outcome="ok",stage="validate"} 1`) {
		t.Fatalf("stage histogram missing from exposition")
	}

	rec = httptest.NewRecorder()
	b.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ = io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "roster_version_commits_total 0") {
		t.Fatalf("second registry should be untouched")
	}
}

func TestNilMetricsObserveIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage("intake", "ok", time.Second)
}
