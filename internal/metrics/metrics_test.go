package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.StageDone("generate", "ok", time.Second)
	m.StageRetry("publish")
	m.LoginAttempt("ok")
	m.Cascade()
	m.ScheduleFinished("completed")
	m.Gauge("x", "y", func() float64 { return 1 })
}

func TestCountersAndHandler(t *testing.T) {
	t.Parallel()
	m := New()
	m.StageDone("publish", "ok", 2*time.Second)
	m.StageDone("publish", "ok", time.Second)
	m.Cascade()
	m.Gauge("active_accounts", "Accounts with provisioned queues.", func() float64 { return 3 })

	if got := testutil.ToFloat64(m.jobs.WithLabelValues("publish", "ok")); got != 2 {
		t.Fatalf("publish ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cascades); got != 1 {
		t.Fatalf("cascades = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "postpipe_active_accounts 3") {
		t.Fatalf("gauge missing from scrape output")
	}
}
