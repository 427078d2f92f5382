package metrics

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/animus-labs/animus-gatekeeper/internal/domain"
)

func TestObserveVerdictCountsKindAndFailures(t *testing.T) {
	m := New()
	m.ObserveVerdict(domain.Verdict{Kind: domain.VerdictPromote, ModelName: "churn"})
	m.ObserveVerdict(domain.Verdict{
		Kind:      domain.VerdictReject,
		ModelName: "churn",
		Failures: []domain.RuleFailure{
			{Metric: "accuracy"},
			{Metric: "latency_p99_ms"},
		},
	})

	if got := testutil.ToFloat64(m.VerdictsTotal.WithLabelValues("promote", "churn")); got != 1 {
		t.Fatalf("promote count=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.VerdictsTotal.WithLabelValues("reject", "churn")); got != 1 {
		t.Fatalf("reject count=%v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RuleFailuresTotal.WithLabelValues("churn", "accuracy")); got != 1 {
		t.Fatalf("accuracy failures=%v, want 1", got)
	}
}

func TestErrorReason(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("x: %w", domain.ErrConcurrentModification): "concurrent_modification",
		fmt.Errorf("x: %w", domain.ErrNoRollbackTarget):       "no_rollback_target",
		fmt.Errorf("x: %w", domain.ErrIncompleteMetrics):      "incomplete_metrics",
		fmt.Errorf("x: %w", domain.ErrNotFound):               "not_found",
		io.EOF:                                                "internal",
	}
	for err, want := range cases {
		if got := ErrorReason(err); got != want {
			t.Fatalf("ErrorReason(%v)=%q, want %q", err, got, want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveVerdict(domain.Verdict{Kind: domain.VerdictPromote})
	m.ObserveDecisionError("gate", io.EOF)
	m.ObserveHTTP("GET", "/healthz", 200, time.Millisecond)
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveHTTP("POST", "/api/alerts", 202, 10*time.Millisecond)
	m.ObserveDecisionError("rollback", domain.ErrNoRollbackTarget)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		`gatekeeper_http_requests_total{method="POST",route="/api/alerts",status="202"} 1`,
		`gatekeeper_decision_errors_total{operation="rollback",reason="no_rollback_target"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
