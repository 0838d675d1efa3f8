package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistry_ExposesDefaultsAndExtras(t *testing.T) {
	extra := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "leasecoord_test_extra_total",
		Help: "extra collector",
	})
	extra.Inc()

	reg, err := NewRegistry(extra)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	RecordRequest(http.MethodGet, "/health", http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		"leasecoord_test_extra_total",
		"leasecoord_management_requests_total",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNewRegistry_DuplicateExtra(t *testing.T) {
	extra := prometheus.NewGauge(prometheus.GaugeOpts{Name: "leasecoord_dup", Help: "dup"})
	if _, err := NewRegistry(extra, extra); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(managementRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404"))
	RecordRequest(http.MethodGet, "", http.StatusNotFound, time.Millisecond)
	after := testutil.ToFloat64(managementRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}

	IncrementInFlight()
	if got := testutil.ToFloat64(managementRequestsInFlight); got < 1 {
		t.Fatalf("expected in-flight >= 1, got %v", got)
	}
	DecrementInFlight()
}
