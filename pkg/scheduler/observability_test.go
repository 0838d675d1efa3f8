package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors_RegisterOnCustomRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	for _, collector := range Collectors() {
		if err := registry.Register(collector); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
}

func TestCoordinator_TickMetrics(t *testing.T) {
	clock := newManualClock()
	store := NewMemoryLeaseStore(WithMemoryClock(clock.Now))
	identity := Identity{Host: "metrics-a", Port: 8080, JobType: "metrics_job", PID: "1"}
	c, err := NewCoordinator(identity, store, &countingRunner{}, enabledSync, &schedulerTestLogger{}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}

	acquiredBefore := testutil.ToFloat64(schedulerTickTotal.WithLabelValues("metrics_job", string(TickAcquired)))
	successBefore := testutil.ToFloat64(schedulerJobTotal.WithLabelValues("metrics_job", "success"))

	if _, err := c.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if got := testutil.ToFloat64(schedulerTickTotal.WithLabelValues("metrics_job", string(TickAcquired))); got != acquiredBefore+1 {
		t.Fatalf("expected acquired tick counter +1, got %v -> %v", acquiredBefore, got)
	}
	if got := testutil.ToFloat64(schedulerJobTotal.WithLabelValues("metrics_job", "success")); got != successBefore+1 {
		t.Fatalf("expected job success counter +1, got %v -> %v", successBefore, got)
	}
	if got := testutil.ToFloat64(schedulerJobInFlight.WithLabelValues("metrics_job")); got != 0 {
		t.Fatalf("expected in-flight gauge back to 0, got %v", got)
	}
}

func TestRecordTick_ErrorWinsOverOutcome(t *testing.T) {
	before := testutil.ToFloat64(schedulerTickTotal.WithLabelValues("label_job", "error"))
	recordTick("label_job", TickAcquired, errors.New("boom"))
	if got := testutil.ToFloat64(schedulerTickTotal.WithLabelValues("label_job", "error")); got != before+1 {
		t.Fatalf("expected error label increment, got %v -> %v", before, got)
	}
}

func TestNormalizeSchedulerLabel(t *testing.T) {
	if got := normalizeSchedulerLabel("  "); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
	if got := normalizeSchedulerLabel(" sync "); got != "sync" {
		t.Fatalf("expected trimmed label, got %q", got)
	}
}
