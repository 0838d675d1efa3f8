package scheduler

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	schedulerTickTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasecoord_scheduler_tick_total",
			Help: "Total number of coordinator ticks by outcome",
		},
		[]string{"job", "outcome"},
	)

	schedulerReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasecoord_scheduler_reaped_leases_total",
			Help: "Total number of stale leases deleted by this process",
		},
		[]string{"job"},
	)

	schedulerJobTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasecoord_scheduler_job_total",
			Help: "Total number of job body executions by status",
		},
		[]string{"job", "status"},
	)

	schedulerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leasecoord_scheduler_job_duration_seconds",
			Help:    "Duration of job body executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"job"},
	)

	schedulerJobInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "leasecoord_scheduler_job_inflight",
			Help: "Current number of job bodies executing in this process",
		},
		[]string{"job"},
	)

	schedulerHeartbeatTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leasecoord_scheduler_heartbeat_total",
			Help: "Total number of in-flight lease heartbeats by status",
		},
		[]string{"job", "status"},
	)
)

// Collectors returns the scheduler metrics for registration on a prometheus registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		schedulerTickTotal,
		schedulerReapedTotal,
		schedulerJobTotal,
		schedulerJobDuration,
		schedulerJobInFlight,
		schedulerHeartbeatTotal,
	}
}

func recordTick(jobType string, outcome TickOutcome, err error) {
	label := string(outcome)
	if err != nil {
		label = "error"
	}
	schedulerTickTotal.WithLabelValues(normalizeSchedulerLabel(jobType), normalizeSchedulerLabel(label)).Inc()
}

func recordReaped(jobType string) {
	schedulerReapedTotal.WithLabelValues(normalizeSchedulerLabel(jobType)).Inc()
}

func observeJob(jobType string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	job := normalizeSchedulerLabel(jobType)
	schedulerJobTotal.WithLabelValues(job, status).Inc()
	schedulerJobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

func incrementJobInFlight(jobType string) {
	schedulerJobInFlight.WithLabelValues(normalizeSchedulerLabel(jobType)).Inc()
}

func decrementJobInFlight(jobType string) {
	schedulerJobInFlight.WithLabelValues(normalizeSchedulerLabel(jobType)).Dec()
}

func recordHeartbeat(jobType, status string) {
	schedulerHeartbeatTotal.WithLabelValues(normalizeSchedulerLabel(jobType), normalizeSchedulerLabel(status)).Inc()
}

func normalizeSchedulerLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
