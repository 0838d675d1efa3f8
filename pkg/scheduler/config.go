package scheduler

import (
	"fmt"
	"time"
)

const (
	DefaultPageSize   = 1000
	DefaultThreadSize = 1
)

// JobConfig is the per job type configuration. The zero value is a disabled job.
type JobConfig struct {
	// Enabled is the master switch; a disabled coordinator never touches the store.
	Enabled bool
	// HealthCheckTimeSec is the staleness threshold for reaping abandoned leases. 0 disables reaping.
	HealthCheckTimeSec int
	// PageSize is a batch size hint for job bodies.
	PageSize int
	// ThreadSize is a concurrency hint for job bodies.
	ThreadSize int
	// HeartbeatIntervalSec refreshes the held lease while the job body runs. 0 disables it.
	HeartbeatIntervalSec int
}

func (c *JobConfig) normalize() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ThreadSize <= 0 {
		c.ThreadSize = DefaultThreadSize
	}
}

// Validate rejects negative durations and heartbeats that cannot keep a
// running lease fresh.
func (c JobConfig) Validate() error {
	if c.HealthCheckTimeSec < 0 {
		return schedulerError(ErrValidation, fmt.Sprintf("health_check_time_sec must be >= 0, got %d", c.HealthCheckTimeSec))
	}
	if c.HeartbeatIntervalSec < 0 {
		return schedulerError(ErrValidation, fmt.Sprintf("heartbeat_interval_sec must be >= 0, got %d", c.HeartbeatIntervalSec))
	}
	// A running lease refreshed less often than the staleness threshold gets reaped mid-run.
	if c.HeartbeatIntervalSec > 0 && c.HealthCheckTimeSec > 0 && c.HeartbeatIntervalSec >= c.HealthCheckTimeSec {
		return schedulerError(ErrValidation, fmt.Sprintf(
			"heartbeat_interval_sec (%d) must be shorter than health_check_time_sec (%d)",
			c.HeartbeatIntervalSec, c.HealthCheckTimeSec,
		))
	}
	return nil
}

// HealthCheckTimeout returns the staleness threshold as a duration.
func (c JobConfig) HealthCheckTimeout() time.Duration {
	return time.Duration(c.HealthCheckTimeSec) * time.Second
}

// HeartbeatInterval returns the in-flight heartbeat period as a duration.
func (c JobConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSec) * time.Second
}
