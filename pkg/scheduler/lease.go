package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// LeaseState is the execution state recorded on a lease.
type LeaseState string

const (
	// LeaseRunning marks a lease whose owner is executing, or has just claimed, the job.
	LeaseRunning LeaseState = "RUNNING"
	// LeaseIdle marks a lease whose owner finished its last execution.
	LeaseIdle LeaseState = "IDLE"
)

// Valid reports whether s is a known lease state.
func (s LeaseState) Valid() bool {
	return s == LeaseRunning || s == LeaseIdle
}

// ParseLeaseState parses a stored state value.
func ParseLeaseState(raw string) (LeaseState, error) {
	state := LeaseState(strings.ToUpper(strings.TrimSpace(raw)))
	if !state.Valid() {
		return "", schedulerError(ErrValidation, fmt.Sprintf("unknown lease state %q", raw))
	}
	return state, nil
}

// LeaseRecord is the persisted lease/heartbeat row for one job type, owned by one node.
type LeaseRecord struct {
	ID              string     `json:"id" yaml:"id" bson:"_id"`
	JobType         string     `json:"job_type" yaml:"job_type" bson:"job_type"`
	State           LeaseState `json:"state" yaml:"state" bson:"state"`
	OwnerPID        string     `json:"owner_pid" yaml:"owner_pid" bson:"owner_pid"`
	CreatedAt       time.Time  `json:"created_at" yaml:"created_at" bson:"created_at"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at" yaml:"last_heartbeat_at" bson:"last_heartbeat_at"`
}

// Stale reports whether the lease heartbeat is older than timeout at now.
// A non-positive timeout disables staleness entirely.
func (r LeaseRecord) Stale(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	return r.LastHeartbeatAt.Add(timeout).Before(now)
}

// Validate checks the fields every store requires before a write.
func (r LeaseRecord) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return schedulerError(ErrInvalidArgument, "lease id is required")
	}
	if strings.TrimSpace(r.JobType) == "" {
		return schedulerError(ErrInvalidArgument, "lease job type is required")
	}
	if !r.State.Valid() {
		return schedulerError(ErrInvalidArgument, fmt.Sprintf("invalid lease state %q", r.State))
	}
	return nil
}

func sortLeases(records []LeaseRecord) {
	sort.Slice(records, func(i, j int) bool {
		return leaseLess(records[i], records[j])
	})
}

func leaseLess(a, b LeaseRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
