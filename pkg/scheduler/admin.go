package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// LeaseView is a lease as reported to operators, with its staleness evaluated.
type LeaseView struct {
	LeaseRecord `yaml:",inline"`
	Stale       bool   `json:"stale" yaml:"stale"`
	Age         string `json:"heartbeat_age" yaml:"heartbeat_age"`
}

// ListLeases returns the leases of jobType, marking those whose heartbeat is older
// than timeout at now.
func ListLeases(ctx context.Context, store LeaseStore, jobType string, timeout time.Duration, now time.Time) ([]LeaseView, error) {
	if store == nil {
		return nil, schedulerError(ErrInvalidArgument, "lease store is required")
	}
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return nil, schedulerError(ErrInvalidArgument, "job type is required")
	}
	records, err := store.FindAll(ctx, jobType)
	if err != nil {
		return nil, err
	}
	views := make([]LeaseView, 0, len(records))
	for _, rec := range records {
		views = append(views, LeaseView{
			LeaseRecord: rec,
			Stale:       rec.Stale(now, timeout),
			Age:         now.Sub(rec.LastHeartbeatAt).Truncate(time.Second).String(),
		})
	}
	return views, nil
}

// ReleaseLease deletes a lease by id so the next tick of any node may acquire. It
// fails with ErrNotFound when the lease does not exist.
func ReleaseLease(ctx context.Context, store LeaseStore, id string) (*LeaseRecord, error) {
	if store == nil {
		return nil, schedulerError(ErrInvalidArgument, "lease store is required")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, schedulerError(ErrInvalidArgument, "lease id is required")
	}
	rec, err := store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, schedulerError(ErrNotFound, fmt.Sprintf("lease %q does not exist", id))
	}
	if err := store.Delete(ctx, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// Leases lists the leases of a registered task, judged against that task's timeout.
func (r *Runtime) Leases(ctx context.Context, name string) ([]LeaseView, error) {
	coordinator, ok := r.Coordinator(name)
	if !ok {
		return nil, schedulerError(ErrNotFound, fmt.Sprintf("task %q is not registered", name))
	}
	return ListLeases(ctx, r.store, coordinator.JobType(), coordinator.Config().HealthCheckTimeout(), coordinator.clock())
}

// Release deletes any lease of a registered task.
func (r *Runtime) Release(ctx context.Context, id string) (*LeaseRecord, error) {
	rec, err := ReleaseLease(ctx, r.store, id)
	if err != nil {
		return nil, err
	}
	r.log.Warn("lease released by operator", "lease_id", rec.ID, "job", rec.JobType, "state", rec.State)
	return rec, nil
}
