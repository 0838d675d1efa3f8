package main

import (
	"context"
	"sync/atomic"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
	"github.com/nimburion/leasecoord/pkg/scheduler"
)

const leaseAuditTask = "lease-audit"

// leaseAudit reports stale leases of every registered task. Tasks are walked in
// pages of PageSize names, ThreadSize at a time.
type leaseAudit struct {
	runtime *scheduler.Runtime
	log     logger.Logger
	job     *scheduler.PagedJob[string]
	stale   atomic.Int64
}

func newLeaseAudit(runtime *scheduler.Runtime, cfg scheduler.JobConfig, log logger.Logger) *leaseAudit {
	a := &leaseAudit{runtime: runtime, log: log.With("task", leaseAuditTask)}
	a.job = scheduler.NewPagedJob(cfg, a.fetchTasks, a.auditTask)
	return a
}

// Process runs one audit while this node holds the lease-audit lease.
func (a *leaseAudit) Process(ctx context.Context, lease scheduler.LeaseRecord) error {
	a.stale.Store(0)
	checked, err := a.job.Run(ctx)
	if err != nil {
		return err
	}
	a.log.WithContext(ctx).Info("lease audit finished", "lease_id", lease.ID, "tasks", checked, "stale", a.stale.Load())
	return nil
}

func (a *leaseAudit) fetchTasks(_ context.Context, offset, limit int) ([]string, error) {
	names := a.runtime.Tasks()
	if offset >= len(names) {
		return nil, nil
	}
	end := min(offset+limit, len(names))
	return names[offset:end], nil
}

func (a *leaseAudit) auditTask(ctx context.Context, name string) error {
	views, err := a.runtime.Leases(ctx, name)
	if err != nil {
		return err
	}
	for _, view := range views {
		if !view.Stale {
			continue
		}
		a.stale.Add(1)
		a.log.WithContext(ctx).Warn("stale lease",
			"job", name,
			"lease_id", view.ID,
			"state", view.State,
			"heartbeat_age", view.Age,
		)
	}
	return nil
}
