// Command leasecoord runs periodic jobs so that, across every node sharing a lease
// store, at most one node executes each job at a time.
package main

import (
	"github.com/nimburion/leasecoord/pkg/cli"
	"github.com/nimburion/leasecoord/pkg/config"
	"github.com/nimburion/leasecoord/pkg/observability/logger"
	"github.com/nimburion/leasecoord/pkg/scheduler"
	"github.com/nimburion/leasecoord/pkg/scheduler/factory"
)

func main() {
	cli.Execute(cli.NewCommand(cli.CommandOptions{
		Name:               "leasecoord",
		Description:        "Lease-based single-executor coordination for periodic jobs",
		EnvPrefix:          config.DefaultEnvPrefix,
		ConfigureScheduler: registerTasks,
	}))
}

func registerTasks(cfg *config.Config, log logger.Logger, runtime *scheduler.Runtime) error {
	audit := newLeaseAudit(runtime, factory.JobConfig(cfg.Scheduler.Job(leaseAuditTask)), log)
	return runtime.Register(factory.NewTask(leaseAuditTask, audit, cfg.Scheduler))
}
