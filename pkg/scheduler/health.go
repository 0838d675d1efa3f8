package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/nimburion/leasecoord/pkg/health"
)

const (
	defaultStoreHealthCheckName   = "scheduler-lease-store"
	defaultRuntimeHealthCheckName = "scheduler-runtime"
)

// NewStoreHealthChecker creates a standard health checker for a lease store.
func NewStoreHealthChecker(name string, store LeaseStore, timeout time.Duration) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultStoreHealthCheckName
	}
	return health.NewAdapterChecker(checkName, store, timeout)
}

// NewRuntimeHealthChecker reports the runtime unhealthy when it is not running and
// degraded when every registered task is disabled.
func NewRuntimeHealthChecker(name string, runtime *Runtime) health.Checker {
	checkName := strings.TrimSpace(name)
	if checkName == "" {
		checkName = defaultRuntimeHealthCheckName
	}
	return health.NewFuncChecker(checkName, func(context.Context) (health.Status, string, map[string]any) {
		tasks := map[string]any{}
		enabled := 0
		for _, name := range runtime.Tasks() {
			coordinator, ok := runtime.Coordinator(name)
			if !ok {
				continue
			}
			state := "disabled"
			if coordinator.Enabled() {
				state = "enabled"
				enabled++
			}
			if coordinator.Closed() {
				state = "closed"
			}
			tasks[name] = state
		}
		metadata := map[string]any{"tasks": tasks}

		switch {
		case !runtime.Running():
			return health.StatusUnhealthy, "scheduler runtime is not running", metadata
		case enabled == 0:
			return health.StatusDegraded, "no scheduler task is enabled", metadata
		default:
			return health.StatusHealthy, "OK", metadata
		}
	})
}
