package health

import (
	"context"
	"time"
)

const defaultCheckTimeout = 5 * time.Second

// Checkable is implemented by components that can verify their own connectivity,
// such as lease stores.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker turns a Checkable into a Checker bounded by a timeout.
type AdapterChecker struct {
	name    string
	adapter Checkable
	timeout time.Duration
}

// NewAdapterChecker creates a checker for adapter. A zero timeout means 5s.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout}
}

// Check calls HealthCheck under the checker timeout.
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	result := CheckResult{Name: c.name, Duration: time.Since(start)}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	result.Status = StatusHealthy
	result.Message = "OK"
	return result
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// FuncChecker adapts a function returning a status, message and optional
// metadata into a named Checker.
type FuncChecker struct {
	name string
	fn   func(ctx context.Context) (Status, string, map[string]any)
}

// NewFuncChecker creates a named checker from fn.
func NewFuncChecker(name string, fn func(ctx context.Context) (Status, string, map[string]any)) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

// Check runs fn.
func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, metadata := c.fn(ctx)
	return CheckResult{
		Name:     c.name,
		Status:   status,
		Message:  message,
		Duration: time.Since(start),
		Metadata: metadata,
	}
}

// Name returns the name of the health check
func (c *FuncChecker) Name() string {
	return c.name
}
