package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

// RuntimeConfig identifies this process and bounds individual ticks.
type RuntimeConfig struct {
	// Host and Port form the node part of every lease id. An empty host resolves to os.Hostname.
	Host string
	Port int
	// TickTimeout bounds a single tick including the job body. 0 means unbounded.
	TickTimeout time.Duration
}

// Runtime is the external trigger for coordinators: it owns one coordinator per
// registered task and ticks each of them on the task schedule.
type Runtime struct {
	store LeaseStore
	log   logger.Logger

	config RuntimeConfig
	opts   []CoordinatorOption

	mu      sync.Mutex
	tasks   map[string]*scheduledTask
	running bool
	// stopped is set once the coordinators are closed; a stopped runtime cannot start again.
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type scheduledTask struct {
	task        Task
	coordinator *Coordinator
	// tickMu serialises the timer loop and Trigger so ticks of one task never overlap.
	tickMu sync.Mutex
}

// NewRuntime creates a runtime whose coordinators share store.
func NewRuntime(store LeaseStore, log logger.Logger, cfg RuntimeConfig, opts ...CoordinatorOption) (*Runtime, error) {
	if store == nil {
		return nil, schedulerError(ErrInvalidArgument, "lease store is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if cfg.TickTimeout < 0 {
		return nil, schedulerError(ErrValidation, "tick timeout must be >= 0")
	}
	return &Runtime{
		store:  store,
		log:    log,
		config: cfg,
		opts:   opts,
		tasks:  map[string]*scheduledTask{},
	}, nil
}

// Register adds a task and builds its coordinator.
func (r *Runtime) Register(task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	identity, err := NewIdentity(r.config.Host, r.config.Port, task.Name)
	if err != nil {
		return err
	}
	coordinator, err := NewCoordinator(identity, r.store, task.Runner, task.Config, r.log, r.opts...)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return schedulerError(ErrClosed, "scheduler runtime is stopped")
	}
	if r.running {
		return schedulerError(ErrConflict, "cannot register tasks while the runtime is running")
	}
	if _, exists := r.tasks[task.Name]; exists {
		return schedulerError(ErrConflict, fmt.Sprintf("task %q is already registered", task.Name))
	}
	r.tasks[task.Name] = &scheduledTask{task: task, coordinator: coordinator}
	return nil
}

// Tasks returns the registered task names in lexical order.
func (r *Runtime) Tasks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running reports whether Start is active.
func (r *Runtime) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Coordinator returns the coordinator of a registered task.
func (r *Runtime) Coordinator(name string) (*Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.tasks[strings.TrimSpace(name)]
	if !ok {
		return nil, false
	}
	return entry.coordinator, true
}

// Start initializes every coordinator, runs the task loops and blocks until ctx is
// cancelled, then stops the runtime and releases all leases.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return schedulerError(ErrNotInitialized, "scheduler runtime is not initialized")
	}
	if ctx == nil {
		return schedulerError(ErrInvalidArgument, "context is required")
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return schedulerError(ErrClosed, "scheduler runtime is stopped")
	}
	if r.running {
		r.mu.Unlock()
		return schedulerError(ErrConflict, "scheduler already running")
	}
	if len(r.tasks) == 0 {
		r.mu.Unlock()
		return schedulerError(ErrValidation, "no scheduler tasks registered")
	}
	entries := r.entriesLocked()
	runningCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	for _, entry := range entries {
		if err := entry.coordinator.Init(runningCtx); err != nil {
			cancel()
			r.mu.Lock()
			r.running = false
			r.cancel = nil
			r.mu.Unlock()
			return fmt.Errorf("init task %q: %w", entry.task.Name, err)
		}
	}

	for _, entry := range entries {
		r.wg.Add(1)
		go r.runTaskLoop(runningCtx, entry)
	}
	r.log.Info("scheduler runtime started", "tasks", len(entries))

	<-runningCtx.Done()
	return r.Stop(context.Background())
}

// Stop cancels the task loops, waits for in-flight ticks and closes every
// coordinator. It is safe to call more than once. A stopped runtime cannot be
// started again.
func (r *Runtime) Stop(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.cancel = nil
	r.running = false
	r.stopped = true
	entries := r.entriesLocked()
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
	}

	err := closeCoordinators(ctx, entries)
	r.log.Info("scheduler runtime stopped")
	return err
}

// Close releases the leases of every registered task. A running runtime is
// stopped first; one that was never started, as after a one-off Trigger, only
// has its coordinators closed. Either way the runtime cannot be started again.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return r.Stop(ctx)
	}
	r.stopped = true
	entries := r.entriesLocked()
	r.mu.Unlock()

	return closeCoordinators(ctx, entries)
}

func (r *Runtime) entriesLocked() []*scheduledTask {
	entries := make([]*scheduledTask, 0, len(r.tasks))
	for _, entry := range r.tasks {
		entries = append(entries, entry)
	}
	return entries
}

// closeCoordinators waits for an in-flight Trigger of each task before closing it.
func closeCoordinators(ctx context.Context, entries []*scheduledTask) error {
	var errs []error
	for _, entry := range entries {
		entry.tickMu.Lock()
		err := entry.coordinator.Close(ctx)
		entry.tickMu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("close task %q: %w", entry.task.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Trigger runs one tick of the named task immediately, waiting for a scheduled
// tick of the same task to finish first.
func (r *Runtime) Trigger(ctx context.Context, name string) (TickOutcome, error) {
	r.mu.Lock()
	entry, ok := r.tasks[strings.TrimSpace(name)]
	r.mu.Unlock()
	if !ok {
		return TickSkipped, schedulerError(ErrNotFound, fmt.Sprintf("task %q is not registered", name))
	}
	return r.tick(ctx, entry)
}

func (r *Runtime) runTaskLoop(ctx context.Context, entry *scheduledTask) {
	defer r.wg.Done()
	log := r.log.With("task", entry.task.Name)

	now := time.Now().UTC()
	for {
		nextRun, err := entry.task.nextRun(now)
		if err != nil {
			log.Error("scheduler task has invalid schedule", "error", err)
			return
		}

		wait := time.Until(nextRun)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		outcome, err := r.tick(ctx, entry)
		if err != nil {
			log.Error("scheduler tick failed", "outcome", outcome, "error", err)
		} else {
			log.Debug("scheduler tick finished", "outcome", outcome)
		}

		now = time.Now().UTC()
		if !now.After(nextRun) {
			now = nextRun
		}
	}
}

func (r *Runtime) tick(ctx context.Context, entry *scheduledTask) (TickOutcome, error) {
	entry.tickMu.Lock()
	defer entry.tickMu.Unlock()

	if r.config.TickTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.TickTimeout)
		defer cancel()
	}
	return entry.coordinator.Tick(ctx)
}
