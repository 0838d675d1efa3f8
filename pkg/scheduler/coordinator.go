package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

const (
	tracerName = "github.com/nimburion/leasecoord/pkg/scheduler"

	// releaseTimeout bounds the IDLE transition once the tick context is gone.
	releaseTimeout = 5 * time.Second
)

// TickOutcome describes what a single Tick did.
type TickOutcome string

const (
	// TickSkipped means the coordinator is closed or disabled and the store was not touched.
	TickSkipped TickOutcome = "skipped"
	// TickBusy means the first candidate is RUNNING and fresh, so the job is executing somewhere.
	TickBusy TickOutcome = "busy"
	// TickHeldElsewhere means another node owns a fresh lease for the job type.
	TickHeldElsewhere TickOutcome = "held_elsewhere"
	// TickAcquired means this node claimed the lease and ran the job body.
	TickAcquired TickOutcome = "acquired"
	// TickFailed means a lease store call failed before the job body could start.
	TickFailed TickOutcome = "failed"
)

// Coordinator lets identical processes agree, through a LeaseStore alone, that at most
// one of them runs a named periodic job at a time. Exclusion is best effort: the
// read-then-write sequence in Tick is not atomic, so two nodes ticking at the same
// instant against an empty store may both acquire.
type Coordinator struct {
	identity Identity
	activeID string
	store    LeaseStore
	runner   JobRunner
	config   JobConfig
	log      logger.Logger
	clock    Clock
	tracer   trace.Tracer
	events   EventSink

	heartbeatEvery time.Duration
	closed         atomic.Bool
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock overrides the clock used for staleness decisions.
func WithClock(clock Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithTracer overrides the tracer used for tick spans.
func WithTracer(tracer trace.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewCoordinator creates the coordinator of one job type in this process.
func NewCoordinator(identity Identity, store LeaseStore, runner JobRunner, cfg JobConfig, log logger.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, schedulerError(ErrInvalidArgument, "lease store is required")
	}
	if runner == nil {
		return nil, schedulerError(ErrInvalidArgument, "job runner is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if identity.JobType == "" {
		return nil, schedulerError(ErrInvalidArgument, "identity job type is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.normalize()

	c := &Coordinator{
		identity:       identity,
		activeID:       identity.ActiveID(),
		store:          store,
		runner:         runner,
		config:         cfg,
		clock:          systemClock,
		tracer:         otel.Tracer(tracerName),
		heartbeatEvery: cfg.HeartbeatInterval(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = log.With("job", identity.JobType, "lease_id", c.activeID)
	return c, nil
}

// ActiveID returns the lease id this coordinator claims with.
func (c *Coordinator) ActiveID() string {
	return c.activeID
}

// JobType returns the coordinated job type.
func (c *Coordinator) JobType() string {
	return c.identity.JobType
}

// Config returns the normalized job configuration.
func (c *Coordinator) Config() JobConfig {
	return c.config
}

// Enabled reports whether the coordinator participates in the protocol at all.
func (c *Coordinator) Enabled() bool {
	return c.config.Enabled
}

// Init removes any lease left under this exact id by a previous crash of the same
// host and port. A disabled coordinator does nothing.
func (c *Coordinator) Init(ctx context.Context) error {
	if !c.config.Enabled {
		c.log.Debug("coordinator disabled, skipping init")
		return nil
	}
	if err := c.store.Delete(ctx, c.activeID); err != nil {
		return fmt.Errorf("clear previous lease: %w", err)
	}
	c.log.Info("coordinator initialized", "health_check_time_sec", c.config.HealthCheckTimeSec)
	return nil
}

// Close stops future ticks and, when enabled, releases this node's lease.
// An in-flight tick is not interrupted. Calling Close again repeats only the
// idempotent delete.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closed.Store(true)
	if !c.config.Enabled {
		return nil
	}
	if err := c.store.Delete(ctx, c.activeID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	c.log.Info("coordinator closed, lease released")
	c.emit(ctx, LeaseEvent{Type: EventReleased, OwnerPID: c.identity.PID})
	return nil
}

// Closed reports whether Close has been called.
func (c *Coordinator) Closed() bool {
	return c.closed.Load()
}

// Tick runs one round of the lease protocol and, when the lease is acquired, the
// job body. The lease is always moved back to IDLE after the body returns, and a
// body error is returned only after that transition was attempted.
func (c *Coordinator) Tick(ctx context.Context) (outcome TickOutcome, err error) {
	if c.closed.Load() || !c.config.Enabled {
		return TickSkipped, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = logger.ContextWithRunID(ctx, uuid.NewString())
	ctx, span := c.tracer.Start(ctx, "scheduler.tick", trace.WithAttributes(
		attribute.String("scheduler.job_type", c.identity.JobType),
		attribute.String("scheduler.lease_id", c.activeID),
	))
	defer func() {
		span.SetAttributes(attribute.String("scheduler.outcome", string(outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		recordTick(c.identity.JobType, outcome, err)
	}()
	log := c.log.WithContext(ctx)

	lease, outcome, err := c.acquire(ctx, log)
	if err != nil || lease == nil {
		return outcome, err
	}
	c.emit(ctx, LeaseEvent{Type: EventAcquired, OwnerPID: lease.OwnerPID, State: lease.State})
	return TickAcquired, c.run(ctx, *lease, log)
}

func (c *Coordinator) acquire(ctx context.Context, log logger.Logger) (*LeaseRecord, TickOutcome, error) {
	jobType := c.identity.JobType
	timeout := c.config.HealthCheckTimeout()

	candidates, err := c.store.FindAll(ctx, jobType)
	if err != nil {
		return nil, TickFailed, fmt.Errorf("list leases: %w", err)
	}

	now := c.clock()
	// Only the first candidate is inspected. A RUNNING record further down the list
	// goes unnoticed when the store orders it after an IDLE one.
	if len(candidates) > 0 && candidates[0].State == LeaseRunning && !candidates[0].Stale(now, timeout) {
		log.Debug("job is running elsewhere", "holder", candidates[0].ID)
		return nil, TickBusy, nil
	}

	if timeout > 0 {
		reaped := 0
		for _, candidate := range candidates {
			if !candidate.Stale(now, timeout) {
				continue
			}
			if err := c.store.Delete(ctx, candidate.ID); err != nil {
				return nil, TickFailed, fmt.Errorf("reap stale lease %s: %w", candidate.ID, err)
			}
			reaped++
			recordReaped(jobType)
			log.Warn("reaped stale lease",
				"stale_id", candidate.ID,
				"last_heartbeat_at", candidate.LastHeartbeatAt,
				"state", candidate.State,
			)
			c.emit(ctx, LeaseEvent{Type: EventReaped, LeaseID: candidate.ID, OwnerPID: candidate.OwnerPID, State: candidate.State})
		}
		if reaped > 0 {
			candidates, err = c.store.FindAll(ctx, jobType)
			if err != nil {
				return nil, TickFailed, fmt.Errorf("list leases after reaping: %w", err)
			}
		}
	}

	if len(candidates) == 0 {
		if _, err := c.store.Insert(ctx, LeaseRecord{
			ID:       c.activeID,
			JobType:  jobType,
			State:    LeaseRunning,
			OwnerPID: c.identity.PID,
		}); err != nil {
			return nil, TickFailed, fmt.Errorf("insert lease: %w", err)
		}
		lease, err := c.store.FindByID(ctx, c.activeID)
		if err != nil {
			return nil, TickFailed, fmt.Errorf("reload inserted lease: %w", err)
		}
		if lease == nil {
			return nil, TickFailed, schedulerError(ErrNotFound, "lease disappeared right after insert")
		}
		log.Info("lease acquired")
		return lease, TickAcquired, nil
	}

	for _, candidate := range candidates {
		if candidate.ID != c.activeID {
			continue
		}
		candidate.State = LeaseRunning
		candidate.OwnerPID = c.identity.PID
		lease, err := c.store.Update(ctx, candidate)
		if err != nil {
			return nil, TickFailed, fmt.Errorf("reclaim lease: %w", err)
		}
		log.Debug("lease reclaimed")
		return lease, TickAcquired, nil
	}

	log.Debug("lease held by another node", "holder", candidates[0].ID)
	return nil, TickHeldElsewhere, nil
}

func (c *Coordinator) run(ctx context.Context, lease LeaseRecord, log logger.Logger) (err error) {
	jobType := c.identity.JobType
	incrementJobInFlight(jobType)
	started := time.Now()
	stopHeartbeat := c.startHeartbeat(ctx, lease, log)

	defer func() {
		stopHeartbeat()
		decrementJobInFlight(jobType)
		observeJob(jobType, time.Since(started), err)

		idleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		lease.State = LeaseIdle
		if _, idleErr := c.store.Update(idleCtx, lease); idleErr != nil {
			log.Error("failed to mark lease idle", "error", idleErr)
			err = errors.Join(err, fmt.Errorf("mark lease idle: %w", idleErr))
		}
		event := LeaseEvent{
			Type:       EventCompleted,
			OwnerPID:   lease.OwnerPID,
			State:      LeaseIdle,
			DurationMS: time.Since(started).Milliseconds(),
		}
		if err != nil {
			event.Error = err.Error()
		}
		c.emit(idleCtx, event)
	}()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("job body panicked: %v", recovered)
		}
	}()

	if err = c.runner.Process(ctx, lease); err != nil {
		log.Error("job body failed", "error", err)
		return err
	}
	log.Debug("job body completed", "duration", time.Since(started))
	return nil
}

// startHeartbeat refreshes the held RUNNING lease until the returned stop func is
// called. Stop blocks until the refresher has exited so the IDLE write always wins.
func (c *Coordinator) startHeartbeat(ctx context.Context, lease LeaseRecord, log logger.Logger) func() {
	if c.heartbeatEvery <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
			lease.State = LeaseRunning
			if _, err := c.store.Update(hbCtx, lease); err != nil {
				if hbCtx.Err() != nil {
					return
				}
				recordHeartbeat(c.identity.JobType, "error")
				log.Warn("lease heartbeat failed", "error", err)
				continue
			}
			recordHeartbeat(c.identity.JobType, "ok")
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
