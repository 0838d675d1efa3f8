package scheduler

import (
	"context"
	"time"
)

// LeaseEventType names a lease lifecycle transition seen by a coordinator.
type LeaseEventType string

const (
	// EventAcquired means this node claimed the lease and is about to run the job body.
	EventAcquired LeaseEventType = "acquired"
	// EventCompleted means the job body returned and the lease went back to IDLE.
	EventCompleted LeaseEventType = "completed"
	// EventReaped means this node deleted another node's stale lease.
	EventReaped LeaseEventType = "reaped"
	// EventReleased means Close removed this node's lease, if it still had one.
	EventReleased LeaseEventType = "released"
)

// LeaseEvent describes one lifecycle transition. Node is the lease id of the
// emitting coordinator; LeaseID is the lease the event is about.
type LeaseEvent struct {
	Type       LeaseEventType `json:"type"`
	JobType    string         `json:"job_type"`
	LeaseID    string         `json:"lease_id"`
	Node       string         `json:"node"`
	OwnerPID   string         `json:"owner_pid,omitempty"`
	State      LeaseState     `json:"state,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	At         time.Time      `json:"at"`
}

// EventSink receives lease events. Emit is called inline by the ticking
// goroutine, so implementations must bound their own latency and must not
// panic; delivery is best effort and never affects the tick.
type EventSink interface {
	Emit(ctx context.Context, event LeaseEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event LeaseEvent)

func (f EventSinkFunc) Emit(ctx context.Context, event LeaseEvent) {
	f(ctx, event)
}

// WithEventSink makes the coordinator report lease transitions to sink.
func WithEventSink(sink EventSink) CoordinatorOption {
	return func(c *Coordinator) {
		c.events = sink
	}
}

func (c *Coordinator) emit(ctx context.Context, event LeaseEvent) {
	if c.events == nil {
		return
	}
	event.JobType = c.identity.JobType
	event.Node = c.activeID
	if event.LeaseID == "" {
		event.LeaseID = c.activeID
	}
	event.At = c.clock().UTC()
	c.events.Emit(ctx, event)
}
