package scheduler

import (
	"context"
)

// LeaseStore is the shared coordination medium. It offers only plain CRUD:
// no compare-and-swap, no conditional put, no multi-record transaction.
//
// FindAll returns candidates ordered by CreatedAt, then ID.
// FindByID returns (nil, nil) when the record does not exist.
// Insert fails with ErrConflict when the id already exists and stamps both timestamps.
// Update overwrites the record matching rec.ID, refreshing LastHeartbeatAt in the same
// write, and fails with ErrNotFound when the record is gone.
// Delete is idempotent.
type LeaseStore interface {
	FindAll(ctx context.Context, jobType string) ([]LeaseRecord, error)
	FindByID(ctx context.Context, id string) (*LeaseRecord, error)
	Insert(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error)
	Update(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error)
	Delete(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// JobRunner is the body of one periodic job type. It is invoked only while the
// calling node holds the lease.
type JobRunner interface {
	Process(ctx context.Context, lease LeaseRecord) error
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, lease LeaseRecord) error

// Process calls f(ctx, lease).
func (f JobRunnerFunc) Process(ctx context.Context, lease LeaseRecord) error {
	return f(ctx, lease)
}
