package scheduler

import (
	"context"

	"github.com/nimburion/leasecoord/pkg/observability/tracing"
)

// TracedLeaseStore wraps a LeaseStore and emits one client span per call.
type TracedLeaseStore struct {
	inner   LeaseStore
	backend string
}

// NewTracedLeaseStore decorates store with spans labeled by backend ("redis", "postgres", ...).
func NewTracedLeaseStore(store LeaseStore, backend string) *TracedLeaseStore {
	if backend == "" {
		backend = "unknown"
	}
	return &TracedLeaseStore{inner: store, backend: backend}
}

// Unwrap returns the decorated store.
func (s *TracedLeaseStore) Unwrap() LeaseStore {
	return s.inner
}

func (s *TracedLeaseStore) FindAll(ctx context.Context, jobType string) ([]LeaseRecord, error) {
	ctx, span := tracing.StartStoreSpan(ctx, s.backend, tracing.StoreOperationFindAll, jobType)
	records, err := s.inner.FindAll(ctx, jobType)
	tracing.EndSpan(span, err)
	return records, err
}

func (s *TracedLeaseStore) FindByID(ctx context.Context, id string) (*LeaseRecord, error) {
	ctx, span := tracing.StartStoreSpan(ctx, s.backend, tracing.StoreOperationFindByID, id)
	rec, err := s.inner.FindByID(ctx, id)
	tracing.EndSpan(span, err)
	return rec, err
}

func (s *TracedLeaseStore) Insert(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	ctx, span := tracing.StartStoreSpan(ctx, s.backend, tracing.StoreOperationInsert, rec.ID)
	stored, err := s.inner.Insert(ctx, rec)
	tracing.EndSpan(span, err)
	return stored, err
}

func (s *TracedLeaseStore) Update(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	ctx, span := tracing.StartStoreSpan(ctx, s.backend, tracing.StoreOperationUpdate, rec.ID)
	stored, err := s.inner.Update(ctx, rec)
	tracing.EndSpan(span, err)
	return stored, err
}

func (s *TracedLeaseStore) Delete(ctx context.Context, id string) error {
	ctx, span := tracing.StartStoreSpan(ctx, s.backend, tracing.StoreOperationDelete, id)
	err := s.inner.Delete(ctx, id)
	tracing.EndSpan(span, err)
	return err
}

func (s *TracedLeaseStore) HealthCheck(ctx context.Context) error {
	return s.inner.HealthCheck(ctx)
}

func (s *TracedLeaseStore) Close() error {
	return s.inner.Close()
}
