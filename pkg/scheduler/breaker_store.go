package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/nimburion/leasecoord/pkg/resilience"
)

// BreakerLeaseStore fails fast with ErrRetryable once its backend has failed
// repeatedly. Protocol answers (not found, conflict, bad input) are not failures.
type BreakerLeaseStore struct {
	inner   LeaseStore
	breaker *resilience.Breaker
}

// NewBreakerLeaseStore guards store with a breaker built from cfg. cfg.IsFailure is
// replaced by the lease store classification.
func NewBreakerLeaseStore(store LeaseStore, cfg resilience.Config) *BreakerLeaseStore {
	cfg.IsFailure = isBackendFailure
	return &BreakerLeaseStore{inner: store, breaker: resilience.NewBreaker(cfg)}
}

func isBackendFailure(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrValidation),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

// Unwrap returns the guarded store.
func (s *BreakerLeaseStore) Unwrap() LeaseStore {
	return s.inner
}

// State reports the breaker state.
func (s *BreakerLeaseStore) State() resilience.State {
	return s.breaker.State()
}

func (s *BreakerLeaseStore) execute(fn func() error) error {
	err := s.breaker.Execute(fn)
	if errors.Is(err, resilience.ErrOpen) {
		return fmt.Errorf("%w: lease store unavailable: %w", ErrRetryable, err)
	}
	return err
}

func (s *BreakerLeaseStore) FindAll(ctx context.Context, jobType string) (records []LeaseRecord, err error) {
	err = s.execute(func() error {
		records, err = s.inner.FindAll(ctx, jobType)
		return err
	})
	return records, err
}

func (s *BreakerLeaseStore) FindByID(ctx context.Context, id string) (rec *LeaseRecord, err error) {
	err = s.execute(func() error {
		rec, err = s.inner.FindByID(ctx, id)
		return err
	})
	return rec, err
}

func (s *BreakerLeaseStore) Insert(ctx context.Context, rec LeaseRecord) (stored *LeaseRecord, err error) {
	err = s.execute(func() error {
		stored, err = s.inner.Insert(ctx, rec)
		return err
	})
	return stored, err
}

func (s *BreakerLeaseStore) Update(ctx context.Context, rec LeaseRecord) (stored *LeaseRecord, err error) {
	err = s.execute(func() error {
		stored, err = s.inner.Update(ctx, rec)
		return err
	})
	return stored, err
}

func (s *BreakerLeaseStore) Delete(ctx context.Context, id string) error {
	return s.execute(func() error {
		return s.inner.Delete(ctx, id)
	})
}

// HealthCheck goes through the breaker, so it doubles as the half-open probe.
func (s *BreakerLeaseStore) HealthCheck(ctx context.Context) error {
	return s.execute(func() error {
		return s.inner.HealthCheck(ctx)
	})
}

func (s *BreakerLeaseStore) Close() error {
	return s.inner.Close()
}
