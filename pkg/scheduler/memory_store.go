package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Clock returns the current time. Stores and coordinators accept one so tests can move time.
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}

// MemoryLeaseStore keeps lease records in process memory. It coordinates goroutines
// of a single process only and is meant for tests and single-node deployments.
type MemoryLeaseStore struct {
	mu      sync.RWMutex
	records map[string]LeaseRecord
	clock   Clock
	closed  bool
}

// MemoryStoreOption customizes a MemoryLeaseStore.
type MemoryStoreOption func(*MemoryLeaseStore)

// WithMemoryClock overrides the clock used to stamp timestamps.
func WithMemoryClock(clock Clock) MemoryStoreOption {
	return func(s *MemoryLeaseStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewMemoryLeaseStore creates an empty in-memory lease store.
func NewMemoryLeaseStore(opts ...MemoryStoreOption) *MemoryLeaseStore {
	store := &MemoryLeaseStore{
		records: map[string]LeaseRecord{},
		clock:   systemClock,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// FindAll returns the leases of jobType ordered by CreatedAt, then ID.
func (s *MemoryLeaseStore) FindAll(_ context.Context, jobType string) ([]LeaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, schedulerError(ErrClosed, "memory lease store is closed")
	}

	out := make([]LeaseRecord, 0, len(s.records))
	for _, record := range s.records {
		if record.JobType == jobType {
			out = append(out, record)
		}
	}
	sortLeases(out)
	return out, nil
}

// FindByID returns the lease stored under id, or nil when there is none.
func (s *MemoryLeaseStore) FindByID(_ context.Context, id string) (*LeaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, schedulerError(ErrClosed, "memory lease store is closed")
	}

	record, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// Insert stores rec with both timestamps set to the store clock. It fails with
// ErrConflict when id is taken.
func (s *MemoryLeaseStore) Insert(_ context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, schedulerError(ErrClosed, "memory lease store is closed")
	}
	if _, exists := s.records[rec.ID]; exists {
		return nil, schedulerError(ErrConflict, "lease "+rec.ID+" already exists")
	}

	now := s.clock()
	rec.CreatedAt = now
	rec.LastHeartbeatAt = now
	s.records[rec.ID] = rec
	return &rec, nil
}

// Update overwrites job type, state and owner of an existing lease and refreshes
// its heartbeat. CreatedAt is kept. A missing lease yields ErrNotFound.
func (s *MemoryLeaseStore) Update(_ context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, schedulerError(ErrClosed, "memory lease store is closed")
	}
	stored, exists := s.records[rec.ID]
	if !exists {
		return nil, schedulerError(ErrNotFound, "lease "+rec.ID+" does not exist")
	}

	stored.JobType = rec.JobType
	stored.State = rec.State
	stored.OwnerPID = rec.OwnerPID
	stored.LastHeartbeatAt = s.clock()
	s.records[rec.ID] = stored
	return &stored, nil
}

// Delete removes the lease; a missing id is not an error.
func (s *MemoryLeaseStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schedulerError(ErrClosed, "memory lease store is closed")
	}
	delete(s.records, strings.TrimSpace(id))
	return nil
}

// Put stores rec verbatim, timestamps included. It exists to seed fixtures such as
// leases abandoned by crashed nodes.
func (s *MemoryLeaseStore) Put(rec LeaseRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
}

// HealthCheck fails only after Close.
func (s *MemoryLeaseStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return schedulerError(ErrClosed, "memory lease store is closed")
	}
	return nil
}

// Close rejects every later call with ErrClosed.
func (s *MemoryLeaseStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ LeaseStore = (*MemoryLeaseStore)(nil)
