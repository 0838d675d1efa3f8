package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

type schedulerTestLogger struct{}

func (l *schedulerTestLogger) Debug(string, ...any) {}
func (l *schedulerTestLogger) Info(string, ...any)  {}
func (l *schedulerTestLogger) Warn(string, ...any)  {}
func (l *schedulerTestLogger) Error(string, ...any) {}
func (l *schedulerTestLogger) With(...any) logger.Logger {
	return l
}
func (l *schedulerTestLogger) WithContext(context.Context) logger.Logger {
	return l
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingStore wraps a LeaseStore, counts every call and can inject failures.
type recordingStore struct {
	LeaseStore

	mu        sync.Mutex
	calls     map[string]int
	updates   []LeaseRecord
	updateErr error
	deleteErr error
}

func newRecordingStore(inner LeaseStore) *recordingStore {
	return &recordingStore{LeaseStore: inner, calls: map[string]int{}}
}

func (s *recordingStore) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
}

func (s *recordingStore) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *recordingStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *recordingStore) updatesWithState(state LeaseState) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.updates {
		if rec.State == state {
			n++
		}
	}
	return n
}

func (s *recordingStore) FindAll(ctx context.Context, jobType string) ([]LeaseRecord, error) {
	s.record("find_all")
	return s.LeaseStore.FindAll(ctx, jobType)
}

func (s *recordingStore) FindByID(ctx context.Context, id string) (*LeaseRecord, error) {
	s.record("find_by_id")
	return s.LeaseStore.FindByID(ctx, id)
}

func (s *recordingStore) Insert(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	s.record("insert")
	return s.LeaseStore.Insert(ctx, rec)
}

func (s *recordingStore) Update(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	s.record("update")
	s.mu.Lock()
	s.updates = append(s.updates, rec)
	updateErr := s.updateErr
	s.mu.Unlock()
	if updateErr != nil {
		return nil, updateErr
	}
	return s.LeaseStore.Update(ctx, rec)
}

func (s *recordingStore) Delete(ctx context.Context, id string) error {
	s.record("delete")
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.LeaseStore.Delete(ctx, id)
}

type countingRunner struct {
	mu    sync.Mutex
	calls []LeaseRecord
	err   error
	delay time.Duration
	panic any
}

func (r *countingRunner) Process(_ context.Context, lease LeaseRecord) error {
	r.mu.Lock()
	r.calls = append(r.calls, lease)
	err := r.err
	delay := r.delay
	panicValue := r.panic
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if panicValue != nil {
		panic(panicValue)
	}
	return err
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestCoordinator(t *testing.T, host string, store LeaseStore, runner JobRunner, cfg JobConfig, clock *manualClock) *Coordinator {
	t.Helper()
	identity := Identity{Host: host, Port: 8080, JobType: "sync", PID: "4242"}
	opts := []CoordinatorOption{}
	if clock != nil {
		opts = append(opts, WithClock(clock.Now))
	}
	coordinator, err := NewCoordinator(identity, store, runner, cfg, &schedulerTestLogger{}, opts...)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return coordinator
}

func mustFindLease(t *testing.T, store LeaseStore, id string) LeaseRecord {
	t.Helper()
	lease, err := store.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("find lease %s: %v", id, err)
	}
	if lease == nil {
		t.Fatalf("lease %s not found", id)
	}
	return *lease
}
