package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestListLeases_MarksStale(t *testing.T) {
	clock := newManualClock()
	store := NewMemoryLeaseStore(WithMemoryClock(clock.Now))
	ctx := context.Background()
	if _, err := store.Insert(ctx, LeaseRecord{ID: "node-a:8080/sync", JobType: "sync", State: LeaseRunning}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clock.Advance(10 * time.Second)
	if _, err := store.Insert(ctx, LeaseRecord{ID: "node-b:8080/sync", JobType: "sync", State: LeaseIdle}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clock.Advance(10 * time.Second)

	views, err := ListLeases(ctx, store, "sync", 15*time.Second, clock.Now())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 leases, got %d", len(views))
	}
	if !views[0].Stale || views[1].Stale {
		t.Fatalf("expected only the first lease stale, got %+v", views)
	}
	if views[0].Age != "20s" {
		t.Fatalf("expected age 20s, got %q", views[0].Age)
	}

	if _, err := ListLeases(ctx, store, " ", time.Second, clock.Now()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestReleaseLease(t *testing.T) {
	store := NewMemoryLeaseStore()
	ctx := context.Background()
	if _, err := store.Insert(ctx, LeaseRecord{ID: "node-a:8080/sync", JobType: "sync", State: LeaseRunning}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec, err := ReleaseLease(ctx, store, "node-a:8080/sync")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if rec.State != LeaseRunning {
		t.Fatalf("expected released record returned, got %+v", rec)
	}
	if _, err := ReleaseLease(ctx, store, "node-a:8080/sync"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second release, got %v", err)
	}
}

func TestRuntime_LeasesAndRelease(t *testing.T) {
	clock := newManualClock()
	store := NewMemoryLeaseStore(WithMemoryClock(clock.Now))
	runtime, err := NewRuntime(store, &schedulerTestLogger{}, RuntimeConfig{Host: "node-a", Port: 8080}, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	if err := runtime.Register(Task{Name: "sync", Schedule: "@every 1m", Runner: noopRunner(), Config: enabledSync}); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := context.Background()
	if _, err := runtime.Trigger(ctx, "sync"); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	views, err := runtime.Leases(ctx, "sync")
	if err != nil || len(views) != 1 || views[0].ID != "node-a:8080/sync" || views[0].State != LeaseIdle {
		t.Fatalf("unexpected leases %+v err=%v", views, err)
	}
	if _, err := runtime.Leases(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := runtime.Release(ctx, views[0].ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if views, _ := runtime.Leases(ctx, "sync"); len(views) != 0 {
		t.Fatalf("expected no leases after release, got %+v", views)
	}
}
