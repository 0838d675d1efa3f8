package scheduler

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLeaseRecord_Stale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := LeaseRecord{LastHeartbeatAt: now.Add(-15 * time.Second)}

	if rec.Stale(now, 15*time.Second) {
		t.Fatal("heartbeat exactly at the threshold is fresh")
	}
	if !rec.Stale(now.Add(time.Millisecond), 15*time.Second) {
		t.Fatal("heartbeat past the threshold is stale")
	}
	if rec.Stale(now.Add(24*time.Hour), 0) {
		t.Fatal("a zero timeout disables staleness")
	}
}

func TestParseLeaseState(t *testing.T) {
	state, err := ParseLeaseState(" running ")
	if err != nil || state != LeaseRunning {
		t.Fatalf("expected RUNNING, got %q, %v", state, err)
	}
	if _, err := ParseLeaseState("paused"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestIdentity_ActiveID(t *testing.T) {
	identity, err := NewIdentity("worker-1", 8080, " sync ")
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if identity.ActiveID() != "worker-1:8080/sync" {
		t.Fatalf("unexpected active id %q", identity.ActiveID())
	}
	if identity.PID == "" {
		t.Fatal("expected pid to be captured")
	}
}

func TestIdentity_DefaultsHostAndValidates(t *testing.T) {
	identity, err := NewIdentity("", 0, "sync")
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if identity.Host == "" || !strings.HasSuffix(identity.ActiveID(), ":0/sync") {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if _, err := NewIdentity("h", 70000, "sync"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for port, got %v", err)
	}
	if _, err := NewIdentity("h", 1, " "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for job type, got %v", err)
	}
}

func TestJobConfig_ValidateAndNormalize(t *testing.T) {
	tests := []struct {
		name    string
		cfg     JobConfig
		wantErr bool
	}{
		{name: "negative heartbeat", cfg: JobConfig{HeartbeatIntervalSec: -1}, wantErr: true},
		{name: "negative timeout", cfg: JobConfig{HealthCheckTimeSec: -1}, wantErr: true},
		{name: "heartbeat equal to timeout", cfg: JobConfig{HealthCheckTimeSec: 15, HeartbeatIntervalSec: 15}, wantErr: true},
		{name: "heartbeat longer than timeout", cfg: JobConfig{HealthCheckTimeSec: 15, HeartbeatIntervalSec: 30}, wantErr: true},
		{name: "heartbeat shorter than timeout", cfg: JobConfig{HealthCheckTimeSec: 15, HeartbeatIntervalSec: 5}},
		{name: "heartbeat without reaping", cfg: JobConfig{HeartbeatIntervalSec: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr && !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	cfg := JobConfig{PageSize: 50}
	cfg.normalize()
	if cfg.PageSize != 50 || cfg.ThreadSize != DefaultThreadSize {
		t.Fatalf("unexpected normalized config %+v", cfg)
	}
	if (JobConfig{HealthCheckTimeSec: 15}).HealthCheckTimeout() != 15*time.Second {
		t.Fatal("unexpected timeout conversion")
	}
}
