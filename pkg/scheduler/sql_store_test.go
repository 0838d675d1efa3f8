package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var leaseColumns = []string{"id", "job_type", "state", "owner_pid", "created_at", "last_heartbeat_at"}

func newMockSQLLeaseStore(t *testing.T, dialect SQLDialect, clock *manualClock) (*SQLLeaseStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store, err := newSQLLeaseStoreWithDB(db, SQLLeaseStoreConfig{
		Dialect:          dialect,
		Table:            "scheduler_leases",
		OperationTimeout: time.Second,
		Clock:            clock.Now,
	}, &schedulerTestLogger{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mock
}

func TestSQLLeaseStore_RejectsInvalidTableName(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	_, err = newSQLLeaseStoreWithDB(db, SQLLeaseStoreConfig{
		Dialect: DialectPostgres,
		Table:   "invalid-table-name",
	}, &schedulerTestLogger{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSQLLeaseStore_RejectsUnknownDialect(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	if _, err := newSQLLeaseStoreWithDB(db, SQLLeaseStoreConfig{Dialect: "oracle"}, &schedulerTestLogger{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSQLLeaseStore_PostgresFindAllOrdersByCreation(t *testing.T) {
	clock := newManualClock()
	store, mock := newMockSQLLeaseStore(t, DialectPostgres, clock)
	now := clock.Now()

	mock.ExpectQuery("SELECT id, job_type, state, owner_pid, created_at, last_heartbeat_at FROM scheduler_leases WHERE job_type=\\$1 ORDER BY created_at, id").
		WithArgs("sync").
		WillReturnRows(sqlmock.NewRows(leaseColumns).
			AddRow("a:1/sync", "sync", "IDLE", "10", now, now).
			AddRow("b:1/sync", "sync", "RUNNING", "11", now.Add(time.Second), now.Add(time.Second)))

	leases, err := store.FindAll(context.Background(), "sync")
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(leases) != 2 || leases[0].State != LeaseIdle || leases[1].State != LeaseRunning {
		t.Fatalf("unexpected leases %+v", leases)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLLeaseStore_PostgresFindByIDMissing(t *testing.T) {
	store, mock := newMockSQLLeaseStore(t, DialectPostgres, newManualClock())

	mock.ExpectQuery("SELECT .* FROM scheduler_leases WHERE id=\\$1").
		WithArgs("gone:1/sync").
		WillReturnRows(sqlmock.NewRows(leaseColumns))

	lease, err := store.FindByID(context.Background(), "gone:1/sync")
	if err != nil || lease != nil {
		t.Fatalf("expected (nil, nil), got %+v, %v", lease, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLLeaseStore_PostgresInsertConflict(t *testing.T) {
	clock := newManualClock()
	store, mock := newMockSQLLeaseStore(t, DialectPostgres, clock)

	mock.ExpectExec("INSERT INTO scheduler_leases\\(id, job_type, state, owner_pid, created_at, last_heartbeat_at\\) VALUES .* ON CONFLICT\\(id\\) DO NOTHING").
		WithArgs("a:1/sync", "sync", "RUNNING", "10", clock.Now(), clock.Now()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO scheduler_leases").
		WithArgs("a:1/sync", "sync", "RUNNING", "10", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := LeaseRecord{ID: "a:1/sync", JobType: "sync", State: LeaseRunning, OwnerPID: "10"}
	inserted, err := store.Insert(context.Background(), rec)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !inserted.CreatedAt.Equal(clock.Now()) {
		t.Fatalf("expected created_at stamped, got %s", inserted.CreatedAt)
	}
	if _, err := store.Insert(context.Background(), rec); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLLeaseStore_PostgresUpdate(t *testing.T) {
	clock := newManualClock()
	store, mock := newMockSQLLeaseStore(t, DialectPostgres, clock)
	created := clock.Now().Add(-time.Minute)

	mock.ExpectExec("UPDATE scheduler_leases SET job_type=\\$2, state=\\$3, owner_pid=\\$4, last_heartbeat_at=\\$5 WHERE id=\\$1").
		WithArgs("a:1/sync", "sync", "IDLE", "10", clock.Now()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM scheduler_leases WHERE id=\\$1").
		WithArgs("a:1/sync").
		WillReturnRows(sqlmock.NewRows(leaseColumns).AddRow("a:1/sync", "sync", "IDLE", "10", created, clock.Now()))

	updated, err := store.Update(context.Background(), LeaseRecord{ID: "a:1/sync", JobType: "sync", State: LeaseIdle, OwnerPID: "10"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.CreatedAt.Equal(created) || updated.State != LeaseIdle {
		t.Fatalf("unexpected updated lease %+v", updated)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLLeaseStore_UpdateMissingRowIsNotFound(t *testing.T) {
	store, mock := newMockSQLLeaseStore(t, DialectPostgres, newManualClock())

	mock.ExpectExec("UPDATE scheduler_leases").
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := store.Update(context.Background(), LeaseRecord{ID: "a:1/sync", JobType: "sync", State: LeaseIdle})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLLeaseStore_MySQLPlaceholdersAndArgumentOrder(t *testing.T) {
	clock := newManualClock()
	store, mock := newMockSQLLeaseStore(t, DialectMySQL, clock)

	mock.ExpectExec("INSERT IGNORE INTO scheduler_leases\\(id, job_type, state, owner_pid, created_at, last_heartbeat_at\\) VALUES \\(\\?, \\?, \\?, \\?, \\?, \\?\\)").
		WithArgs("a:1/sync", "sync", "RUNNING", "10", clock.Now(), clock.Now()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE scheduler_leases SET job_type=\\?, state=\\?, owner_pid=\\?, last_heartbeat_at=\\? WHERE id=\\?").
		WithArgs("sync", "IDLE", "10", clock.Now(), "a:1/sync").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT .* FROM scheduler_leases WHERE id=\\?").
		WithArgs("a:1/sync").
		WillReturnRows(sqlmock.NewRows(leaseColumns).AddRow("a:1/sync", "sync", "IDLE", "10", clock.Now(), clock.Now()))
	mock.ExpectExec("DELETE FROM scheduler_leases WHERE id=\\?").
		WithArgs("a:1/sync").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	if _, err := store.Insert(ctx, LeaseRecord{ID: "a:1/sync", JobType: "sync", State: LeaseRunning, OwnerPID: "10"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := store.Update(ctx, LeaseRecord{ID: "a:1/sync", JobType: "sync", State: LeaseIdle, OwnerPID: "10"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Delete(ctx, "a:1/sync"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLLeaseStore_EnsureSchema(t *testing.T) {
	store, mock := newMockSQLLeaseStore(t, DialectPostgres, newManualClock())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scheduler_leases").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLLeaseStore_UnknownStoredStateIsValidationError(t *testing.T) {
	store, mock := newMockSQLLeaseStore(t, DialectPostgres, newManualClock())
	now := time.Now()

	mock.ExpectQuery("SELECT .* FROM scheduler_leases WHERE id=\\$1").
		WithArgs("a:1/sync").
		WillReturnRows(sqlmock.NewRows(leaseColumns).AddRow("a:1/sync", "sync", "PAUSED", "", now, now))

	if _, err := store.FindByID(context.Background(), "a:1/sync"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestSQLLeaseStore_QueryFailureIsRetryable(t *testing.T) {
	store, mock := newMockSQLLeaseStore(t, DialectPostgres, newManualClock())

	mock.ExpectQuery("SELECT .* FROM scheduler_leases WHERE job_type=\\$1").
		WillReturnError(errors.New("connection refused"))

	if _, err := store.FindAll(context.Background(), "sync"); !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestMySQLLeaseDSN_ForcesDriverOptions(t *testing.T) {
	dsn, err := mysqlLeaseDSN("user:pass@tcp(localhost:3306)/app")
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	for _, want := range []string{"parseTime=true", "clientFoundRows=true"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("expected %s in %s", want, dsn)
		}
	}
	if _, err := mysqlLeaseDSN("not a dsn"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
