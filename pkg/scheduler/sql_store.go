package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

const (
	defaultSQLLeaseTable     = "leasecoord_scheduler_leases"
	defaultSQLLeaseOperation = 3 * time.Second
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQLDialect selects the SQL flavour of a SQLLeaseStore.
type SQLDialect string

const (
	DialectPostgres SQLDialect = "postgres"
	DialectMySQL    SQLDialect = "mysql"
)

type sqlStatements struct {
	driver    string
	schema    string
	findAll   string
	findByID  string
	insert    string
	update    string
	deleteOne string
}

func statementsFor(dialect SQLDialect, table string) (sqlStatements, error) {
	columns := "id, job_type, state, owner_pid, created_at, last_heartbeat_at"
	switch dialect {
	case DialectPostgres:
		return sqlStatements{
			driver: "postgres",
			schema: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	state TEXT NOT NULL,
	owner_pid TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	last_heartbeat_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %s_job_type_idx ON %s (job_type, created_at)`, table, table, table),
			findAll:   fmt.Sprintf(`SELECT %s FROM %s WHERE job_type=$1 ORDER BY created_at, id`, columns, table),
			findByID:  fmt.Sprintf(`SELECT %s FROM %s WHERE id=$1`, columns, table),
			insert:    fmt.Sprintf(`INSERT INTO %s(%s) VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT(id) DO NOTHING`, table, columns),
			update:    fmt.Sprintf(`UPDATE %s SET job_type=$2, state=$3, owner_pid=$4, last_heartbeat_at=$5 WHERE id=$1`, table),
			deleteOne: fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, table),
		}, nil
	case DialectMySQL:
		return sqlStatements{
			driver: "mysql",
			schema: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(255) NOT NULL PRIMARY KEY,
	job_type VARCHAR(255) NOT NULL,
	state VARCHAR(16) NOT NULL,
	owner_pid VARCHAR(64) NOT NULL DEFAULT '',
	created_at DATETIME(6) NOT NULL,
	last_heartbeat_at DATETIME(6) NOT NULL,
	INDEX %s_job_type_idx (job_type, created_at)
)`, table, table),
			findAll:   fmt.Sprintf(`SELECT %s FROM %s WHERE job_type=? ORDER BY created_at, id`, columns, table),
			findByID:  fmt.Sprintf(`SELECT %s FROM %s WHERE id=?`, columns, table),
			insert:    fmt.Sprintf(`INSERT IGNORE INTO %s(%s) VALUES (?, ?, ?, ?, ?, ?)`, table, columns),
			update:    fmt.Sprintf(`UPDATE %s SET job_type=?, state=?, owner_pid=?, last_heartbeat_at=? WHERE id=?`, table),
			deleteOne: fmt.Sprintf(`DELETE FROM %s WHERE id=?`, table),
		}, nil
	default:
		return sqlStatements{}, schedulerError(ErrValidation, fmt.Sprintf("unsupported sql dialect %q", dialect))
	}
}

// SQLLeaseStoreConfig configures a lease store backed by a SQL table.
type SQLLeaseStoreConfig struct {
	Dialect          SQLDialect
	URL              string
	Table            string
	OperationTimeout time.Duration
	// AutoMigrate creates the table on construction when missing.
	AutoMigrate bool
	Clock       Clock
}

func (c *SQLLeaseStoreConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultSQLLeaseTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultSQLLeaseOperation
	}
	if c.Clock == nil {
		c.Clock = systemClock
	}
}

// SQLLeaseStore stores one lease per row in Postgres or MySQL.
type SQLLeaseStore struct {
	db      *sql.DB
	log     logger.Logger
	config  SQLLeaseStoreConfig
	queries sqlStatements
}

// NewSQLLeaseStore opens the database, pings it and optionally creates the lease table.
func NewSQLLeaseStore(cfg SQLLeaseStoreConfig, log logger.Logger) (*SQLLeaseStore, error) {
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schedulerError(ErrInvalidArgument, "sql url is required")
	}
	cfg.normalize()
	queries, err := validateSQLConfig(cfg)
	if err != nil {
		return nil, err
	}

	dsn := cfg.URL
	if cfg.Dialect == DialectMySQL {
		if dsn, err = mysqlLeaseDSN(cfg.URL); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open(queries.driver, dsn)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrValidation, "open "+queries.driver+" failed"), err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Join(schedulerError(ErrRetryable, "ping "+queries.driver+" failed"), err)
	}

	store := &SQLLeaseStore{db: db, log: log, config: cfg, queries: queries}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	log.Info("sql lease store connected", "dialect", cfg.Dialect, "table", cfg.Table)
	return store, nil
}

func newSQLLeaseStoreWithDB(db *sql.DB, cfg SQLLeaseStoreConfig, log logger.Logger) (*SQLLeaseStore, error) {
	if db == nil {
		return nil, schedulerError(ErrInvalidArgument, "db is required")
	}
	if log == nil {
		return nil, schedulerError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	queries, err := validateSQLConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &SQLLeaseStore{db: db, log: log, config: cfg, queries: queries}, nil
}

func validateSQLConfig(cfg SQLLeaseStoreConfig) (sqlStatements, error) {
	if !validTableName.MatchString(cfg.Table) {
		return sqlStatements{}, schedulerError(ErrValidation, fmt.Sprintf("invalid scheduler lease table name %q", cfg.Table))
	}
	return statementsFor(cfg.Dialect, cfg.Table)
}

// mysqlLeaseDSN forces the driver options the store depends on: time.Time scanning
// and RowsAffected counting matched rather than changed rows.
func mysqlLeaseDSN(raw string) (string, error) {
	parsed, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", errors.Join(schedulerError(ErrValidation, "parse mysql dsn failed"), err)
	}
	parsed.ParseTime = true
	parsed.ClientFoundRows = true
	parsed.Loc = time.UTC
	return parsed.FormatDSN(), nil
}

// EnsureSchema creates the lease table and its job type index when missing.
func (s *SQLLeaseStore) EnsureSchema(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(opCtx, s.queries.schema); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "create lease table failed"), err)
	}
	return nil
}

// FindAll selects the leases of jobType ordered by created_at, then id.
func (s *SQLLeaseStore) FindAll(ctx context.Context, jobType string) ([]LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(opCtx, s.queries.findAll, jobType)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "list leases failed"), err)
	}
	defer rows.Close()

	var out []LeaseRecord
	for rows.Next() {
		rec, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "iterate leases failed"), err)
	}
	return out, nil
}

// FindByID returns the row with the given id, or nil when there is none.
func (s *SQLLeaseStore) FindByID(ctx context.Context, id string) (*LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	rec, err := scanLease(s.db.QueryRowContext(opCtx, s.queries.findByID, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Insert adds a row stamped with the store clock. A duplicate id is reported as
// ErrConflict instead of a driver error.
func (s *SQLLeaseStore) Insert(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	now := s.now()
	rec.CreatedAt = now
	rec.LastHeartbeatAt = now

	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	result, err := s.db.ExecContext(opCtx, s.queries.insert,
		rec.ID, rec.JobType, string(rec.State), rec.OwnerPID, rec.CreatedAt, rec.LastHeartbeatAt)
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "insert lease failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "insert lease failed"), err)
	}
	if affected == 0 {
		return nil, schedulerError(ErrConflict, "lease "+rec.ID+" already exists")
	}
	return &rec, nil
}

// Update changes job type, state and owner, refreshes last_heartbeat_at and
// returns the row as stored. Zero matched rows yields ErrNotFound.
func (s *SQLLeaseStore) Update(ctx context.Context, rec LeaseRecord) (*LeaseRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	heartbeat := s.now()

	var args []any
	if s.config.Dialect == DialectMySQL {
		args = []any{rec.JobType, string(rec.State), rec.OwnerPID, heartbeat, rec.ID}
	} else {
		args = []any{rec.ID, rec.JobType, string(rec.State), rec.OwnerPID, heartbeat}
	}

	opCtx, cancel := s.operationContext(ctx)
	result, err := s.db.ExecContext(opCtx, s.queries.update, args...)
	cancel()
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "update lease failed"), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, errors.Join(schedulerError(ErrRetryable, "update lease failed"), err)
	}
	if affected == 0 {
		return nil, schedulerError(ErrNotFound, "lease "+rec.ID+" does not exist")
	}

	stored, err := s.FindByID(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, schedulerError(ErrNotFound, "lease "+rec.ID+" disappeared after update")
	}
	return stored, nil
}

// Delete removes the row; a missing id is not an error.
func (s *SQLLeaseStore) Delete(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(opCtx, s.queries.deleteOne, strings.TrimSpace(id)); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "delete lease failed"), err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLLeaseStore) HealthCheck(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.db.PingContext(opCtx); err != nil {
		return errors.Join(schedulerError(ErrRetryable, "sql healthcheck failed"), err)
	}
	return nil
}

// Close closes DB resources.
func (s *SQLLeaseStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLLeaseStore) ready() error {
	if s == nil || s.db == nil {
		return schedulerError(ErrNotInitialized, "sql lease store is not initialized")
	}
	return nil
}

// now truncates to microseconds, the precision both dialects persist.
func (s *SQLLeaseStore) now() time.Time {
	return s.config.Clock().UTC().Truncate(time.Microsecond)
}

func (s *SQLLeaseStore) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLease(row rowScanner) (LeaseRecord, error) {
	var (
		rec   LeaseRecord
		state string
	)
	if err := row.Scan(&rec.ID, &rec.JobType, &state, &rec.OwnerPID, &rec.CreatedAt, &rec.LastHeartbeatAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LeaseRecord{}, err
		}
		return LeaseRecord{}, errors.Join(schedulerError(ErrRetryable, "scan lease failed"), err)
	}
	parsed, err := ParseLeaseState(state)
	if err != nil {
		return LeaseRecord{}, err
	}
	rec.State = parsed
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastHeartbeatAt = rec.LastHeartbeatAt.UTC()
	return rec, nil
}

var _ LeaseStore = (*SQLLeaseStore)(nil)
