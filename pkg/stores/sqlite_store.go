package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/leasehold/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ engine.Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a separate database, so pin one.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// withTx runs fn in one immediate transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateLease persists a new lease.
func (s *SQLiteStore) CreateLease(ctx context.Context, lease *engine.Lease) error {
	record, err := encodeJSON(lease)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO leases (id, cartridge_name, cartridge_version, state, state_lock_hash, created_at, record)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		lease.ID,
		lease.CartridgeName,
		lease.CartridgeVersion,
		lease.State,
		lease.StateLockHash,
		formatTime(lease.CreatedAt),
		record,
	)
	if err != nil {
		if isUniqueViolation(err) && lease.State == engine.LeaseStateActive {
			return fmt.Errorf("failed to create lease %s: %w", lease.ID, engine.ErrActiveLeaseExists)
		}
		return fmt.Errorf("failed to create lease: %w", err)
	}

	return nil
}

// GetLease retrieves a lease by ID
func (s *SQLiteStore) GetLease(ctx context.Context, id string) (*engine.Lease, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM leases WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrLeaseNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}

	lease := &engine.Lease{}
	if err := decodeJSON(record, lease); err != nil {
		return nil, err
	}
	return lease, nil
}

// ListLeases lists leases matching the filter, oldest first.
func (s *SQLiteStore) ListLeases(ctx context.Context, filter engine.LeaseFilter) ([]*engine.Lease, error) {
	query := `SELECT record FROM leases WHERE 1 = 1`
	var args []any

	if len(filter.States) > 0 {
		query += ` AND state IN (` + placeholders(len(filter.States)) + `)`
		for _, st := range filter.States {
			args = append(args, st)
		}
	}
	if filter.CartridgeName != "" {
		query += ` AND cartridge_name = ?`
		args = append(args, filter.CartridgeName)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer rows.Close()

	leases := []*engine.Lease{}
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		lease := &engine.Lease{}
		if err := decodeJSON(record, lease); err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating leases: %w", err)
	}

	return leases, nil
}

// CompareAndSwapLease replaces the lease record only if its stored state lock
// hash still equals expectedHash. The check and the write are one statement.
func (s *SQLiteStore) CompareAndSwapLease(ctx context.Context, next *engine.Lease, expectedHash string) error {
	record, err := encodeJSON(next)
	if err != nil {
		return err
	}

	query := `
		UPDATE leases
		SET state = ?, state_lock_hash = ?, record = ?
		WHERE id = ? AND state_lock_hash = ?
	`

	result, err := s.db.ExecContext(ctx, query, next.State, next.StateLockHash, record, next.ID, expectedHash)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to activate lease %s: %w", next.ID, engine.ErrActiveLeaseExists)
		}
		return fmt.Errorf("failed to update lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT state_lock_hash FROM leases WHERE id = ?`, next.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", engine.ErrLeaseNotFound, next.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read lease hash: %w", err)
	}

	return fmt.Errorf("%w: lease %s presented %s, current %s", engine.ErrCASMismatch, next.ID, expectedHash, current)
}

// SaveHalt persists a halt assertion.
func (s *SQLiteStore) SaveHalt(ctx context.Context, h *engine.HaltAssertion) error {
	query := `
		INSERT INTO halts (id, scope, lease_id, reason, source, asserted_at, released_at, released_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		h.ID,
		h.Scope,
		h.LeaseID,
		h.Reason,
		h.Source,
		formatTime(h.AssertedAt),
		formatNullTime(h.ReleasedAt),
		h.ReleasedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to save halt: %w", err)
	}

	return nil
}

// ListHalts lists halt assertions in assertion order.
func (s *SQLiteStore) ListHalts(ctx context.Context, includeReleased bool) ([]*engine.HaltAssertion, error) {
	query := `
		SELECT id, scope, lease_id, reason, source, asserted_at, released_at, released_by
		FROM halts
	`
	if !includeReleased {
		query += ` WHERE released_at IS NULL`
	}
	query += ` ORDER BY asserted_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list halts: %w", err)
	}
	defer rows.Close()

	halts := []*engine.HaltAssertion{}
	for rows.Next() {
		h := &engine.HaltAssertion{}
		var assertedAt string
		var releasedAt sql.NullString
		if err := rows.Scan(&h.ID, &h.Scope, &h.LeaseID, &h.Reason, &h.Source, &assertedAt, &releasedAt, &h.ReleasedBy); err != nil {
			return nil, fmt.Errorf("failed to scan halt: %w", err)
		}
		if h.AssertedAt, err = parseTime(assertedAt); err != nil {
			return nil, err
		}
		if h.ReleasedAt, err = parseNullTime(releasedAt); err != nil {
			return nil, err
		}
		halts = append(halts, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating halts: %w", err)
	}

	return halts, nil
}

// ReleaseHalt marks an assertion released.
func (s *SQLiteStore) ReleaseHalt(ctx context.Context, id, releasedBy string, at time.Time) error {
	query := `UPDATE halts SET released_at = ?, released_by = ? WHERE id = ? AND released_at IS NULL`

	result, err := s.db.ExecContext(ctx, query, formatTime(at), releasedBy, id)
	if err != nil {
		return fmt.Errorf("failed to release halt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("active halt not found: %s", id)
	}

	return nil
}
