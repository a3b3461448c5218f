// Package sqlstore provides the WindowStore implementation backed by a SQL
// database. Supported dialects: postgres, mysql, sqlite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
	"github.com/mohamedwys/rate-limiter/internal/core/ports"
)

const defaultGrace = 5 * time.Minute

// Storage keeps one row per bucket. Timestamps are stored as epoch
// milliseconds so sub-second windows survive every dialect's timestamp
// precision.
type Storage struct {
	db      *sql.DB
	dialect string
	grace   time.Duration
}

var _ ports.WindowStore = (*Storage)(nil)

type Option func(*Storage)

// WithGrace sets how long an expired window survives before SweepExpired may
// remove it.
func WithGrace(grace time.Duration) Option {
	return func(s *Storage) {
		if grace >= 0 {
			s.grace = grace
		}
	}
}

// New creates a SQL-backed store and initializes its schema. The sqlite
// dialect relies on a single connection for serialization, so the pool is
// capped accordingly.
func New(db *sql.DB, dialect string, opts ...Option) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	if dialect == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	s := &Storage{db: db, dialect: dialect, grace: defaultGrace}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Storage) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range s.schemaStatements() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run schema statement: %w", err)
		}
	}
	return nil
}

// schemaStatements returns per-dialect DDL. MySQL has no CREATE INDEX IF NOT
// EXISTS, so there the index lives inside the table definition.
func (s *Storage) schemaStatements() []string {
	if s.dialect == "mysql" {
		return []string{`
CREATE TABLE IF NOT EXISTS rate_limit_windows (
    bucket_key VARCHAR(255) NOT NULL,
    request_count BIGINT NOT NULL DEFAULT 0,
    window_start BIGINT NOT NULL,
    window_ends BIGINT NOT NULL,
    PRIMARY KEY (bucket_key),
    INDEX idx_rate_limit_windows_ends (window_ends)
)`}
	}

	return []string{`
CREATE TABLE IF NOT EXISTS rate_limit_windows (
    bucket_key VARCHAR(255) NOT NULL,
    request_count BIGINT NOT NULL DEFAULT 0,
    window_start BIGINT NOT NULL,
    window_ends BIGINT NOT NULL,
    PRIMARY KEY (bucket_key)
)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_windows_ends ON rate_limit_windows(window_ends)`,
	}
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Get(ctx context.Context, key domain.BucketKey) (domain.WindowState, bool, error) {
	query := `SELECT request_count, window_start FROM rate_limit_windows WHERE bucket_key = ?`
	if s.dialect == "postgres" {
		query = `SELECT request_count, window_start FROM rate_limit_windows WHERE bucket_key = $1`
	}

	var count, startMs int64
	err := s.db.QueryRowContext(ctx, query, string(key)).Scan(&count, &startMs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WindowState{}, false, nil
	}
	if err != nil {
		return domain.WindowState{}, false, fmt.Errorf("failed to query window: %w", err)
	}

	return domain.WindowState{Count: int(count), WindowStart: time.UnixMilli(startMs)}, true, nil
}

// CheckAndIncrement evaluates one fixed window inside a transaction. Postgres
// and MySQL lock the row with SELECT ... FOR UPDATE; sqlite is serialized by
// its single connection.
func (s *Storage) CheckAndIncrement(ctx context.Context, key domain.BucketKey, limit domain.Limit, now time.Time) (domain.WindowState, bool, error) {
	return s.checkAndIncrement(ctx, key, limit, now, false)
}

func (s *Storage) checkAndIncrement(ctx context.Context, key domain.BucketKey, limit domain.Limit, now time.Time, retried bool) (domain.WindowState, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WindowState{}, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := `SELECT request_count, window_start FROM rate_limit_windows WHERE bucket_key = ?`
	if s.dialect == "postgres" {
		selectQuery = `SELECT request_count, window_start FROM rate_limit_windows WHERE bucket_key = $1`
	}
	if s.dialect != "sqlite" {
		selectQuery += " FOR UPDATE"
	}

	var count, startMs int64
	err = tx.QueryRowContext(ctx, selectQuery, string(key)).Scan(&count, &startMs)
	fresh := errors.Is(err, sql.ErrNoRows)
	if err != nil && !fresh {
		return domain.WindowState{}, false, fmt.Errorf("failed to query window: %w", err)
	}

	nowMs := now.UnixMilli()
	windowMs := limit.Window.Milliseconds()

	if fresh {
		inserted, err := s.insertWindow(ctx, tx, key, nowMs, nowMs+windowMs)
		if err != nil {
			return domain.WindowState{}, false, err
		}
		if !inserted {
			// Another transaction created the row first; re-run against it.
			_ = tx.Rollback()
			if retried {
				return domain.WindowState{}, false, fmt.Errorf("failed to claim window for %s", key)
			}
			return s.checkAndIncrement(ctx, key, limit, now, true)
		}
		if err := tx.Commit(); err != nil {
			return domain.WindowState{}, false, fmt.Errorf("failed to commit window: %w", err)
		}
		return domain.WindowState{Count: 1, WindowStart: time.UnixMilli(nowMs)}, true, nil
	}

	if nowMs-startMs >= windowMs {
		if err := s.resetWindow(ctx, tx, key, nowMs, nowMs+windowMs); err != nil {
			return domain.WindowState{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return domain.WindowState{}, false, fmt.Errorf("failed to commit window: %w", err)
		}
		return domain.WindowState{Count: 1, WindowStart: time.UnixMilli(nowMs)}, true, nil
	}

	if count < int64(limit.MaxRequests) {
		updateQuery := `UPDATE rate_limit_windows SET request_count = request_count + 1 WHERE bucket_key = ?`
		if s.dialect == "postgres" {
			updateQuery = `UPDATE rate_limit_windows SET request_count = request_count + 1 WHERE bucket_key = $1`
		}
		if _, err := tx.ExecContext(ctx, updateQuery, string(key)); err != nil {
			return domain.WindowState{}, false, fmt.Errorf("failed to increment window: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return domain.WindowState{}, false, fmt.Errorf("failed to commit window: %w", err)
		}
		return domain.WindowState{Count: int(count) + 1, WindowStart: time.UnixMilli(startMs)}, true, nil
	}

	if err := tx.Commit(); err != nil {
		return domain.WindowState{}, false, fmt.Errorf("failed to commit window: %w", err)
	}
	return domain.WindowState{Count: int(count), WindowStart: time.UnixMilli(startMs)}, false, nil
}

// insertWindow creates a fresh counter row. It reports false without error
// when another transaction inserted the key concurrently.
func (s *Storage) insertWindow(ctx context.Context, tx *sql.Tx, key domain.BucketKey, startMs, endsMs int64) (bool, error) {
	var query string
	switch s.dialect {
	case "postgres":
		query = `INSERT INTO rate_limit_windows (bucket_key, request_count, window_start, window_ends)
			VALUES ($1, 1, $2, $3) ON CONFLICT (bucket_key) DO NOTHING`
	case "mysql":
		query = `INSERT IGNORE INTO rate_limit_windows (bucket_key, request_count, window_start, window_ends)
			VALUES (?, 1, ?, ?)`
	default:
		query = `INSERT OR IGNORE INTO rate_limit_windows (bucket_key, request_count, window_start, window_ends)
			VALUES (?, 1, ?, ?)`
	}

	result, err := tx.ExecContext(ctx, query, string(key), startMs, endsMs)
	if err != nil {
		return false, fmt.Errorf("failed to insert window: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Storage) resetWindow(ctx context.Context, tx *sql.Tx, key domain.BucketKey, startMs, endsMs int64) error {
	query := `UPDATE rate_limit_windows SET request_count = 1, window_start = ?, window_ends = ? WHERE bucket_key = ?`
	if s.dialect == "postgres" {
		query = `UPDATE rate_limit_windows SET request_count = 1, window_start = $1, window_ends = $2 WHERE bucket_key = $3`
	}

	if _, err := tx.ExecContext(ctx, query, startMs, endsMs, string(key)); err != nil {
		return fmt.Errorf("failed to reset window: %w", err)
	}
	return nil
}

func (s *Storage) Delete(ctx context.Context, key domain.BucketKey) error {
	query := `DELETE FROM rate_limit_windows WHERE bucket_key = ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM rate_limit_windows WHERE bucket_key = $1`
	}

	if _, err := s.db.ExecContext(ctx, query, string(key)); err != nil {
		return fmt.Errorf("failed to delete window: %w", err)
	}
	return nil
}

// SweepExpired removes rows whose window ended more than the grace period
// before now.
func (s *Storage) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.grace).UnixMilli()

	query := `DELETE FROM rate_limit_windows WHERE window_ends < ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM rate_limit_windows WHERE window_ends < $1`
	}

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired windows: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(removed), nil
}
