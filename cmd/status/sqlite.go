package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver, registered as "sqlite3"
	_ "modernc.org/sqlite"          // pure Go SQLite driver, registered as "sqlite"
)

// Driver names accepted by SQLiteConfig.
const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file.
	Path string

	// Driver is DriverModernc (default) or DriverMattn.
	Driver string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// SQLiteStore keeps job tracking state in a SQLite database using WAL journaling.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	closeOnce sync.Once

	setStmt    *sql.Stmt
	getStmt    *sql.Stmt
	errStmt    *sql.Stmt
	configStmt *sql.Stmt
}

// NewSQLiteStore opens or creates the database and its tables.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverModernc
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	var dsn string
	switch cfg.Driver {
	case DriverModernc:
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
			cfg.Path, cfg.BusyTimeout.Milliseconds())
	case DriverMattn:
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
			cfg.Path, cfg.BusyTimeout.Milliseconds())
	default:
		return nil, fmt.Errorf("unknown sqlite driver: %s", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS statuses (
		entity_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS errors (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_errors_entity ON errors(entity_id);

	CREATE TABLE IF NOT EXISTS job_configs (
		job_id TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	`)
	return err
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.setStmt, err = s.db.Prepare(`
		INSERT INTO statuses (entity_id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare set statement: %w", err)
	}

	s.getStmt, err = s.db.Prepare(`SELECT status FROM statuses WHERE entity_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare get statement: %w", err)
	}

	s.errStmt, err = s.db.Prepare(`INSERT INTO errors (entity_id, message, created_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare error statement: %w", err)
	}

	s.configStmt, err = s.db.Prepare(`
		INSERT INTO job_configs (job_id, config, created_at) VALUES (?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET config = excluded.config
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare config statement: %w", err)
	}

	return nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, entityID, status string) error {
	if entityID == "" {
		return fmt.Errorf("entity id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.setStmt.ExecContext(ctx, entityID, status, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStatus(ctx context.Context, entityID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var status string
	err := s.getStmt.QueryRowContext(ctx, entityID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load status: %w", err)
	}
	return status, nil
}

func (s *SQLiteStore) RecordError(ctx context.Context, entityID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.errStmt.ExecContext(ctx, entityID, message, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Errors(ctx context.Context, entityID string) ([]ErrorEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_id, message, created_at FROM errors WHERE entity_id = ? ORDER BY id`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()

	var out []ErrorEntry
	for rows.Next() {
		var (
			e       ErrorEntry
			created int64
		)
		if err := rows.Scan(&e.EntityID, &e.Message, &created); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, status, updated_at FROM statuses
		WHERE ? = '' OR instr(entity_id, ?) = 1
		ORDER BY entity_id`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list statuses: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			updated int64
		)
		if err := rows.Scan(&e.EntityID, &e.Status, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SaveJobConfig(ctx context.Context, jobID string, config []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.configStmt.ExecContext(ctx, jobID, string(config), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("failed to save job config: %w", err)
	}
	return nil
}

func (s *SQLiteStore) JobConfig(ctx context.Context, jobID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var config string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM job_configs WHERE job_id = ?`, jobID).Scan(&config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job config: %w", err)
	}
	return []byte(config), nil
}

// Close is idempotent.
func (s *SQLiteStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{s.setStmt, s.getStmt, s.errStmt, s.configStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})
	return closeErr
}
