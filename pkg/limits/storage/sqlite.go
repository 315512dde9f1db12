package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteBackend implements Backend using SQLite.
//
// It stores one row per (dimension, key) with the retained samples encoded as
// a JSON array. Snapshots are taken on a schedule by the tracker, so writes are
// batched into a single transaction per save.
type SQLiteBackend struct {
	db                 *sql.DB
	dbPath             string
	checkpointInterval time.Duration
	done               chan struct{}
	mu                 sync.RWMutex
	closeOnce          sync.Once

	saveStmt    *sql.Stmt
	listStmt    *sql.Stmt
	deleteStmt  *sql.Stmt
	cleanupStmt *sql.Stmt
}

// SQLiteBackendConfig configures the SQLite backend.
type SQLiteBackendConfig struct {
	// DBPath is the path to the SQLite database file.
	DBPath string

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// NewSQLiteBackend creates a new SQLite storage backend with default settings.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	return NewSQLiteBackendWithConfig(SQLiteBackendConfig{DBPath: dbPath})
}

// NewSQLiteBackendWithConfig creates a new SQLite backend with custom configuration.
func NewSQLiteBackendWithConfig(cfg SQLiteBackendConfig) (*SQLiteBackend, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		cfg.DBPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	backend := &SQLiteBackend{
		db:                 db,
		dbPath:             cfg.DBPath,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := backend.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	go backend.checkpointLoop()

	return backend, nil
}

func (s *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS counter_entries (
		dimension TEXT NOT NULL,
		key TEXT NOT NULL,
		samples TEXT NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		total_count INTEGER NOT NULL DEFAULT 0,
		blocked_count INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (dimension, key)
	);

	CREATE INDEX IF NOT EXISTS idx_counter_entries_last_seen ON counter_entries(last_seen);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteBackend) prepareStatements() error {
	var err error

	s.saveStmt, err = s.db.Prepare(`
		INSERT INTO counter_entries (dimension, key, samples, first_seen, last_seen, total_count, blocked_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dimension, key) DO UPDATE SET
			samples = excluded.samples,
			last_seen = excluded.last_seen,
			total_count = excluded.total_count,
			blocked_count = excluded.blocked_count
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save statement: %w", err)
	}

	s.listStmt, err = s.db.Prepare(`
		SELECT dimension, key, samples, first_seen, last_seen, total_count, blocked_count
		FROM counter_entries
		WHERE dimension = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare list statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`
		DELETE FROM counter_entries
		WHERE dimension = ? AND key = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	s.cleanupStmt, err = s.db.Prepare(`
		DELETE FROM counter_entries
		WHERE last_seen < ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cleanup statement: %w", err)
	}

	return nil
}

// SaveEntries upserts entries in a single transaction.
func (s *SQLiteBackend) SaveEntries(ctx context.Context, entries []*EntryState) error {
	for _, e := range entries {
		if e == nil {
			return fmt.Errorf("entry cannot be nil")
		}
		if e.Dimension == "" {
			return fmt.Errorf("dimension cannot be empty")
		}
		if e.Key == "" {
			return fmt.Errorf("key cannot be empty")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt := tx.StmtContext(ctx, s.saveStmt)

	for _, e := range entries {
		samples, err := json.Marshal(e.Samples)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to marshal samples for %s/%s: %w", e.Dimension, e.Key, err)
		}
		firstSeen := e.FirstSeen
		if firstSeen.IsZero() {
			firstSeen = e.LastSeen
		}
		if _, err := stmt.ExecContext(ctx,
			e.Dimension,
			e.Key,
			string(samples),
			firstSeen.UnixNano(),
			e.LastSeen.UnixNano(),
			e.TotalCount,
			e.BlockedCount,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to save entry %s/%s: %w", e.Dimension, e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadEntries returns every persisted entry of a dimension.
func (s *SQLiteBackend) LoadEntries(ctx context.Context, dimension string) ([]*EntryState, error) {
	if dimension == "" {
		return nil, fmt.Errorf("dimension cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.listStmt.QueryContext(ctx, dimension)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	states := []*EntryState{}
	for rows.Next() {
		var (
			state     EntryState
			samples   string
			firstSeen int64
			lastSeen  int64
		)
		if err := rows.Scan(&state.Dimension, &state.Key, &samples, &firstSeen, &lastSeen,
			&state.TotalCount, &state.BlockedCount); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(samples), &state.Samples); err != nil {
			return nil, fmt.Errorf("failed to unmarshal samples for %s/%s: %w", state.Dimension, state.Key, err)
		}
		state.FirstSeen = time.Unix(0, firstSeen)
		state.LastSeen = time.Unix(0, lastSeen)
		states = append(states, &state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return states, nil
}

// Delete removes one entry.
func (s *SQLiteBackend) Delete(ctx context.Context, dimension string, key string) error {
	if dimension == "" {
		return fmt.Errorf("dimension cannot be empty")
	}
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.deleteStmt.ExecContext(ctx, dimension, key); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	return nil
}

// Cleanup removes entries last seen before olderThan.
func (s *SQLiteBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.cleanupStmt.ExecContext(ctx, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(deleted), nil
}

// Close releases any resources held by the backend.
// Close is idempotent and safe to call multiple times.
func (s *SQLiteBackend) Close() error {
	var closeErr error

	s.closeOnce.Do(func() {
		close(s.done)

		for _, stmt := range []*sql.Stmt{s.saveStmt, s.listStmt, s.deleteStmt, s.cleanupStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}

		if s.db != nil {
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
			closeErr = s.db.Close()
		}
	})

	return closeErr
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLiteBackend) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}
