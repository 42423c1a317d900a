package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lawrence-idegy/commonsku-automation/internal/report"
	"github.com/lawrence-idegy/commonsku-automation/internal/state"

	_ "modernc.org/sqlite"
)

var ErrStoreClosed = errors.New("history store is closed")

const recordColumns = `batch_id, task_id, type, date_range, status, file_path, attempts, last_error, duration_ms, updated_at`

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	closed  bool
	writeMu sync.Mutex
	now     func() time.Time
}

// NewSQLiteStore opens (creating if needed) the history database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The API and the batch driver may read while a task outcome is written
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{
		db:  db,
		now: time.Now,
	}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS task_history (
		batch_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		type TEXT NOT NULL,
		date_range TEXT NOT NULL,
		status TEXT NOT NULL,
		file_path TEXT,
		attempts INTEGER DEFAULT 0,
		last_error TEXT,
		duration_ms INTEGER DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (batch_id, task_id)
	);

	CREATE INDEX IF NOT EXISTS idx_history_status ON task_history(status);
	CREATE INDEX IF NOT EXISTS idx_history_report ON task_history(type, date_range);
	CREATE INDEX IF NOT EXISTS idx_history_updated_at ON task_history(updated_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// SaveOutcome inserts or updates the outcome of one task, stamping UpdatedAt
func (s *SQLiteStore) SaveOutcome(ctx context.Context, record *Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	// Serialize writes to avoid SQLITE_BUSY from concurrent writers
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record.UpdatedAt = s.now()
	return s.retryOnBusy(ctx, func() error {
		return s.saveOutcomeWithTransaction(ctx, record)
	})
}

func (s *SQLiteStore) saveOutcomeWithTransaction(ctx context.Context, record *Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO task_history (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(batch_id, task_id) DO UPDATE SET
		status = excluded.status,
		file_path = excluded.file_path,
		attempts = excluded.attempts,
		last_error = excluded.last_error,
		duration_ms = excluded.duration_ms,
		updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		record.BatchID,
		record.TaskID,
		string(record.Type),
		record.DateRange,
		string(record.Status),
		record.FilePath,
		record.Attempts,
		record.LastError,
		record.Duration.Milliseconds(),
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to execute insert: %w", err)
	}

	return tx.Commit()
}

// GetOutcome returns the recorded outcome of a task, or nil when none exists
func (s *SQLiteStore) GetOutcome(ctx context.Context, batchID, taskID string) (*Record, error) {
	records, err := s.query(ctx,
		`SELECT `+recordColumns+` FROM task_history WHERE batch_id = ? AND task_id = ?`,
		batchID, taskID,
	)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// ListRecent returns up to limit outcomes, newest first
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM task_history ORDER BY updated_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
}

// ListFailed returns failed outcomes recorded at or after since, oldest first
func (s *SQLiteStore) ListFailed(ctx context.Context, since time.Time) ([]*Record, error) {
	return s.query(ctx,
		`SELECT `+recordColumns+` FROM task_history WHERE status = ? AND updated_at >= ? ORDER BY updated_at ASC, rowid ASC`,
		string(state.StatusFailed), since,
	)
}

// LastSuccess returns the most recent completed export of (typ, dateRange), or nil
func (s *SQLiteStore) LastSuccess(ctx context.Context, typ report.Type, dateRange string) (*Record, error) {
	records, err := s.query(ctx,
		`SELECT `+recordColumns+` FROM task_history WHERE type = ? AND date_range = ? AND status = ? ORDER BY updated_at DESC, rowid DESC LIMIT 1`,
		string(typ), dateRange, string(state.StatusCompleted),
	)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var records []*Record
	err := s.retryOnBusy(ctx, func() error {
		var err error
		records, err = s.queryInternal(ctx, query, args...)
		return err
	})
	return records, err
}

func (s *SQLiteStore) queryInternal(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var (
			record     Record
			typ        string
			status     string
			filePath   sql.NullString
			lastError  sql.NullString
			durationMs int64
		)

		err := rows.Scan(
			&record.BatchID,
			&record.TaskID,
			&typ,
			&record.DateRange,
			&status,
			&filePath,
			&record.Attempts,
			&lastError,
			&durationMs,
			&record.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		record.Type = report.Type(typ)
		record.Status = state.TaskStatus(status)
		record.FilePath = filePath.String
		record.LastError = lastError.String
		record.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, &record)
	}

	return records, rows.Err()
}

// retryOnBusy retries the operation if SQLite is busy
func (s *SQLiteStore) retryOnBusy(ctx context.Context, operation func() error) error {
	const maxRetries = 10
	baseDelay := 50 * time.Millisecond

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = operation(); err == nil || !isSQLiteBusyError(err) {
			return err
		}

		delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return err
}

// isSQLiteBusyError checks if the error is a SQLite busy error
func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	errorStr := err.Error()
	return strings.Contains(errorStr, "database is locked") ||
		strings.Contains(errorStr, "SQLITE_BUSY")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
