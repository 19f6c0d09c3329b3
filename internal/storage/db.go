package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/rossigee/cloud-volume-agent/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when no operation has the requested id.
var ErrNotFound = errors.New("operation not found")

// OperationRecord represents one journaled volume operation
type OperationRecord struct {
	ID            string
	Operation     string
	VolumeID      string
	Status        types.JobStatus
	RequestJSON   string
	ResultJSON    string
	ErrorKind     string
	ErrorMessage  string
	CorrelationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// Store provides SQLite-based operation persistence
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewStore initializes a new SQLite store
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Every connection to :memory: opens a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
	}
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database connection after init error")
		}
		return nil, err
	}

	logrus.WithField("db_path", dbPath).Info("Initialized operation journal")
	return store, nil
}

// initSchema applies all pending migrations
func (s *Store) initSchema() error {
	currentVersion := 0
	row := s.db.QueryRowContext(context.Background(), "SELECT COALESCE(MAX(version), 0) FROM schema_version")
	_ = row.Scan(&currentVersion) // schema_version does not exist before v1

	for _, migration := range Migrations {
		if migration.Version <= currentVersion {
			continue
		}

		logrus.WithField("version", migration.Version).Info("Applying schema migration")

		if _, err := s.db.ExecContext(context.Background(), migration.SQL); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", migration.Version, err)
		}

		if _, err := s.db.ExecContext(context.Background(),
			"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
			migration.Version,
			time.Now().Unix(),
		); err != nil {
			return fmt.Errorf("failed to record migration v%d: %w", migration.Version, err)
		}

		currentVersion = migration.Version
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int
	if err := s.db.QueryRowContext(context.Background(),
		"SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

// SaveOperation inserts record, or updates the mutable columns of an
// existing record with the same id. Operation, request, correlation id and
// creation time are fixed at first insert.
func (s *Store) SaveOperation(ctx context.Context, record *OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations
		 (id, operation, volume_id, status, request_json, result_json,
		  error_kind, error_message, correlation_id, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		  volume_id = excluded.volume_id,
		  status = excluded.status,
		  result_json = excluded.result_json,
		  error_kind = excluded.error_kind,
		  error_message = excluded.error_message,
		  updated_at = excluded.updated_at,
		  completed_at = excluded.completed_at`,
		record.ID,
		record.Operation,
		record.VolumeID,
		string(record.Status),
		record.RequestJSON,
		record.ResultJSON,
		record.ErrorKind,
		record.ErrorMessage,
		record.CorrelationID,
		record.CreatedAt.Unix(),
		record.UpdatedAt.Unix(),
		timeToUnixPtr(record.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save operation %s: %w", record.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, operation, COALESCE(volume_id, ''), status, request_json,
	COALESCE(result_json, ''), COALESCE(error_kind, ''), COALESCE(error_message, ''),
	COALESCE(correlation_id, ''), created_at, updated_at, completed_at
	FROM operations`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*OperationRecord, error) {
	record := &OperationRecord{}
	var status string
	var createdAtUnix, updatedAtUnix int64
	var completedAtUnix *int64

	if err := row.Scan(
		&record.ID,
		&record.Operation,
		&record.VolumeID,
		&status,
		&record.RequestJSON,
		&record.ResultJSON,
		&record.ErrorKind,
		&record.ErrorMessage,
		&record.CorrelationID,
		&createdAtUnix,
		&updatedAtUnix,
		&completedAtUnix,
	); err != nil {
		return nil, err
	}

	record.Status = types.JobStatus(status)
	record.CreatedAt = time.Unix(createdAtUnix, 0)
	record.UpdatedAt = time.Unix(updatedAtUnix, 0)
	if completedAtUnix != nil {
		t := time.Unix(*completedAtUnix, 0)
		record.CompletedAt = &t
	}
	return record, nil
}

// GetOperation retrieves an operation by ID
func (s *Store) GetOperation(id string) (*OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, err := scanRecord(s.db.QueryRowContext(context.Background(), selectColumns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to query operation: %w", err)
	}
	return record, nil
}

// ListFilter defines filtering options for ListOperations
type ListFilter struct {
	Status   types.JobStatus // optional
	VolumeID string          // optional
	Limit    int             // default: 100
	Offset   int
}

// ListOperations retrieves operations, most recently updated first
func (s *Store) ListOperations(filter ListFilter) ([]*OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Limit == 0 {
		filter.Limit = 100
	}
	if filter.Limit > 10000 {
		filter.Limit = 10000
	}

	query := selectColumns + " WHERE 1 = 1"
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.VolumeID != "" {
		query += " AND volume_id = ?"
		args = append(args, filter.VolumeID)
	}

	query += " ORDER BY updated_at DESC, created_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	var records []*OperationRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return records, nil
}

// MarkInProgressFailed marks all running or pending operations as failed.
// Called at startup, since no operation survives a restart.
func (s *Store) MarkInProgressFailed() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.ExecContext(context.Background(),
		`UPDATE operations
		 SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
		 WHERE status IN (?, ?)`,
		string(types.JobFailed),
		"agent restarted while operation in progress",
		now,
		now,
		string(types.JobRunning),
		string(types.JobPending),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark in-progress operations as failed: %w", err)
	}

	marked, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return marked, nil
}

// DeleteOldOperations deletes finished operations not updated within olderThan
func (s *Store) DeleteOldOperations(olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).Unix()

	result, err := s.db.ExecContext(context.Background(),
		`DELETE FROM operations
		 WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(types.JobCompleted),
		string(types.JobFailed),
		string(types.JobCancelled),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old operations: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if deleted > 0 {
		logrus.WithField("deleted_count", deleted).Debug("Cleaned up old operation records")
	}

	return deleted, nil
}

// CountByStatus returns the number of operations with a given status
func (s *Store) CountByStatus(status types.JobStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM operations WHERE status = ?", string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get operation count: %w", err)
	}

	return count, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}
	return nil
}

// timeToUnixPtr converts a time pointer to Unix timestamp pointer
func timeToUnixPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}
