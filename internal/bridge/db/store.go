package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Enrollment records an OTP issuance for an instance. The row exists from
// the first successful enrollment response until the instance is deleted,
// and is what makes repeated vendordata requests idempotent.
type Enrollment struct {
	InstanceID string
	FQDN       string
	OTP        string
	IssuedAt   time.Time
}

// Store defines all functions to interact with the state database
type Store interface {
	GetEnrollment(ctx context.Context, instanceID string) (*Enrollment, error)
	SaveEnrollment(ctx context.Context, e Enrollment) error
	DeleteEnrollment(ctx context.Context, instanceID string) error

	// ApplySequence records seq as the last applied sequence for the
	// instance and reports whether it is newer than anything seen before.
	// A false return means the event is a duplicate or arrived out of
	// order and must be discarded.
	ApplySequence(ctx context.Context, instanceID string, seq int64) (bool, error)

	// LastSequence returns the instance's event cursor without touching
	// it. The bool reports whether a cursor exists at all.
	LastSequence(ctx context.Context, instanceID string) (int64, bool, error)

	Ping(ctx context.Context) error
	Close() error
}

// Config holds database configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // seconds
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Path:            "./data/ipabridge.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 300,
	}
}

//go:embed schema.sql
var ddl string

// SQLStore provides all functions to execute db queries
type SQLStore struct {
	db *sql.DB
}

// NewStore creates a new Store with automatic schema setup
func NewStore(config *Config) (Store, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", config.Path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(config.ConnMaxLifetime) * time.Second)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLStore{db: db}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}

	return store, nil
}

// NewStoreFromDB creates a new Store from an existing database connection.
// Useful for testing with an in-memory database.
func NewStoreFromDB(db *sql.DB) (Store, error) {
	store := &SQLStore{db: db}
	if err := store.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return store, nil
}

func (s *SQLStore) setupSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}

	if _, err := tx.Exec(ddl); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return tx.Commit()
}

// GetEnrollment returns the enrollment record for an instance.
func (s *SQLStore) GetEnrollment(ctx context.Context, instanceID string) (*Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT instance_id, fqdn, otp, issued_at FROM enrollments WHERE instance_id = ?`,
		instanceID)

	var e Enrollment
	if err := row.Scan(&e.InstanceID, &e.FQDN, &e.OTP, &e.IssuedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query enrollment: %w", err)
	}
	return &e, nil
}

// SaveEnrollment inserts an enrollment record; an existing record for the
// same instance is left untouched so the first issuance wins.
func (s *SQLStore) SaveEnrollment(ctx context.Context, e Enrollment) error {
	if e.IssuedAt.IsZero() {
		e.IssuedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrollments (instance_id, fqdn, otp, issued_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(instance_id) DO NOTHING`,
		e.InstanceID, e.FQDN, e.OTP, e.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to save enrollment: %w", err)
	}
	return nil
}

// DeleteEnrollment removes the enrollment record for an instance. Deleting
// a non-existent record is not an error.
func (s *SQLStore) DeleteEnrollment(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM enrollments WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete enrollment: %w", err)
	}
	return nil
}

// ApplySequence atomically advances the per-instance event cursor. The
// conditional upsert makes duplicate and out-of-order deliveries report
// false without a separate read.
func (s *SQLStore) ApplySequence(ctx context.Context, instanceID string, seq int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_offsets (instance_id, last_sequence)
		 VALUES (?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET last_sequence = excluded.last_sequence
		 WHERE excluded.last_sequence > event_offsets.last_sequence`,
		instanceID, seq)
	if err != nil {
		return false, fmt.Errorf("failed to apply event sequence: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// LastSequence reads the per-instance event cursor.
func (s *SQLStore) LastSequence(ctx context.Context, instanceID string) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM event_offsets WHERE instance_id = ?`, instanceID)

	var seq int64
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to query event sequence: %w", err)
	}
	return seq, true, nil
}

// Ping verifies the database connection
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}
