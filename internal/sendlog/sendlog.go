// Package sendlog records the outcome of every send attempt in a SQL table.
// SQLite, PostgreSQL and MySQL are supported.
package sendlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrUnsupportedDriver is returned by Open for unknown drivers
var ErrUnsupportedDriver = errors.New("unsupported send log driver")

// Send paths recorded in the log
const (
	PathPooled = "pooled"
	PathLegacy = "legacy"
	PathBulk   = "bulk"
)

// Entry is one send attempt
type Entry struct {
	ID         string
	BatchID    string
	Path       string
	Server     string
	Sender     string
	Recipients []string
	Subject    string
	Success    bool
	Error      string
	MessageID  string
	Duration   time.Duration
	CreatedAt  time.Time
}

const createTable = `CREATE TABLE IF NOT EXISTS send_log (
	id VARCHAR(36) PRIMARY KEY,
	batch_id VARCHAR(36),
	path VARCHAR(16) NOT NULL,
	server VARCHAR(255),
	sender VARCHAR(320) NOT NULL,
	recipients TEXT NOT NULL,
	subject TEXT,
	success BOOLEAN NOT NULL,
	error TEXT,
	message_id VARCHAR(255),
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`

const insertEntry = `INSERT INTO send_log
	(id, batch_id, path, server, sender, recipients, subject, success, error, message_id, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRecent = `SELECT id, batch_id, path, server, sender, recipients, subject, success, error, message_id, duration_ms, created_at
	FROM send_log ORDER BY created_at DESC LIMIT ?`

const selectBatch = `SELECT id, batch_id, path, server, sender, recipients, subject, success, error, message_id, duration_ms, created_at
	FROM send_log WHERE batch_id = ? ORDER BY created_at ASC`

// Store writes send log entries to a SQL database
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
	now    func() time.Time
}

// Open connects to the database for driver ("sqlite3", "postgres" or
// "mysql") and creates the send_log table if needed.
func Open(ctx context.Context, driver, dsn string, logger *slog.Logger) (*Store, error) {
	switch driver {
	case "sqlite3":
		if dir := filepath.Dir(dsn); dir != "." && dir != "/" && !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for SQLite database: %w", err)
			}
		}
	case "postgres", "mysql":
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s send log: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite permits a single writer
		db.SetMaxOpenConns(1)
	}

	s := NewWithDB(db, driver, logger)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s send log: %w", driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an open database handle
func NewWithDB(db *sql.DB, driver string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		driver: driver,
		logger: logger.With("component", "send-log", "driver", driver),
		now:    time.Now,
	}
}

// Migrate creates the send_log table
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create send_log table: %w", err)
	}
	return nil
}

// Record inserts e, filling in ID and CreatedAt when empty
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	if e.Path == "" {
		e.Path = PathPooled
	}

	_, err := s.db.ExecContext(ctx, s.rebind(insertEntry),
		e.ID,
		nullString(e.BatchID),
		e.Path,
		nullString(e.Server),
		e.Sender,
		strings.Join(e.Recipients, ","),
		e.Subject,
		e.Success,
		nullString(e.Error),
		nullString(e.MessageID),
		e.Duration.Milliseconds(),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record send: %w", err)
	}
	return nil
}

// Recent returns the newest entries
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, selectRecent, limit)
}

// Batch returns every entry recorded for a bulk batch
func (s *Store) Batch(ctx context.Context, batchID string) ([]Entry, error) {
	return s.query(ctx, selectBatch, batchID)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query send log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                                   Entry
			batchID, server, errText, messageID sql.NullString
			recipients                          string
			durationMS                          int64
		)
		if err := rows.Scan(&e.ID, &batchID, &e.Path, &server, &e.Sender, &recipients,
			&e.Subject, &e.Success, &errText, &messageID, &durationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan send log row: %w", err)
		}
		e.BatchID = batchID.String
		e.Server = server.String
		e.Error = errText.String
		e.MessageID = messageID.String
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if recipients != "" {
			e.Recipients = strings.Split(recipients, ",")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $N for PostgreSQL
func (s *Store) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
