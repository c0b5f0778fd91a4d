package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/mcp-chat-gateway/internal/domain"
	"github.com/ashureev/mcp-chat-gateway/internal/logx"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements ThreadStore using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	ttl     time.Duration
	writeMu sync.Mutex // Serializes writers to prevent SQLITE_BUSY
	newID   func() string
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed thread store. ttl 0 disables expiry.
func NewSQLite(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{
		db:    db,
		ttl:   ttl,
		newID: uuid.NewString,
		now:   time.Now,
	}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS threads (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		model TEXT NOT NULL,
		messages_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_threads_expires ON threads(expires_at) WHERE expires_at IS NOT NULL;
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create stores input under a fresh identifier.
// Retries with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) Create(ctx context.Context, input domain.ThreadInput) (string, error) {
	messagesJSON, err := json.Marshal(input.Messages)
	if err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}

	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		id, err := s.createOnce(ctx, input.Model, string(messagesJSON))
		if err == nil {
			return id, nil
		}

		if isSQLiteConflict(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
			logx.Debug().Err(err).Int("attempt", i+1).Dur("delay", delay).Msg("thread insert hit SQLITE_BUSY, retrying")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "", err
	}
	return "", fmt.Errorf("insert thread: retries exhausted")
}

func (s *SQLiteStore) createOnce(ctx context.Context, model, messagesJSON string) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	var expiresAt interface{}
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl).UnixNano()
	}

	query := `
	INSERT INTO threads (id, model, messages_json, created_at, expires_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO NOTHING`

	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		id := s.newID()
		result, err := s.db.ExecContext(ctx, query, id, model, messagesJSON, now.UnixNano(), expiresAt)
		if err != nil {
			return "", fmt.Errorf("insert thread: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return "", fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 1 {
			return id, nil
		}
		logx.Warn().Str("thread_id", id).Msg("thread id collision, regenerating")
	}
	return "", fmt.Errorf("generate unique thread id after %d attempts", maxCreateAttempts)
}

// Get returns the thread stored under id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Thread, error) {
	query := `
		SELECT id, model, messages_json, created_at
		FROM threads
		WHERE id = ? AND (expires_at IS NULL OR expires_at > ?)`

	return s.scanThread(s.db.QueryRowContext(ctx, query, id, s.now().UnixNano()), ErrThreadNotFound)
}

// Latest returns the most recently created live thread.
func (s *SQLiteStore) Latest(ctx context.Context) (*domain.Thread, error) {
	query := `
		SELECT id, model, messages_json, created_at
		FROM threads
		WHERE expires_at IS NULL OR expires_at > ?
		ORDER BY seq DESC LIMIT 1`

	return s.scanThread(s.db.QueryRowContext(ctx, query, s.now().UnixNano()), ErrNoThreadAvailable)
}

func (s *SQLiteStore) scanThread(row *sql.Row, notFound error) (*domain.Thread, error) {
	var (
		thread       domain.Thread
		messagesJSON string
		createdAt    int64
	)
	err := row.Scan(&thread.ID, &thread.Input.Model, &messagesJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread row: %w", err)
	}

	if err := json.Unmarshal([]byte(messagesJSON), &thread.Input.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages for thread %s: %w", thread.ID, err)
	}
	thread.CreatedAt = time.Unix(0, createdAt)
	return &thread, nil
}

// Len returns the number of live threads.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM threads WHERE expires_at IS NULL OR expires_at > ?`
	if err := s.db.QueryRowContext(ctx, query, s.now().UnixNano()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count threads: %w", err)
	}
	return n, nil
}

// DeleteExpired removes threads whose TTL has elapsed.
func (s *SQLiteStore) DeleteExpired(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	query := `DELETE FROM threads WHERE expires_at IS NOT NULL AND expires_at <= ?`
	result, err := s.db.ExecContext(ctx, query, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired threads: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// isSQLiteConflict reports SQLITE_BUSY and "database is locked" errors,
// both of which warrant a retry.
func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

var (
	_ ThreadStore = (*SQLiteStore)(nil)
	_ Sweeper     = (*SQLiteStore)(nil)
)
