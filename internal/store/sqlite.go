// This file implements an SQLite-backed store for conversation memory.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists memory, dedup records and the outbox in one SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ MemoryStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		_ = db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*models.PersistedMemory, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT memory_json FROM conversation_memory WHERE conversation_id = ?`, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore Load failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("failed to load memory for %s: %w", id, err)
	}
	return decodeMemory([]byte(raw))
}

func (s *SQLiteStore) Save(ctx context.Context, id string, mem models.PersistedMemory) error {
	if err := models.ValidateIdentifier(id); err != nil {
		return err
	}
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("failed to marshal memory for %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversation_memory (conversation_id, name, memory_json, last_updated) VALUES (?, ?, ?, ?)`,
		id, nameOrNil(mem.Name), string(data), mem.LastUpdated,
	)
	if err != nil {
		slog.Error("SQLiteStore Save failed", "error", err, "conversationID", id)
		return fmt.Errorf("failed to save memory for %s: %w", id, err)
	}
	slog.Debug("SQLiteStore Save succeeded", "conversationID", id, "transcript", len(mem.Transcript))
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_memory WHERE conversation_id = ?`, id); err != nil {
		slog.Error("SQLiteStore Delete failed", "error", err, "conversationID", id)
		return fmt.Errorf("failed to delete memory for %s: %w", id, err)
	}
	slog.Debug("SQLiteStore Delete succeeded", "conversationID", id)
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT conversation_id FROM conversation_memory ORDER BY conversation_id`)
	if err != nil {
		slog.Error("SQLiteStore List query failed", "error", err)
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
