// This file implements a PostgreSQL-backed store for conversation memory.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists memory, dedup records and the outbox in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ MemoryStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		_ = db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*models.PersistedMemory, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT memory_json FROM conversation_memory WHERE conversation_id = $1`, id,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		slog.Error("PostgresStore Load failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("failed to load memory for %s: %w", id, err)
	}
	return decodeMemory(raw)
}

func (s *PostgresStore) Save(ctx context.Context, id string, mem models.PersistedMemory) error {
	if err := models.ValidateIdentifier(id); err != nil {
		return err
	}
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("failed to marshal memory for %s: %w", id, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_memory (conversation_id, name, memory_json, last_updated)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (conversation_id) DO UPDATE SET name = EXCLUDED.name, memory_json = EXCLUDED.memory_json, last_updated = EXCLUDED.last_updated`,
		id, nameOrNil(mem.Name), string(data), mem.LastUpdated,
	)
	if err != nil {
		slog.Error("PostgresStore Save failed", "error", err, "conversationID", id)
		return fmt.Errorf("failed to save memory for %s: %w", id, err)
	}
	slog.Debug("PostgresStore Save succeeded", "conversationID", id, "transcript", len(mem.Transcript))
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_memory WHERE conversation_id = $1`, id); err != nil {
		slog.Error("PostgresStore Delete failed", "error", err, "conversationID", id)
		return fmt.Errorf("failed to delete memory for %s: %w", id, err)
	}
	slog.Debug("PostgresStore Delete succeeded", "conversationID", id)
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT conversation_id FROM conversation_memory ORDER BY conversation_id`)
	if err != nil {
		slog.Error("PostgresStore List query failed", "error", err)
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
