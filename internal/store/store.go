// Package store provides storage backends for ConvoPipe.
//
// Every backend persists conversation memory keyed strictly by conversation
// identifier. The SQL backends and the in-memory store additionally provide
// inbound message deduplication and a durable outbox for channel replies.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// ErrMemoryNotFound is returned by Load for an identifier that was never saved.
var ErrMemoryNotFound = errors.New("conversation memory not found")

// MemoryStore persists conversation memory between turns.
type MemoryStore interface {
	Load(ctx context.Context, id string) (*models.PersistedMemory, error)
	Save(ctx context.Context, id string, mem models.PersistedMemory) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names accepted by WithBackend and returned by DetectDSNType.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite3"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendFile     = "file"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN      string
	Backend  string
	RedisTTL time.Duration
	Prefix   string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = BackendSQLite
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Backend = BackendPostgres
	}
}

// WithDSN sets a DSN whose backend is detected from its shape.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithBackend forces a backend instead of detecting it from the DSN.
func WithBackend(backend string) Option {
	return func(o *Opts) { o.Backend = backend }
}

// WithRedisTTL sets the expiry of conversation keys in Redis. Zero keeps them forever.
func WithRedisTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.RedisTTL = ttl }
}

// WithPrefix sets the key prefix used by the Redis backend.
func WithPrefix(prefix string) Option {
	return func(o *Opts) { o.Prefix = prefix }
}

// DetectDSNType returns the backend a DSN belongs to.
func DetectDSNType(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	lower := strings.ToLower(dsn)
	switch {
	case dsn == "":
		return BackendMemory
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return BackendPostgres
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "sslmode="):
		return BackendPostgres
	case strings.HasPrefix(lower, "redis://"), strings.HasPrefix(lower, "rediss://"):
		return BackendRedis
	case strings.HasPrefix(lower, "json://"):
		return BackendFile
	default:
		return BackendSQLite
	}
}

// New opens the backend selected by the options.
func New(opts ...Option) (MemoryStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	backend := cfg.Backend
	if backend == "" {
		backend = DetectDSNType(cfg.DSN)
	}
	slog.Debug("store.New selecting backend", "backend", backend, "DSN_set", cfg.DSN != "")

	switch backend {
	case BackendMemory:
		return NewInMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(opts...)
	case BackendPostgres:
		return NewPostgresStore(opts...)
	case BackendRedis:
		return NewRedisStore(opts...)
	case BackendFile:
		return NewFileStore(strings.TrimPrefix(cfg.DSN, "json://"))
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
