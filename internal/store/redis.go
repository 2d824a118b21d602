package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the store writes.
const DefaultRedisPrefix = "convopipe:"

// Records and the index live under separate sub-namespaces so no identifier can name the index.
const (
	redisRecordSpace = "conversation:"
	redisIndexKey    = "index"
)

// noExpiryScore stands in for "never" in the index when no TTL is configured.
const noExpiryScore = 4102444800 // 2100-01-01

// RedisStore keeps each conversation's memory as a JSON string plus a sorted-set
// index scored by expiry time, which List prunes lazily.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ MemoryStore = (*RedisStore)(nil)

// NewRedisStore connects using a redis:// or rediss:// DSN.
func NewRedisStore(opts ...Option) (*RedisStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	redisOpts, err := redis.ParseURL(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid redis DSN: %w", err)
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		slog.Error("Redis ping failed", "error", err)
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	slog.Debug("Redis ping successful", "addr", redisOpts.Addr)
	return NewRedisStoreFromClient(client, opts...), nil
}

// NewRedisStoreFromClient wraps an existing client. Only the TTL and prefix options apply.
func NewRedisStoreFromClient(client *redis.Client, opts ...Option) *RedisStore {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.RedisTTL}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + redisRecordSpace + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + redisIndexKey
}

func (s *RedisStore) Load(ctx context.Context, id string) (*models.PersistedMemory, error) {
	val, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMemoryNotFound
	}
	if err != nil {
		slog.Error("RedisStore Load failed", "error", err, "conversationID", id)
		return nil, fmt.Errorf("failed to load memory for %s: %w", id, err)
	}
	return decodeMemory(val)
}

func (s *RedisStore) Save(ctx context.Context, id string, mem models.PersistedMemory) error {
	if err := models.ValidateIdentifier(id); err != nil {
		return err
	}
	data, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("failed to marshal memory for %s: %w", id, err)
	}

	score := float64(noExpiryScore)
	if s.ttl > 0 {
		score = float64(time.Now().Add(s.ttl).Unix())
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(id), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: score, Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("RedisStore Save failed", "error", err, "conversationID", id)
		return fmt.Errorf("failed to save memory for %s: %w", id, err)
	}
	slog.Debug("RedisStore Save succeeded", "conversationID", id, "transcript", len(mem.Transcript))
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete memory for %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", "("+now).Err(); err != nil {
		return nil, fmt.Errorf("failed to prune expired conversations: %w", err)
	}
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
