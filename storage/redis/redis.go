// Package redis provides a Redis event store and snapshot cache built on
// github.com/redis/go-redis/v9. Any goredis.UniversalClient works: a single
// node, Sentinel failover or a cluster (all keys of a stream share one slot).
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
	DefaultKeyPrefix = "oidc:"

	storageType = "redis"
)

// appendScript appends ARGV[2..] to the stream list KEYS[1] only when the
// list length equals ARGV[1]. Returns the new length or -1 on conflict.
var appendScript = goredis.NewScript(`
local current = redis.call('LLEN', KEYS[1])
if current ~= tonumber(ARGV[1]) then
	return -1
end
for i = 2, #ARGV do
	redis.call('RPUSH', KEYS[1], ARGV[i])
end
return current + #ARGV - 1
`)

// setSnapshotScript stores a snapshot as the hash {v: version, d: data} at
// KEYS[1] unless the hash already holds a higher version.
// ARGV[1] = version, ARGV[2] = data, ARGV[3] = ttl in milliseconds (0 = none).
// Returns 1 when written, 0 when skipped.
var setSnapshotScript = goredis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'v')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'd', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
else
	redis.call('PERSIST', KEYS[1])
end
return 1
`)

// Hash fields of a cached snapshot.
const (
	fieldVersion = "v"
	fieldData    = "d"
)

// Config holds Redis connection configuration.
type Config struct {
	// Addrs is a single address for a standalone server, or several for a
	// cluster. With MasterName set they are Sentinel addresses.
	Addrs      []string
	MasterName string
	DB         int
	Username   string
	Password   string

	// KeyPrefix for multi-tenancy (default "oidc:").
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Store implements storage.EventStore and storage.Cache on Redis.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	logger    *slog.Logger

	instrumentation *instrumentation.Instrumentation
}

// Compile-time interface checks
var (
	_ storage.EventStore = (*Store)(nil)
	_ storage.Cache      = (*Store)(nil)
)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("at least one redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix)
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}
	return s, nil
}

// NewWithClient creates a Store with a pre-configured client.
// This is useful for testing with miniredis.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    slog.Default(),
	}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// SetInstrumentation enables spans and storage metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Keys use a hash tag so a stream maps to a single cluster slot.
func (s *Store) streamKey(streamID string) string {
	return s.keyPrefix + "stream:{" + streamID + "}"
}

func (s *Store) cacheKey(key string) string {
	return s.keyPrefix + "cache:" + key
}

// Append adds events to a stream if it currently holds expectedVersion events.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events []storage.Event) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, storageType, "append")
	defer func() { done(err) }()

	if streamID == "" {
		return errors.New("streamID cannot be empty")
	}
	if len(events) == 0 {
		return nil
	}

	args := make([]any, 0, len(events)+1)
	args = append(args, expectedVersion)
	for _, e := range storage.AssignVersions(expectedVersion, events) {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		args = append(args, data)
	}

	newLen, err := appendScript.Run(ctx, s.client, []string{s.streamKey(streamID)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}
	if newLen < 0 {
		return fmt.Errorf("%w: stream %s, expected version %d",
			storage.ErrVersionConflict, streamID, expectedVersion)
	}

	s.logger.Debug("Appended events", "stream", streamID, "count", len(events), "version", newLen)
	return nil
}

// Load returns the stream's events in append order.
func (s *Store) Load(ctx context.Context, streamID string) (events []storage.Event, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, storageType, "load")
	defer func() { done(err) }()

	items, err := s.client.LRange(ctx, s.streamKey(streamID), 0, -1).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to load stream: %w", err)
	}

	events = make([]storage.Event, 0, len(items))
	for _, item := range items {
		var e storage.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event in stream %s: %w", streamID, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// Get returns the cached value or storage.ErrCacheMiss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.HGet(ctx, s.cacheKey(key), fieldData).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return data, nil
}

// Set stores value under key unless the entry holds a higher version.
// A zero ttl means the entry never expires.
func (s *Store) Set(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	written, err := setSnapshotScript.Run(ctx, s.client, []string{s.cacheKey(key)},
		version, value, ttlMillis(ttl)).Int64()
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	if written == 0 {
		s.logger.Debug("Skipped stale snapshot", "key", key, "version", version)
	}
	return nil
}

// ttlMillis rounds positive sub-millisecond ttls up so they still expire.
func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

// Delete removes key from the cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.cacheKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}
