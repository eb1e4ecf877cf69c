package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oidc:"

	// storageType is reported on spans and metrics.
	storageType = "valkey"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxEventSize is the maximum size of one serialized event (64KB)
	MaxEventSize = 64 * 1024
)

// luaCheckAndAppend appends events to a stream list only if the list holds
// exactly the expected number of events.
//
// KEYS[1] = stream key (e.g., "oidc:stream:access_token-abc123")
// ARGV[1] = expected version
// ARGV[2..] = JSON encoded events
//
// Returns the new stream length, or -1 on a version conflict.
const luaCheckAndAppend = `
local current = redis.call('LLEN', KEYS[1])
if current ~= tonumber(ARGV[1]) then
    return -1
end
for i = 2, #ARGV do
    redis.call('RPUSH', KEYS[1], ARGV[i])
end
return current + #ARGV - 1
`

// luaSetSnapshot stores a snapshot hash {v: version, d: data} unless the
// cached version is higher.
//
// KEYS[1] = cache key (e.g., "oidc:cache:access_token-abc123")
// ARGV[1] = version
// ARGV[2] = serialized snapshot
// ARGV[3] = ttl in milliseconds, 0 for none
//
// Returns 1 when written, 0 when a newer snapshot is already cached.
const luaSetSnapshot = `
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
`

// snapshotDataField holds the serialized snapshot in a cache hash.
const snapshotDataField = "d"

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oidc:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.EventStore and storage.Cache.
// Streams are Valkey lists; appends run as a Lua script so the version check
// and the write are atomic.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
}

// Compile-time interface checks
var (
	_ storage.EventStore = (*Store)(nil)
	_ storage.Cache      = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation enables spans and storage metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

func (s *Store) streamKey(streamID string) string {
	return s.prefix + "stream:" + streamID
}

func (s *Store) cacheKey(key string) string {
	return s.prefix + "cache:" + key
}

// ============================================================
// EventStore Implementation
// ============================================================

// Append adds events to a stream if it currently holds expectedVersion events.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events []storage.Event) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, storageType, "append")
	defer func() { done(err) }()

	if streamID == "" {
		return fmt.Errorf("streamID cannot be empty")
	}
	if len(events) == 0 {
		return nil
	}

	args := make([]string, 0, len(events)+1)
	args = append(args, strconv.FormatInt(expectedVersion, 10))
	for _, e := range storage.AssignVersions(expectedVersion, events) {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		if len(data) > MaxEventSize {
			return fmt.Errorf("event %s exceeds maximum size", e.Type)
		}
		args = append(args, string(data))
	}

	newLen, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaCheckAndAppend).
			Numkeys(1).
			Key(s.streamKey(streamID)).
			Arg(args...).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}
	if newLen < 0 {
		return fmt.Errorf("%w: stream %s, expected version %d",
			storage.ErrVersionConflict, streamID, expectedVersion)
	}

	s.logger.Debug("Appended events",
		"stream", streamID,
		"count", len(events),
		"version", newLen)
	return nil
}

// Load returns the stream's events in append order.
func (s *Store) Load(ctx context.Context, streamID string) (events []storage.Event, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, storageType, "load")
	defer func() { done(err) }()

	items, err := s.client.Do(ctx,
		s.client.B().Lrange().Key(s.streamKey(streamID)).Start(0).Stop(-1).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return []storage.Event{}, nil
		}
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

// ============================================================
// Cache Implementation
// ============================================================

// Get returns the cached value or storage.ErrCacheMiss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Hget().Key(s.cacheKey(key)).Field(snapshotDataField).Build(),
	).AsBytes()
	if err != nil {
		if isNilError(err) {
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
		return fmt.Errorf("key cannot be empty")
	}

	var ttlMillis int64
	if ttl > 0 {
		ttlMillis = max(ttl.Milliseconds(), 1)
	}

	written, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaSetSnapshot).
			Numkeys(1).
			Key(s.cacheKey(key)).
			Arg(strconv.FormatInt(version, 10), valkeygo.BinaryString(value), strconv.FormatInt(ttlMillis, 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	if written == 0 {
		s.logger.Debug("Skipped stale snapshot", "key", key, "version", version)
	}
	return nil
}

// Delete removes key from the cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.cacheKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
