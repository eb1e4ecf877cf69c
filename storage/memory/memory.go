// Package memory provides an in-memory implementation of the event store and
// the snapshot cache. It is suitable for development, testing, and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/storage"
)

// storageType is reported on spans and metrics.
const storageType = "memory"

type cacheEntry struct {
	value     []byte
	version   int64
	expiresAt time.Time // zero means no expiry
}

func (e cacheEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is an in-memory implementation of storage.EventStore and storage.Cache.
type Store struct {
	mu sync.RWMutex

	streams map[string][]storage.Event
	entries map[string]cacheEntry

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	streamsCountAtomic atomic.Int64
	entriesCountAtomic atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.EventStore = (*Store)(nil)
	_ storage.Cache      = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		streams:         make(map[string][]storage.Event),
		entries:         make(map[string]cacheEntry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	// Start background cleanup of expired cache entries
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.streamsCountAtomic.Store(int64(len(s.streams)))
	s.entriesCountAtomic.Store(int64(len(s.entries)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.streamsCountAtomic.Load() },
			func() int64 { return s.entriesCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// EventStore Implementation
// ============================================================

// Append adds events to a stream if it currently holds expectedVersion events.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events []storage.Event) error {
	ctx, span := s.startStorageSpan(ctx, "append")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "append", err, startTime)
	}()

	if streamID == "" {
		err = fmt.Errorf("streamID cannot be empty")
		return err
	}
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, existed := s.streams[streamID]
	if int64(len(current)) != expectedVersion {
		err = fmt.Errorf("%w: stream %s at version %d, expected %d",
			storage.ErrVersionConflict, streamID, len(current), expectedVersion)
		return err
	}

	s.streams[streamID] = append(current, storage.AssignVersions(expectedVersion, events)...)
	if !existed {
		s.streamsCountAtomic.Add(1)
	}

	s.logger.Debug("Appended events",
		"stream", streamID,
		"count", len(events),
		"version", expectedVersion+int64(len(events)))

	return nil
}

// Load returns a copy of the stream's events in append order.
func (s *Store) Load(ctx context.Context, streamID string) ([]storage.Event, error) {
	ctx, span := s.startStorageSpan(ctx, "load")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "load", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.streams[streamID]
	out := make([]storage.Event, len(events))
	copy(out, events)
	return out, nil
}

// ============================================================
// Cache Implementation
// ============================================================

// Get returns the cached value or storage.ErrCacheMiss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		return nil, storage.ErrCacheMiss
	}

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores value under key unless the entry holds a higher version.
// A zero ttl means the entry never expires.
func (s *Store) Set(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	entry := cacheEntry{value: append([]byte(nil), value...), version: version}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, existed := s.entries[key]
	if existed && current.version > version {
		s.logger.Debug("Skipped stale snapshot", "key", key, "version", version, "cached_version", current.version)
		return nil
	}
	if !existed {
		s.entriesCountAtomic.Add(1)
	}
	s.entries[key] = entry
	return nil
}

// Delete removes key from the cache.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.entriesCountAtomic.Add(-1)
	}
	return nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops expired cache entries. Event streams are never removed:
// history is retained for audit.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cleaned := 0
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.entriesCountAtomic.Add(int64(-cleaned))
		s.logger.Debug("Cleaned up expired cache entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, storageType),
		))
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, storageType, result, durationMs)
}
