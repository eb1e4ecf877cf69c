// Package mock provides mock implementations of the storage interfaces for
// testing. Each mock works as a simple in-memory store until one of its Func
// fields is replaced, which makes failure paths easy to inject.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/giantswarm/oidc-engine/storage"
)

// MockEventStore is a mock implementation of storage.EventStore for testing
type MockEventStore struct {
	mu         sync.Mutex
	streams    map[string][]storage.Event
	AppendFunc func(ctx context.Context, streamID string, expectedVersion int64, events []storage.Event) error
	LoadFunc   func(ctx context.Context, streamID string) ([]storage.Event, error)
	callCounts map[string]int
}

var _ storage.EventStore = (*MockEventStore)(nil)

// NewMockEventStore creates a new mock event store
func NewMockEventStore() *MockEventStore {
	m := &MockEventStore{
		streams:    make(map[string][]storage.Event),
		callCounts: make(map[string]int),
	}

	m.AppendFunc = func(_ context.Context, streamID string, expectedVersion int64, events []storage.Event) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		current := m.streams[streamID]
		if int64(len(current)) != expectedVersion {
			return fmt.Errorf("%w: stream %s", storage.ErrVersionConflict, streamID)
		}
		m.streams[streamID] = append(current, storage.AssignVersions(expectedVersion, events)...)
		return nil
	}

	m.LoadFunc = func(_ context.Context, streamID string) ([]storage.Event, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		return append([]storage.Event{}, m.streams[streamID]...), nil
	}

	return m
}

// Append records the call and delegates to AppendFunc
func (m *MockEventStore) Append(ctx context.Context, streamID string, expectedVersion int64, events []storage.Event) error {
	m.count("Append")
	return m.AppendFunc(ctx, streamID, expectedVersion, events)
}

// Load records the call and delegates to LoadFunc
func (m *MockEventStore) Load(ctx context.Context, streamID string) ([]storage.Event, error) {
	m.count("Load")
	return m.LoadFunc(ctx, streamID)
}

// CallCount returns how often method was called
func (m *MockEventStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts resets all call counters
func (m *MockEventStore) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

func (m *MockEventStore) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// MockCache is a mock implementation of storage.Cache for testing.
// TTLs are ignored by the default implementation.
type MockCache struct {
	mu         sync.Mutex
	entries    map[string][]byte
	versions   map[string]int64
	GetFunc    func(ctx context.Context, key string) ([]byte, error)
	SetFunc    func(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) error
	DeleteFunc func(ctx context.Context, key string) error
	callCounts map[string]int
}

var _ storage.Cache = (*MockCache)(nil)

// NewMockCache creates a new mock cache
func NewMockCache() *MockCache {
	m := &MockCache{
		entries:    make(map[string][]byte),
		versions:   make(map[string]int64),
		callCounts: make(map[string]int),
	}

	m.GetFunc = func(_ context.Context, key string) ([]byte, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		v, ok := m.entries[key]
		if !ok {
			return nil, storage.ErrCacheMiss
		}
		return append([]byte(nil), v...), nil
	}

	m.SetFunc = func(_ context.Context, key string, version int64, value []byte, _ time.Duration) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if current, ok := m.versions[key]; ok && current > version {
			return nil
		}
		m.entries[key] = append([]byte(nil), value...)
		m.versions[key] = version
		return nil
	}

	m.DeleteFunc = func(_ context.Context, key string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.entries, key)
		delete(m.versions, key)
		return nil
	}

	return m
}

// Get records the call and delegates to GetFunc
func (m *MockCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.count("Get")
	return m.GetFunc(ctx, key)
}

// Set records the call and delegates to SetFunc
func (m *MockCache) Set(ctx context.Context, key string, version int64, value []byte, ttl time.Duration) error {
	m.count("Set")
	return m.SetFunc(ctx, key, version, value, ttl)
}

// Delete records the call and delegates to DeleteFunc
func (m *MockCache) Delete(ctx context.Context, key string) error {
	m.count("Delete")
	return m.DeleteFunc(ctx, key)
}

// Has reports whether the default implementation holds key.
func (m *MockCache) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// Version returns the snapshot version stored for key, or 0.
func (m *MockCache) Version(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[key]
}

// Raw returns the stored bytes for key without counting a call.
func (m *MockCache) Raw(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key]
}

// CallCount returns how often method was called
func (m *MockCache) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// ResetCallCounts resets all call counters
func (m *MockCache) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts = make(map[string]int)
}

func (m *MockCache) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}
