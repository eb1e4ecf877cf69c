// Package storage provides the event store and snapshot cache contracts used
// by the repositories.
//
// The storage package defines:
//   - EventStore: append-only event streams with optimistic concurrency
//   - Cache: a key/value snapshot cache with optional TTL
//   - Event: the envelope every aggregate event is persisted in
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/redis: Redis event store and cache (go-redis)
//   - storage/valkey: Valkey event store and cache for production
//   - storage/postgres: PostgreSQL event store (pgx)
//   - storage/mock: Error-injecting storage for failure-path tests
package storage
