// Package memory provides an in-memory event store and snapshot cache.
//
// The Store type implements both storage.EventStore and storage.Cache, so a
// single instance can back every repository:
//
//	store := memory.New()
//	defer store.Stop()
//
//	repos := repository.NewRepositories(store, store, repository.Options{})
//
// Event streams are kept for the lifetime of the process. Cache entries with a
// TTL are removed by a background cleanup goroutine; call Stop to end it.
//
// This backend is not shared across processes. Use storage/redis,
// storage/valkey or storage/postgres for multi-instance deployments.
package memory
