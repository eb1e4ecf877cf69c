// Package valkey provides a Valkey event store and snapshot cache.
//
// Valkey is wire-compatible with Redis. Use this backend when several engine
// instances share state.
//
// # Key Schema
//
// All keys use a configurable prefix (default "oidc:"):
//
//	{prefix}stream:{streamID}   -> LIST of JSON(storage.Event)
//	{prefix}cache:{key}         -> serialized aggregate snapshot (optional TTL)
//
// # Optimistic Concurrency
//
// Append runs a Lua script that compares the list length with the expected
// version and pushes the events only when they match. Of two concurrent saves
// of the same aggregate exactly one succeeds; the other receives
// storage.ErrVersionConflict.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// Snapshots are encrypted by the repository layer when a security.Encryptor
// is configured; the store only sees opaque bytes.
package valkey
