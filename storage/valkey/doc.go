// Package valkey provides a Valkey storage backend for the grant core.
//
// Valkey is a high-performance key-value store that is wire-compatible with
// Redis. This package implements the storage.Adapter contract on top of it,
// making it suitable for deployments that require:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//
// # Key Schema
//
// All keys use a configurable prefix (default "grant:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}entity:{category}:{key}  -> JSON(StoredEntity)
//	{prefix}usercode:{userCode}      -> "{category}:{key}" (reverse lookup)
//	{prefix}uid:{uid}                -> "{category}:{key}" (reverse lookup)
//	{prefix}grantidx:{grantID}       -> SET of "{category}:{key}" references
//
// # Atomic Operations
//
// Two operations must be atomic to uphold the one-time-use and cascading
// revocation guarantees:
//
//   - ConsumeLive: single-winner consumption, preventing authorization code
//     replay and rotated refresh token reuse
//   - RevokeByGrantID: marks every artifact of a grant unusable with no
//     window in which a token could still be exchanged mid-cascade
//
// Both run as Lua scripts, giving the same guarantees as the in-memory
// implementation across multiple nodes sharing the store. The revocation
// script computes entity keys from the grant index at runtime, so this
// backend targets single-node or single-shard deployments.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "grant:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Payload Encryption at Rest
//
// Entity payloads carry PKCE challenges, nonces, and claim requests. They
// can be encrypted before storage:
//
//	key, _ := security.GenerateEncryptionKey()
//	encryptor, _ := security.NewEncryptor(key)
//	store.SetEncryptor(encryptor)
//
// When enabled, payloads are encrypted with AES-256-GCM before storage and
// automatically decrypted when retrieved.
package valkey
