// Package storage provides the interfaces and shared types for persisting
// authorization-grant protocol artifacts.
//
// The storage package defines the core contract used throughout the
// grantstore library:
//   - Adapter: keyed persistence for StoredEntity records with expiry,
//     one-time consumption, secondary-index lookups, and cascading
//     revocation by grant id
//
// This package also provides the payload body types shared by storage
// implementations and the flow layer.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
//   - storage/bunstore: SQL storage (SQLite/PostgreSQL) via the bun ORM
package storage
