// Package bunstore provides a SQL storage backend for the grant core built
// on the bun ORM. It supports SQLite for embedded deployments and PostgreSQL
// for shared ones; the one-time-consumption guarantee rests on conditional
// UPDATE statements, so it holds across processes sharing a database.
package bunstore

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

const (
	// keyLogLength is the number of characters to include when logging entity keys
	keyLogLength = 8
)

// entityRecord is the bun model for a stored entity. The composite primary
// key (category, entity_key) enforces uniqueness per category.
type entityRecord struct {
	bun.BaseModel `bun:"table:stored_entities,alias:se"`

	Category   string     `bun:"category,pk"`
	EntityKey  string     `bun:"entity_key,pk"`
	AccountID  string     `bun:"account_id"`
	ClientID   string     `bun:"client_id"`
	GrantID    string     `bun:"grant_id"`
	SessionID  string     `bun:"session_id"`
	Scope      string     `bun:"scope"`
	UserCode   string     `bun:"user_code"`
	UID        string     `bun:"uid"`
	Payload    []byte     `bun:"payload"`
	IssuedAt   time.Time  `bun:"issued_at,notnull"`
	ExpiresAt  time.Time  `bun:"expires_at,notnull"`
	ConsumedAt *time.Time `bun:"consumed_at,nullzero"`
}

// Store is a SQL-backed implementation of storage.Adapter.
type Store struct {
	db     *bun.DB
	logger *slog.Logger

	// now is the authoritative clock, injectable for tests
	now   func() time.Time
	nowMu sync.RWMutex

	// encryptor provides optional payload encryption at rest
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface check
var _ storage.Adapter = (*Store)(nil)

// New wraps an existing bun.DB. The caller owns the connection lifecycle.
func New(db *bun.DB) *Store {
	return &Store{
		db:     db,
		logger: slog.Default(),
		now:    time.Now,
	}
}

// NewSQLite opens a SQLite database at the given DSN and returns a store
// bound to it. Use ":memory:" or "file::memory:?cache=shared" for tests.
func NewSQLite(dsn string) (*Store, error) {
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return New(bun.NewDB(sqldb, sqlitedialect.New())), nil
}

// NewPostgres opens a PostgreSQL database at the given DSN and returns a
// store bound to it.
func NewPostgres(dsn string) (*Store, error) {
	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	return New(bun.NewDB(sqldb, pgdialect.New())), nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying bun.DB for migrations and diagnostics.
func (s *Store) DB() *bun.DB {
	return s.db
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetClock injects the authoritative clock. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.nowMu.Lock()
	defer s.nowMu.Unlock()
	if now != nil {
		s.now = now
	}
}

func (s *Store) clock() time.Time {
	s.nowMu.RLock()
	defer s.nowMu.RUnlock()
	return s.now()
}

// SetEncryptor sets the payload encryptor for encryption at rest.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Payload encryption at rest enabled for SQL storage")
	}
}

func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Record Mapping
// ============================================================

func (s *Store) toRecord(e *storage.StoredEntity) (*entityRecord, error) {
	rec := &entityRecord{
		Category:  string(e.Category),
		EntityKey: e.Key,
		AccountID: e.AccountID,
		ClientID:  e.ClientID,
		GrantID:   e.GrantID,
		SessionID: e.SessionID,
		Scope:     e.Scope,
		UserCode:  e.UserCode,
		UID:       e.UID,
		IssuedAt:  e.IssuedAt,
		ExpiresAt: e.ExpiresAt,
	}
	if !e.ConsumedAt.IsZero() {
		consumedAt := e.ConsumedAt
		rec.ConsumedAt = &consumedAt
	}

	if len(e.Payload) > 0 {
		payload := e.Payload
		if enc := s.getEncryptor(); enc.IsEnabled() {
			encrypted, err := enc.Encrypt(payload)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt payload: %w", err)
			}
			payload = []byte(encrypted)
		}
		rec.Payload = payload
	}

	return rec, nil
}

func (s *Store) fromRecord(rec *entityRecord) (*storage.StoredEntity, error) {
	e := &storage.StoredEntity{
		Category:  storage.Category(rec.Category),
		Key:       rec.EntityKey,
		AccountID: rec.AccountID,
		ClientID:  rec.ClientID,
		GrantID:   rec.GrantID,
		SessionID: rec.SessionID,
		Scope:     rec.Scope,
		UserCode:  rec.UserCode,
		UID:       rec.UID,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
	}
	if rec.ConsumedAt != nil {
		e.ConsumedAt = *rec.ConsumedAt
	}

	if len(rec.Payload) > 0 {
		payload := rec.Payload
		if enc := s.getEncryptor(); enc.IsEnabled() {
			plain, err := enc.Decrypt(string(payload))
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt payload: %w", err)
			}
			payload = plain
		}
		e.Payload = payload
	}

	return e, nil
}
