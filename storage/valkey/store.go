package valkey

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "grant:"

	// keyLogLength is the number of characters to include when logging entity keys
	keyLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxEntityDataSize is the maximum size of a serialized entity (64KB).
	// This prevents memory exhaustion from oversized payloads.
	MaxEntityDataSize = 64 * 1024
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "grant:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Adapter. Entity expiry
// rides on native key TTLs, and the consume and revocation paths run as Lua
// scripts so their check-and-set semantics hold across concurrent nodes.
//
// The grant index and revocation script compute keys dynamically, so the
// store targets single-node or single-shard deployments.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	// now is the authoritative clock, injectable for tests
	now   func() time.Time
	nowMu sync.RWMutex

	// encryptor provides optional payload encryption at rest
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface check
var _ storage.Adapter = (*Store)(nil)

// New creates a new Valkey-backed store.
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
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
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
		now:    time.Now,
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
// When set, entity payloads are encrypted before storing in Valkey
// and decrypted when retrieved.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Payload encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// ============================================================
// Key Helpers
// ============================================================

// entityKey returns the key for an entity: {prefix}entity:{category}:{key}
func (s *Store) entityKey(category storage.Category, key string) string {
	return s.prefix + "entity:" + storage.EntityKey(category, key)
}

// userCodeKey returns the reverse lookup key for a device user code:
// {prefix}usercode:{userCode}
func (s *Store) userCodeKey(userCode string) string {
	return fmt.Sprintf("%susercode:%s", s.prefix, userCode)
}

// uidKey returns the reverse lookup key for an interaction uid:
// {prefix}uid:{uid}
func (s *Store) uidKey(uid string) string {
	return fmt.Sprintf("%suid:%s", s.prefix, uid)
}

// grantIndexKey returns the key of the set holding the entity references of
// a grant: {prefix}grantidx:{grantID}
func (s *Store) grantIndexKey(grantID string) string {
	return fmt.Sprintf("%sgrantidx:%s", s.prefix, grantID)
}

// ============================================================
// JSON Serialization
// ============================================================

// storedEntityJSON is the JSON representation of a stored entity.
// Payload is base64-encoded and may additionally be encrypted at rest.
type storedEntityJSON struct {
	Category   string `json:"category"`
	Key        string `json:"key"`
	AccountID  string `json:"account_id,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
	GrantID    string `json:"grant_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Scope      string `json:"scope,omitempty"`
	UserCode   string `json:"user_code,omitempty"`
	UID        string `json:"uid,omitempty"`
	Payload    string `json:"payload,omitempty"`
	IssuedAt   int64  `json:"issued_at"`
	ExpiresAt  int64  `json:"expires_at"`
	ConsumedAt int64  `json:"consumed_at,omitempty"`
}

func (s *Store) toEntityJSON(e *storage.StoredEntity) (*storedEntityJSON, error) {
	j := &storedEntityJSON{
		Category:  string(e.Category),
		Key:       e.Key,
		AccountID: e.AccountID,
		ClientID:  e.ClientID,
		GrantID:   e.GrantID,
		SessionID: e.SessionID,
		Scope:     e.Scope,
		UserCode:  e.UserCode,
		UID:       e.UID,
		IssuedAt:  e.IssuedAt.Unix(),
		ExpiresAt: e.ExpiresAt.Unix(),
	}
	if !e.ConsumedAt.IsZero() {
		j.ConsumedAt = e.ConsumedAt.Unix()
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
		j.Payload = base64.StdEncoding.EncodeToString(payload)
	}

	return j, nil
}

func (s *Store) fromEntityJSON(j *storedEntityJSON) (*storage.StoredEntity, error) {
	if j == nil {
		return nil, nil
	}
	e := &storage.StoredEntity{
		Category:  storage.Category(j.Category),
		Key:       j.Key,
		AccountID: j.AccountID,
		ClientID:  j.ClientID,
		GrantID:   j.GrantID,
		SessionID: j.SessionID,
		Scope:     j.Scope,
		UserCode:  j.UserCode,
		UID:       j.UID,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
	if j.ConsumedAt > 0 {
		e.ConsumedAt = time.Unix(j.ConsumedAt, 0)
	}

	if j.Payload != "" {
		payload, err := base64.StdEncoding.DecodeString(j.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
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

func (s *Store) unmarshalEntity(data string) (*storage.StoredEntity, error) {
	var j storedEntityJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entity: %w", err)
	}
	return s.fromEntityJSON(&j)
}

// isNilError reports whether the error is a Valkey nil (key not found) reply.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
