// Package memory provides an in-memory implementation of the entity store.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/grantstore/instrumentation"
	"github.com/giantswarm/grantstore/internal/util"
	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

const (
	// keyLogLength is the number of characters to include when logging
	// entity keys. Enough for debugging without leaking usable values.
	keyLogLength = 8
)

// Store is an in-memory implementation of storage.Adapter. All mutations run
// under one mutex, which makes the conditional consume and the cascading
// revocation trivially atomic; distributed backends need storage-level
// conditional writes for the same guarantees.
type Store struct {
	mu sync.Mutex

	// entities is keyed by the {category}:{key} naming scheme.
	entities map[string]*storage.StoredEntity

	// Secondary indexes map to entity envelope keys.
	byUserCode map[string]string
	byUID      map[string]string
	byGrant    map[string]map[string]struct{}

	// now is the single authoritative clock for liveness judgments.
	now func() time.Time

	// encryptor optionally encrypts payloads at rest.
	encryptor *security.Encryptor

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during collection)
	entitiesCountAtomic atomic.Int64
	grantsCountAtomic   atomic.Int64
	consumedCountAtomic atomic.Int64

	pruneInterval time.Duration
	stopPrune     chan struct{}
	logger        *slog.Logger
}

// Compile-time interface check
var _ storage.Adapter = (*Store)(nil)

// New creates a new in-memory store with the default prune interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom prune interval.
// If pruneInterval is 0 or negative, uses the default of 1 minute.
func NewWithInterval(pruneInterval time.Duration) *Store {
	if pruneInterval <= 0 {
		pruneInterval = time.Minute
	}

	s := &Store{
		entities:      make(map[string]*storage.StoredEntity),
		byUserCode:    make(map[string]string),
		byUID:         make(map[string]string),
		byGrant:       make(map[string]map[string]struct{}),
		now:           time.Now,
		pruneInterval: pruneInterval,
		stopPrune:     make(chan struct{}),
		logger:        slog.Default(),
	}

	go s.pruneLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetClock injects the authoritative clock. Intended for tests and for
// embedding services that centralize time sources.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// SetEncryptor enables payload encryption at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc.IsEnabled() {
		s.logger.Info("Payload encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.entitiesCountAtomic.Load() },
			func() int64 { return s.grantsCountAtomic.Load() },
			func() int64 { return s.consumedCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the prune goroutine
func (s *Store) Stop() {
	close(s.stopPrune)
}

// Upsert writes the entity under (category, key), overwriting any previous
// record and stamping expiry now+ttl.
func (s *Store) Upsert(ctx context.Context, entity *storage.StoredEntity, ttl time.Duration) error {
	ctx, span := s.startStorageSpan(ctx, "upsert")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "upsert", err, startTime)
	}()

	if entity == nil || entity.Key == "" {
		err = fmt.Errorf("invalid entity")
		return err
	}
	if !entity.Category.Valid() {
		err = fmt.Errorf("unknown category: %s", entity.Category)
		return err
	}
	if ttl <= 0 {
		ttl = storage.DefaultTTL(entity.Category)
	}

	stored := entity.Clone()
	if s.encryptor.IsEnabled() && len(stored.Payload) > 0 {
		encrypted, encErr := s.encryptor.Encrypt(stored.Payload)
		if encErr != nil {
			err = fmt.Errorf("failed to encrypt payload: %w", encErr)
			return err
		}
		stored.Payload = []byte(encrypted)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if stored.IssuedAt.IsZero() {
		stored.IssuedAt = now
	}
	stored.ExpiresAt = now.Add(ttl)

	envelopeKey := storage.EntityKey(stored.Category, stored.Key)
	previous, existed := s.entities[envelopeKey]
	if existed {
		s.unindexLocked(envelopeKey, previous)
		// Upsert refines metadata; it never un-consumes an entity.
		stored.ConsumedAt = previous.ConsumedAt
	}

	s.entities[envelopeKey] = stored
	s.indexLocked(envelopeKey, stored)

	if !existed {
		s.entitiesCountAtomic.Add(1)
		if stored.Category == storage.CategoryGrant {
			s.grantsCountAtomic.Add(1)
		}
	}

	s.logger.Debug("Upserted entity",
		"category", stored.Category,
		"key_prefix", util.SafeTruncate(stored.Key, keyLogLength),
		"expires_at", stored.ExpiresAt)
	return nil
}

// Find returns the live entity for (category, key). Missing, expired, and
// consumed all read as not found.
func (s *Store) Find(ctx context.Context, category storage.Category, key string) (*storage.StoredEntity, error) {
	ctx, span := s.startStorageSpan(ctx, "find")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "find", err, startTime)
	}()

	s.mu.Lock()
	entity, now := s.entities[storage.EntityKey(category, key)], s.now()
	encryptor := s.encryptor
	s.mu.Unlock()

	result, err := s.liveCopy(entity, now, encryptor)
	return result, err
}

// FindByUserCode looks up a live entity by its device-flow user code.
func (s *Store) FindByUserCode(ctx context.Context, userCode string) (*storage.StoredEntity, error) {
	ctx, span := s.startStorageSpan(ctx, "find_by_user_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "find_by_user_code", err, startTime)
	}()

	s.mu.Lock()
	var entity *storage.StoredEntity
	if envelopeKey, ok := s.byUserCode[userCode]; ok {
		entity = s.entities[envelopeKey]
	}
	now := s.now()
	encryptor := s.encryptor
	s.mu.Unlock()

	result, err := s.liveCopy(entity, now, encryptor)
	return result, err
}

// FindByUID looks up a live entity by its uid secondary index.
func (s *Store) FindByUID(ctx context.Context, uid string) (*storage.StoredEntity, error) {
	ctx, span := s.startStorageSpan(ctx, "find_by_uid")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "find_by_uid", err, startTime)
	}()

	s.mu.Lock()
	var entity *storage.StoredEntity
	if envelopeKey, ok := s.byUID[uid]; ok {
		entity = s.entities[envelopeKey]
	}
	now := s.now()
	encryptor := s.encryptor
	s.mu.Unlock()

	result, err := s.liveCopy(entity, now, encryptor)
	return result, err
}

// Consume marks the entity consumed if it is not already. Missing and
// already-consumed keys succeed silently - replay rejection happens in the
// verification layer, not here.
func (s *Store) Consume(ctx context.Context, category storage.Category, key string) error {
	_, err := s.ConsumeLive(ctx, category, key)
	if err == nil ||
		errors.Is(err, storage.ErrEntityNotFound) ||
		errors.Is(err, storage.ErrEntityConsumed) {
		return nil
	}
	return err
}

// ConsumeLive atomically transitions ConsumedAt from unset to set.
//
// SECURITY: this operation is atomic - only ONE concurrent request for a
// given key can succeed. All others receive ErrEntityConsumed, which is what
// makes a replayed code exchange lose deterministically.
func (s *Store) ConsumeLive(ctx context.Context, category storage.Category, key string) (*storage.StoredEntity, error) {
	ctx, span := s.startStorageSpan(ctx, "consume")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[storage.EntityKey(category, key)]
	if !ok {
		err = storage.ErrEntityNotFound
		return nil, err
	}

	now := s.now()
	if security.IsExpired(entity.ExpiresAt, now) {
		err = fmt.Errorf("%w: expired", storage.ErrEntityNotFound)
		return nil, err
	}

	// Atomic check-and-set under the store lock: only one caller passes.
	// Losers get the consumed entity back for reuse forensics.
	if entity.Consumed() {
		err = storage.ErrEntityConsumed
		consumed, copyErr := s.decryptedCopy(entity, s.encryptor)
		if copyErr != nil {
			return nil, err
		}
		return consumed, err
	}

	result, copyErr := s.decryptedCopy(entity, s.encryptor)
	if copyErr != nil {
		err = copyErr
		return nil, err
	}

	entity.ConsumedAt = now
	s.consumedCountAtomic.Add(1)

	s.logger.Debug("Consumed entity",
		"category", category,
		"key_prefix", util.SafeTruncate(key, keyLogLength))
	return result, nil
}

// Destroy hard-deletes the entity. Safe to call twice.
func (s *Store) Destroy(ctx context.Context, category storage.Category, key string) error {
	ctx, span := s.startStorageSpan(ctx, "destroy")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "destroy", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	envelopeKey := storage.EntityKey(category, key)
	entity, existed := s.entities[envelopeKey]
	if !existed {
		return nil
	}

	s.removeLocked(envelopeKey, entity)

	s.logger.Debug("Destroyed entity",
		"category", category,
		"key_prefix", util.SafeTruncate(key, keyLogLength))
	return nil
}

// RevokeByGrantID marks every live entity referencing grantID as consumed in
// one logical operation. Under the store mutex no interleaving is possible:
// either all affected entities become unusable or, on failure, none were
// reported revoked. Liveness here uses the same clock-skew grace as reads:
// an entity Find would still return is an entity revocation must reach.
func (s *Store) RevokeByGrantID(ctx context.Context, grantID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_by_grant_id")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "revoke_by_grant_id", err, startTime)
	}()

	if grantID == "" {
		err = fmt.Errorf("grantID cannot be empty")
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	revoked := 0
	for envelopeKey := range s.byGrant[grantID] {
		entity, ok := s.entities[envelopeKey]
		if !ok {
			continue
		}
		if !entity.Consumed() && !security.IsExpired(entity.ExpiresAt, now) {
			entity.ConsumedAt = now
			s.consumedCountAtomic.Add(1)
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Info("Revoked entities for grant",
			"grant_id", util.SafeTruncate(grantID, keyLogLength),
			"entities_revoked", revoked)
	}
	return revoked, nil
}

// PruneExpired deletes rows past their expiry instant, regardless of
// consumption state. No clock-skew grace applies here: prune reclaims
// storage on the raw schedule while reads stay tolerant.
func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "prune_expired")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "prune_expired", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for envelopeKey, entity := range s.entities {
		if entity.ExpiresAt.Before(now) {
			s.removeLocked(envelopeKey, entity)
			pruned++
		}
	}

	if pruned > 0 {
		s.logger.Debug("Pruned expired entities", "count", pruned)
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordEntitiesPruned(ctx, pruned)
		}
	}
	return pruned, nil
}

// ============================================================
// Internals
// ============================================================

func (s *Store) pruneLoop() {
	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopPrune:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			s.mu.Unlock()
			if _, err := s.PruneExpired(context.Background(), now); err != nil {
				s.logger.Warn("Prune sweep failed", "error", err)
			}
		}
	}
}

// liveCopy applies the shared liveness filter and returns a decrypted clone.
// Consumed and expired entities read as not found so callers can never
// distinguish the two (oracle resistance).
func (s *Store) liveCopy(entity *storage.StoredEntity, now time.Time, enc *security.Encryptor) (*storage.StoredEntity, error) {
	if entity == nil {
		return nil, storage.ErrEntityNotFound
	}
	if entity.Consumed() {
		return nil, storage.ErrEntityNotFound
	}
	if security.IsExpired(entity.ExpiresAt, now) {
		return nil, storage.ErrEntityNotFound
	}
	return s.decryptedCopy(entity, enc)
}

func (s *Store) decryptedCopy(entity *storage.StoredEntity, enc *security.Encryptor) (*storage.StoredEntity, error) {
	cp := entity.Clone()
	if enc.IsEnabled() && len(cp.Payload) > 0 {
		plain, err := enc.Decrypt(string(cp.Payload))
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt payload: %w", err)
		}
		cp.Payload = plain
	}
	return cp, nil
}

// indexLocked registers the entity's secondary keys. Caller holds s.mu.
func (s *Store) indexLocked(envelopeKey string, entity *storage.StoredEntity) {
	if entity.UserCode != "" {
		s.byUserCode[entity.UserCode] = envelopeKey
	}
	if entity.UID != "" {
		s.byUID[entity.UID] = envelopeKey
	}
	if entity.GrantID != "" {
		set, ok := s.byGrant[entity.GrantID]
		if !ok {
			set = make(map[string]struct{})
			s.byGrant[entity.GrantID] = set
		}
		set[envelopeKey] = struct{}{}
	}
}

// unindexLocked removes the entity's secondary keys. Caller holds s.mu.
func (s *Store) unindexLocked(envelopeKey string, entity *storage.StoredEntity) {
	if entity.UserCode != "" && s.byUserCode[entity.UserCode] == envelopeKey {
		delete(s.byUserCode, entity.UserCode)
	}
	if entity.UID != "" && s.byUID[entity.UID] == envelopeKey {
		delete(s.byUID, entity.UID)
	}
	if entity.GrantID != "" {
		if set, ok := s.byGrant[entity.GrantID]; ok {
			delete(set, envelopeKey)
			if len(set) == 0 {
				delete(s.byGrant, entity.GrantID)
			}
		}
	}
}

// removeLocked deletes the entity and maintains indexes and counters.
// Caller holds s.mu.
func (s *Store) removeLocked(envelopeKey string, entity *storage.StoredEntity) {
	delete(s.entities, envelopeKey)
	s.unindexLocked(envelopeKey, entity)
	s.entitiesCountAtomic.Add(-1)
	if entity.Category == storage.CategoryGrant {
		s.grantsCountAtomic.Add(-1)
	}
	if entity.Consumed() {
		s.consumedCountAtomic.Add(-1)
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
			attribute.String("operation", operation),
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
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
