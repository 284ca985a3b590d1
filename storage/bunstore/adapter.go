package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/giantswarm/grantstore/internal/util"
	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

// CreateSchema creates the stored_entities table and its secondary indexes.
// Safe to call on every startup.
func (s *Store) CreateSchema(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*entityRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to create stored_entities table: %w", err)
	}

	for name, column := range map[string]string{
		"idx_stored_entities_grant_id":   "grant_id",
		"idx_stored_entities_user_code":  "user_code",
		"idx_stored_entities_uid":        "uid",
		"idx_stored_entities_expires_at": "expires_at",
	} {
		if _, err := s.db.NewCreateIndex().
			Model((*entityRecord)(nil)).
			Index(name).
			Column(column).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}

	return nil
}

// Upsert writes the entity under (category, key). On conflict the row is
// replaced except for consumed_at, so an upsert can never resurrect a
// consumed entity.
func (s *Store) Upsert(ctx context.Context, entity *storage.StoredEntity, ttl time.Duration) error {
	if entity == nil || entity.Key == "" {
		return fmt.Errorf("invalid entity")
	}
	if !entity.Category.Valid() {
		return fmt.Errorf("unknown category: %s", entity.Category)
	}
	if ttl <= 0 {
		ttl = storage.DefaultTTL(entity.Category)
	}

	stored := entity.Clone()
	now := s.clock()
	if stored.IssuedAt.IsZero() {
		stored.IssuedAt = now
	}
	stored.ExpiresAt = now.Add(ttl)

	rec, err := s.toRecord(stored)
	if err != nil {
		return err
	}

	if _, err := s.db.NewInsert().
		Model(rec).
		On("CONFLICT (category, entity_key) DO UPDATE").
		Set("account_id = EXCLUDED.account_id").
		Set("client_id = EXCLUDED.client_id").
		Set("grant_id = EXCLUDED.grant_id").
		Set("session_id = EXCLUDED.session_id").
		Set("scope = EXCLUDED.scope").
		Set("user_code = EXCLUDED.user_code").
		Set("uid = EXCLUDED.uid").
		Set("payload = EXCLUDED.payload").
		Set("issued_at = EXCLUDED.issued_at").
		Set("expires_at = EXCLUDED.expires_at").
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}

	s.logger.Debug("Upserted entity",
		"category", stored.Category,
		"key_prefix", util.SafeTruncate(stored.Key, keyLogLength),
		"expires_at", stored.ExpiresAt)
	return nil
}

// Find returns the live entity for (category, key). Consumed and expired
// entities read as not found.
func (s *Store) Find(ctx context.Context, category storage.Category, key string) (*storage.StoredEntity, error) {
	rec := new(entityRecord)
	err := s.db.NewSelect().
		Model(rec).
		Where("category = ?", string(category)).
		Where("entity_key = ?", key).
		Scan(ctx)
	return s.liveResult(rec, err)
}

// FindByUserCode looks up a live entity by its device-flow user code.
func (s *Store) FindByUserCode(ctx context.Context, userCode string) (*storage.StoredEntity, error) {
	if userCode == "" {
		return nil, storage.ErrEntityNotFound
	}
	rec := new(entityRecord)
	err := s.db.NewSelect().
		Model(rec).
		Where("user_code = ?", userCode).
		Limit(1).
		Scan(ctx)
	return s.liveResult(rec, err)
}

// FindByUID looks up a live entity by its uid.
func (s *Store) FindByUID(ctx context.Context, uid string) (*storage.StoredEntity, error) {
	if uid == "" {
		return nil, storage.ErrEntityNotFound
	}
	rec := new(entityRecord)
	err := s.db.NewSelect().
		Model(rec).
		Where("uid = ?", uid).
		Limit(1).
		Scan(ctx)
	return s.liveResult(rec, err)
}

// liveResult applies the shared liveness filter to a select result.
func (s *Store) liveResult(rec *entityRecord, err error) (*storage.StoredEntity, error) {
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	if rec.ConsumedAt != nil {
		return nil, storage.ErrEntityNotFound
	}
	if security.IsExpired(rec.ExpiresAt, s.clock()) {
		return nil, storage.ErrEntityNotFound
	}
	return s.fromRecord(rec)
}

// Consume marks the entity consumed if it is not already. Missing and
// already-consumed keys succeed silently.
func (s *Store) Consume(ctx context.Context, category storage.Category, key string) error {
	_, err := s.ConsumeLive(ctx, category, key)
	if err == nil ||
		errors.Is(err, storage.ErrEntityNotFound) ||
		errors.Is(err, storage.ErrEntityConsumed) {
		return nil
	}
	return err
}

// ConsumeLive atomically transitions consumed_at from NULL to the current
// instant and returns the pre-consumption state.
//
// SECURITY: the conditional UPDATE (WHERE consumed_at IS NULL) is the
// atomic step - the database guarantees exactly one concurrent statement
// matches the row, so only ONE caller wins even across processes.
func (s *Store) ConsumeLive(ctx context.Context, category storage.Category, key string) (*storage.StoredEntity, error) {
	now := s.clock()
	var entity *storage.StoredEntity

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec := new(entityRecord)
		if err := tx.NewSelect().
			Model(rec).
			Where("category = ?", string(category)).
			Where("entity_key = ?", key).
			Scan(ctx); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return storage.ErrEntityNotFound
			}
			return fmt.Errorf("failed to get entity: %w", err)
		}

		if security.IsExpired(rec.ExpiresAt, now) {
			return fmt.Errorf("%w: expired", storage.ErrEntityNotFound)
		}

		result, err := tx.NewUpdate().
			Model((*entityRecord)(nil)).
			Set("consumed_at = ?", now).
			Where("category = ?", string(category)).
			Where("entity_key = ?", key).
			Where("consumed_at IS NULL").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to consume entity: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read consume result: %w", err)
		}
		mapped, err := s.fromRecord(rec)
		if err != nil {
			return err
		}
		if affected == 0 {
			// The row existed but consumed_at was already set: lost the race
			// or replayed. Hand the consumed entity back for forensics.
			entity = mapped
			return storage.ErrEntityConsumed
		}

		entity = mapped
		return nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrEntityConsumed) {
			return entity, err
		}
		return nil, err
	}

	s.logger.Debug("Consumed entity",
		"category", category,
		"key_prefix", util.SafeTruncate(key, keyLogLength))
	return entity, nil
}

// Destroy hard-deletes the entity. Safe to call twice.
func (s *Store) Destroy(ctx context.Context, category storage.Category, key string) error {
	if _, err := s.db.NewDelete().
		Model((*entityRecord)(nil)).
		Where("category = ?", string(category)).
		Where("entity_key = ?", key).
		Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	s.logger.Debug("Destroyed entity",
		"category", category,
		"key_prefix", util.SafeTruncate(key, keyLogLength))
	return nil
}

// RevokeByGrantID marks every live entity referencing grantID as consumed.
// One UPDATE statement covers the whole cascade, so no token of the grant
// can be exchanged between the first and last mark. The expiry cutoff is
// widened by the clock-skew grace so every entity a read would still return
// is covered.
func (s *Store) RevokeByGrantID(ctx context.Context, grantID string) (int, error) {
	if grantID == "" {
		return 0, fmt.Errorf("grantID cannot be empty")
	}

	now := s.clock()
	result, err := s.db.NewUpdate().
		Model((*entityRecord)(nil)).
		Set("consumed_at = ?", now).
		Where("grant_id = ?", grantID).
		Where("consumed_at IS NULL").
		Where("expires_at > ?", now.Add(-security.DefaultClockSkewGracePeriod)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grant entities: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read revocation result: %w", err)
	}

	if affected > 0 {
		s.logger.Info("Revoked entities for grant",
			"grant_id", util.SafeTruncate(grantID, keyLogLength),
			"entities_revoked", affected)
	}
	return int(affected), nil
}

// PruneExpired deletes rows past their expiry instant, regardless of
// consumption state.
func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.NewDelete().
		Model((*entityRecord)(nil)).
		Where("expires_at < ?", now).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired entities: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read prune result: %w", err)
	}

	if affected > 0 {
		s.logger.Debug("Pruned expired entities", "count", affected)
	}
	return int(affected), nil
}
