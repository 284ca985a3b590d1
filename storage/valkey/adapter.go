package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/giantswarm/grantstore/internal/util"
	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These scripts provide the atomic check-and-set semantics the grant flows
// depend on. Running them server-side prevents race conditions that would
// otherwise allow code replay or rotated-token reuse across nodes.

// luaAtomicConsume atomically checks that an entity is live and marks it
// consumed. Only ONE concurrent caller can succeed; every other attempt
// receives ALREADY_CONSUMED.
//
// KEYS[1] = entity key (e.g., "grant:entity:AuthorizationCode:abc123")
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = clock skew grace period in seconds
//
// Returns:
//   - Original JSON data (pre-consumption) if the entity was live
//   - "NOT_FOUND" if the key doesn't exist
//   - "EXPIRED" if now > expires_at + grace
//   - "ALREADY_CONSUMED:<json>" if consumed_at is already set (the data is
//     returned so the caller can trace the replay to its grant)
const luaAtomicConsume = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local entity = cjson.decode(data)

local now = tonumber(ARGV[1])
local grace = tonumber(ARGV[2])
local expiresAt = tonumber(entity.expires_at)
if expiresAt and expiresAt > 0 and now > expiresAt + grace then
    return 'EXPIRED'
end

if entity.consumed_at and tonumber(entity.consumed_at) > 0 then
    return 'ALREADY_CONSUMED:' .. data
end

entity.consumed_at = now
redis.call('SET', KEYS[1], cjson.encode(entity), 'KEEPTTL')

return data
`

// luaRevokeByGrant marks every live entity referenced by a grant's index set
// as consumed and returns the number revoked. Members of the index are
// "{category}:{key}" references; the script rebuilds the full entity key from
// the prefix argument.
//
// KEYS[1] = grant index key (e.g., "grant:grantidx:g-123")
// ARGV[1] = entity key prefix (e.g., "grant:entity:")
// ARGV[2] = current Unix timestamp in seconds
// ARGV[3] = clock skew grace period in seconds
//
// Runs as one script so the cascade is atomic: no token of the grant can be
// exchanged between the first and last mark. Liveness applies the same grace
// as the consume script, so every entity a read would return gets marked.
const luaRevokeByGrant = `
local members = redis.call('SMEMBERS', KEYS[1])
local now = tonumber(ARGV[2])
local grace = tonumber(ARGV[3])
local revoked = 0

for _, member in ipairs(members) do
    local entityKey = ARGV[1] .. member
    local data = redis.call('GET', entityKey)
    if data then
        local entity = cjson.decode(data)
        local expiresAt = tonumber(entity.expires_at)
        local consumed = entity.consumed_at and tonumber(entity.consumed_at) > 0
        local expired = expiresAt and expiresAt > 0 and now > expiresAt + grace
        if not consumed and not expired then
            entity.consumed_at = now
            redis.call('SET', entityKey, cjson.encode(entity), 'KEEPTTL')
            revoked = revoked + 1
        end
    end
end

return revoked
`

// ============================================================
// Adapter Implementation
// ============================================================

// Upsert writes the entity under (category, key) with the given TTL,
// maintaining the user code, uid, and grant secondary indexes.
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

	j, err := s.toEntityJSON(stored)
	if err != nil {
		return err
	}
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal entity: %w", err)
	}
	if len(data) > MaxEntityDataSize {
		return fmt.Errorf("entity data exceeds maximum size of %d bytes", MaxEntityDataSize)
	}

	key := s.entityKey(stored.Category, stored.Key)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}

	// Reverse lookups share the entity's TTL so they never outlive it.
	reference := storage.EntityKey(stored.Category, stored.Key)
	if stored.UserCode != "" {
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(s.userCodeKey(stored.UserCode)).Value(reference).Ex(ttl).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to save user code lookup: %w", err)
		}
	}
	if stored.UID != "" {
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(s.uidKey(stored.UID)).Value(reference).Ex(ttl).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to save uid lookup: %w", err)
		}
	}

	if stored.GrantID != "" {
		indexKey := s.grantIndexKey(stored.GrantID)
		if err := s.client.Do(ctx,
			s.client.B().Sadd().Key(indexKey).Member(reference).Build(),
		).Error(); err != nil {
			return fmt.Errorf("failed to index entity by grant: %w", err)
		}
		// The index must outlive the longest-lived member; pin it to the
		// grant retention window on every write.
		indexTTL := storage.DefaultTTL(storage.CategoryGrant)
		if ttl > indexTTL {
			indexTTL = ttl
		}
		if err := s.client.Do(ctx,
			s.client.B().Expire().Key(indexKey).Seconds(int64(indexTTL.Seconds())).Build(),
		).Error(); err != nil {
			s.logger.Warn("Failed to set TTL on grant index",
				"grant_id", util.SafeTruncate(stored.GrantID, keyLogLength),
				"error", err)
		}
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
	return s.findByKey(ctx, s.entityKey(category, key))
}

// FindByUserCode looks up a live entity by its device-flow user code.
func (s *Store) FindByUserCode(ctx context.Context, userCode string) (*storage.StoredEntity, error) {
	return s.findByReference(ctx, s.userCodeKey(userCode))
}

// FindByUID looks up a live entity by its uid.
func (s *Store) FindByUID(ctx context.Context, uid string) (*storage.StoredEntity, error) {
	return s.findByReference(ctx, s.uidKey(uid))
}

// findByReference resolves a reverse-lookup key to an entity reference and
// loads it through the shared liveness filter.
func (s *Store) findByReference(ctx context.Context, lookupKey string) (*storage.StoredEntity, error) {
	reference, err := s.client.Do(ctx, s.client.B().Get().Key(lookupKey).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to resolve lookup: %w", err)
	}
	return s.findByKey(ctx, s.prefix+"entity:"+reference)
}

func (s *Store) findByKey(ctx context.Context, key string) (*storage.StoredEntity, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	entity, err := s.unmarshalEntity(data)
	if err != nil {
		return nil, err
	}

	// TTL should handle expiry, but double-check against the entity's own
	// instant. Consumed entities are indistinguishable from missing ones.
	if entity.Consumed() {
		return nil, storage.ErrEntityNotFound
	}
	if security.IsExpired(entity.ExpiresAt, s.clock()) {
		return nil, storage.ErrEntityNotFound
	}

	return entity, nil
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

// ConsumeLive atomically transitions ConsumedAt from unset to set and
// returns the pre-consumption state.
//
// SECURITY: atomic via Lua script - only ONE concurrent request for a given
// key can succeed, even across nodes sharing the store. Losers receive
// ErrEntityConsumed.
func (s *Store) ConsumeLive(ctx context.Context, category storage.Category, key string) (*storage.StoredEntity, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicConsume).
			Numkeys(1).
			Key(s.entityKey(category, key)).
			Arg(strconv.FormatInt(s.clock().Unix(), 10)).
			Arg(strconv.FormatInt(int64(security.DefaultClockSkewGracePeriod.Seconds()), 10)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic consume: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrEntityNotFound
	case result == "EXPIRED":
		return nil, fmt.Errorf("%w: expired", storage.ErrEntityNotFound)
	case strings.HasPrefix(result, "ALREADY_CONSUMED:"):
		// Return the consumed entity for reuse forensics.
		data := strings.TrimPrefix(result, "ALREADY_CONSUMED:")
		consumed, uerr := s.unmarshalEntity(data)
		if uerr != nil {
			return nil, storage.ErrEntityConsumed
		}
		return consumed, storage.ErrEntityConsumed
	}

	entity, err := s.unmarshalEntity(result)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Consumed entity",
		"category", category,
		"key_prefix", util.SafeTruncate(key, keyLogLength))
	return entity, nil
}

// Destroy hard-deletes the entity and its index entries. Safe to call twice.
func (s *Store) Destroy(ctx context.Context, category storage.Category, key string) error {
	entityKey := s.entityKey(category, key)

	// Fetch first to clean up reverse lookups; best effort if it is gone.
	data, err := s.client.Do(ctx, s.client.B().Get().Key(entityKey).Build()).ToString()
	if err == nil {
		if entity, uerr := s.unmarshalEntity(data); uerr == nil {
			if entity.UserCode != "" {
				if derr := s.client.Do(ctx, s.client.B().Del().Key(s.userCodeKey(entity.UserCode)).Build()).Error(); derr != nil {
					s.logger.Warn("Failed to delete user code lookup", "error", derr)
				}
			}
			if entity.UID != "" {
				if derr := s.client.Do(ctx, s.client.B().Del().Key(s.uidKey(entity.UID)).Build()).Error(); derr != nil {
					s.logger.Warn("Failed to delete uid lookup", "error", derr)
				}
			}
			if entity.GrantID != "" {
				reference := storage.EntityKey(entity.Category, entity.Key)
				if derr := s.client.Do(ctx, s.client.B().Srem().Key(s.grantIndexKey(entity.GrantID)).Member(reference).Build()).Error(); derr != nil {
					s.logger.Warn("Failed to remove entity from grant index", "error", derr)
				}
			}
		}
	} else if !isNilError(err) {
		return fmt.Errorf("failed to get entity for deletion: %w", err)
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(entityKey).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}

	s.logger.Debug("Destroyed entity",
		"category", category,
		"key_prefix", util.SafeTruncate(key, keyLogLength))
	return nil
}

// RevokeByGrantID marks every live entity referencing grantID as consumed in
// one atomic script and returns the count.
func (s *Store) RevokeByGrantID(ctx context.Context, grantID string) (int, error) {
	if grantID == "" {
		return 0, fmt.Errorf("grantID cannot be empty")
	}

	revoked, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeByGrant).
			Numkeys(1).
			Key(s.grantIndexKey(grantID)).
			Arg(s.prefix+"entity:").
			Arg(strconv.FormatInt(s.clock().Unix(), 10)).
			Arg(strconv.FormatInt(int64(security.DefaultClockSkewGracePeriod.Seconds()), 10)).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to execute grant revocation: %w", err)
	}

	if revoked > 0 {
		s.logger.Info("Revoked entities for grant",
			"grant_id", util.SafeTruncate(grantID, keyLogLength),
			"entities_revoked", revoked)
	}
	return int(revoked), nil
}

// PruneExpired sweeps for entities whose own expiry instant has passed but
// whose key TTL has not fired yet (clock drift between writer and server).
// Native TTLs do the bulk of reclamation; this keeps the two in agreement.
func (s *Store) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	pattern := s.prefix + "entity:*"
	pruned := 0

	seen := make(map[string]struct{})
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return pruned, fmt.Errorf("failed to scan entities: %w", err)
		}

		for _, key := range result.Elements {
			// SCAN can return duplicates across iterations.
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // expired between SCAN and GET
				}
				return pruned, fmt.Errorf("failed to get entity %s: %w", key, err)
			}

			var j storedEntityJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal entity during prune, skipping",
					"key", key,
					"error", err)
				continue
			}

			if j.ExpiresAt > 0 && now.Unix() > j.ExpiresAt {
				reference := strings.TrimPrefix(key, s.prefix+"entity:")
				if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
					s.logger.Warn("Failed to prune entity", "key", key, "error", err)
					continue
				}
				if j.GrantID != "" {
					if err := s.client.Do(ctx, s.client.B().Srem().Key(s.grantIndexKey(j.GrantID)).Member(reference).Build()).Error(); err != nil {
						s.logger.Warn("Failed to remove pruned entity from grant index", "error", err)
					}
				}
				pruned++
			}
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	if pruned > 0 {
		s.logger.Debug("Pruned expired entities", "count", pruned)
	}
	return pruned, nil
}
