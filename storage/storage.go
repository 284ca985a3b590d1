// Package storage defines the entity store backing the authorization-grant
// core: a single keyed collection for every short-lived protocol artifact
// (authorization codes, tokens, grants, sessions, device codes, pushed
// authorization requests), with expiry and one-time-consumption semantics.
// It supports various backend implementations including in-memory, Valkey,
// and SQL databases.
package storage

import (
	"context"
	"errors"
	"time"
)

// Category identifies the kind of protocol artifact a StoredEntity holds.
// The category determines TTL defaults and which optional envelope fields
// are meaningful. Keys are unique per category, not globally.
type Category string

const (
	CategoryAuthorizationCode          Category = "AuthorizationCode"
	CategoryAccessToken                Category = "AccessToken"
	CategoryRefreshToken               Category = "RefreshToken"
	CategoryIDToken                    Category = "IDToken"
	CategoryGrant                      Category = "Grant"
	CategorySession                    Category = "Session"
	CategoryDeviceCode                 Category = "DeviceCode"
	CategoryPushedAuthorizationRequest Category = "PushedAuthorizationRequest"
	CategoryInteraction                Category = "Interaction"
)

// Categories lists every valid category. Used by stores that need to scan
// per-category keyspaces (e.g. prune sweeps over prefixed keys).
var Categories = []Category{
	CategoryAuthorizationCode,
	CategoryAccessToken,
	CategoryRefreshToken,
	CategoryIDToken,
	CategoryGrant,
	CategorySession,
	CategoryDeviceCode,
	CategoryPushedAuthorizationRequest,
	CategoryInteraction,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Storage sentinel errors. Backends return these (optionally wrapped with %w)
// so callers can distinguish protocol conditions from transient store
// failures.
//
// SECURITY: ErrEntityConsumed and the expired condition must never be
// surfaced to OAuth clients as distinct errors - the flow layer collapses
// both into a generic invalid_grant to avoid oracle leakage on code guessing.
var (
	// ErrEntityNotFound indicates the entity is missing, expired, or
	// consumed. Lookups never distinguish which.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrEntityConsumed is returned by ConsumeLive when another request
	// already won the consumption race. Only the flow layer sees it.
	ErrEntityConsumed = errors.New("entity already consumed")

	// ErrGrantNotFound indicates no grant exists for the given id or
	// (session, client) pair.
	ErrGrantNotFound = errors.New("grant not found")
)

// StoredEntity is the single polymorphic record type for every protocol
// artifact. The envelope fields (ids, scope, expiry, consumption) are shared
// across categories; Payload carries the category-specific body as an opaque
// JSON blob that is immutable after issuance.
type StoredEntity struct {
	Category Category
	Key      string

	// AccountID is the authenticated subject, if any.
	AccountID string

	// ClientID is the relying party this artifact belongs to, if any.
	ClientID string

	// GrantID back-references the grant that authorized this artifact.
	// Used for cascading revocation.
	GrantID string

	// SessionID back-references a login session, if any.
	SessionID string

	// Scope is the space-delimited approved scope set, if any.
	Scope string

	// UserCode is the secondary lookup key for device-flow artifacts.
	UserCode string

	// UID is an opaque secondary lookup key (e.g. the uid embedded in a
	// device-flow verification URI).
	UID string

	// Payload holds the category-specific fields (redirect_uri, PKCE
	// challenge, nonce, requested claims, ...) as serialized JSON.
	Payload []byte

	IssuedAt  time.Time
	ExpiresAt time.Time

	// ConsumedAt is set exactly once, when the artifact is used up.
	// Zero means not consumed.
	ConsumedAt time.Time
}

// Consumed reports whether the entity has been used up.
func (e *StoredEntity) Consumed() bool {
	return !e.ConsumedAt.IsZero()
}

// Live reports whether the entity is usable at the given instant: not
// consumed and not past its expiry.
func (e *StoredEntity) Live(now time.Time) bool {
	return !e.Consumed() && now.Before(e.ExpiresAt)
}

// Clone returns a deep copy so stores can hand out entities without exposing
// their internal records to caller mutation.
func (e *StoredEntity) Clone() *StoredEntity {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Payload != nil {
		cp.Payload = make([]byte, len(e.Payload))
		copy(cp.Payload, e.Payload)
	}
	return &cp
}

// Adapter is the entity store contract the surrounding OIDC provider
// consumes, keyed by (category, key). All methods accept context.Context so
// callers can attach deadlines; a timed-out issuance must not be retried
// blindly (only Upsert is idempotent - retrying Consume can mask a
// double-spend race).
//
// Failure semantics: any non-sentinel error is a transient storage failure.
// The exchange state machine treats such a failure during token issuance as
// "nothing issued".
type Adapter interface {
	// Upsert writes the entity under (entity.Category, entity.Key) with
	// expiry now+ttl, overwriting any previous record. Idempotent; used
	// both at issuance and when a token's metadata is refined afterwards.
	Upsert(ctx context.Context, entity *StoredEntity, ttl time.Duration) error

	// Find returns the live entity for (category, key).
	// Missing, expired, and consumed all yield ErrEntityNotFound.
	Find(ctx context.Context, category Category, key string) (*StoredEntity, error)

	// FindByUserCode looks up a live entity by its user code
	// (device-flow secondary index). Liveness filtering as in Find.
	FindByUserCode(ctx context.Context, userCode string) (*StoredEntity, error)

	// FindByUID looks up a live entity by its uid secondary index.
	// Liveness filtering as in Find.
	FindByUID(ctx context.Context, uid string) (*StoredEntity, error)

	// Consume marks the entity consumed if it is not already. Missing or
	// already-consumed keys are a no-op, not an error - a replayed
	// exchange must fail at the verification layer above the store.
	Consume(ctx context.Context, category Category, key string) error

	// ConsumeLive atomically transitions ConsumedAt from unset to set and
	// returns the entity as it was before consumption. Exactly one of N
	// concurrent calls for the same key succeeds; losers receive
	// ErrEntityConsumed (or ErrEntityNotFound if the entity is missing or
	// expired). This is the synchronization point of the code exchange.
	//
	// On ErrEntityConsumed the already-consumed entity is returned alongside
	// the error when the backend still has it, so the caller can trace the
	// replay to its grant and revoke it. Never treat that entity as live.
	ConsumeLive(ctx context.Context, category Category, key string) (*StoredEntity, error)

	// Destroy hard-deletes the entity. Safe to call twice; used on
	// rollback paths for aborted flows.
	Destroy(ctx context.Context, category Category, key string) error

	// RevokeByGrantID marks every live entity referencing grantID as
	// consumed in one logical operation and returns how many were
	// affected. Once it returns nil no entity bound to the grant may
	// remain live.
	RevokeByGrantID(ctx context.Context, grantID string) (int, error)

	// PruneExpired deletes rows with ExpiresAt before now, regardless of
	// consumption state, and returns the count. Runs from a background
	// sweeper and must not block issuance traffic.
	PruneExpired(ctx context.Context, now time.Time) (int, error)
}

// EntityKey renders the {category}:{id} naming scheme used by the provider
// framework and by key-value backends.
func EntityKey(category Category, key string) string {
	return string(category) + ":" + key
}

// DefaultTTL returns the category-specific TTL used when the caller does not
// override it: authorization codes and device codes are short-lived, access
// and ID tokens last about an hour, refresh tokens and grants span weeks.
func DefaultTTL(category Category) time.Duration {
	switch category {
	case CategoryAuthorizationCode, CategoryDeviceCode:
		return 10 * time.Minute
	case CategoryPushedAuthorizationRequest:
		return 5 * time.Minute
	case CategoryInteraction, CategoryAccessToken, CategoryIDToken:
		return time.Hour
	case CategoryRefreshToken, CategorySession:
		return 14 * 24 * time.Hour
	case CategoryGrant:
		return 28 * 24 * time.Hour
	default:
		return time.Hour
	}
}
