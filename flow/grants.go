package flow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

// Grant is the durable record of "account X approved scopes S for client Y",
// decoded from its stored entity.
type Grant struct {
	ID        string
	AccountID string
	ClientID  string
	SessionID string
	Scopes    []string
	Claims    []string
	State     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// legalGrantTransitions is the per-authorization-request state machine:
// started -> awaiting_login -> awaiting_consent -> granted, with revoked
// reachable from anywhere. Skipping forward is allowed (a request that needs
// no login jumps straight to consent), moving backward is not.
var legalGrantTransitions = map[string]map[string]bool{
	storage.GrantStateStarted: {
		storage.GrantStateAwaitingLogin:   true,
		storage.GrantStateAwaitingConsent: true,
		storage.GrantStateGranted:         true,
		storage.GrantStateRevoked:         true,
	},
	storage.GrantStateAwaitingLogin: {
		storage.GrantStateAwaitingConsent: true,
		storage.GrantStateGranted:         true,
		storage.GrantStateRevoked:         true,
	},
	storage.GrantStateAwaitingConsent: {
		storage.GrantStateGranted: true,
		storage.GrantStateRevoked: true,
	},
	storage.GrantStateGranted: {
		storage.GrantStateRevoked: true,
	},
	storage.GrantStateRevoked: {},
}

// grantUID derives the secondary lookup key that makes "the active grant for
// this session and client" a single index read.
func grantUID(sessionID, clientID string) string {
	return sessionID + "/" + clientID
}

// CreateGrant starts a new grant in the started state and persists it.
func (f *Flow) CreateGrant(ctx context.Context, accountID, clientID, sessionID string, scopes []string) (*Grant, error) {
	if accountID == "" || clientID == "" {
		return nil, fmt.Errorf("accountID and clientID are required")
	}

	grant := &Grant{
		ID:        uuid.NewString(),
		AccountID: accountID,
		ClientID:  clientID,
		SessionID: sessionID,
		Scopes:    append([]string(nil), scopes...),
		State:     storage.GrantStateStarted,
	}

	if err := f.saveGrant(ctx, grant); err != nil {
		return nil, err
	}

	f.auditor.LogEvent(security.Event{
		Type:      security.EventGrantCreated,
		AccountID: accountID,
		ClientID:  clientID,
		GrantID:   grant.ID,
		Details:   map[string]any{"scopes": grant.Scopes},
	})
	return grant, nil
}

// FindGrant returns the live grant for the id.
func (f *Flow) FindGrant(ctx context.Context, grantID string) (*Grant, error) {
	entity, err := f.store.Find(ctx, storage.CategoryGrant, grantID)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, err
	}
	return grantFromEntity(entity)
}

// FindActiveGrantForSession returns the live grant binding the given session
// to the given client, if any.
func (f *Flow) FindActiveGrantForSession(ctx context.Context, sessionID, clientID string) (*Grant, error) {
	if sessionID == "" || clientID == "" {
		return nil, storage.ErrGrantNotFound
	}
	entity, err := f.store.FindByUID(ctx, grantUID(sessionID, clientID))
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, err
	}
	return grantFromEntity(entity)
}

// AdvanceGrant moves the grant to the given state, enforcing the legal
// transition order.
func (f *Flow) AdvanceGrant(ctx context.Context, grantID, state string) (*Grant, error) {
	grant, err := f.FindGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}

	if grant.State == state {
		return grant, nil
	}
	if !legalGrantTransitions[grant.State][state] {
		return nil, fmt.Errorf("illegal grant transition from %s to %s", grant.State, state)
	}

	grant.State = state
	if err := f.saveGrant(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// ApproveGrant marks the grant as granted with the approved scopes and
// claims, replacing whatever was requested.
func (f *Flow) ApproveGrant(ctx context.Context, grantID string, scopes, claims []string) (*Grant, error) {
	grant, err := f.FindGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if !legalGrantTransitions[grant.State][storage.GrantStateGranted] && grant.State != storage.GrantStateGranted {
		return nil, fmt.Errorf("illegal grant transition from %s to %s", grant.State, storage.GrantStateGranted)
	}

	grant.State = storage.GrantStateGranted
	grant.Scopes = append([]string(nil), scopes...)
	grant.Claims = append([]string(nil), claims...)
	if err := f.saveGrant(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// AddGrantScopes widens the grant by the given scopes. A grant only ever
// widens; narrowing means revoking and granting anew.
func (f *Flow) AddGrantScopes(ctx context.Context, grantID string, scopes ...string) (*Grant, error) {
	grant, err := f.FindGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}

	added := mergeUnique(&grant.Scopes, scopes)
	if !added {
		return grant, nil
	}
	if err := f.saveGrant(ctx, grant); err != nil {
		return nil, err
	}

	f.auditor.LogEvent(security.Event{
		Type:      security.EventGrantWidened,
		AccountID: grant.AccountID,
		ClientID:  grant.ClientID,
		GrantID:   grant.ID,
		Details:   map[string]any{"scopes": grant.Scopes},
	})
	return grant, nil
}

// AddGrantClaims widens the grant by the given claim names.
func (f *Flow) AddGrantClaims(ctx context.Context, grantID string, claims ...string) (*Grant, error) {
	grant, err := f.FindGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}

	added := mergeUnique(&grant.Claims, claims)
	if !added {
		return grant, nil
	}
	if err := f.saveGrant(ctx, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

// RevokeGrant revokes the grant and cascades to every artifact bound to it:
// codes, tokens, and the grant record itself all become unusable in one
// store-level operation. Returns how many entities were affected.
func (f *Flow) RevokeGrant(ctx context.Context, grantID string) (int, error) {
	if grantID == "" {
		return 0, fmt.Errorf("grantID is required")
	}

	// Read the grant first for the audit record; revocation proceeds even
	// if it is already gone.
	var accountID, clientID string
	if grant, err := f.FindGrant(ctx, grantID); err == nil {
		accountID, clientID = grant.AccountID, grant.ClientID
	}

	revoked, err := f.store.RevokeByGrantID(ctx, grantID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grant: %w", err)
	}

	f.metrics.RecordGrantRevoked(ctx, revoked)
	f.auditor.LogGrantRevoked(accountID, clientID, grantID, revoked)
	return revoked, nil
}

// saveGrant persists the grant view back into its entity.
func (f *Flow) saveGrant(ctx context.Context, grant *Grant) error {
	payload, err := storage.MarshalPayload(storage.GrantPayload{
		Scopes: grant.Scopes,
		Claims: grant.Claims,
		State:  grant.State,
	})
	if err != nil {
		return err
	}

	entity := &storage.StoredEntity{
		Category:  storage.CategoryGrant,
		Key:       grant.ID,
		AccountID: grant.AccountID,
		ClientID:  grant.ClientID,
		GrantID:   grant.ID,
		SessionID: grant.SessionID,
		Scope:     joinScope(grant.Scopes),
		Payload:   payload,
	}
	if grant.SessionID != "" {
		entity.UID = grantUID(grant.SessionID, grant.ClientID)
	}

	// A new grant gets the full lifetime; updates keep the original expiry
	// so widening or advancing a grant never extends it.
	ttl := f.ttlFor(storage.CategoryGrant)
	if !grant.ExpiresAt.IsZero() {
		remaining := grant.ExpiresAt.Sub(f.now())
		if remaining <= 0 {
			return storage.ErrGrantNotFound
		}
		ttl = remaining
	}

	if err := f.store.Upsert(ctx, entity, ttl); err != nil {
		return fmt.Errorf("failed to save grant: %w", err)
	}
	return nil
}

// grantFromEntity decodes the stored view of a grant.
func grantFromEntity(entity *storage.StoredEntity) (*Grant, error) {
	var payload storage.GrantPayload
	if err := storage.UnmarshalPayload(entity.Payload, &payload); err != nil {
		return nil, fmt.Errorf("corrupt grant payload: %w", err)
	}
	return &Grant{
		ID:        entity.Key,
		AccountID: entity.AccountID,
		ClientID:  entity.ClientID,
		SessionID: entity.SessionID,
		Scopes:    payload.Scopes,
		Claims:    payload.Claims,
		State:     payload.State,
		IssuedAt:  entity.IssuedAt,
		ExpiresAt: entity.ExpiresAt,
	}, nil
}

// mergeUnique appends the values missing from *dst, reporting whether
// anything was added.
func mergeUnique(dst *[]string, values []string) bool {
	existing := make(map[string]struct{}, len(*dst))
	for _, v := range *dst {
		existing[v] = struct{}{}
	}
	added := false
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := existing[v]; !ok {
			*dst = append(*dst, v)
			existing[v] = struct{}{}
			added = true
		}
	}
	return added
}
