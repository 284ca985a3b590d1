// Package testutil provides shared fixtures for grantstore tests.
package testutil

import (
	"sync"
	"time"

	"github.com/giantswarm/grantstore/storage"
)

// Clock is a controllable clock for store tests. Now() starts at a fixed
// instant and can be advanced manually so expiry behavior is deterministic.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock pinned to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// NewCodeEntity builds an authorization-code entity bound to the given PKCE
// challenge and redirect URI.
func NewCodeEntity(key, accountID, clientID, grantID, redirectURI, challenge string) *storage.StoredEntity {
	payload, err := storage.MarshalPayload(storage.CodePayload{
		RedirectURI:         redirectURI,
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		panic(err)
	}
	return &storage.StoredEntity{
		Category:  storage.CategoryAuthorizationCode,
		Key:       key,
		AccountID: accountID,
		ClientID:  clientID,
		GrantID:   grantID,
		Scope:     "openid profile",
		Payload:   payload,
	}
}

// NewGrantEntity builds a granted Grant entity.
func NewGrantEntity(grantID, accountID, clientID, sessionID string, scopes []string) *storage.StoredEntity {
	payload, err := storage.MarshalPayload(storage.GrantPayload{
		Scopes: scopes,
		State:  storage.GrantStateGranted,
	})
	if err != nil {
		panic(err)
	}
	return &storage.StoredEntity{
		Category:  storage.CategoryGrant,
		Key:       grantID,
		AccountID: accountID,
		ClientID:  clientID,
		GrantID:   grantID,
		SessionID: sessionID,
		Payload:   payload,
	}
}

// NewTokenEntity builds a token entity of the given category bound to a grant.
func NewTokenEntity(category storage.Category, key, accountID, clientID, grantID string) *storage.StoredEntity {
	payload, err := storage.MarshalPayload(storage.TokenPayload{Kind: string(category)})
	if err != nil {
		panic(err)
	}
	return &storage.StoredEntity{
		Category:  category,
		Key:       key,
		AccountID: accountID,
		ClientID:  clientID,
		GrantID:   grantID,
		Payload:   payload,
	}
}
