package flow

import (
	"context"
	"errors"

	"github.com/giantswarm/grantstore/internal/util"
	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

// RefreshRequest carries the token-endpoint parameters of a refresh_token
// exchange.
type RefreshRequest struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// RefreshTokens rotates a refresh token: the presented token is consumed
// atomically and a fresh access/refresh pair is issued under the same grant.
//
// SECURITY: presenting a refresh token that was already rotated is treated
// as theft. The whole grant is revoked, cutting off both the legitimate
// holder and the attacker - whichever of the two presented second.
func (f *Flow) RefreshTokens(ctx context.Context, req RefreshRequest) (*TokenSet, error) {
	if _, authErr := f.authenticateClient(ctx, req.ClientID, req.ClientSecret); authErr != nil {
		return nil, authErr
	}

	token, err := f.store.ConsumeLive(ctx, storage.CategoryRefreshToken, req.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrEntityConsumed) {
			return nil, f.handleRefreshReplay(ctx, req.ClientID, token)
		}
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, f.rejectExchange(ctx, "", req.ClientID, reasonTokenNotFound)
		}
		return nil, ErrServerError("storage failure during token refresh")
	}

	if token.ClientID != req.ClientID {
		return nil, f.rejectExchange(ctx, token.AccountID, req.ClientID, reasonClientMismatch)
	}

	grant, err := f.FindGrant(ctx, token.GrantID)
	if err != nil || grant.State != storage.GrantStateGranted {
		return nil, f.rejectExchange(ctx, token.AccountID, req.ClientID, reasonGrantNotActive)
	}

	set, issueErr := f.rotateTokens(ctx, grant, token)
	if issueErr != nil {
		return nil, issueErr
	}

	f.metrics.RecordTokenRefresh(ctx, req.ClientID)
	f.auditor.LogEvent(security.Event{
		Type:      security.EventTokenRotated,
		AccountID: token.AccountID,
		ClientID:  req.ClientID,
		GrantID:   token.GrantID,
	})

	return set, nil
}

// handleRefreshReplay reacts to reuse of a rotated refresh token by revoking
// the grant and everything issued under it.
func (f *Flow) handleRefreshReplay(ctx context.Context, clientID string, consumed *storage.StoredEntity) *OAuthError {
	f.metrics.RecordTokenReuseDetected(ctx)

	if consumed != nil && consumed.GrantID != "" {
		revoked, err := f.store.RevokeByGrantID(ctx, consumed.GrantID)
		if err != nil {
			f.logger.Error("Failed to revoke grant after refresh token reuse",
				"grant_id", util.SafeTruncate(consumed.GrantID, keyLogLength),
				"error", err)
		} else {
			f.metrics.RecordGrantRevoked(ctx, revoked)
			f.auditor.LogGrantRevoked(consumed.AccountID, clientID, consumed.GrantID, revoked)
		}
		if f.auditAllowed(clientID) {
			f.auditor.LogEvent(security.Event{
				Type:      security.EventTokenReuse,
				AccountID: consumed.AccountID,
				ClientID:  clientID,
				GrantID:   consumed.GrantID,
			})
		}
	}

	return f.rejectExchange(ctx, "", clientID, reasonTokenReplayed)
}

// rotateTokens issues the replacement access/refresh pair, recording which
// token the new refresh token descends from.
func (f *Flow) rotateTokens(ctx context.Context, grant *Grant, parent *storage.StoredEntity) (*TokenSet, error) {
	scope := parent.Scope
	if scope == "" {
		scope = joinScope(grant.Scopes)
	}

	accessTTL := f.ttlFor(storage.CategoryAccessToken)
	set := &TokenSet{
		AccessToken:  newArtifactKey(),
		RefreshToken: newArtifactKey(),
		TokenType:    "Bearer",
		ExpiresIn:    int64(accessTTL.Seconds()),
		Scope:        scope,
		GrantID:      grant.ID,
	}

	writes := []pendingToken{
		{storage.CategoryAccessToken, set.AccessToken, storage.TokenPayload{Kind: string(storage.CategoryAccessToken)}},
		{storage.CategoryRefreshToken, set.RefreshToken, storage.TokenPayload{
			Kind:        string(storage.CategoryRefreshToken),
			RotatedFrom: parent.Key,
		}},
	}

	var written []pendingToken
	for _, w := range writes {
		payload, err := storage.MarshalPayload(w.payload)
		if err != nil {
			f.rollbackTokens(ctx, written)
			return nil, ErrServerError("failed to encode token payload")
		}
		entity := &storage.StoredEntity{
			Category:  w.category,
			Key:       w.key,
			AccountID: grant.AccountID,
			ClientID:  grant.ClientID,
			GrantID:   grant.ID,
			SessionID: grant.SessionID,
			Scope:     scope,
			Payload:   payload,
		}
		if err := f.store.Upsert(ctx, entity, f.ttlFor(w.category)); err != nil {
			f.rollbackTokens(ctx, written)
			return nil, ErrServerError("storage failure during token rotation")
		}
		written = append(written, w)
		f.metrics.RecordTokensIssued(ctx, grant.ClientID, string(w.category))
	}

	return set, nil
}
