package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/giantswarm/grantstore/internal/util"
	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

const (
	// keyLogLength is the number of characters to include when logging
	// code and token keys.
	keyLogLength = 8
)

// IssueCodeRequest carries everything an authorization code is bound to at
// issuance.
type IssueCodeRequest struct {
	AccountID string
	ClientID  string
	GrantID   string
	SessionID string

	RedirectURI string
	Scope       string

	// CodeChallenge is the S256 PKCE challenge. Required: every code in
	// this core is PKCE-bound, public and confidential clients alike.
	CodeChallenge       string
	CodeChallengeMethod string

	Nonce           string
	ClaimsRequested []string
}

// IssuedCode is the result of IssueAuthorizationCode.
type IssuedCode struct {
	Code      string
	ExpiresIn int64
}

// TokenSet is the result of a successful exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	ExpiresIn    int64
	Scope        string
	GrantID      string
}

// ExchangeRequest carries the token-endpoint parameters of an
// authorization_code exchange.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string
}

// IssueAuthorizationCode mints a single-use code bound to the client,
// redirect URI, grant, and PKCE challenge.
func (f *Flow) IssueAuthorizationCode(ctx context.Context, req IssueCodeRequest) (*IssuedCode, error) {
	client, err := f.clients.FindClient(ctx, req.ClientID)
	if err != nil {
		return nil, ErrInvalidClient("unknown client")
	}
	if !redirectURIRegistered(client, req.RedirectURI) {
		return nil, ErrInvalidRedirectURI("redirect_uri is not registered for this client")
	}
	if req.CodeChallengeMethod != security.PKCEMethodS256 {
		return nil, ErrInvalidRequest("code_challenge_method must be S256")
	}
	if req.CodeChallenge == "" {
		return nil, ErrInvalidRequest("code_challenge is required")
	}
	if req.GrantID == "" {
		return nil, ErrInvalidRequest("grant binding is required")
	}

	payload, err := storage.MarshalPayload(storage.CodePayload{
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		ClaimsRequested:     req.ClaimsRequested,
	})
	if err != nil {
		return nil, ErrServerError("failed to encode code payload")
	}

	code := newArtifactKey()
	ttl := f.ttlFor(storage.CategoryAuthorizationCode)
	entity := &storage.StoredEntity{
		Category:  storage.CategoryAuthorizationCode,
		Key:       code,
		AccountID: req.AccountID,
		ClientID:  req.ClientID,
		GrantID:   req.GrantID,
		SessionID: req.SessionID,
		Scope:     req.Scope,
		Payload:   payload,
	}
	if err := f.store.Upsert(ctx, entity, ttl); err != nil {
		return nil, ErrServerError("failed to persist authorization code")
	}

	f.auditor.LogEvent(security.Event{
		Type:      security.EventCodeIssued,
		AccountID: req.AccountID,
		ClientID:  req.ClientID,
		GrantID:   req.GrantID,
	})
	f.logger.Debug("Issued authorization code",
		"client_id", req.ClientID,
		"code_prefix", util.SafeTruncate(code, keyLogLength))

	return &IssuedCode{Code: code, ExpiresIn: int64(ttl.Seconds())}, nil
}

// ExchangeAuthorizationCode redeems a code for tokens.
//
// Validation runs against a plain read first; the atomic consume happens
// only after the request proves it belongs to the code. A client or
// redirect_uri mismatch therefore leaves the code redeemable by its rightful
// holder, while a failed PKCE proof burns it outright. Under concurrency the
// consume is still the single synchronization point: exactly one fully
// validated caller wins it, and a losing or later presentation of the
// consumed code counts as a replay and revokes the whole grant.
//
// SECURITY: every rejection surfaces as the same invalid_grant error. The
// true reason goes only to the audit log.
func (f *Flow) ExchangeAuthorizationCode(ctx context.Context, req ExchangeRequest) (*TokenSet, error) {
	if _, authErr := f.authenticateClient(ctx, req.ClientID, req.ClientSecret); authErr != nil {
		return nil, authErr
	}

	code, err := f.store.Find(ctx, storage.CategoryAuthorizationCode, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			// Consumed codes read as not found; only a consume attempt can
			// tell a replayed code apart from one that never existed.
			if consumed, cerr := f.store.ConsumeLive(ctx, storage.CategoryAuthorizationCode, req.Code); errors.Is(cerr, storage.ErrEntityConsumed) {
				return nil, f.handleCodeReplay(ctx, req.ClientID, consumed)
			}
			return nil, f.rejectExchange(ctx, "", req.ClientID, reasonCodeNotFound)
		}
		return nil, ErrServerError("storage failure during code exchange")
	}

	var payload storage.CodePayload
	if err := storage.UnmarshalPayload(code.Payload, &payload); err != nil {
		return nil, f.rejectExchange(ctx, code.AccountID, req.ClientID, reasonPayloadCorrupt)
	}

	// The code is bound to exactly one client. A mismatch does not touch
	// the code: the binding client can still redeem it.
	if code.ClientID != req.ClientID {
		return nil, f.rejectExchange(ctx, code.AccountID, req.ClientID, reasonClientMismatch)
	}

	// Byte-for-byte redirect_uri comparison against the issuance value.
	if !redirectURIMatches(payload.RedirectURI, req.RedirectURI) {
		return nil, f.rejectExchange(ctx, code.AccountID, req.ClientID, reasonRedirectMismatch)
	}

	if err := security.VerifyPKCE(req.CodeVerifier, payload.CodeChallenge, payload.CodeChallengeMethod); err != nil {
		// A failed proof of possession burns the code so nothing lingers.
		if derr := f.store.Destroy(ctx, storage.CategoryAuthorizationCode, req.Code); derr != nil {
			f.logger.Warn("Failed to destroy code after PKCE failure", "error", derr)
		}
		f.metrics.RecordPKCEValidationFailed(ctx, req.ClientID)
		if f.auditAllowed(req.ClientID) {
			f.auditor.LogEvent(security.Event{
				Type:      security.EventPKCEFailed,
				AccountID: code.AccountID,
				ClientID:  req.ClientID,
				GrantID:   code.GrantID,
			})
		}
		return nil, f.rejectExchange(ctx, code.AccountID, req.ClientID, reasonPKCEFailed)
	}

	// The authorizing grant must still be live and in the granted state.
	grant, err := f.FindGrant(ctx, code.GrantID)
	if err != nil || grant.State != storage.GrantStateGranted {
		return nil, f.rejectExchange(ctx, code.AccountID, req.ClientID, reasonGrantNotActive)
	}

	// The single-winner point: of all fully validated callers, exactly one
	// consumes the code.
	if _, err := f.store.ConsumeLive(ctx, storage.CategoryAuthorizationCode, req.Code); err != nil {
		if errors.Is(err, storage.ErrEntityConsumed) {
			return nil, f.handleCodeReplay(ctx, req.ClientID, code)
		}
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, f.rejectExchange(ctx, code.AccountID, req.ClientID, reasonCodeNotFound)
		}
		return nil, ErrServerError("storage failure during code exchange")
	}

	set, issueErr := f.issueTokens(ctx, grant, code.Scope, payload.Nonce)
	if issueErr != nil {
		return nil, issueErr
	}

	f.metrics.RecordCodeExchange(ctx, req.ClientID)
	f.auditor.LogEvent(security.Event{
		Type:      security.EventCodeExchanged,
		AccountID: code.AccountID,
		ClientID:  req.ClientID,
		GrantID:   code.GrantID,
	})
	f.auditor.LogTokenIssued(code.AccountID, req.ClientID, code.GrantID, set.Scope)

	return set, nil
}

// handleCodeReplay reacts to a second presentation of a consumed code:
// revoke everything the associated grant ever authorized.
func (f *Flow) handleCodeReplay(ctx context.Context, clientID string, consumed *storage.StoredEntity) *OAuthError {
	f.metrics.RecordCodeReuseDetected(ctx)

	if consumed != nil && consumed.GrantID != "" {
		revoked, err := f.store.RevokeByGrantID(ctx, consumed.GrantID)
		if err != nil {
			f.logger.Error("Failed to revoke grant after code replay",
				"grant_id", util.SafeTruncate(consumed.GrantID, keyLogLength),
				"error", err)
		} else {
			f.metrics.RecordGrantRevoked(ctx, revoked)
			f.auditor.LogGrantRevoked(consumed.AccountID, clientID, consumed.GrantID, revoked)
		}
		if f.auditAllowed(clientID) {
			f.auditor.LogEvent(security.Event{
				Type:      security.EventCodeReuseDetected,
				AccountID: consumed.AccountID,
				ClientID:  clientID,
				GrantID:   consumed.GrantID,
			})
		}
	}

	return f.rejectExchange(ctx, "", clientID, reasonCodeReplayed)
}

// issueTokens mints the access token, refresh token, and (for openid scope)
// ID token for a grant. If any write fails the already-written tokens are
// destroyed so a partial issuance never leaves a usable artifact behind.
func (f *Flow) issueTokens(ctx context.Context, grant *Grant, scope, nonce string) (*TokenSet, error) {
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
	if scopeContains(scope, "openid") {
		set.IDToken = newArtifactKey()
	}

	writes := []pendingToken{
		{storage.CategoryAccessToken, set.AccessToken, storage.TokenPayload{Kind: string(storage.CategoryAccessToken)}},
		{storage.CategoryRefreshToken, set.RefreshToken, storage.TokenPayload{Kind: string(storage.CategoryRefreshToken)}},
	}
	if set.IDToken != "" {
		writes = append(writes, pendingToken{storage.CategoryIDToken, set.IDToken, storage.TokenPayload{Kind: string(storage.CategoryIDToken), Nonce: nonce}})
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
			// Nothing issued: a failed write aborts the whole set.
			f.rollbackTokens(ctx, written)
			return nil, ErrServerError("storage failure during token issuance")
		}
		written = append(written, w)
		f.metrics.RecordTokensIssued(ctx, grant.ClientID, string(w.category))
	}

	return set, nil
}

// pendingToken is one token write of an issuance batch.
type pendingToken struct {
	category storage.Category
	key      string
	payload  storage.TokenPayload
}

// rollbackTokens destroys partially issued tokens after a failed issuance.
func (f *Flow) rollbackTokens(ctx context.Context, written []pendingToken) {
	for _, w := range written {
		if err := f.store.Destroy(ctx, w.category, w.key); err != nil {
			f.logger.Error("Failed to roll back partially issued token",
				"category", w.category,
				"key_prefix", util.SafeTruncate(w.key, keyLogLength),
				"error", err)
		}
	}
}

// VerifyAccessToken resolves a presented access token to its stored entity,
// applying the standard liveness filter.
func (f *Flow) VerifyAccessToken(ctx context.Context, token string) (*storage.StoredEntity, error) {
	entity, err := f.store.Find(ctx, storage.CategoryAccessToken, token)
	if err != nil {
		if errors.Is(err, storage.ErrEntityNotFound) {
			return nil, ErrInvalidGrant()
		}
		return nil, fmt.Errorf("storage failure during token verification: %w", err)
	}
	return entity, nil
}
