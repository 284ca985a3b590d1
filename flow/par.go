package flow

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

// requestURIPrefix is the RFC 9126 request_uri namespace.
const requestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// PushRequest carries the authorization parameters a client pushes ahead of
// redirecting the user agent.
type PushRequest struct {
	ClientID     string
	ClientSecret string

	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// PushedRequest is the result of PushAuthorizationRequest.
type PushedRequest struct {
	RequestURI string
	ExpiresIn  int64
}

// PushAuthorizationRequest stores a pushed authorization request and returns
// the request_uri the client presents at the authorization endpoint. The
// request parameters are validated here, at push time, so the later
// front-channel request only needs to resolve the URI.
func (f *Flow) PushAuthorizationRequest(ctx context.Context, req PushRequest) (*PushedRequest, error) {
	client, authErr := f.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if authErr != nil {
		return nil, authErr
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

	payload, err := storage.MarshalPayload(storage.PushedRequestPayload{
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		return nil, ErrServerError("failed to encode pushed request payload")
	}

	key := uuid.NewString()
	ttl := f.ttlFor(storage.CategoryPushedAuthorizationRequest)
	entity := &storage.StoredEntity{
		Category: storage.CategoryPushedAuthorizationRequest,
		Key:      key,
		ClientID: req.ClientID,
		Scope:    req.Scope,
		Payload:  payload,
	}
	if err := f.store.Upsert(ctx, entity, ttl); err != nil {
		return nil, ErrServerError("failed to persist pushed request")
	}

	f.metrics.RecordRequestPushed(ctx, req.ClientID)
	f.auditor.LogEvent(security.Event{
		Type:     security.EventRequestPushed,
		ClientID: req.ClientID,
	})

	return &PushedRequest{
		RequestURI: requestURIPrefix + key,
		ExpiresIn:  int64(ttl.Seconds()),
	}, nil
}

// ResolvePushedRequest redeems a request_uri at the authorization endpoint.
// Resolution consumes the stored request: a request_uri is single use, so a
// leaked URI cannot start a second authorization.
func (f *Flow) ResolvePushedRequest(ctx context.Context, clientID, requestURI string) (*storage.PushedRequestPayload, error) {
	key, ok := strings.CutPrefix(requestURI, requestURIPrefix)
	if ok {
		ok = key != ""
	}
	if !ok {
		return nil, f.rejectExchange(ctx, "", clientID, reasonRequestURIInvalid)
	}

	entity, err := f.store.ConsumeLive(ctx, storage.CategoryPushedAuthorizationRequest, key)
	if err != nil {
		if errors.Is(err, storage.ErrEntityConsumed) || errors.Is(err, storage.ErrEntityNotFound) {
			return nil, f.rejectExchange(ctx, "", clientID, reasonRequestURIInvalid)
		}
		return nil, ErrServerError("storage failure during pushed request resolution")
	}

	// The URI is bound to the pushing client.
	if entity.ClientID != clientID {
		return nil, f.rejectExchange(ctx, "", clientID, reasonClientMismatch)
	}

	var payload storage.PushedRequestPayload
	if err := storage.UnmarshalPayload(entity.Payload, &payload); err != nil {
		return nil, f.rejectExchange(ctx, "", clientID, reasonPayloadCorrupt)
	}
	return &payload, nil
}
