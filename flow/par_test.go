package flow

import (
	"context"
	"strings"
	"testing"

	"github.com/giantswarm/grantstore/security"
)

func testPushRequest() PushRequest {
	pkce := security.GeneratePKCE()
	return PushRequest{
		ClientID:            testWebClientID,
		ClientSecret:        testWebSecret,
		RedirectURI:         testWebRedirectURI,
		Scope:               "openid profile",
		State:               "af0ifjsldkj",
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       pkce.Challenge,
		CodeChallengeMethod: security.PKCEMethodS256,
	}
}

func TestPushAndResolveRequest(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	req := testPushRequest()
	pushed, err := f.PushAuthorizationRequest(ctx, req)
	if err != nil {
		t.Fatalf("PushAuthorizationRequest() failed: %v", err)
	}

	if !strings.HasPrefix(pushed.RequestURI, requestURIPrefix) {
		t.Fatalf("request URI %q misses the urn prefix", pushed.RequestURI)
	}
	if pushed.ExpiresIn <= 0 {
		t.Fatalf("expires_in = %d", pushed.ExpiresIn)
	}

	payload, err := f.ResolvePushedRequest(ctx, testWebClientID, pushed.RequestURI)
	if err != nil {
		t.Fatalf("ResolvePushedRequest() failed: %v", err)
	}
	if payload.RedirectURI != req.RedirectURI ||
		payload.Scope != req.Scope ||
		payload.State != req.State ||
		payload.Nonce != req.Nonce ||
		payload.CodeChallenge != req.CodeChallenge ||
		payload.CodeChallengeMethod != security.PKCEMethodS256 {
		t.Fatalf("resolved payload does not round-trip: %+v", payload)
	}
}

func TestResolvePushedRequestIsOneShot(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	pushed, err := f.PushAuthorizationRequest(ctx, testPushRequest())
	if err != nil {
		t.Fatalf("PushAuthorizationRequest() failed: %v", err)
	}

	if _, err := f.ResolvePushedRequest(ctx, testWebClientID, pushed.RequestURI); err != nil {
		t.Fatalf("first resolution failed: %v", err)
	}
	_, err = f.ResolvePushedRequest(ctx, testWebClientID, pushed.RequestURI)
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

func TestPushAuthorizationRequestValidation(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	t.Run("wrong client secret", func(t *testing.T) {
		req := testPushRequest()
		req.ClientSecret = "wrong"
		_, err := f.PushAuthorizationRequest(ctx, req)
		assertOAuthCode(t, err, ErrorCodeInvalidClient)
	})

	t.Run("unregistered redirect URI", func(t *testing.T) {
		req := testPushRequest()
		req.RedirectURI = "https://evil.example.com/cb"
		_, err := f.PushAuthorizationRequest(ctx, req)
		assertOAuthCode(t, err, ErrorCodeInvalidRedirectURI)
	})

	t.Run("plain method rejected", func(t *testing.T) {
		req := testPushRequest()
		req.CodeChallengeMethod = "plain"
		_, err := f.PushAuthorizationRequest(ctx, req)
		assertOAuthCode(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("missing challenge", func(t *testing.T) {
		req := testPushRequest()
		req.CodeChallenge = ""
		_, err := f.PushAuthorizationRequest(ctx, req)
		assertOAuthCode(t, err, ErrorCodeInvalidRequest)
	})
}

func TestResolvePushedRequestRejectsBadURIs(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	pushed, err := f.PushAuthorizationRequest(ctx, testPushRequest())
	if err != nil {
		t.Fatalf("PushAuthorizationRequest() failed: %v", err)
	}

	t.Run("missing prefix", func(t *testing.T) {
		_, err := f.ResolvePushedRequest(ctx, testWebClientID, "https://example.com/not-a-urn")
		assertOAuthCode(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("bare prefix", func(t *testing.T) {
		_, err := f.ResolvePushedRequest(ctx, testWebClientID, requestURIPrefix)
		assertOAuthCode(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("unknown reference", func(t *testing.T) {
		_, err := f.ResolvePushedRequest(ctx, testWebClientID, requestURIPrefix+"missing")
		assertOAuthCode(t, err, ErrorCodeInvalidGrant)
	})

	t.Run("wrong client", func(t *testing.T) {
		_, err := f.ResolvePushedRequest(ctx, testCLIClientID, pushed.RequestURI)
		assertOAuthCode(t, err, ErrorCodeInvalidGrant)
	})
}
