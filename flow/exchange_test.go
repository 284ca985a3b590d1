package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/grantstore/security"
	"github.com/giantswarm/grantstore/storage"
)

// issueTestCode mints a code for the web client bound to a fresh PKCE pair.
func issueTestCode(t *testing.T, f *Flow, grant *Grant, scope string) (*IssuedCode, security.PKCEPair) {
	t.Helper()

	pkce := security.GeneratePKCE()
	code, err := f.IssueAuthorizationCode(context.Background(), IssueCodeRequest{
		AccountID:           grant.AccountID,
		ClientID:            grant.ClientID,
		GrantID:             grant.ID,
		SessionID:           grant.SessionID,
		RedirectURI:         testWebRedirectURI,
		Scope:               scope,
		CodeChallenge:       pkce.Challenge,
		CodeChallengeMethod: security.PKCEMethodS256,
		Nonce:               "n-0S6_WzA2Mj",
	})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() failed: %v", err)
	}
	return code, pkce
}

func exchangeReq(code string, pkce security.PKCEPair) ExchangeRequest {
	return ExchangeRequest{
		Code:         code,
		ClientID:     testWebClientID,
		ClientSecret: testWebSecret,
		RedirectURI:  testWebRedirectURI,
		CodeVerifier: pkce.Verifier,
	}
}

func TestIssueAuthorizationCodeValidation(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()
	pkce := security.GeneratePKCE()

	base := IssueCodeRequest{
		AccountID:           testAccountID,
		ClientID:            testWebClientID,
		GrantID:             "grant-1",
		RedirectURI:         testWebRedirectURI,
		CodeChallenge:       pkce.Challenge,
		CodeChallengeMethod: security.PKCEMethodS256,
	}

	t.Run("unknown client", func(t *testing.T) {
		req := base
		req.ClientID = "nope"
		_, err := f.IssueAuthorizationCode(ctx, req)
		assertOAuthCode(t, err, ErrorCodeInvalidClient)
	})

	t.Run("unregistered redirect URI", func(t *testing.T) {
		req := base
		req.RedirectURI = "https://evil.example.com/callback"
		_, err := f.IssueAuthorizationCode(ctx, req)
		assertOAuthCode(t, err, ErrorCodeInvalidRedirectURI)
	})

	t.Run("plain method rejected", func(t *testing.T) {
		req := base
		req.CodeChallengeMethod = "plain"
		_, err := f.IssueAuthorizationCode(ctx, req)
		assertOAuthCode(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("missing challenge", func(t *testing.T) {
		req := base
		req.CodeChallenge = ""
		_, err := f.IssueAuthorizationCode(ctx, req)
		assertOAuthCode(t, err, ErrorCodeInvalidRequest)
	})

	t.Run("missing grant binding", func(t *testing.T) {
		req := base
		req.GrantID = ""
		_, err := f.IssueAuthorizationCode(ctx, req)
		assertOAuthCode(t, err, ErrorCodeInvalidRequest)
	})
}

func TestExchangeHappyPath(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	grant := grantedGrant(t, f, []string{"openid", "profile"})
	code, pkce := issueTestCode(t, f, grant, "openid profile")

	set, err := f.ExchangeAuthorizationCode(ctx, exchangeReq(code.Code, pkce))
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() failed: %v", err)
	}

	if set.AccessToken == "" || set.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}
	if set.IDToken == "" {
		t.Fatal("expected ID token for openid scope")
	}
	if set.TokenType != "Bearer" {
		t.Fatalf("expected Bearer token type, got %q", set.TokenType)
	}
	if set.Scope != "openid profile" {
		t.Fatalf("unexpected scope %q", set.Scope)
	}
	if set.GrantID != grant.ID {
		t.Fatalf("token set bound to grant %q, want %q", set.GrantID, grant.ID)
	}

	entity, err := f.VerifyAccessToken(ctx, set.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken() failed: %v", err)
	}
	if entity.AccountID != testAccountID || entity.GrantID != grant.ID {
		t.Fatalf("access token entity bindings wrong: %+v", entity)
	}
}

func TestExchangeWithoutOpenIDScopeOmitsIDToken(t *testing.T) {
	f, _, _ := newTestFlow(t)

	grant := grantedGrant(t, f, []string{"profile"})
	code, pkce := issueTestCode(t, f, grant, "profile")

	set, err := f.ExchangeAuthorizationCode(context.Background(), exchangeReq(code.Code, pkce))
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() failed: %v", err)
	}
	if set.IDToken != "" {
		t.Fatal("ID token must not be issued without openid scope")
	}
}

func TestExchangeWrongVerifierDestroysCode(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	grant := grantedGrant(t, f, []string{"openid"})
	code, pkce := issueTestCode(t, f, grant, "openid")

	req := exchangeReq(code.Code, pkce)
	req.CodeVerifier = security.GeneratePKCE().Verifier
	_, err := f.ExchangeAuthorizationCode(ctx, req)
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)

	// The code is gone; even the correct verifier cannot redeem it now.
	_, err = f.ExchangeAuthorizationCode(ctx, exchangeReq(code.Code, pkce))
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeRedirectMismatch(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	grant := grantedGrant(t, f, []string{"openid"})
	code, pkce := issueTestCode(t, f, grant, "openid")

	req := exchangeReq(code.Code, pkce)
	req.RedirectURI = testWebRedirectURI + "/"
	_, err := f.ExchangeAuthorizationCode(ctx, req)
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)

	// The mismatch must not burn the code: the correct request still works.
	if _, err := f.ExchangeAuthorizationCode(ctx, exchangeReq(code.Code, pkce)); err != nil {
		t.Fatalf("correct exchange after redirect mismatch failed: %v", err)
	}
}

func TestExchangeClientMismatch(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	// Code issued to the public CLI client, redeemed by the web client.
	grant, err := f.CreateGrant(ctx, testAccountID, testCLIClientID, "", []string{"openid"})
	if err != nil {
		t.Fatalf("CreateGrant() failed: %v", err)
	}
	if _, err := f.ApproveGrant(ctx, grant.ID, []string{"openid"}, nil); err != nil {
		t.Fatalf("ApproveGrant() failed: %v", err)
	}

	pkce := security.GeneratePKCE()
	code, err := f.IssueAuthorizationCode(ctx, IssueCodeRequest{
		AccountID:           testAccountID,
		ClientID:            testCLIClientID,
		GrantID:             grant.ID,
		RedirectURI:         testCLIRedirectURI,
		CodeChallenge:       pkce.Challenge,
		CodeChallengeMethod: security.PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("IssueAuthorizationCode() failed: %v", err)
	}

	_, err = f.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		Code:         code.Code,
		ClientID:     testWebClientID,
		ClientSecret: testWebSecret,
		RedirectURI:  testCLIRedirectURI,
		CodeVerifier: pkce.Verifier,
	})
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)

	// The wrong client's attempt neither burned the code nor revoked the
	// grant: the CLI client it was issued to can still redeem it.
	if _, err := f.ExchangeAuthorizationCode(ctx, ExchangeRequest{
		Code:         code.Code,
		ClientID:     testCLIClientID,
		RedirectURI:  testCLIRedirectURI,
		CodeVerifier: pkce.Verifier,
	}); err != nil {
		t.Fatalf("rightful exchange after client mismatch failed: %v", err)
	}
}

func TestExchangeUnknownCode(t *testing.T) {
	f, _, _ := newTestFlow(t)

	_, err := f.ExchangeAuthorizationCode(context.Background(), ExchangeRequest{
		Code:         "no-such-code",
		ClientID:     testWebClientID,
		ClientSecret: testWebSecret,
		RedirectURI:  testWebRedirectURI,
		CodeVerifier: security.GeneratePKCE().Verifier,
	})
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeExpiredCode(t *testing.T) {
	f, _, clock := newTestFlow(t)

	grant := grantedGrant(t, f, []string{"openid"})
	code, pkce := issueTestCode(t, f, grant, "openid")

	clock.Advance(storage.DefaultTTL(storage.CategoryAuthorizationCode) + security.DefaultClockSkewGracePeriod + time.Second)

	_, err := f.ExchangeAuthorizationCode(context.Background(), exchangeReq(code.Code, pkce))
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeRequiresActiveGrant(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	// Grant never approved: still awaiting consent.
	grant, err := f.CreateGrant(ctx, testAccountID, testWebClientID, "", []string{"openid"})
	if err != nil {
		t.Fatalf("CreateGrant() failed: %v", err)
	}
	if _, err := f.AdvanceGrant(ctx, grant.ID, storage.GrantStateAwaitingConsent); err != nil {
		t.Fatalf("AdvanceGrant() failed: %v", err)
	}

	code, pkce := issueTestCode(t, f, grant, "openid")
	_, err = f.ExchangeAuthorizationCode(ctx, exchangeReq(code.Code, pkce))
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

func TestExchangeCodeReplayRevokesGrant(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	grant := grantedGrant(t, f, []string{"openid"})
	code, pkce := issueTestCode(t, f, grant, "openid")

	set, err := f.ExchangeAuthorizationCode(ctx, exchangeReq(code.Code, pkce))
	if err != nil {
		t.Fatalf("first exchange failed: %v", err)
	}

	// Replay the consumed code.
	_, err = f.ExchangeAuthorizationCode(ctx, exchangeReq(code.Code, pkce))
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)

	// The cascade killed everything issued under the grant.
	if _, err := f.VerifyAccessToken(ctx, set.AccessToken); err == nil {
		t.Fatal("access token should be revoked after code replay")
	}
	_, err = f.RefreshTokens(ctx, RefreshRequest{
		RefreshToken: set.RefreshToken,
		ClientID:     testWebClientID,
		ClientSecret: testWebSecret,
	})
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)

	if _, err := f.FindGrant(ctx, grant.ID); err == nil {
		t.Fatal("grant should be revoked after code replay")
	}
}

func TestConcurrentExchangeSingleWinner(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	grant := grantedGrant(t, f, []string{"openid"})
	code, pkce := issueTestCode(t, f, grant, "openid")

	const attempts = 20
	var wg sync.WaitGroup
	results := make([]error, attempts)

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.ExchangeAuthorizationCode(ctx, exchangeReq(code.Code, pkce))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winning exchange, got %d", winners)
	}
}

func TestClientAuthentication(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	t.Run("wrong secret", func(t *testing.T) {
		_, err := f.ExchangeAuthorizationCode(ctx, ExchangeRequest{
			Code:         "irrelevant",
			ClientID:     testWebClientID,
			ClientSecret: "wrong",
			RedirectURI:  testWebRedirectURI,
		})
		assertOAuthCode(t, err, ErrorCodeInvalidClient)
	})

	t.Run("unknown client", func(t *testing.T) {
		_, err := f.ExchangeAuthorizationCode(ctx, ExchangeRequest{
			Code:        "irrelevant",
			ClientID:    "ghost",
			RedirectURI: testWebRedirectURI,
		})
		assertOAuthCode(t, err, ErrorCodeInvalidClient)
	})

	t.Run("public client needs no secret", func(t *testing.T) {
		grant, err := f.CreateGrant(ctx, testAccountID, testCLIClientID, "", []string{"openid"})
		if err != nil {
			t.Fatalf("CreateGrant() failed: %v", err)
		}
		if _, err := f.ApproveGrant(ctx, grant.ID, []string{"openid"}, nil); err != nil {
			t.Fatalf("ApproveGrant() failed: %v", err)
		}
		pkce := security.GeneratePKCE()
		code, err := f.IssueAuthorizationCode(ctx, IssueCodeRequest{
			AccountID:           testAccountID,
			ClientID:            testCLIClientID,
			GrantID:             grant.ID,
			RedirectURI:         testCLIRedirectURI,
			CodeChallenge:       pkce.Challenge,
			CodeChallengeMethod: security.PKCEMethodS256,
		})
		if err != nil {
			t.Fatalf("IssueAuthorizationCode() failed: %v", err)
		}
		if _, err := f.ExchangeAuthorizationCode(ctx, ExchangeRequest{
			Code:         code.Code,
			ClientID:     testCLIClientID,
			RedirectURI:  testCLIRedirectURI,
			CodeVerifier: pkce.Verifier,
		}); err != nil {
			t.Fatalf("public client exchange failed: %v", err)
		}
	})
}

func TestVerifyAccessTokenUnknown(t *testing.T) {
	f, _, _ := newTestFlow(t)

	_, err := f.VerifyAccessToken(context.Background(), "no-such-token")
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}
