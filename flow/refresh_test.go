package flow

import (
	"context"
	"sync"
	"testing"
)

// exchangedTokens runs a full code exchange and returns the resulting set.
func exchangedTokens(t *testing.T, f *Flow, scope string) (*Grant, *TokenSet) {
	t.Helper()

	grant := grantedGrant(t, f, splitScope(scope))
	code, pkce := issueTestCode(t, f, grant, scope)
	set, err := f.ExchangeAuthorizationCode(context.Background(), exchangeReq(code.Code, pkce))
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	return grant, set
}

func TestRefreshRotation(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	grant, set := exchangedTokens(t, f, "openid profile")

	rotated, err := f.RefreshTokens(ctx, RefreshRequest{
		RefreshToken: set.RefreshToken,
		ClientID:     testWebClientID,
		ClientSecret: testWebSecret,
	})
	if err != nil {
		t.Fatalf("RefreshTokens() failed: %v", err)
	}

	if rotated.AccessToken == "" || rotated.RefreshToken == "" {
		t.Fatal("rotation must yield a fresh access/refresh pair")
	}
	if rotated.AccessToken == set.AccessToken || rotated.RefreshToken == set.RefreshToken {
		t.Fatal("rotated tokens must differ from the originals")
	}
	if rotated.Scope != set.Scope {
		t.Fatalf("rotation changed scope from %q to %q", set.Scope, rotated.Scope)
	}
	if rotated.GrantID != grant.ID {
		t.Fatalf("rotation bound to grant %q, want %q", rotated.GrantID, grant.ID)
	}

	// The new pair works.
	if _, err := f.VerifyAccessToken(ctx, rotated.AccessToken); err != nil {
		t.Fatalf("rotated access token should verify: %v", err)
	}
}

func TestRefreshReplayRevokesGrant(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	grant, set := exchangedTokens(t, f, "openid")

	rotated, err := f.RefreshTokens(ctx, RefreshRequest{
		RefreshToken: set.RefreshToken,
		ClientID:     testWebClientID,
		ClientSecret: testWebSecret,
	})
	if err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}

	// Presenting the rotated-away token again is treated as theft.
	_, err = f.RefreshTokens(ctx, RefreshRequest{
		RefreshToken: set.RefreshToken,
		ClientID:     testWebClientID,
		ClientSecret: testWebSecret,
	})
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)

	// Everything under the grant is dead, including the latest pair.
	if _, err := f.VerifyAccessToken(ctx, rotated.AccessToken); err == nil {
		t.Fatal("latest access token should be revoked after refresh replay")
	}
	_, err = f.RefreshTokens(ctx, RefreshRequest{
		RefreshToken: rotated.RefreshToken,
		ClientID:     testWebClientID,
		ClientSecret: testWebSecret,
	})
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)

	if _, err := f.FindGrant(ctx, grant.ID); err == nil {
		t.Fatal("grant should be revoked after refresh replay")
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	f, _, _ := newTestFlow(t)

	_, err := f.RefreshTokens(context.Background(), RefreshRequest{
		RefreshToken: "no-such-token",
		ClientID:     testWebClientID,
		ClientSecret: testWebSecret,
	})
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

func TestRefreshClientMismatch(t *testing.T) {
	f, _, _ := newTestFlow(t)

	_, set := exchangedTokens(t, f, "openid")

	// The CLI client presents the web client's refresh token.
	_, err := f.RefreshTokens(context.Background(), RefreshRequest{
		RefreshToken: set.RefreshToken,
		ClientID:     testCLIClientID,
	})
	assertOAuthCode(t, err, ErrorCodeInvalidGrant)
}

func TestConcurrentRefreshAtMostOneWinner(t *testing.T) {
	f, _, _ := newTestFlow(t)
	ctx := context.Background()

	grant, set := exchangedTokens(t, f, "openid")

	// Concurrent presentations of the same refresh token: at most one can
	// rotate it, and every loser counts as reuse and revokes the grant. The
	// winner itself may lose to that revocation, so zero winners is legal;
	// two never are.
	const attempts = 20
	var wg sync.WaitGroup
	results := make([]error, attempts)

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.RefreshTokens(ctx, RefreshRequest{
				RefreshToken: set.RefreshToken,
				ClientID:     testWebClientID,
				ClientSecret: testWebSecret,
			})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assertOAuthCode(t, err, ErrorCodeInvalidGrant)
		}
	}
	if winners > 1 {
		t.Fatalf("expected at most 1 winning refresh, got %d", winners)
	}

	if _, err := f.FindGrant(ctx, grant.ID); err == nil {
		t.Fatal("grant should be revoked after concurrent reuse")
	}
}
