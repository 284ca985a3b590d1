package flow

import (
	"context"
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// dummyBcryptHash is compared against when the client does not exist or has
// no secret, so authentication cost is the same on every path. It is an
// arbitrary well-formed bcrypt hash and corresponds to no real secret; the
// comparison against it never succeeds authentication.
const dummyBcryptHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// authenticateClient resolves the client and, for confidential clients,
// verifies the presented secret against its bcrypt hash.
//
// SECURITY: a bcrypt comparison always runs, against a dummy hash when the
// client is unknown, so response timing does not reveal whether a client id
// exists. All failures collapse into one invalid_client error.
func (f *Flow) authenticateClient(ctx context.Context, clientID, clientSecret string) (*Client, *OAuthError) {
	client, err := f.clients.FindClient(ctx, clientID)

	hashToCompare := dummyBcryptHash
	isPublic := false
	hasSecret := false
	if err == nil {
		if client.ClientType == ClientTypePublic {
			isPublic = true
		} else if client.SecretHash != "" {
			hashToCompare = client.SecretHash
			hasSecret = true
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublic && err == nil {
		return client, nil
	}
	// A confidential client without a stored hash can never authenticate;
	// the dummy comparison above only keeps the timing flat.
	if err != nil || !hasSecret || bcryptErr != nil {
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// redirectURIRegistered reports whether uri appears in the client's
// registered allow-list. Exact string match, no normalization: a URI that
// differs in case, trailing slash, or port is a different URI.
func redirectURIRegistered(client *Client, uri string) bool {
	if uri == "" {
		return false
	}
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// redirectURIMatches compares the exchange-time redirect_uri to the one the
// code was issued for, byte for byte and in constant time.
func redirectURIMatches(stored, presented string) bool {
	if len(stored) != len(presented) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}

// splitScope splits a space-delimited scope string, dropping empty segments.
func splitScope(scope string) []string {
	if scope == "" {
		return nil
	}
	parts := strings.Fields(scope)
	return parts
}

// joinScope renders a scope list in wire form.
func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// scopeContains reports whether the space-delimited scope names the value.
func scopeContains(scope, value string) bool {
	for _, s := range splitScope(scope) {
		if s == value {
			return true
		}
	}
	return false
}
