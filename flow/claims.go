package flow

import (
	"context"
	"fmt"
)

// Scope values the claims resolver understands.
const (
	ScopeOpenID  = "openid"
	ScopeProfile = "profile"
	ScopeEmail   = "email"
	ScopePhone   = "phone"
)

// ResolveClaims builds the claim set for a token issued to clientID under
// the given scopes.
//
// The sub claim is always present. The profile scope adds name and roles;
// roles is always an array, empty when the account holds none, never
// omitted - consumers index into it without nil checks. Role visibility is
// isolated per client: only the roles assigned for the requesting client
// appear, regardless of what the account holds for other clients.
func (f *Flow) ResolveClaims(ctx context.Context, accountID, clientID string, scopes []string) (map[string]any, error) {
	account, err := f.accounts.FindAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve account: %w", err)
	}

	claims := map[string]any{
		"sub": account.ID,
	}

	for _, scope := range scopes {
		switch scope {
		case ScopeProfile:
			claims["name"] = account.Name
			roles := account.Roles[clientID]
			if roles == nil {
				roles = []string{}
			}
			claims["roles"] = roles
		case ScopeEmail:
			claims["email"] = account.Email
			claims["email_verified"] = account.EmailVerified
		case ScopePhone:
			claims["phone_number"] = account.PhoneNumber
			claims["phone_number_verified"] = account.PhoneNumberVerified
		}
	}

	return claims, nil
}
