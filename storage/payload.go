package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload bodies per category. The envelope treats them as opaque blobs;
// these types give the flow layer a tagged view of the same bytes.
//
// SECURITY: the PKCE challenge inside CodePayload is written once at
// issuance and never mutated afterwards. Verification recomputes the
// challenge from the presented verifier instead of ever writing it back.

// CodePayload is the body of an AuthorizationCode entity.
type CodePayload struct {
	RedirectURI         string   `json:"redirect_uri"`
	CodeChallenge       string   `json:"code_challenge"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
	Nonce               string   `json:"nonce,omitempty"`
	ClaimsRequested     []string `json:"claims_requested,omitempty"`
}

// TokenPayload is the body of AccessToken, RefreshToken, and IDToken
// entities.
type TokenPayload struct {
	// Kind mirrors the category for consumers that only see the blob.
	Kind string `json:"kind"`

	// RotatedFrom is the key of the refresh token this one replaced, set
	// on rotation so reuse of the parent can be traced to this family.
	RotatedFrom string `json:"rotated_from,omitempty"`

	Nonce string `json:"nonce,omitempty"`
}

// GrantPayload is the body of a Grant entity: the durable record of
// "account X approved scopes/claims S for client Y".
type GrantPayload struct {
	Scopes []string `json:"scopes"`
	Claims []string `json:"claims,omitempty"`

	// State tracks the per-authorization-request machine:
	// started -> awaiting_login -> awaiting_consent -> granted,
	// with revoked reachable from any of them.
	State string `json:"state"`
}

// Grant state machine values.
const (
	GrantStateStarted         = "started"
	GrantStateAwaitingLogin   = "awaiting_login"
	GrantStateAwaitingConsent = "awaiting_consent"
	GrantStateGranted         = "granted"
	GrantStateRevoked         = "revoked"
)

// SessionPayload is the body of a Session entity ("account X is logged in").
type SessionPayload struct {
	AuthTime time.Time `json:"auth_time"`
	AMR      []string  `json:"amr,omitempty"`
}

// DevicePayload is the body of a DeviceCode entity.
type DevicePayload struct {
	// Approved is set when the end user accepts the request at the
	// verification URI; Denied when they reject it.
	Approved bool `json:"approved"`
	Denied   bool `json:"denied"`

	Interval time.Duration `json:"interval"`
}

// PushedRequestPayload is the body of a PushedAuthorizationRequest entity
// (RFC 9126). The pre-registered request parameters are replayed at the
// authorization endpoint exactly once.
type PushedRequestPayload struct {
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Nonce               string `json:"nonce,omitempty"`
}

// MarshalPayload serializes a payload body for the entity envelope.
func MarshalPayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes an entity payload into the category-specific
// body type.
func UnmarshalPayload(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}
