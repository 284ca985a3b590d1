package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE constants per RFC 7636.
const (
	// PKCEMethodS256 is the only supported code_challenge_method. The
	// "plain" method is intentionally unsupported to eliminate the
	// documented weaker mode.
	PKCEMethodS256 = "S256"

	// MinCodeVerifierLength is the RFC 7636 minimum verifier length
	MinCodeVerifierLength = 43

	// MaxCodeVerifierLength is the RFC 7636 maximum verifier length
	MaxCodeVerifierLength = 128
)

// PKCEPair is a generated code_verifier and its S256 code_challenge.
type PKCEPair struct {
	Verifier  string
	Challenge string
}

// GeneratePKCE draws a high-entropy code_verifier from a cryptographically
// secure RNG and derives its S256 challenge. The verifier is 43 characters
// of the unreserved URI character set (oauth2.GenerateVerifier produces
// base64url-encoded 32-byte randomness).
func GeneratePKCE() PKCEPair {
	verifier := oauth2.GenerateVerifier()
	return PKCEPair{
		Verifier:  verifier,
		Challenge: ComputeS256Challenge(verifier),
	}
}

// ComputeS256Challenge returns base64url(SHA-256(verifier)) without padding.
func ComputeS256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ValidateVerifier checks the RFC 7636 shape of a code_verifier: 43-128
// characters drawn from [A-Za-z0-9-._~]. This runs before any hashing so
// malformed input is rejected without revealing anything about the stored
// challenge.
func ValidateVerifier(verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}

	// RFC 7636: code_verifier can only contain [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~"
	// Also rejects null bytes, control characters, and Unicode.
	for _, ch := range verifier {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
		}
	}
	return nil
}

// VerifyPKCE recomputes the S256 transform of the presented verifier and
// compares it to the stored challenge in constant time. Only the S256 method
// is accepted.
//
// SECURITY: constant-time comparison prevents timing side channels on the
// challenge value; a false return during code exchange must cause the code
// to be destroyed, not retried.
func VerifyPKCE(verifier, storedChallenge, method string) error {
	if storedChallenge == "" {
		return fmt.Errorf("no code_challenge bound to this code")
	}
	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (only S256 is supported)", method)
	}
	if err := ValidateVerifier(verifier); err != nil {
		return err
	}

	computed := ComputeS256Challenge(verifier)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
