// Package security provides the cryptographic and protective primitives the
// grant core depends on: PKCE generation and verification (S256 only),
// clock-skew-tolerant expiry checks, payload encryption at rest, security
// audit logging with PII hashing, and event rate limiting.
//
// # PKCE
//
// Only the S256 code_challenge_method is supported. The "plain" method is
// deliberately not implemented: it offers no protection against an attacker
// who can observe the authorization request, and removing it simplifies the
// threat model. Verification uses constant-time comparison.
//
// # Clock skew
//
// Read paths tolerate DefaultClockSkewGracePeriod of skew between nodes that
// share a store. Prune sweeps use the raw instant so expired rows are
// reclaimed on schedule.
//
// # Audit logging
//
// The Auditor hashes account identifiers before they reach log output and is
// paired with an EventRateLimiter so replay attacks cannot flood the log.
package security
