package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period for entity
	// expiration checks on reads. This prevents false expiration errors
	// due to time synchronization issues between nodes sharing a store.
	//
	// Trade-off: an artifact can be accepted up to 5 seconds past its
	// true expiry. Prune sweeps never apply the grace period - they
	// compare against the raw instant so storage is reclaimed on time.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks expiry with the default clock skew grace period.
func IsExpired(expiresAt time.Time, now time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, now, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks expiry with a custom grace period.
// A zero expiresAt means no expiration.
func IsExpiredWithGracePeriod(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IsExpiringSoon checks whether the instant falls within the threshold.
func IsExpiringSoon(expiresAt, now time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.Add(threshold).After(expiresAt)
}
