package security

import "time"

// DefaultClockSkewGracePeriod is how long past its expiry a code or token is
// still honoured, absorbing clock drift between nodes sharing a store.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired reports whether expiresAt has passed, allowing the default grace period.
// A zero expiresAt never expires.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsExpiredAt(expiresAt, time.Now(), DefaultClockSkewGracePeriod)
}

// IsExpiredAt reports whether expiresAt plus gracePeriod lies before now.
func IsExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// RemainingTTL returns the time left until expiresAt, or zero if it has passed.
// A zero expiresAt returns zero as well; callers treat that as "no expiry".
func RemainingTTL(expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	return max(expiresAt.Sub(now), 0)
}
