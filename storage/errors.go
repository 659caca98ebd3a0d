package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// Sentinel errors returned by storage implementations. Callers match them with
// errors.Is; implementations may wrap them with additional context.
var (
	ErrClientNotFound            = errors.New("client not found")
	ErrInvalidClientCredentials  = errors.New("invalid client credentials")
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
	ErrAuthorizationCodeUsed     = errors.New("authorization code already used")
	ErrTokenNotFound             = errors.New("token not found")
	ErrTokenExpired              = errors.New("token expired")
	ErrTokenConsumed             = errors.New("token already consumed")
	ErrTokenFamilyRevoked        = errors.New("token family revoked")
)

// HashToken returns the storage key for a raw token value (hex SHA-256).
// Stores never persist raw refresh tokens or codes as keys.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
