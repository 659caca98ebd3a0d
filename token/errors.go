package token

import "errors"

var (
	// ErrMalformed is returned when a token cannot be parsed as a compact JWS
	ErrMalformed = errors.New("malformed token")

	// ErrInvalidSignature is returned when no verification key accepts the
	// signature or the algorithm is not allowed
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrExpired is returned for tokens past their exp claim
	ErrExpired = errors.New("token expired")

	// ErrInvalidClaims is returned when registered claims do not validate
	// (issuer, not-before, issued-in-the-future)
	ErrInvalidClaims = errors.New("invalid token claims")

	// ErrSigning is returned when a token cannot be signed
	ErrSigning = errors.New("token signing failed")

	// ErrProtectedClaim is returned when an enhancer changes iss, exp, iat or jti
	// or sets a registered claim through Extra
	ErrProtectedClaim = errors.New("enhancer modified a protected claim")
)
