package server

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// normalizePKCEMethod canonicalizes code_challenge_method. Matching is case
// insensitive; an empty method defaults to plain (RFC 7636 Section 4.3).
func normalizePKCEMethod(method string) (string, bool) {
	switch {
	case method == "", strings.EqualFold(method, PKCEMethodPlain):
		return PKCEMethodPlain, true
	case strings.EqualFold(method, PKCEMethodS256):
		return PKCEMethodS256, true
	}
	return "", false
}

func isValidPKCEString(s string) bool {
	if len(s) < MinCodeVerifierLength || len(s) > MaxCodeVerifierLength {
		return false
	}
	for _, ch := range s {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return false
		}
	}
	return true
}

// validateCodeChallenge checks an authorization request's PKCE parameters and
// returns the canonical method. An empty challenge is allowed here; whether the
// client must send one is decided by the caller.
func (s *Server) validateCodeChallenge(challenge, method string) (string, error) {
	if challenge == "" {
		if method != "" {
			return "", invalidRequest("code_challenge_method without code_challenge")
		}
		return "", nil
	}
	canonical, ok := normalizePKCEMethod(method)
	if !ok {
		return "", invalidRequest("unsupported code_challenge_method: %s", method)
	}
	if canonical == PKCEMethodPlain && !s.Config.AllowPKCEPlain {
		return "", invalidRequest("'%s' code_challenge_method is not allowed", PKCEMethodPlain)
	}
	if !isValidPKCEString(challenge) {
		return "", invalidRequest("malformed code_challenge")
	}
	return canonical, nil
}

// verifyPKCE checks a code_verifier against the challenge stored with a code.
func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}
	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}
	if !isValidPKCEString(verifier) {
		return fmt.Errorf("code_verifier must be %d-%d characters of [A-Za-z0-9-._~]", MinCodeVerifierLength, MaxCodeVerifierLength)
	}

	var computed string
	canonical, _ := normalizePKCEMethod(method)
	switch canonical {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}
