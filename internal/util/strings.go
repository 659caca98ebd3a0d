package util

import (
	"slices"
	"strings"
)

// SafeTruncate returns at most maxLen bytes of s. It is used to log a prefix of
// tokens and codes without leaking the full value.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScope splits a space-delimited scope parameter (RFC 6749 Section 3.3)
// into its distinct values, preserving first-seen order. An empty or blank
// parameter yields nil.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// FormatScope joins scopes into the space-delimited wire form.
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IsSubset reports whether every element of requested is contained in allowed.
// An empty requested list is always a subset.
func IsSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}

// Intersect returns the elements of a that are also in b, in a's order.
func Intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		if slices.Contains(b, s) && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// NormalizeURL removes trailing slashes so issuer URLs compare equal with or
// without them.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
