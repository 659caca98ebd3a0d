// Package testutil provides test fixtures and helpers for the authorization
// server: clients, codes, refresh tokens, PKCE pairs, a mock clock and an
// HTTP request builder.
package testutil
