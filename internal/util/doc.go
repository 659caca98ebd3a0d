// Package util provides small helpers shared by the authorization server
// packages: log-safe truncation, OAuth scope list handling and redirect host
// classification.
package util
