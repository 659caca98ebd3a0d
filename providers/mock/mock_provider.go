// Package mock provides mock implementations of the Provider interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/giantswarm/oauth-authserver/providers"
)

// MockProvider is a mock implementation of the Provider and UserLookup
// interfaces for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthenticateFunc is called when Authenticate() is invoked
	AuthenticateFunc func(ctx context.Context, username, password string) (*providers.Principal, error)

	// LookupUserFunc is called when LookupUser() is invoked
	LookupUserFunc func(ctx context.Context, userID string) (*providers.Principal, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var (
	_ providers.Provider   = (*MockProvider)(nil)
	_ providers.UserLookup = (*MockProvider)(nil)
)

// DefaultPrincipal is returned by the default AuthenticateFunc for the
// credentials user/password and by the default LookupUserFunc for its ID.
func DefaultPrincipal() *providers.Principal {
	return &providers.Principal{
		UserID:   "mock-user-123",
		Username: "user",
		Attributes: map[string]string{
			"user_id":   "mock-user-123",
			"full_name": "Mock User",
		},
	}
}

// NewMockProvider creates a new mock provider with default implementations
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthenticateFunc: func(_ context.Context, username, password string) (*providers.Principal, error) {
			if username == "user" && password == "password" {
				return DefaultPrincipal(), nil
			}
			return nil, providers.ErrBadCredentials
		},
		LookupUserFunc: func(_ context.Context, userID string) (*providers.Principal, error) {
			p := DefaultPrincipal()
			if userID != p.UserID {
				return nil, providers.ErrUserNotFound
			}
			return p, nil
		},
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	// Release the lock before calling the user function; it may call other mock methods.
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// Authenticate validates user credentials
func (m *MockProvider) Authenticate(ctx context.Context, username, password string) (*providers.Principal, error) {
	m.mu.Lock()
	m.CallCounts["Authenticate"]++
	fn := m.AuthenticateFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("AuthenticateFunc not configured")
	}
	return fn(ctx, username, password)
}

// LookupUser reloads a user by ID
func (m *MockProvider) LookupUser(ctx context.Context, userID string) (*providers.Principal, error) {
	m.mu.Lock()
	m.CallCounts["LookupUser"]++
	fn := m.LookupUserFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("LookupUserFunc not configured")
	}
	return fn(ctx, userID)
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
