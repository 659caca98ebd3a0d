// Package mock provides mock implementations of storage interfaces for testing.
//
// Every method dispatches to an exported Func field. New wires those fields to
// an in-memory store, so tests override only the calls they want to fail or
// observe.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/storage/memory"
)

// Store is a mock implementation of CodeStore, TokenStore and ApprovalStore
type Store struct {
	backend *memory.Store

	SaveAuthorizationCodeFunc          func(ctx context.Context, code *storage.AuthorizationCode) error
	AtomicCheckAndMarkAuthCodeUsedFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	DeleteAuthorizationCodeFunc        func(ctx context.Context, code string) error

	SaveRefreshTokenFunc             func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc              func(ctx context.Context, token string) (*storage.RefreshToken, error)
	AtomicConsumeRefreshTokenFunc    func(ctx context.Context, token string) (*storage.RefreshToken, error)
	DeleteRefreshTokenFunc           func(ctx context.Context, token string) error
	RevokeRefreshTokenFamilyFunc     func(ctx context.Context, familyID string) (int, error)
	SaveAccessTokenFunc              func(ctx context.Context, record *storage.AccessTokenRecord) error
	GetAccessTokenFunc               func(ctx context.Context, tokenID string) (*storage.AccessTokenRecord, error)
	DeleteAccessTokenFunc            func(ctx context.Context, tokenID string) error
	RevokeAllTokensForUserClientFunc func(ctx context.Context, userID, clientID string) (int, error)

	SaveApprovalsFunc   func(ctx context.Context, approvals ...*storage.Approval) error
	GetApprovalsFunc    func(ctx context.Context, userID, clientID string) ([]*storage.Approval, error)
	RevokeApprovalsFunc func(ctx context.Context, userID, clientID string) error

	mu         sync.Mutex
	callCounts map[string]int
}

var (
	_ storage.CodeStore     = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
	_ storage.ApprovalStore = (*Store)(nil)
)

// New creates a mock store whose default behaviour is that of memory.Store
func New() *Store {
	backend := memory.New()
	return &Store{
		backend:    backend,
		callCounts: make(map[string]int),

		SaveAuthorizationCodeFunc:          backend.SaveAuthorizationCode,
		AtomicCheckAndMarkAuthCodeUsedFunc: backend.AtomicCheckAndMarkAuthCodeUsed,
		DeleteAuthorizationCodeFunc:        backend.DeleteAuthorizationCode,

		SaveRefreshTokenFunc:             backend.SaveRefreshToken,
		GetRefreshTokenFunc:              backend.GetRefreshToken,
		AtomicConsumeRefreshTokenFunc:    backend.AtomicConsumeRefreshToken,
		DeleteRefreshTokenFunc:           backend.DeleteRefreshToken,
		RevokeRefreshTokenFamilyFunc:     backend.RevokeRefreshTokenFamily,
		SaveAccessTokenFunc:              backend.SaveAccessToken,
		GetAccessTokenFunc:               backend.GetAccessToken,
		DeleteAccessTokenFunc:            backend.DeleteAccessToken,
		RevokeAllTokensForUserClientFunc: backend.RevokeAllTokensForUserClient,

		SaveApprovalsFunc:   backend.SaveApprovals,
		GetApprovalsFunc:    backend.GetApprovals,
		RevokeApprovalsFunc: backend.RevokeApprovals,
	}
}

// Stop stops the backing store's cleanup goroutine
func (m *Store) Stop() {
	m.backend.Stop()
}

// CallCount returns how many times the named method was invoked
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *Store) record(method string) {
	m.mu.Lock()
	m.callCounts[method]++
	m.mu.Unlock()
}

// SaveAuthorizationCode calls SaveAuthorizationCodeFunc
func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	return m.SaveAuthorizationCodeFunc(ctx, code)
}

// AtomicCheckAndMarkAuthCodeUsed calls AtomicCheckAndMarkAuthCodeUsedFunc
func (m *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("AtomicCheckAndMarkAuthCodeUsed")
	return m.AtomicCheckAndMarkAuthCodeUsedFunc(ctx, code)
}

// DeleteAuthorizationCode calls DeleteAuthorizationCodeFunc
func (m *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.record("DeleteAuthorizationCode")
	return m.DeleteAuthorizationCodeFunc(ctx, code)
}

// SaveRefreshToken calls SaveRefreshTokenFunc
func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	return m.SaveRefreshTokenFunc(ctx, token)
}

// GetRefreshToken calls GetRefreshTokenFunc
func (m *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	return m.GetRefreshTokenFunc(ctx, token)
}

// AtomicConsumeRefreshToken calls AtomicConsumeRefreshTokenFunc
func (m *Store) AtomicConsumeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("AtomicConsumeRefreshToken")
	return m.AtomicConsumeRefreshTokenFunc(ctx, token)
}

// DeleteRefreshToken calls DeleteRefreshTokenFunc
func (m *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	m.record("DeleteRefreshToken")
	return m.DeleteRefreshTokenFunc(ctx, token)
}

// RevokeRefreshTokenFamily calls RevokeRefreshTokenFamilyFunc
func (m *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error) {
	m.record("RevokeRefreshTokenFamily")
	return m.RevokeRefreshTokenFamilyFunc(ctx, familyID)
}

// SaveAccessToken calls SaveAccessTokenFunc
func (m *Store) SaveAccessToken(ctx context.Context, record *storage.AccessTokenRecord) error {
	m.record("SaveAccessToken")
	return m.SaveAccessTokenFunc(ctx, record)
}

// GetAccessToken calls GetAccessTokenFunc
func (m *Store) GetAccessToken(ctx context.Context, tokenID string) (*storage.AccessTokenRecord, error) {
	m.record("GetAccessToken")
	return m.GetAccessTokenFunc(ctx, tokenID)
}

// DeleteAccessToken calls DeleteAccessTokenFunc
func (m *Store) DeleteAccessToken(ctx context.Context, tokenID string) error {
	m.record("DeleteAccessToken")
	return m.DeleteAccessTokenFunc(ctx, tokenID)
}

// RevokeAllTokensForUserClient calls RevokeAllTokensForUserClientFunc
func (m *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	m.record("RevokeAllTokensForUserClient")
	return m.RevokeAllTokensForUserClientFunc(ctx, userID, clientID)
}

// SaveApprovals calls SaveApprovalsFunc
func (m *Store) SaveApprovals(ctx context.Context, approvals ...*storage.Approval) error {
	m.record("SaveApprovals")
	return m.SaveApprovalsFunc(ctx, approvals...)
}

// GetApprovals calls GetApprovalsFunc
func (m *Store) GetApprovals(ctx context.Context, userID, clientID string) ([]*storage.Approval, error) {
	m.record("GetApprovals")
	return m.GetApprovalsFunc(ctx, userID, clientID)
}

// RevokeApprovals calls RevokeApprovalsFunc
func (m *Store) RevokeApprovals(ctx context.Context, userID, clientID string) error {
	m.record("RevokeApprovals")
	return m.RevokeApprovalsFunc(ctx, userID, clientID)
}
