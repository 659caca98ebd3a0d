package server

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oauth-authserver/clients"
	"github.com/giantswarm/oauth-authserver/internal/testutil"
	"github.com/giantswarm/oauth-authserver/providers/mock"
	"github.com/giantswarm/oauth-authserver/storage"
	storagemock "github.com/giantswarm/oauth-authserver/storage/mock"
)

func newMockStoreServer(t *testing.T) (*Server, *storagemock.Store) {
	t.Helper()
	store := storagemock.New()
	t.Cleanup(store.Stop)

	registry, err := clients.NewRegistry([]*storage.Client{testutil.GenerateTestClient(t)}, nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	srv, err := New(mock.NewMockProvider(), registry, store, store, store, newTestChain(t), &Config{Issuer: testIssuer}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, store
}

func TestToken_RefreshTokenStoreFailure(t *testing.T) {
	srv, store := newMockStoreServer(t)
	store.SaveRefreshTokenFunc = func(context.Context, *storage.RefreshToken) error {
		return errors.New("connection reset")
	}

	_, err := srv.Token(context.Background(), passwordRequest())
	requireGrantError(t, err, ErrServerError, StateGrantDispatched)
	if n := store.CallCount("SaveRefreshToken"); n != 1 {
		t.Errorf("SaveRefreshToken calls = %d, want 1", n)
	}
}

func TestRevoke_StoreFailure(t *testing.T) {
	srv, store := newMockStoreServer(t)
	ctx := context.Background()

	issued, err := srv.Token(ctx, passwordRequest())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	store.RevokeRefreshTokenFamilyFunc = func(context.Context, string) (int, error) {
		return 0, errors.New("connection reset")
	}

	client, err := srv.AuthenticateClient(ctx, "test-client-id", "test-secret")
	if err != nil {
		t.Fatalf("AuthenticateClient() error = %v", err)
	}
	if err := srv.Revoke(ctx, client, issued.RefreshToken, TokenTypeHintRefreshToken, ""); err == nil {
		t.Error("Revoke() should surface the store failure")
	}
}

func TestRefreshGrant_FamilyRevokedMidRotation(t *testing.T) {
	srv, store := newMockStoreServer(t)
	ctx := context.Background()

	issued, err := srv.Token(ctx, passwordRequest())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}

	// Reuse detection on another node lands between consume and save
	consume := store.AtomicConsumeRefreshTokenFunc
	store.AtomicConsumeRefreshTokenFunc = func(ctx context.Context, token string) (*storage.RefreshToken, error) {
		rt, err := consume(ctx, token)
		if err == nil {
			_, _ = store.RevokeRefreshTokenFamily(ctx, rt.FamilyID)
		}
		return rt, err
	}

	_, err = srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantTypeRefreshToken,
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		RefreshToken: issued.RefreshToken,
	})
	requireGrantError(t, err, ErrInvalidGrant, StateGrantDispatched)
	if n := store.CallCount("SaveRefreshToken"); n != 1 {
		t.Errorf("SaveRefreshToken calls = %d, want only the original", n)
	}
}
