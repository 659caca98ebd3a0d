package clients

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-authserver/storage"
)

// dummyHash is compared against when the client is unknown or public so every
// call costs one bcrypt comparison.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Registry is the immutable set of registered clients. It is safe for
// concurrent use without locking.
type Registry struct {
	clients map[string]*storage.Client
	order   []string
	logger  *slog.Logger
}

var _ storage.ClientStore = (*Registry)(nil)

// NewRegistry validates the clients and builds a registry from them.
// Duplicate client IDs are rejected.
func NewRegistry(clients []*storage.Client, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		clients: make(map[string]*storage.Client, len(clients)),
		order:   make([]string, 0, len(clients)),
		logger:  logger,
	}
	for _, c := range clients {
		if err := Validate(c); err != nil {
			return nil, err
		}
		if _, exists := r.clients[c.ClientID]; exists {
			return nil, fmt.Errorf("%w: duplicate client_id %q", ErrInvalidClient, c.ClientID)
		}
		r.clients[c.ClientID] = c.Clone()
		r.order = append(r.order, c.ClientID)
	}

	logger.Info("Client registry built", "clients", len(r.order))
	return r, nil
}

// GetClient returns a copy of the client registered as clientID.
func (r *Registry) GetClient(_ context.Context, clientID string) (*storage.Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return c.Clone(), nil
}

// ValidateClientSecret checks secret against the client's bcrypt hash.
// Public clients always pass. Unknown clients and mismatches return
// storage.ErrInvalidClientCredentials after the same bcrypt work.
func (r *Registry) ValidateClientSecret(_ context.Context, clientID, secret string) error {
	c, ok := r.clients[clientID]

	hash := dummyHash
	public := false
	if ok {
		if c.IsPublic() {
			public = true
		} else if c.ClientSecretHash != "" {
			hash = c.ClientSecretHash
		}
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))

	switch {
	case !ok:
		return storage.ErrInvalidClientCredentials
	case public:
		return nil
	case err != nil:
		return storage.ErrInvalidClientCredentials
	}
	return nil
}

// ListClients returns copies of all clients in registration order.
func (r *Registry) ListClients(_ context.Context) ([]*storage.Client, error) {
	out := make([]*storage.Client, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.clients[id].Clone())
	}
	return out, nil
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	return len(r.order)
}

// HashSecret returns the bcrypt hash stored for a client secret.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// IsHashed reports whether s already looks like a bcrypt hash.
func IsHashed(s string) bool {
	if !strings.HasPrefix(s, "$2") {
		return false
	}
	_, err := bcrypt.Cost([]byte(s))
	return err == nil
}

// GrantTypes returns the grant types used by at least one client, sorted.
func (r *Registry) GrantTypes() []string {
	var out []string
	for _, c := range r.clients {
		for _, gt := range c.GrantTypes {
			if !slices.Contains(out, gt) {
				out = append(out, gt)
			}
		}
	}
	slices.Sort(out)
	return out
}
