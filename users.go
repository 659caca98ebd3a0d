package authserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/giantswarm/oauth-authserver/providers"
)

// UserAuthenticator identifies the resource owner at the authorization
// endpoint. It returns (nil, nil) when the request carries no valid user
// credentials; the handler then challenges the user agent. Errors mean the
// user could not be checked at all.
type UserAuthenticator interface {
	AuthenticateUser(r *http.Request) (*providers.Principal, error)
}

// UserAuthenticatorFunc adapts a function to UserAuthenticator.
type UserAuthenticatorFunc func(r *http.Request) (*providers.Principal, error)

// AuthenticateUser calls f(r).
func (f UserAuthenticatorFunc) AuthenticateUser(r *http.Request) (*providers.Principal, error) {
	return f(r)
}

// BasicUserAuthenticator checks HTTP Basic credentials against a provider.
type BasicUserAuthenticator struct {
	Provider providers.Provider

	// Timeout bounds each provider call. Zero means no limit beyond the
	// request context.
	Timeout time.Duration
}

// AuthenticateUser implements UserAuthenticator.
func (a *BasicUserAuthenticator) AuthenticateUser(r *http.Request) (*providers.Principal, error) {
	username, password, ok := r.BasicAuth()
	if !ok || username == "" {
		return nil, nil
	}

	ctx := r.Context()
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	principal, err := a.Provider.Authenticate(ctx, username, password)
	switch {
	case err == nil:
		return principal, nil
	case errors.Is(err, providers.ErrBadCredentials), errors.Is(err, providers.ErrUserNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("authenticate user: %w", err)
	}
}
